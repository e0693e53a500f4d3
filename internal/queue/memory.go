package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/skillbridge254/eventsync/internal/config"
	"github.com/skillbridge254/eventsync/internal/event"
)

// memoryStore keeps the queue in process memory. Nothing survives a restart;
// it exists for tests and for hosts without a writable disk.
type memoryStore struct {
	mu         sync.Mutex
	maxSize    int
	maxRetries int
	now        func() time.Time

	nextID     int64
	nextDeadID int64
	records    map[int64]event.Record
	dead       []DeadLetter

	lastSync      *time.Time
	lastSyncCount int
}

// NewMemoryStore creates an in-memory Store. cfg.Path is ignored.
func NewMemoryStore(cfg config.QueueConfig) Store {
	return &memoryStore{
		maxSize:    cfg.MaxSize,
		maxRetries: cfg.MaxRetries,
		now:        time.Now,
		records:    make(map[int64]event.Record),
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) Enqueue(ctx context.Context, r event.Record) (event.Record, error) {
	out, err := s.EnqueueBatch(ctx, []event.Record{r})
	if err != nil {
		return event.Record{}, err
	}
	return out[0], nil
}

func (s *memoryStore) EnqueueBatch(ctx context.Context, rs []event.Record) ([]event.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	pending := s.pendingIDs()
	if n := evictCount(s.maxSize, len(pending), len(rs)); n > 0 {
		for _, id := range pending[:n] {
			s.moveToDeadLetter(id, ReasonEvicted, now)
		}
	}

	out := make([]event.Record, 0, len(rs))
	for _, r := range rs {
		r = prepareForQueue(r, now)
		s.nextID++
		r.ID = s.nextID
		s.records[r.ID] = cloneRecord(r)
		out = append(out, r)
	}
	return out, nil
}

// pendingIDs returns unsynced ids in insertion order. Caller holds mu.
func (s *memoryStore) pendingIDs() []int64 {
	ids := make([]int64, 0, len(s.records))
	for id, r := range s.records {
		if !r.Synced() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *memoryStore) PeekBatch(ctx context.Context, n int) ([]event.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.pendingIDs()
	if len(ids) > n {
		ids = ids[:n]
	}
	var out []event.Record
	for _, id := range ids {
		out = append(out, cloneRecord(s.records[id]))
	}
	return out, nil
}

func (s *memoryStore) MarkSynced(ctx context.Context, ids ...int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, id := range ids {
		r, ok := s.records[id]
		if !ok || r.Synced() {
			continue
		}
		syncedAt := now
		r.SyncStatus.SyncedAt = &syncedAt
		r.SyncStatus.Source = event.SourceOfflineSync
		s.records[id] = r
	}
	return nil
}

func (s *memoryStore) MarkFailed(ctx context.Context, id int64) (int, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok || r.Synced() {
		return 0, false, ErrNotFound
	}
	r.SyncStatus.RetryCount++
	s.records[id] = r

	if s.maxRetries > 0 && r.SyncStatus.RetryCount > s.maxRetries {
		s.moveToDeadLetter(id, ReasonRetriesExhausted, s.now())
		return r.SyncStatus.RetryCount, true, nil
	}
	return r.SyncStatus.RetryCount, false, nil
}

func (s *memoryStore) DeadLetter(ctx context.Context, id int64, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.records[id]; !ok || r.Synced() {
		return ErrNotFound
	}
	s.moveToDeadLetter(id, reason, s.now())
	return nil
}

// moveToDeadLetter assumes id is pending. Caller holds mu.
func (s *memoryStore) moveToDeadLetter(id int64, reason string, now time.Time) {
	s.nextDeadID++
	s.dead = append(s.dead, DeadLetter{
		ID:       s.nextDeadID,
		QueueID:  id,
		Record:   s.records[id],
		Reason:   reason,
		FailedAt: now,
	})
	delete(s.records, id)
}

func (s *memoryStore) Get(ctx context.Context, id int64) (event.Record, error) {
	if err := ctx.Err(); err != nil {
		return event.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return event.Record{}, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (s *memoryStore) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := min(limit, len(s.dead))
	out := make([]DeadLetter, n)
	copy(out, s.dead[:n])
	return out, nil
}

func (s *memoryStore) Requeue(ctx context.Context, deadLetterID int64) (event.Record, error) {
	if err := ctx.Err(); err != nil {
		return event.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, dl := range s.dead {
		if dl.ID != deadLetterID {
			continue
		}
		r := prepareForQueue(dl.Record, s.now())
		s.nextID++
		r.ID = s.nextID
		s.records[r.ID] = r
		s.dead = append(s.dead[:i], s.dead[i+1:]...)
		return cloneRecord(r), nil
	}
	return event.Record{}, ErrNotFound
}

func (s *memoryStore) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{DeadLetters: len(s.dead), LastSyncCount: s.lastSyncCount}
	if s.lastSync != nil {
		t := *s.lastSync
		st.LastSync = &t
	}
	for _, r := range s.records {
		if r.Synced() {
			st.Synced++
		} else {
			st.Pending++
		}
	}
	return st, nil
}

func (s *memoryStore) RecordSync(ctx context.Context, at time.Time, synced int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSync = &at
	s.lastSyncCount = synced
	return nil
}

func (s *memoryStore) PurgeSynced(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, r := range s.records {
		if r.Synced() && r.SyncStatus.SyncedAt.Before(before) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// cloneRecord copies the pointer fields so callers cannot reach into the store.
func cloneRecord(r event.Record) event.Record {
	if r.SyncStatus.QueuedAt != nil {
		t := *r.SyncStatus.QueuedAt
		r.SyncStatus.QueuedAt = &t
	}
	if r.SyncStatus.SyncedAt != nil {
		t := *r.SyncStatus.SyncedAt
		r.SyncStatus.SyncedAt = &t
	}
	return r
}
