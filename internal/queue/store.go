// Package queue holds interaction events on the device until the sync
// endpoint acknowledges them.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/skillbridge254/eventsync/internal/event"
)

var ErrNotFound = errors.New("queue: record not found")

// Dead-letter reasons set by the store itself.
const (
	ReasonRetriesExhausted = "retries exhausted"
	ReasonEvicted          = "evicted: queue full"
)

// evictFraction of MaxSize is moved out at once when the queue is full.
const evictFraction = 0.1

// Store is an append-only queue of records pending sync, addressed by a
// monotonic insertion key. All mutations are atomic with respect to each
// other.
type Store interface {
	// Enqueue persists r with QueuedAt set to now and a zero retry count.
	Enqueue(ctx context.Context, r event.Record) (event.Record, error)
	EnqueueBatch(ctx context.Context, rs []event.Record) ([]event.Record, error)

	// PeekBatch returns up to n of the oldest unsynced records without removing them.
	PeekBatch(ctx context.Context, n int) ([]event.Record, error)

	// MarkSynced flags records as acknowledged. Unknown or already synced ids are ignored.
	MarkSynced(ctx context.Context, ids ...int64) error

	// MarkFailed increments the retry count of id. Past the configured
	// maximum the record is moved to the dead-letter store.
	MarkFailed(ctx context.Context, id int64) (retryCount int, deadLettered bool, err error)

	// DeadLetter moves id to the dead-letter store without touching its retry count.
	DeadLetter(ctx context.Context, id int64, reason string) error

	Get(ctx context.Context, id int64) (event.Record, error)
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)

	// Requeue moves a dead letter back into the queue with a fresh retry count.
	Requeue(ctx context.Context, deadLetterID int64) (event.Record, error)

	Stats(ctx context.Context) (Stats, error)
	RecordSync(ctx context.Context, at time.Time, synced int) error

	// PurgeSynced deletes synced records acknowledged before the cutoff.
	PurgeSynced(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// DeadLetter is a record that will not be retried automatically.
type DeadLetter struct {
	ID       int64        `json:"id"`
	QueueID  int64        `json:"queueId"`
	Record   event.Record `json:"record"`
	Reason   string       `json:"reason"`
	FailedAt time.Time    `json:"failedAt"`
}

type Stats struct {
	Pending       int        `json:"pending"`
	Synced        int        `json:"synced"`
	DeadLetters   int        `json:"deadLetters"`
	LastSync      *time.Time `json:"lastSync,omitempty"`
	LastSyncCount int        `json:"lastSyncCount"`
}

// evictCount is how many pending records make room for incoming ones.
func evictCount(maxSize, pending, incoming int) int {
	if maxSize <= 0 || pending+incoming <= maxSize {
		return 0
	}
	overflow := pending + incoming - maxSize
	chunk := int(float64(maxSize)*evictFraction + 0.999)
	return min(max(overflow, chunk), pending)
}

func prepareForQueue(r event.Record, now time.Time) event.Record {
	queuedAt := now
	r.ID = 0
	r.SyncStatus.QueuedAt = &queuedAt
	r.SyncStatus.SyncedAt = nil
	r.SyncStatus.RetryCount = 0
	if r.SyncStatus.Source == "" {
		r.SyncStatus.Source = event.SourceOnline
	}
	return r
}
