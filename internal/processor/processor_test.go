package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillbridge254/eventsync/internal/config"
	"github.com/skillbridge254/eventsync/internal/event"
	"github.com/skillbridge254/eventsync/internal/retry"
	"github.com/skillbridge254/eventsync/internal/storage"
)

type fakeSink struct {
	mu       sync.Mutex
	batches  [][]storage.ResearchEventRow
	failures int
}

func (s *fakeSink) InsertResearchEvents(_ context.Context, rows []storage.ResearchEventRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("clickhouse: connection reset")
	}
	s.batches = append(s.batches, rows)
	return nil
}

func (s *fakeSink) rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

type fakeSessions struct {
	mu   sync.Mutex
	seen []string
}

func (f *fakeSessions) UpdateSession(_ context.Context, row storage.ResearchEventRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, row.SessionID)
	return nil
}

func envelope(i int) *event.Envelope {
	return &event.Envelope{
		Record: event.Normalize(map[string]any{
			"userId": "u1", "sessionId": fmt.Sprintf("s%d", i%2), "eventType": "module_progress",
		}),
		ProjectID:  "p1",
		ReceivedAt: time.Now(),
	}
}

func newTestProcessor(sink EventSink, sessions SessionTracker, size int) *EventProcessor {
	p := NewEventProcessor(sink, sessions, config.BatchConfig{Size: size, FlushInterval: time.Hour})
	p.policy = retry.NewPolicy(config.RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	return p
}

func TestProcessFlushesAtBatchSize(t *testing.T) {
	sink := &fakeSink{}
	sessions := &fakeSessions{}
	p := newTestProcessor(sink, sessions, 3)
	defer p.Stop()

	for i := 0; i < 4; i++ {
		require.NoError(t, p.Process(context.Background(), envelope(i)))
	}

	assert.Equal(t, 3, sink.rows())
	assert.Equal(t, 1, p.Buffered())
	assert.Equal(t, []string{"s0", "s1", "s0", "s1"}, sessions.seen)
}

func TestStopFlushesRemainder(t *testing.T) {
	sink := &fakeSink{}
	p := newTestProcessor(sink, nil, 100)

	require.NoError(t, p.Process(context.Background(), envelope(1)))
	p.Stop()
	p.Stop()

	assert.Equal(t, 1, sink.rows())
}

func TestFlushRetriesTransientFailures(t *testing.T) {
	sink := &fakeSink{failures: 2}
	p := newTestProcessor(sink, nil, 100)
	defer p.Stop()

	require.NoError(t, p.Process(context.Background(), envelope(1)))
	p.Flush()

	assert.Equal(t, 1, sink.rows())
	assert.Zero(t, p.Buffered())
}

func TestFlushIntervalTicks(t *testing.T) {
	sink := &fakeSink{}
	p := NewEventProcessor(sink, nil, config.BatchConfig{Size: 100, FlushInterval: 10 * time.Millisecond})
	defer p.Stop()

	require.NoError(t, p.Process(context.Background(), envelope(1)))
	assert.Eventually(t, func() bool { return sink.rows() == 1 }, time.Second, 5*time.Millisecond)
}

func TestProcessRejectsEnvelopeWithoutID(t *testing.T) {
	p := newTestProcessor(&fakeSink{}, nil, 10)
	defer p.Stop()

	err := p.Process(context.Background(), &event.Envelope{})
	assert.Error(t, err)
	assert.Zero(t, p.Buffered())
}
