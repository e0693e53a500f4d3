package processor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skillbridge254/eventsync/internal/config"
	"github.com/skillbridge254/eventsync/internal/event"
	"github.com/skillbridge254/eventsync/internal/retry"
	"github.com/skillbridge254/eventsync/internal/storage"
	"github.com/skillbridge254/eventsync/internal/transformer"
)

// EventSink stores research event rows.
type EventSink interface {
	InsertResearchEvents(ctx context.Context, rows []storage.ResearchEventRow) error
}

// SessionTracker folds events into per-session aggregates.
type SessionTracker interface {
	UpdateSession(ctx context.Context, row storage.ResearchEventRow) error
}

// EventProcessor buffers research events from Kafka and writes them to
// ClickHouse in batches
type EventProcessor struct {
	sink     EventSink
	sessions SessionTracker
	batchCfg config.BatchConfig
	policy   *retry.Policy

	mu        sync.Mutex
	buffer    []storage.ResearchEventRow
	lastFlush time.Time
	ticker    *time.Ticker
	done      chan struct{}
	stopOnce  sync.Once
}

// NewEventProcessor creates a new event processor. sessions may be nil.
func NewEventProcessor(sink EventSink, sessions SessionTracker, batchCfg config.BatchConfig) *EventProcessor {
	p := &EventProcessor{
		sink:      sink,
		sessions:  sessions,
		batchCfg:  batchCfg,
		policy:    retry.NewPolicy(retry.Fast),
		buffer:    make([]storage.ResearchEventRow, 0, batchCfg.Size),
		lastFlush: time.Now(),
		done:      make(chan struct{}),
	}

	// Start flush ticker
	p.ticker = time.NewTicker(batchCfg.FlushInterval)
	go p.flushLoop()

	return p
}

// Process buffers a single event
func (p *EventProcessor) Process(ctx context.Context, env *event.Envelope) error {
	row, err := transformer.TransformEvent(env)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.buffer = append(p.buffer, *row)
	shouldFlush := len(p.buffer) >= p.batchCfg.Size
	p.mu.Unlock()

	if p.sessions != nil {
		if err := p.sessions.UpdateSession(ctx, *row); err != nil {
			log.Warn().Err(err).Str("session_id", row.SessionID).Msg("Failed to update learner session")
		}
	}

	// Flush if buffer full
	if shouldFlush {
		p.Flush()
	}

	return nil
}

func (p *EventProcessor) flushLoop() {
	for {
		select {
		case <-p.done:
			return
		case <-p.ticker.C:
			p.Flush()
		}
	}
}

// Flush writes all buffered rows to ClickHouse, retrying transient failures.
func (p *EventProcessor) Flush() {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	rows := p.buffer
	p.buffer = make([]storage.ResearchEventRow, 0, p.batchCfg.Size)
	p.lastFlush = time.Now()
	p.mu.Unlock()

	ctx := context.Background()
	start := time.Now()

	err := p.policy.Do(ctx, func(ctx context.Context) error {
		return p.sink.InsertResearchEvents(ctx, rows)
	})
	if err != nil {
		log.Error().Err(err).Int("count", len(rows)).Msg("Failed to insert research events")
		return
	}

	log.Info().
		Int("count", len(rows)).
		Dur("duration", time.Since(start)).
		Msg("Flushed research events to ClickHouse")
}

// Buffered reports how many rows are waiting for the next flush.
func (p *EventProcessor) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// Stop stops the processor
func (p *EventProcessor) Stop() {
	p.stopOnce.Do(func() {
		p.ticker.Stop()
		close(p.done)
		p.Flush() // Final flush
	})
}
