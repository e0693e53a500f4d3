// Package syncer drains the local event queue against the sync endpoint
// whenever the device has connectivity.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skillbridge254/eventsync/internal/config"
	"github.com/skillbridge254/eventsync/internal/event"
	"github.com/skillbridge254/eventsync/internal/queue"
	"github.com/skillbridge254/eventsync/internal/retry"
)

// ErrNotAcknowledged is the failure recorded for records the endpoint
// neither synced nor rejected. It is retryable.
var ErrNotAcknowledged = errors.New("record not acknowledged by sync endpoint")

type State string

const (
	StateIdle        State = "idle"
	StateSyncing     State = "syncing"
	StateBackoffWait State = "backoff-wait"
)

// Result summarizes one Trigger call.
type Result struct {
	Synced       int           `json:"synced"`
	Retried      int           `json:"retried"`
	DeadLettered int           `json:"deadLettered"`
	Remaining    int           `json:"remaining"`
	Skipped      bool          `json:"skipped,omitempty"`
	Offline      bool          `json:"offline,omitempty"`
	Interrupted  bool          `json:"interrupted,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Coordinator runs sync passes. At most one pass is active at a time;
// triggers arriving while busy are dropped.
type Coordinator struct {
	store     queue.Store
	transport Transport
	policy    *retry.Policy

	batchSize      int
	requestTimeout time.Duration

	running atomic.Bool
	online  atomic.Bool

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	baseCtx context.Context
}

func NewCoordinator(store queue.Store, transport Transport, policy *retry.Policy, cfg config.SyncConfig) *Coordinator {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Coordinator{
		store:          store,
		transport:      transport,
		policy:         policy,
		batchSize:      batchSize,
		requestTimeout: cfg.RequestTimeout,
		state:          StateIdle,
		baseCtx:        context.Background(),
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Online() bool {
	return c.online.Load()
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// SetOnline records a connectivity change. Going offline aborts an active
// pass; coming back online starts one in the background.
func (c *Coordinator) SetOnline(online bool) {
	was := c.online.Swap(online)
	if !online {
		c.abortPass()
		return
	}
	if !was {
		c.mu.Lock()
		ctx := c.baseCtx
		c.mu.Unlock()
		go func() {
			res, err := c.Trigger(ctx, true)
			logResult(res, err, "connectivity")
		}()
	}
}

// Trigger runs a sync pass if online is true and no pass is active. With
// online false it aborts any active pass instead; records acknowledged so
// far stay synced and the rest stay queued.
func (c *Coordinator) Trigger(ctx context.Context, online bool) (Result, error) {
	c.online.Store(online)
	if !online {
		c.abortPass()
		return Result{Offline: true}, nil
	}

	if !c.running.CompareAndSwap(false, true) {
		return Result{Skipped: true}, nil
	}
	defer c.running.Store(false)

	passCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		c.cancel = nil
		c.state = StateIdle
		c.mu.Unlock()
	}()

	// Connectivity may have dropped between the flag check and publishing cancel
	if !c.online.Load() {
		cancel()
	}

	return c.pass(passCtx)
}

func (c *Coordinator) abortPass() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// Run triggers a pass every interval while online, until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("Sync coordinator started")
	for {
		select {
		case <-ctx.Done():
			c.abortPass()
			log.Info().Msg("Sync coordinator stopped")
			return
		case <-ticker.C:
			if !c.online.Load() {
				continue
			}
			res, err := c.Trigger(ctx, true)
			logResult(res, err, "timer")
		}
	}
}

func (c *Coordinator) pass(ctx context.Context) (Result, error) {
	start := time.Now()
	var res Result
	c.setState(StateSyncing)

	// Bookkeeping outlives cancellation: acknowledged records must be marked
	storeCtx := context.WithoutCancel(ctx)
	attempted := false

	var passErr error
	for {
		if ctx.Err() != nil {
			res.Interrupted = true
			break
		}

		batch, err := c.store.PeekBatch(ctx, c.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				res.Interrupted = true
			} else {
				passErr = fmt.Errorf("peek batch: %w", err)
			}
			break
		}
		if len(batch) == 0 {
			break
		}
		attempted = true

		if err := c.syncBatch(ctx, storeCtx, batch, &res); err != nil {
			if errors.Is(err, errInterrupted) {
				res.Interrupted = true
			} else {
				passErr = err
			}
			break
		}
	}

	if attempted {
		if err := c.store.RecordSync(storeCtx, time.Now(), res.Synced); err != nil {
			log.Error().Err(err).Msg("Failed to record sync metadata")
		}
	}
	if st, err := c.store.Stats(storeCtx); err == nil {
		res.Remaining = st.Pending
	}
	res.Duration = time.Since(start)
	return res, passErr
}

var errInterrupted = errors.New("sync pass interrupted")

// syncBatch sends batch until every record is synced or dead-lettered,
// waiting out backoff delays between rounds.
func (c *Coordinator) syncBatch(ctx, storeCtx context.Context, batch []event.Record, res *Result) error {
	pending := batch
	for len(pending) > 0 {
		c.setState(StateSyncing)
		ack, sendErr := c.send(ctx, pending)
		if sendErr != nil && ctx.Err() != nil {
			return errInterrupted
		}

		inBatch := make(map[int64]bool, len(pending))
		for _, r := range pending {
			inBatch[r.ID] = true
		}
		var synced []int64
		acked := make(map[int64]bool, len(ack.Synced))
		for _, id := range ack.Synced {
			if inBatch[id] && !acked[id] {
				acked[id] = true
				synced = append(synced, id)
			}
		}
		if len(synced) > 0 {
			if err := c.store.MarkSynced(storeCtx, synced...); err != nil {
				return fmt.Errorf("mark synced: %w", err)
			}
			res.Synced += len(synced)
		}

		rejected := make(map[int64]error, len(ack.Rejected))
		for _, rj := range ack.Rejected {
			rejected[rj.ID] = &retry.StatusError{StatusCode: rj.Status, Body: strings.Join(rj.Errors, "; ")}
		}

		var (
			again []event.Record
			wait  time.Duration
		)
		for _, r := range pending {
			if acked[r.ID] {
				continue
			}
			failure := sendErr
			if failure == nil {
				failure = rejected[r.ID]
			}
			if failure == nil {
				failure = ErrNotAcknowledged
			}

			retried, delay, err := c.handleFailure(storeCtx, r, failure, res)
			if err != nil {
				return err
			}
			if retried != nil {
				again = append(again, *retried)
				wait = max(wait, delay)
			}
		}

		if len(again) == 0 {
			return nil
		}

		c.setState(StateBackoffWait)
		log.Debug().Int("records", len(again)).Dur("delay", wait).Msg("Waiting before resending batch")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errInterrupted
		case <-timer.C:
		}
		pending = again
	}
	return nil
}

// handleFailure applies the retry policy to one failed record. It returns
// the updated record when it should be resent after delay.
func (c *Coordinator) handleFailure(ctx context.Context, r event.Record, failure error, res *Result) (*event.Record, time.Duration, error) {
	d := c.policy.Decide(r.SyncStatus.RetryCount, failure)

	if d.Retry {
		count, dead, err := c.store.MarkFailed(ctx, r.ID)
		if errors.Is(err, queue.ErrNotFound) {
			return nil, 0, nil
		}
		if err != nil {
			return nil, 0, fmt.Errorf("mark failed: %w", err)
		}
		if dead {
			res.DeadLettered++
			logDeadLetter(r, queue.ReasonRetriesExhausted, failure)
			return nil, 0, nil
		}
		res.Retried++
		r.SyncStatus.RetryCount = count
		return &r, d.Delay, nil
	}

	reason := d.Reason + ": " + failure.Error()
	if d.Reason == retry.ReasonExhausted {
		reason = queue.ReasonRetriesExhausted + ": " + failure.Error()
	}
	if err := c.store.DeadLetter(ctx, r.ID, reason); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("dead-letter: %w", err)
	}
	res.DeadLettered++
	logDeadLetter(r, d.Reason, failure)
	return nil, 0, nil
}

func (c *Coordinator) send(ctx context.Context, records []event.Record) (Ack, error) {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	return c.transport.Send(ctx, records)
}

func logDeadLetter(r event.Record, reason string, err error) {
	log.Warn().
		Err(err).
		Int64("id", r.ID).
		Str("event_id", r.EventID).
		Str("event_type", string(r.EventType)).
		Str("class", retry.Classify(err)).
		Int("retry_count", r.SyncStatus.RetryCount).
		Str("reason", reason).
		Msg("Event moved to dead-letter store")
}

func logResult(res Result, err error, trigger string) {
	if err != nil {
		log.Error().Err(err).Str("trigger", trigger).Msg("Sync pass failed")
		return
	}
	if res.Skipped || res.Offline || res.Synced+res.DeadLettered+res.Retried == 0 {
		return
	}
	log.Info().
		Str("trigger", trigger).
		Int("synced", res.Synced).
		Int("retried", res.Retried).
		Int("dead_lettered", res.DeadLettered).
		Int("remaining", res.Remaining).
		Bool("interrupted", res.Interrupted).
		Dur("duration", res.Duration).
		Msg("Sync pass finished")
}
