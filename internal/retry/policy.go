package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skillbridge254/eventsync/internal/config"
)

// Presets for call sites with different patience.
var (
	Fast     = config.RetryConfig{MaxRetries: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, JitterFraction: 0.3}
	Standard = config.RetryConfig{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second, JitterFraction: 0.3}
	Patient  = config.RetryConfig{MaxRetries: 5, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, JitterFraction: 0.3}
	Critical = config.RetryConfig{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: 60 * time.Second, JitterFraction: 0.3}
)

// Decision reasons.
const (
	ReasonRetry     = "retry"
	ReasonPermanent = "permanent"
	ReasonExhausted = "exhausted"
)

// Decision is the outcome of consulting the policy after a failed attempt.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// Policy decides whether and when failed attempts are repeated. Delays grow
// as BaseDelay*2^attempt up to MaxDelay, plus up to JitterFraction of that.
type Policy struct {
	cfg config.RetryConfig

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
	// OnRetry is called by Do before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// NewPolicy creates a policy from cfg. A MaxRetries of zero or less disables retries.
func NewPolicy(cfg config.RetryConfig) *Policy {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return &Policy{cfg: cfg, Rand: rand.Float64}
}

// MaxRetries is the number of retries allowed after the first attempt.
func (p *Policy) MaxRetries() int {
	return max(p.cfg.MaxRetries, 0)
}

// Decide is consulted after attempt (0-indexed) failed with err.
func (p *Policy) Decide(attempt int, err error) Decision {
	if err == nil {
		return Decision{}
	}
	if !IsRetryable(err) {
		return Decision{Reason: ReasonPermanent}
	}
	if attempt >= p.MaxRetries() {
		return Decision{Reason: ReasonExhausted}
	}
	return Decision{Retry: true, Delay: p.Delay(attempt), Reason: ReasonRetry}
}

// BaseDelay is the delay before retrying attempt, without jitter.
func (p *Policy) BaseDelay(attempt int) time.Duration {
	d := p.cfg.BaseDelay
	for i := 0; i < attempt && d < p.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > p.cfg.MaxDelay {
		d = p.cfg.MaxDelay
	}
	return d
}

// Delay is BaseDelay plus uniform jitter of up to JitterFraction of it.
func (p *Policy) Delay(attempt int) time.Duration {
	base := p.BaseDelay(attempt)
	r := rand.Float64
	if p.Rand != nil {
		r = p.Rand
	}
	return base + time.Duration(r()*p.cfg.JitterFraction*float64(base))
}

// Do runs fn until it succeeds, fails permanently or retries run out. The
// last error from fn is returned unchanged; ctx cancellation while waiting
// returns ctx.Err().
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		d := p.Decide(attempt, err)
		if !d.Retry {
			return err
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, d.Delay, err)
		}
		log.Debug().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_retries", p.MaxRetries()).
			Dur("delay", d.Delay).
			Msg("Retrying after failure")

		timer := time.NewTimer(d.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
