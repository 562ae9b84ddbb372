package resilience

import (
	"context"
	"math/rand"
	"time"

	"mixlock/internal/obs"
)

// Policy bounds a retry loop. Zero values fall back to the defaults below.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFrac     float64
}

const (
	defaultMaxRetries     = 5
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	defaultJitterFrac     = 0.2
)

func (p Policy) withDefaults() Policy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	if p.JitterFrac < 0 {
		p.JitterFrac = defaultJitterFrac
	}
	return p
}

// RetryState is the explicit backoff state machine for one in-flight
// operation: attempt count and current backoff, discarded on success or
// exhaustion. Pre-jitter delays double per attempt and cap at MaxBackoff,
// so they are non-decreasing.
type RetryState struct {
	policy   Policy
	Attempts int
	backoff  time.Duration
	rng      *rand.Rand
}

func NewRetryState(p Policy) *RetryState {
	p = p.withDefaults()
	return &RetryState{
		policy: p,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Exhausted reports whether the attempt budget is spent.
func (s *RetryState) Exhausted() bool {
	return s.Attempts > s.policy.MaxRetries
}

// NextDelay records a failed attempt and returns how long to wait before the
// next one.
func (s *RetryState) NextDelay() time.Duration {
	s.Attempts++
	if s.backoff == 0 {
		s.backoff = s.policy.InitialBackoff
	} else {
		s.backoff *= 2
		if s.backoff > s.policy.MaxBackoff {
			s.backoff = s.policy.MaxBackoff
		}
	}
	return addJitter(s.rng, s.backoff, s.policy.JitterFrac, s.policy.MaxBackoff)
}

func addJitter(r *rand.Rand, d time.Duration, frac float64, max time.Duration) time.Duration {
	if frac <= 0 {
		return d
	}
	// jitter range: [d*(1-frac), d*(1+frac)], clamped so MaxBackoff holds
	// even after jitter.
	j := (r.Float64()*2 - 1) * frac
	out := time.Duration(float64(d) * (1 + j))
	if out < 0 {
		return 0
	}
	if out > max {
		return max
	}
	return out
}

// Retryer runs operations under a Policy. The sleep function is injectable so
// tests fast-forward instead of waiting out real backoff.
type Retryer struct {
	policy  Policy
	logger  *obs.Logger
	metrics *obs.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewRetryer(p Policy, logger *obs.Logger, metrics *obs.Metrics) *Retryer {
	return &Retryer{
		policy:  p.withDefaults(),
		logger:  logger,
		metrics: metrics,
		sleep:   sleepCtx,
	}
}

// SetSleep overrides the wait between attempts. Tests use this.
func (r *Retryer) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	r.sleep = fn
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn, retrying transient failures with backoff until the policy is
// exhausted, then returns the last error. Permanent failures abort
// immediately. op names the operation for logs and metrics.
func (r *Retryer) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	state := NewRetryState(r.policy)

	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if Classify(err) == ClassPermanent {
			return err
		}

		delay := state.NextDelay()
		if state.Exhausted() {
			r.logger.Warn(map[string]interface{}{
				"op":       op,
				"attempts": state.Attempts,
				"error":    err.Error(),
				"outcome":  "retries_exhausted",
			})
			return err
		}

		if r.metrics != nil {
			r.metrics.RetryTotal.WithLabelValues(op).Inc()
		}
		r.logger.Info(map[string]interface{}{
			"op":       op,
			"attempt":  state.Attempts,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})

		if serr := r.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}
