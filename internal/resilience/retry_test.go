package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"mixlock/internal/resilience"
)

func TestRetryStateBackoffDoublesAndCaps(t *testing.T) {
	// JitterFrac 0 disables jitter, so delays are deterministic.
	s := resilience.NewRetryState(resilience.Policy{
		MaxRetries:     10,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		JitterFrac:     0,
	})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	var prev time.Duration
	for i, w := range want {
		d := s.NextDelay()
		if d != w {
			t.Fatalf("delay %d: got %v want %v", i, d, w)
		}
		if d < prev {
			t.Fatalf("delays must be non-decreasing: %v after %v", d, prev)
		}
		prev = d
	}
}

func TestRetryStateJitterBounds(t *testing.T) {
	s := resilience.NewRetryState(resilience.Policy{
		MaxRetries:     100,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		JitterFrac:     0.2,
	})
	d := s.NextDelay()
	if d < 80*time.Millisecond || d > 120*time.Millisecond {
		t.Fatalf("jittered delay %v outside [80ms, 120ms]", d)
	}
}

func TestRetryStateJitterNeverExceedsMaxBackoff(t *testing.T) {
	s := resilience.NewRetryState(resilience.Policy{
		MaxRetries:     100,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Second,
		JitterFrac:     0.5,
	})
	for i := 0; i < 50; i++ {
		if d := s.NextDelay(); d > time.Second {
			t.Fatalf("delay %v above the backoff cap", d)
		}
	}
}

func TestRetryStateExhaustion(t *testing.T) {
	s := resilience.NewRetryState(resilience.Policy{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	for i := 0; i < 3; i++ {
		s.NextDelay()
		if s.Exhausted() {
			t.Fatalf("exhausted too early at attempt %d", i+1)
		}
	}
	s.NextDelay()
	if !s.Exhausted() {
		t.Fatalf("expected exhaustion after MaxRetries+1 attempts")
	}
}

func newFastRetryer(p resilience.Policy) (*resilience.Retryer, *[]time.Duration) {
	r := resilience.NewRetryer(p, nil, nil)
	var slept []time.Duration
	r.SetSleep(func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})
	return r, &slept
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	r, slept := newFastRetryer(resilience.Policy{MaxRetries: 5, InitialBackoff: 10 * time.Millisecond, MaxBackoff: time.Second, JitterFrac: 0})

	calls := 0
	err := r.Do(context.Background(), "push", func(ctx context.Context) error {
		calls++
		if calls <= 2 {
			return resilience.MarkTransient(errors.New("connection refused"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	// Two failures then success: exactly three invocations, two sleeps.
	if calls != 3 {
		t.Fatalf("expected 3 invocations, got %d", calls)
	}
	if len(*slept) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(*slept))
	}
	if (*slept)[0] != 10*time.Millisecond || (*slept)[1] != 20*time.Millisecond {
		t.Fatalf("backoff sequence wrong: %v", *slept)
	}
}

func TestDoAbortsOnPermanent(t *testing.T) {
	r, slept := newFastRetryer(resilience.Policy{MaxRetries: 5, InitialBackoff: time.Millisecond})

	sentinel := errors.New("lock held by someone else")
	calls := 0
	err := r.Do(context.Background(), "acquire", func(ctx context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent errors must not retry: %d calls", calls)
	}
	if len(*slept) != 0 {
		t.Fatalf("no sleeps expected, got %v", *slept)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	r, _ := newFastRetryer(resilience.Policy{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, JitterFrac: 0})

	calls := 0
	last := resilience.MarkTransient(errors.New("still down"))
	err := r.Do(context.Background(), "pull", func(ctx context.Context) error {
		calls++
		return last
	})
	if err == nil {
		t.Fatalf("expected failure after exhaustion")
	}
	// Initial attempt plus MaxRetries retries.
	if calls != 4 {
		t.Fatalf("expected 4 invocations, got %d", calls)
	}
	if !resilience.IsTransient(err) {
		t.Fatalf("returned error keeps its classification: %v", err)
	}
}

func TestDoStopsWhenContextCancelledDuringSleep(t *testing.T) {
	r := resilience.NewRetryer(resilience.Policy{MaxRetries: 5, InitialBackoff: time.Millisecond}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	r.SetSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	})

	err := r.Do(ctx, "push", func(ctx context.Context) error {
		return resilience.MarkTransient(errors.New("down"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestProberCachesWithinInterval(t *testing.T) {
	probes := 0
	up := true
	p := resilience.NewProberFunc(func(ctx context.Context) error {
		probes++
		if up {
			return nil
		}
		return errors.New("unreachable")
	}, time.Minute, nil)

	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return clock })

	ctx := context.Background()
	if !p.Online(ctx, time.Second) {
		t.Fatalf("expected online")
	}
	up = false
	if !p.Online(ctx, time.Second) {
		t.Fatalf("cached result must survive inside the interval")
	}
	if probes != 1 {
		t.Fatalf("expected a single probe, got %d", probes)
	}

	clock = clock.Add(2 * time.Minute)
	if p.Online(ctx, time.Second) {
		t.Fatalf("expired cache must re-probe and report offline")
	}
	if probes != 2 {
		t.Fatalf("expected second probe, got %d", probes)
	}
}
