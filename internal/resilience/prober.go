package resilience

import (
	"context"
	"net"
	"sync"
	"time"

	"mixlock/internal/obs"
)

// Prober answers "is the network usable right now?" for the queue drain loop.
// The underlying check runs at most once per interval; in between, callers
// get the cached answer, so a drain tick never busy-loops against a known-down
// network.
type Prober struct {
	probe    func(ctx context.Context) error
	interval time.Duration
	metrics  *obs.Metrics
	now      func() time.Time

	mu        sync.Mutex
	lastProbe time.Time
	lastUp    bool
	probed    bool
}

// NewProber probes target (host:port) with a TCP dial. interval is how long a
// cached result stays valid.
func NewProber(target string, interval time.Duration, metrics *obs.Metrics) *Prober {
	return &Prober{
		probe: func(ctx context.Context) error {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, "tcp", target)
			if err != nil {
				return err
			}
			return conn.Close()
		},
		interval: interval,
		metrics:  metrics,
		now:      time.Now,
	}
}

// NewProberFunc uses a caller-supplied check, e.g. hitting the lock service's
// health endpoint, or a stub in tests.
func NewProberFunc(probe func(ctx context.Context) error, interval time.Duration, metrics *obs.Metrics) *Prober {
	return &Prober{
		probe:    probe,
		interval: interval,
		metrics:  metrics,
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (p *Prober) SetClock(now func() time.Time) { p.now = now }

// Online reports reachability, probing with the given timeout only when the
// cached result has aged out.
func (p *Prober) Online(ctx context.Context, timeout time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.probed && p.now().Sub(p.lastProbe) < p.interval {
		return p.lastUp
	}

	probeCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := p.probe(probeCtx)
	p.probed = true
	p.lastProbe = p.now()
	p.lastUp = err == nil

	if p.metrics != nil {
		if p.lastUp {
			p.metrics.ConnectivityUp.Set(1)
		} else {
			p.metrics.ConnectivityUp.Set(0)
		}
	}
	return p.lastUp
}
