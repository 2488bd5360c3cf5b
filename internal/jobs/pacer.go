package jobs

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// pacer gates upstream dispatch for one provider: a steady rate limit plus
// a pause window opened when the provider reports rate limiting.
type pacer struct {
	limiter *rate.Limiter

	mu          sync.Mutex
	pausedUntil time.Time
}

func newPacer(rps float64) *pacer {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = max(1, int(rps))
	}
	return &pacer{limiter: rate.NewLimiter(limit, burst)}
}

// Pause holds back every dispatch for at least d.
func (p *pacer) Pause(d time.Duration) {
	until := time.Now().Add(d)
	p.mu.Lock()
	if until.After(p.pausedUntil) {
		p.pausedUntil = until
	}
	p.mu.Unlock()
}

// PausedFor reports the remaining pause, or 0.
func (p *pacer) PausedFor() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return max(0, time.Until(p.pausedUntil))
}

// Wait blocks until a dispatch is allowed or ctx is done.
func (p *pacer) Wait(ctx context.Context) error {
	for {
		d := p.PausedFor()
		if d <= 0 {
			break
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return p.limiter.Wait(ctx)
}

// pacers hands out one pacer per provider.
type pacers struct {
	rps float64

	mu sync.Mutex
	m  map[string]*pacer
}

func newPacers(rps float64) *pacers {
	return &pacers{rps: rps, m: map[string]*pacer{}}
}

func (ps *pacers) get(provider string) *pacer {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.m[provider]
	if !ok {
		p = newPacer(ps.rps)
		ps.m[provider] = p
	}
	return p
}
