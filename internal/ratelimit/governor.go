// Package ratelimit spaces outbound vendor requests.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Governor enforces a strict minimum interval between dispatches that share a
// key. Waiters are delayed, never dropped.
type Governor struct {
	interval time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	slots map[string]*rate.Limiter
}

func NewGovernor(interval time.Duration, logger *zap.Logger) *Governor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{
		interval: interval,
		logger:   logger,
		slots:    make(map[string]*rate.Limiter),
	}
}

func (g *Governor) Interval() time.Duration { return g.interval }

func (g *Governor) limiter(key string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	lim, ok := g.slots[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(g.interval), 1)
		g.slots[key] = lim
	}
	return lim
}

// AwaitSlot blocks until key may dispatch again.
func (g *Governor) AwaitSlot(ctx context.Context, key string) error {
	if g == nil || g.interval <= 0 {
		return ctx.Err()
	}
	lim := g.limiter(key)
	r := lim.Reserve()
	if !r.OK() {
		return ctx.Err()
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	g.logger.Debug("rate governor waiting", zap.String("key", key), zap.Duration("delay", delay))
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backdate moves key's last dispatch far enough into the past that the next
// AwaitSlot returns immediately.
func (g *Governor) Backdate(key string) {
	if g == nil || g.interval <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.slots[key] = rate.NewLimiter(rate.Every(g.interval), 1)
}
