package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

// Gateway tries vendor routes in priority order. After a lower-priority
// route succeeds it stays preferred until it fails; the search then wraps
// around so the primary is retried.
type Gateway struct {
	routes   []*Orchestrator
	active   atomic.Int32
	observer Observer
	logger   *zap.Logger
}

func New(routes []*Orchestrator, observer Observer, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		routes:   routes,
		observer: observer,
		logger:   logger.With(zap.String("component", "gateway")),
	}
}

// Order returns the vendors in priority order.
func (g *Gateway) Order() []speech.Vendor {
	out := make([]speech.Vendor, 0, len(g.routes))
	for _, r := range g.routes {
		out = append(out, r.Vendor())
	}
	return out
}

// Route returns the orchestrator for vendor, or nil.
func (g *Gateway) Route(vendor speech.Vendor) *Orchestrator {
	for _, r := range g.routes {
		if r.Vendor() == vendor {
			return r
		}
	}
	return nil
}

// Active is the vendor tried first on the next call.
func (g *Gateway) Active() speech.Vendor {
	if len(g.routes) == 0 {
		return ""
	}
	return g.routes[int(g.active.Load())%len(g.routes)].Vendor()
}

func (g *Gateway) Recognize(ctx context.Context, req speech.RecognizeRequest) (speech.Recognition, error) {
	return each(ctx, g, "asr", func(ctx context.Context, r *Orchestrator) (speech.Recognition, bool, error) {
		out, err := r.Recognize(ctx, req)
		return out, false, err
	})
}

func (g *Gateway) Synthesize(ctx context.Context, req speech.SynthesizeRequest) (speech.Synthesis, error) {
	return each(ctx, g, "tts", func(ctx context.Context, r *Orchestrator) (speech.Synthesis, bool, error) {
		out, err := r.Synthesize(ctx, req)
		return out, false, err
	})
}

func (g *Gateway) SynthesizeStream(ctx context.Context, req speech.SynthesizeRequest, onChunk func([]byte) error) (speech.Synthesis, error) {
	return each(ctx, g, "tts", func(ctx context.Context, r *Orchestrator) (speech.Synthesis, bool, error) {
		streamed := false
		out, err := r.SynthesizeStream(ctx, req, func(chunk []byte) error {
			streamed = true
			return onChunk(chunk)
		})
		return out, streamed, err
	})
}

func each[T any](ctx context.Context, g *Gateway, op string, fn func(context.Context, *Orchestrator) (T, bool, error)) (T, error) {
	var zero T
	n := len(g.routes)
	if n == 0 {
		return zero, fmt.Errorf("%w: no speech routes configured", speech.ErrDegraded)
	}
	start := int(g.active.Load()) % n

	var lastErr error
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		route := g.routes[idx]
		out, committed, err := fn(ctx, route)
		if err == nil {
			if idx != start {
				g.logger.Info("switched preferred speech vendor",
					zap.String("op", op),
					zap.String("from", string(g.routes[start].Vendor())),
					zap.String("to", string(route.Vendor())),
				)
			}
			g.active.Store(int32(idx))
			return out, nil
		}
		if errors.Is(err, speech.ErrCancelled) {
			return zero, speech.ErrCancelled
		}
		var inErr *speech.InputValidationError
		if errors.As(err, &inErr) || committed {
			return zero, err
		}
		g.logger.Warn("speech route failed",
			zap.String("op", op),
			zap.String("vendor", string(route.Vendor())),
			zap.String("kind", errorKind(err)),
			zap.Error(err),
		)
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if g.observer != nil {
		g.observer.ObserveDegraded(op)
	}
	return zero, fmt.Errorf("%w: %w", speech.ErrDegraded, lastErr)
}
