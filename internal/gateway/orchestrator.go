// Package gateway routes speech calls through the direct vendor path, the
// server proxy path and, across vendors, a priority list of routes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zrea200/epkeeper-chatbot/internal/audit"
	"github.com/zrea200/epkeeper-chatbot/internal/reliability"
	"github.com/zrea200/epkeeper-chatbot/internal/speech"
)

type Path string

const (
	PathDirect Path = "direct"
	PathProxy  Path = "proxy"
)

type State string

const (
	StateDirectAttempt State = "direct_attempt"
	StateProxyAttempt  State = "proxy_attempt"
	StateSucceeded     State = "succeeded"
	StateFailed        State = "failed"
	StateCancelled     State = "cancelled"
)

// DefaultTimeout is the end-to-end budget of one call across both paths.
const DefaultTimeout = 30 * time.Second

// Observer receives per-attempt telemetry. *observability.Metrics
// implements it.
type Observer interface {
	ObserveAttempt(vendor, op, path, outcome string, d time.Duration)
	ObserveFallback(vendor, op, reason string)
	ObserveDegraded(op string)
}

// FallbackError is returned when both paths failed. It unwraps to the
// direct error only, so classification follows the direct failure; the
// proxy outcome is kept for the message and for callers that inspect it.
type FallbackError struct {
	Vendor speech.Vendor
	Op     string
	Direct error
	Proxy  error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("%s %s failed: direct: %v; proxy: %v", e.Vendor, e.Op, e.Direct, e.Proxy)
}

func (e *FallbackError) Unwrap() error {
	return e.Direct
}

// Trace lists the states one call passed through.
type Trace struct {
	States []State
	Path   Path
}

func (t *Trace) enter(s State) { t.States = append(t.States, s) }

func (t Trace) Final() State {
	if len(t.States) == 0 {
		return ""
	}
	return t.States[len(t.States)-1]
}

type Config struct {
	Vendor speech.Vendor
	// Direct is the vendor client. Nil means the caller holds no
	// credentials, which is treated as a configuration failure.
	Direct speech.Provider
	// Proxy re-issues the call through the hosting server. Nil disables
	// the proxy path.
	Proxy   speech.Provider
	Timeout time.Duration
}

type Deps struct {
	Observer Observer
	Audit    audit.Store
	Logger   *zap.Logger
}

// Orchestrator runs DIRECT_ATTEMPT, then PROXY_ATTEMPT on a failure the
// proxy could change, then ends in SUCCEEDED, FAILED or CANCELLED.
type Orchestrator struct {
	vendor   speech.Vendor
	direct   speech.Provider
	proxy    speech.Provider
	timeout  time.Duration
	observer Observer
	audit    audit.Store
	logger   *zap.Logger
}

func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		vendor:   cfg.Vendor,
		direct:   cfg.Direct,
		proxy:    cfg.Proxy,
		timeout:  cfg.Timeout,
		observer: deps.Observer,
		audit:    deps.Audit,
		logger:   logger.With(zap.String("component", "gateway"), zap.String("vendor", string(cfg.Vendor))),
	}
}

func (o *Orchestrator) Vendor() speech.Vendor { return o.vendor }

// Configured reports whether the direct path has credentials.
func (o *Orchestrator) Configured() bool { return o.direct != nil }

// HasProxy reports whether a proxy path is wired.
func (o *Orchestrator) HasProxy() bool { return o.proxy != nil }

func (o *Orchestrator) Recognize(ctx context.Context, req speech.RecognizeRequest) (speech.Recognition, error) {
	out, _, err := o.recognize(ctx, req)
	return out, err
}

func (o *Orchestrator) Synthesize(ctx context.Context, req speech.SynthesizeRequest) (speech.Synthesis, error) {
	out, _, err := o.synthesize(ctx, req, nil)
	return out, err
}

// SynthesizeStream streams from a provider that supports it and falls back
// to a single chunk otherwise. Once a chunk has been delivered the call can
// no longer move to the proxy path.
func (o *Orchestrator) SynthesizeStream(ctx context.Context, req speech.SynthesizeRequest, onChunk func([]byte) error) (speech.Synthesis, error) {
	out, _, err := o.synthesize(ctx, req, onChunk)
	return out, err
}

func (o *Orchestrator) recognize(ctx context.Context, req speech.RecognizeRequest) (speech.Recognition, Trace, error) {
	return run(ctx, o, "asr", func(ctx context.Context, p speech.Provider) (speech.Recognition, bool, error) {
		out, err := p.Recognize(ctx, req)
		if err == nil && out.Vendor == "" {
			out.Vendor = o.vendor
		}
		return out, false, err
	}, func(r speech.Recognition) (int, bool) { return len(r.Text), r.Partial })
}

func (o *Orchestrator) synthesize(ctx context.Context, req speech.SynthesizeRequest, onChunk func([]byte) error) (speech.Synthesis, Trace, error) {
	return run(ctx, o, "tts", func(ctx context.Context, p speech.Provider) (speech.Synthesis, bool, error) {
		var (
			out      speech.Synthesis
			err      error
			streamed bool
		)
		if stream, ok := p.(speech.StreamSynthesizer); ok && onChunk != nil {
			out, err = stream.SynthesizeStream(ctx, req, func(chunk []byte) error {
				streamed = true
				return onChunk(chunk)
			})
		} else {
			out, err = p.Synthesize(ctx, req)
			if err == nil && onChunk != nil {
				streamed = true
				err = onChunk(out.Audio)
			}
		}
		if err == nil && out.Vendor == "" {
			out.Vendor = o.vendor
		}
		return out, streamed, err
	}, func(s speech.Synthesis) (int, bool) { return len(s.Audio), false })
}

// call runs one attempt on a provider. committed reports that output has
// already reached the caller, which rules out a second attempt.
type call[T any] func(ctx context.Context, p speech.Provider) (out T, committed bool, err error)

func run[T any](parent context.Context, o *Orchestrator, op string, attempt call[T], size func(T) (int, bool)) (T, Trace, error) {
	var (
		zero  T
		trace Trace
	)
	ctx, cancel := context.WithTimeout(parent, o.timeout)
	defer cancel()

	trace.enter(StateDirectAttempt)
	trace.Path = PathDirect
	out, committed, directErr := attemptOn(ctx, o, op, PathDirect, o.direct, attempt, size)
	if directErr == nil {
		trace.enter(StateSucceeded)
		return out, trace, nil
	}

	if terminal := o.terminal(ctx, op, directErr); terminal != nil {
		if errors.Is(terminal, speech.ErrCancelled) {
			trace.enter(StateCancelled)
		} else {
			trace.enter(StateFailed)
		}
		return zero, trace, terminal
	}
	reason, eligible := proxyReason(directErr)
	if !eligible || committed || o.proxy == nil {
		trace.enter(StateFailed)
		return zero, trace, directErr
	}

	o.logger.Info("direct path failed, retrying via proxy",
		zap.String("op", op),
		zap.String("reason", reason),
		zap.Error(directErr),
	)
	if o.observer != nil {
		o.observer.ObserveFallback(string(o.vendor), op, reason)
	}
	trace.enter(StateProxyAttempt)
	trace.Path = PathProxy
	out, _, proxyErr := attemptOn(ctx, o, op, PathProxy, o.proxy, attempt, size)
	if proxyErr == nil {
		trace.enter(StateSucceeded)
		return out, trace, nil
	}
	if errors.Is(proxyErr, speech.ErrCancelled) {
		trace.enter(StateCancelled)
		return zero, trace, speech.ErrCancelled
	}
	trace.enter(StateFailed)
	return zero, trace, &FallbackError{Vendor: o.vendor, Op: op, Direct: directErr, Proxy: proxyErr}
}

func attemptOn[T any](ctx context.Context, o *Orchestrator, op string, path Path, p speech.Provider, fn call[T], size func(T) (int, bool)) (T, bool, error) {
	var zero T
	start := time.Now()
	if p == nil {
		err := &speech.ConfigurationError{Vendor: o.vendor, Missing: []string{string(path) + " provider"}}
		o.record(ctx, op, path, err, 0, false, 0)
		return zero, false, err
	}
	out, committed, err := fn(ctx, p)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = errorKind(err)
	}
	if o.observer != nil {
		o.observer.ObserveAttempt(string(o.vendor), op, string(path), outcome, elapsed)
	}
	n, partial := 0, false
	if err == nil {
		n, partial = size(out)
	}
	o.record(ctx, op, path, err, n, partial, elapsed)
	return out, committed, err
}

func (o *Orchestrator) record(ctx context.Context, op string, path Path, err error, n int, partial bool, elapsed time.Duration) {
	if o.audit == nil {
		return
	}
	caller := audit.CallerFrom(ctx)
	rec := audit.Record{
		RequestID: caller.RequestID,
		ClientID:  caller.ClientID,
		Vendor:    string(o.vendor),
		Operation: op,
		Path:      string(path),
		Outcome:   "ok",
		Partial:   partial,
		Bytes:     n,
		LatencyMS: elapsed.Milliseconds(),
	}
	if err != nil {
		rec.Outcome = "error"
		rec.ErrorKind = errorKind(err)
		rec.ErrorCode = speech.VendorCode(err)
	}
	// The call context may already be done; the record should still land.
	if aerr := o.audit.Append(context.WithoutCancel(ctx), rec); aerr != nil {
		o.logger.Warn("audit append failed", zap.Error(aerr))
	}
}

// terminal returns the error that ends the call without a proxy attempt
// because the call itself is over: the caller cancelled or the end-to-end
// budget is spent.
func (o *Orchestrator) terminal(ctx context.Context, op string, err error) error {
	if errors.Is(err, speech.ErrCancelled) {
		return speech.ErrCancelled
	}
	return speech.ContextError(ctx, o.vendor, op, o.timeout)
}

// proxyReason decides whether a direct failure is worth one proxy attempt.
// Invalid input fails the same way on both paths.
func proxyReason(err error) (string, bool) {
	var (
		inErr   *speech.InputValidationError
		cfgErr  *speech.ConfigurationError
		rateErr *speech.RateLimitError
		tokErr  *speech.TokenAcquisitionError
		timeErr *speech.TimeoutError
		bizErr  *speech.VendorBusinessError
	)
	switch {
	case errors.As(err, &inErr):
		return "", false
	case errors.As(err, &cfgErr):
		return "configuration", true
	case errors.As(err, &rateErr):
		return "rate_limited", true
	case errors.As(err, &bizErr):
		return "vendor", true
	case reliability.IsNetworkError(err):
		return "network", true
	case errors.As(err, &tokErr):
		return "token", true
	case errors.As(err, &timeErr):
		return "timeout", true
	default:
		return "unknown", true
	}
}

// errorKind is speech.Kind with raw network errors folded into transport.
func errorKind(err error) string {
	kind := speech.Kind(err)
	if kind == "unknown" && reliability.IsNetworkError(err) {
		return "transport"
	}
	return kind
}
