package audit

import "context"

type callerKey struct{}

// Caller identifies who triggered a speech call.
type Caller struct {
	RequestID string
	ClientID  string
}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func CallerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	return c
}
