package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBeginSupersedesPreviousCall(t *testing.T) {
	r := NewRegistry(time.Minute)

	first, firstCall, doneFirst := r.Begin(context.Background(), "kiosk-1", "tts")
	second, secondCall, doneSecond := r.Begin(context.Background(), "kiosk-1", "tts")
	defer doneSecond()

	select {
	case <-first.Done():
	default:
		t.Fatalf("first call context still active after supersede")
	}
	if !errors.Is(context.Cause(first), ErrSuperseded) {
		t.Fatalf("cause = %v, want ErrSuperseded", context.Cause(first))
	}
	if second.Err() != nil {
		t.Fatalf("second call context cancelled: %v", second.Err())
	}
	if secondCall.Supersedes != firstCall.ID {
		t.Fatalf("Supersedes = %q, want %q", secondCall.Supersedes, firstCall.ID)
	}

	// Finishing the stale call must not unregister the newer one.
	doneFirst()
	if got := r.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount = %d, want 1", got)
	}
	if got := r.SupersededCount(); got != 1 {
		t.Fatalf("SupersededCount = %d, want 1", got)
	}
}

func TestBeginIndependentClients(t *testing.T) {
	r := NewRegistry(time.Minute)
	a, _, doneA := r.Begin(context.Background(), "a", "asr")
	b, _, doneB := r.Begin(context.Background(), "b", "asr")
	defer doneA()
	defer doneB()

	if a.Err() != nil || b.Err() != nil {
		t.Fatalf("independent clients cancelled each other")
	}
	if got := r.ActiveCount(); got != 2 {
		t.Fatalf("ActiveCount = %d, want 2", got)
	}
}

func TestBeginWithoutClientIsUntracked(t *testing.T) {
	r := NewRegistry(time.Minute)
	ctx := context.Background()
	got, _, done := r.Begin(ctx, "", "tts")
	done()
	if got != ctx {
		t.Fatalf("expected caller context to be returned unchanged")
	}
	if r.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d, want 0", r.ActiveCount())
	}
}

func TestCancel(t *testing.T) {
	r := NewRegistry(time.Minute)
	ctx, _, done := r.Begin(context.Background(), "c", "tts")
	defer done()

	if !r.Cancel("c") {
		t.Fatalf("Cancel returned false for in-flight call")
	}
	if ctx.Err() == nil {
		t.Fatalf("context not cancelled")
	}
	if r.Cancel("c") {
		t.Fatalf("second Cancel returned true")
	}
}

func TestExpireStale(t *testing.T) {
	r := NewRegistry(time.Second)
	var expired []Call
	r.SetExpireHook(func(c Call) { expired = append(expired, c) })

	ctx, call, done := r.Begin(context.Background(), "slow", "asr")
	defer done()

	r.expireStale(call.StartedAt.Add(500 * time.Millisecond))
	if ctx.Err() != nil {
		t.Fatalf("call expired too early")
	}
	r.expireStale(call.StartedAt.Add(2 * time.Second))
	if !errors.Is(context.Cause(ctx), ErrExpired) {
		t.Fatalf("cause = %v, want ErrExpired", context.Cause(ctx))
	}
	if len(expired) != 1 || expired[0].ID != call.ID {
		t.Fatalf("expire hook got %+v", expired)
	}
}
