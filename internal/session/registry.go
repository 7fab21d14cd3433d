// Package session tracks in-flight speech calls per client so a new call
// can supersede the previous one.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSuperseded is the cancellation cause of a call replaced by a newer
// call from the same client.
var ErrSuperseded = errors.New("superseded by a newer request")

// ErrExpired is the cancellation cause of a call that outlived the
// registry's maximum age.
var ErrExpired = errors.New("in-flight call expired")

type Call struct {
	ID         string    `json:"call_id"`
	ClientID   string    `json:"client_id"`
	Operation  string    `json:"operation"`
	StartedAt  time.Time `json:"started_at"`
	Supersedes string    `json:"supersedes,omitempty"`
}

type entry struct {
	call   Call
	cancel context.CancelCauseFunc
}

type Registry struct {
	mu         sync.Mutex
	calls      map[string]*entry
	maxAge     time.Duration
	superseded int
	onExpire   func(Call)
}

// NewRegistry returns a registry that cancels calls older than maxAge when
// its janitor runs. The default is a little over the 30s call budget.
func NewRegistry(maxAge time.Duration) *Registry {
	if maxAge <= 0 {
		maxAge = 45 * time.Second
	}
	return &Registry{
		calls:  make(map[string]*entry),
		maxAge: maxAge,
	}
}

func (r *Registry) SetExpireHook(hook func(Call)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Begin registers a call for clientID and cancels the client's previous
// call, if any. The returned done func must be called when the call ends.
// An empty clientID opts out of tracking.
func (r *Registry) Begin(ctx context.Context, clientID, op string) (context.Context, Call, func()) {
	call := Call{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Operation: op,
		StartedAt: time.Now().UTC(),
	}
	if clientID == "" {
		return ctx, call, func() {}
	}
	ctx, cancel := context.WithCancelCause(ctx)

	r.mu.Lock()
	if prev, ok := r.calls[clientID]; ok {
		prev.cancel(ErrSuperseded)
		call.Supersedes = prev.call.ID
		r.superseded++
	}
	r.calls[clientID] = &entry{call: call, cancel: cancel}
	r.mu.Unlock()

	done := func() {
		r.mu.Lock()
		if cur, ok := r.calls[clientID]; ok && cur.call.ID == call.ID {
			delete(r.calls, clientID)
		}
		r.mu.Unlock()
		cancel(nil)
	}
	return ctx, call, done
}

// Cancel aborts the in-flight call of clientID. It reports whether one
// existed.
func (r *Registry) Cancel(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.calls[clientID]
	if !ok {
		return false
	}
	e.cancel(context.Canceled)
	delete(r.calls, clientID)
	return true
}

func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *Registry) SupersededCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.superseded
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireStale(time.Now().UTC())
			}
		}
	}()
}

func (r *Registry) expireStale(now time.Time) {
	var expired []Call

	r.mu.Lock()
	for clientID, e := range r.calls {
		if now.Sub(e.call.StartedAt) < r.maxAge {
			continue
		}
		e.cancel(ErrExpired)
		delete(r.calls, clientID)
		expired = append(expired, e.call)
	}
	hook := r.onExpire
	r.mu.Unlock()

	if hook != nil {
		for _, c := range expired {
			hook(c)
		}
	}
}
