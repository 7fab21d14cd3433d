// Package audit keeps a record of speech call outcomes. Audio and text
// payloads are never stored.
package audit

import (
	"context"
	"time"
)

// Record describes one finished speech call.
type Record struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Vendor    string    `json:"vendor"`
	Operation string    `json:"operation"`
	Path      string    `json:"path"`
	Outcome   string    `json:"outcome"`
	ErrorKind string    `json:"error_kind,omitempty"`
	ErrorCode int       `json:"error_code,omitempty"`
	Partial   bool      `json:"partial,omitempty"`
	Bytes     int       `json:"bytes"`
	LatencyMS int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

type Store interface {
	Append(ctx context.Context, record Record) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
