// Package callstore keeps a metadata record of every media stream session:
// which call it belonged to, when it started and ended, how many frames of
// audio were delivered, and why playback stopped. No audio is stored.
//
// Two implementations exist: [MemStore] for single-process deployments and
// tests, and the PostgreSQL-backed store in the postgres subpackage.
package callstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for a stream.
var ErrNotFound = errors.New("callstore: record not found")

// Record describes one media stream session.
type Record struct {
	StreamSID  string    `json:"streamSid"`
	CallSID    string    `json:"callSid,omitempty"`
	ConnID     string    `json:"connId"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt,omitzero"`
	FramesSent int       `json:"framesSent"`
	EndReason  string    `json:"endReason,omitempty"`
}

// Finished reports whether the session has ended.
func (r Record) Finished() bool { return !r.EndedAt.IsZero() }

// Outcome is the closing half of a [Record].
type Outcome struct {
	EndedAt    time.Time
	FramesSent int
	EndReason  string
}

// Store persists session records. Implementations must be safe for concurrent
// use.
type Store interface {
	// Begin records the start of a session. Beginning a stream that already
	// has a record replaces it.
	Begin(ctx context.Context, rec Record) error

	// Finish completes the record for streamSID. It returns [ErrNotFound]
	// when Begin was never called for that stream.
	Finish(ctx context.Context, streamSID string, out Outcome) error

	// Get returns the record for streamSID or [ErrNotFound].
	Get(ctx context.Context, streamSID string) (Record, error)

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close()
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
