package api

import (
	"context"

	"github.com/snarg/scribed/internal/reconcile"
)

// SessionController is the orchestration boundary the HTTP layer drives.
// The control package implements this interface — no circular imports since
// api owns it.
type SessionController interface {
	// StartSession validates the configured inputs and starts a session.
	StartSession(ctx context.Context) error

	// StopSession tears the active session down. No-op when idle.
	StopSession()

	// ClearResults discards all reconciled display state.
	ClearResults()

	// Status reports the aggregate session state and active sources.
	Status() SessionStatusData

	// Results returns copies of the per-slot display state.
	Results() []reconcile.Snapshot

	// HandleForeground signals the hosting app returned to the foreground.
	HandleForeground()

	// Subscribe returns a channel receiving reconciler events matching the
	// filter, and a cancel function to unsubscribe.
	Subscribe(filter reconcile.Filter) (<-chan reconcile.Event, func())

	// ReplaySince returns buffered events since the given event ID.
	ReplaySince(lastEventID string, filter reconcile.Filter) []reconcile.Event
}

// SessionStatusData is the session status representation for API responses.
type SessionStatusData struct {
	State           string       `json:"state"`
	Sources         []SourceData `json:"sources,omitempty"`
	BroadcastActive bool         `json:"broadcast_active"`
}

// SourceData describes one active source.
type SourceData struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Label string `json:"label"`
}
