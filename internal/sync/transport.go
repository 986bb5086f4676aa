// Package sync pulls canonical history from the remote server into the
// local store and keeps per-scope cursors current. The server's event
// log, transport framing, and authentication live behind the Transport
// interface; nothing here pushes.
package sync

import (
	"context"

	"github.com/tmaher/mirrorlog/internal/event"
)

// HistoryRequest asks for one reverse-chronological page of a session's
// history.
type HistoryRequest struct {
	SessionID     string
	Types         []event.Type // empty = all types
	Limit         int          // 0 = server default
	BeforeEventID string       // paging cursor; "" = newest page
}

// HistoryPage is one page of reverse-chronological history.
type HistoryPage struct {
	Events        []event.Event
	HasMore       bool
	OldestEventID string
}

// SinceRequest asks for events newer than a cursor, scoped to a session
// or a workspace-wide feed.
type SinceRequest struct {
	SessionID      string
	WorkspaceID    string
	AfterEventID   string
	AfterTimestamp string
	Limit          int
}

// Transport is the pull-style API the remote server exposes. GetAncestors
// is the server-side cross-session resolver the client falls back to when
// a local ancestor walk terminates early.
type Transport interface {
	GetHistory(ctx context.Context, req HistoryRequest) (HistoryPage, error)
	GetSince(ctx context.Context, req SinceRequest) ([]event.Event, error)
	GetAncestors(ctx context.Context, eventID string) ([]event.Event, error)
}
