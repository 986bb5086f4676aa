// Package event defines the event log's data model: the immutable Event
// record, its id namespaces, the closed-but-extensible type tag, and the
// payload helpers shared by the store and the reconciliation engine.
package event

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CanonicalIDPrefix marks server-assigned event ids. Locally-minted
// provisional ids are bare UUIDs without the prefix.
const CanonicalIDPrefix = "evt_"

// Event is one record in the append-only log. Once reconciled it is
// immutable; deletions are recorded as new message.deleted events, never
// as row mutations.
type Event struct {
	ID          string          `json:"id"`
	ParentID    *string         `json:"parentId"`
	SessionID   string          `json:"sessionId"`
	WorkspaceID string          `json:"workspaceId"`
	Type        Type            `json:"type"`
	Timestamp   string          `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
	Payload     json.RawMessage `json:"payload"`
}

// IsCanonicalID reports whether id was assigned by the server.
func IsCanonicalID(id string) bool {
	return strings.HasPrefix(id, CanonicalIDPrefix)
}

// IsProvisional reports whether the event was created locally and has not
// been confirmed by the server.
func (e *Event) IsProvisional() bool {
	return !IsCanonicalID(e.ID)
}

// NewCanonicalID mints a server-shaped event id. The client only does this
// in tests and fixtures; real canonical ids arrive from the transport.
func NewCanonicalID() string {
	return CanonicalIDPrefix + uuid.NewString()
}

// NewProvisionalID mints a local id for an optimistic write.
func NewProvisionalID() string {
	return uuid.NewString()
}

// Now returns the current time formatted the way event timestamps are
// stored (RFC 3339, UTC).
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
