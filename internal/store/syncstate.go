package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
)

// SyncState tracks, per scope, where the incremental pull should resume
// and which locally-written events the server has not yet confirmed. One
// scope is either a single session or a workspace-wide feed.
type SyncState struct {
	Key               string   `json:"key"`
	LastSyncedEventID *string  `json:"last_synced_event_id"`
	LastSyncTimestamp *string  `json:"last_sync_timestamp"`
	PendingEventIDs   []string `json:"pending_event_ids"`
}

// SessionScope returns the sync-state key for a single session's feed.
func SessionScope(sessionID string) string {
	return "session:" + sessionID
}

// WorkspaceScope returns the sync-state key for a workspace-wide feed.
func WorkspaceScope(workspaceID string) string {
	return "workspace:" + workspaceID
}

// SyncStateFor returns the state for a scope key, or nil if none is
// recorded yet.
func (s *Store) SyncStateFor(ctx context.Context, key string) (*SyncState, error) {
	row := s.reader.QueryRowContext(ctx, `
		SELECT key, last_synced_event_id, last_sync_timestamp,
		       pending_event_ids
		FROM sync_state WHERE key = ?`, key)

	var st SyncState
	var pending []byte
	err := row.Scan(&st.Key, &st.LastSyncedEventID,
		&st.LastSyncTimestamp, &pending)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{Phase: PhaseExecute, Op: "getting sync state", Err: err}
	}
	if len(pending) > 0 {
		if err := json.Unmarshal(pending, &st.PendingEventIDs); err != nil {
			return nil, &Error{Phase: PhaseDecode, Op: "decoding pending event ids", Err: err}
		}
	}
	return &st, nil
}

// SetSyncState upserts the state for a scope.
func (s *Store) SetSyncState(st *SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setSyncStateExec(s.writer, st)
}

func setSyncStateExec(db execer, st *SyncState) error {
	pending := st.PendingEventIDs
	if pending == nil {
		pending = []string{}
	}
	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("encoding pending event ids: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO sync_state
			(key, last_synced_event_id, last_sync_timestamp,
			 pending_event_ids)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			last_synced_event_id = excluded.last_synced_event_id,
			last_sync_timestamp = excluded.last_sync_timestamp,
			pending_event_ids = excluded.pending_event_ids`,
		st.Key, st.LastSyncedEventID, st.LastSyncTimestamp, string(data))
	if err != nil {
		return &Error{
			Phase: PhaseInsert,
			Op:    fmt.Sprintf("upserting sync state %s", st.Key),
			Err:   err,
		}
	}
	return nil
}

// addPendingTx registers a locally-written event id with its scope's
// pending set inside an existing transaction.
func addPendingTx(tx *sql.Tx, key, eventID string) error {
	st, err := syncStateTx(tx, key)
	if err != nil {
		return err
	}
	if st == nil {
		st = &SyncState{Key: key}
	}
	if slices.Contains(st.PendingEventIDs, eventID) {
		return nil
	}
	st.PendingEventIDs = append(st.PendingEventIDs, eventID)
	return setSyncStateExec(tx, st)
}

// RemovePendingTx drops confirmed (or superseded) ids from the scope's
// pending set inside an existing transaction. Unknown ids are ignored.
func RemovePendingTx(tx *sql.Tx, key string, eventIDs []string) error {
	st, err := syncStateTx(tx, key)
	if err != nil || st == nil {
		return err
	}
	kept := st.PendingEventIDs[:0]
	for _, id := range st.PendingEventIDs {
		if !slices.Contains(eventIDs, id) {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(st.PendingEventIDs) {
		return nil
	}
	st.PendingEventIDs = kept
	return setSyncStateExec(tx, st)
}

// syncStateTx reads a scope's state within an existing transaction.
func syncStateTx(tx *sql.Tx, key string) (*SyncState, error) {
	row := tx.QueryRow(`
		SELECT key, last_synced_event_id, last_sync_timestamp,
		       pending_event_ids
		FROM sync_state WHERE key = ?`, key)

	var st SyncState
	var pending []byte
	err := row.Scan(&st.Key, &st.LastSyncedEventID,
		&st.LastSyncTimestamp, &pending)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{Phase: PhaseExecute, Op: "getting sync state", Err: err}
	}
	if len(pending) > 0 {
		if err := json.Unmarshal(pending, &st.PendingEventIDs); err != nil {
			return nil, &Error{Phase: PhaseDecode, Op: "decoding pending event ids", Err: err}
		}
	}
	return &st, nil
}
