package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tmaher/mirrorlog/internal/event"
)

// sessionCols is the column list for session queries. Keep in sync with
// scanSession.
const sessionCols = `id, workspace_id, root_event_id, head_event_id,
	title, latest_model, working_directory, created_at, last_activity_at,
	archived_at, event_count, message_count, input_tokens, output_tokens,
	last_turn_input_tokens, cache_read_tokens, cache_creation_tokens,
	cost, is_fork, server_origin`

// Session is the materialized aggregate row for one conversation. It is
// created when the first event for a session arrives and mutated on every
// subsequent event; archiving is a soft delete.
type Session struct {
	ID                  string   `json:"id"`
	WorkspaceID         string   `json:"workspace_id"`
	RootEventID         *string  `json:"root_event_id"`
	HeadEventID         *string  `json:"head_event_id"`
	Title               *string  `json:"title"`
	LatestModel         string   `json:"latest_model"`
	WorkingDirectory    string   `json:"working_directory"`
	CreatedAt           string   `json:"created_at"`
	LastActivityAt      string   `json:"last_activity_at"`
	ArchivedAt          *string  `json:"archived_at"`
	EventCount          int64    `json:"event_count"`
	MessageCount        int64    `json:"message_count"`
	InputTokens         int64    `json:"input_tokens"`
	OutputTokens        int64    `json:"output_tokens"`
	LastTurnInputTokens int64    `json:"last_turn_input_tokens"`
	CacheReadTokens     int64    `json:"cache_read_tokens"`
	CacheCreationTokens int64    `json:"cache_creation_tokens"`
	Cost                float64  `json:"cost"`
	IsFork              bool     `json:"is_fork"`
	ServerOrigin        *string  `json:"server_origin"`
}

func scanSession(rs rowScanner) (Session, error) {
	var s Session
	err := rs.Scan(
		&s.ID, &s.WorkspaceID, &s.RootEventID, &s.HeadEventID,
		&s.Title, &s.LatestModel, &s.WorkingDirectory, &s.CreatedAt,
		&s.LastActivityAt, &s.ArchivedAt, &s.EventCount,
		&s.MessageCount, &s.InputTokens, &s.OutputTokens,
		&s.LastTurnInputTokens, &s.CacheReadTokens,
		&s.CacheCreationTokens, &s.Cost, &s.IsFork, &s.ServerOrigin,
	)
	return s, err
}

func (s *Store) scanSessions(rows *sql.Rows) ([]Session, error) {
	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, &Error{Phase: PhaseExecute, Op: "scanning session", Err: err}
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpsertSession inserts or updates a session row.
func (s *Store) UpsertSession(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsertSessionExec(s.writer, sess)
}

func upsertSessionExec(db execer, sess *Session) error {
	_, err := db.Exec(`
		INSERT INTO sessions (
			id, workspace_id, root_event_id, head_event_id, title,
			latest_model, working_directory, created_at,
			last_activity_at, archived_at, event_count, message_count,
			input_tokens, output_tokens, last_turn_input_tokens,
			cache_read_tokens, cache_creation_tokens, cost, is_fork,
			server_origin
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			root_event_id = excluded.root_event_id,
			head_event_id = excluded.head_event_id,
			title = excluded.title,
			latest_model = excluded.latest_model,
			working_directory = excluded.working_directory,
			last_activity_at = excluded.last_activity_at,
			archived_at = excluded.archived_at,
			event_count = excluded.event_count,
			message_count = excluded.message_count,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			last_turn_input_tokens = excluded.last_turn_input_tokens,
			cache_read_tokens = excluded.cache_read_tokens,
			cache_creation_tokens = excluded.cache_creation_tokens,
			cost = excluded.cost,
			is_fork = excluded.is_fork,
			server_origin = excluded.server_origin`,
		sess.ID, sess.WorkspaceID, sess.RootEventID, sess.HeadEventID,
		sess.Title, sess.LatestModel, sess.WorkingDirectory,
		sess.CreatedAt, sess.LastActivityAt, sess.ArchivedAt,
		sess.EventCount, sess.MessageCount, sess.InputTokens,
		sess.OutputTokens, sess.LastTurnInputTokens,
		sess.CacheReadTokens, sess.CacheCreationTokens, sess.Cost,
		sess.IsFork, sess.ServerOrigin)
	if err != nil {
		return &Error{
			Phase: PhaseInsert,
			Op:    fmt.Sprintf("upserting session %s", sess.ID),
			Err:   err,
		}
	}
	return nil
}

// GetSession returns a session by id, or nil if absent.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.reader.QueryRowContext(ctx,
		"SELECT "+sessionCols+" FROM sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{
			Phase: PhaseExecute,
			Op:    fmt.Sprintf("getting session %s", id),
			Err:   err,
		}
	}
	return &sess, nil
}

// AllSessions returns every session ordered by last activity, newest
// first.
func (s *Store) AllSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.reader.QueryContext(ctx,
		"SELECT "+sessionCols+` FROM sessions
		 ORDER BY last_activity_at DESC, id DESC`)
	if err != nil {
		return nil, &Error{Phase: PhaseExecute, Op: "querying sessions", Err: err}
	}
	defer rows.Close()
	return s.scanSessions(rows)
}

// SessionsByOrigin returns sessions partitioned by server origin. With a
// non-empty origin, sessions whose server_origin is null or different are
// excluded — switching server environments must never leak cross-origin
// history. With origin == nil all sessions are returned.
func (s *Store) SessionsByOrigin(
	ctx context.Context, origin *string,
) ([]Session, error) {
	if origin == nil {
		return s.AllSessions(ctx)
	}
	rows, err := s.reader.QueryContext(ctx,
		"SELECT "+sessionCols+` FROM sessions
		 WHERE server_origin = ?
		 ORDER BY last_activity_at DESC, id DESC`, *origin)
	if err != nil {
		return nil, &Error{Phase: PhaseExecute, Op: "querying sessions by origin", Err: err}
	}
	defer rows.Close()
	return s.scanSessions(rows)
}

// SessionOrigin returns the server origin a session was created against,
// or nil when unset or the session is absent.
func (s *Store) SessionOrigin(ctx context.Context, id string) (*string, error) {
	var origin *string
	err := s.reader.QueryRowContext(ctx,
		"SELECT server_origin FROM sessions WHERE id = ?", id).Scan(&origin)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{Phase: PhaseExecute, Op: "getting session origin", Err: err}
	}
	return origin, nil
}

// SessionExists reports whether a session row is stored.
func (s *Store) SessionExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.reader.QueryRowContext(ctx,
		"SELECT 1 FROM sessions WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, &Error{Phase: PhaseExecute, Op: "checking session existence", Err: err}
	}
	return true, nil
}

// DeleteSession hard-deletes a session, cascading to its events and sync
// cursor in one transaction. Archiving is the default removal path;
// this exists for explicit user-driven destruction only.
func (s *Store) DeleteSession(id string) error {
	return s.Update(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"DELETE FROM events WHERE session_id = ?", id); err != nil {
			return &Error{Phase: PhaseDelete, Op: "deleting session events", Err: err}
		}
		if _, err := tx.Exec(
			"DELETE FROM sync_state WHERE key = ?", SessionScope(id)); err != nil {
			return &Error{Phase: PhaseDelete, Op: "deleting session sync state", Err: err}
		}
		if _, err := tx.Exec(
			"DELETE FROM sessions WHERE id = ?", id); err != nil {
			return &Error{Phase: PhaseDelete, Op: "deleting session", Err: err}
		}
		return nil
	})
}

// ArchiveSession soft-deletes a session by stamping archived_at.
func (s *Store) ArchiveSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.writer.Exec(
		"UPDATE sessions SET archived_at = ? WHERE id = ?",
		event.Now(), id)
	if err != nil {
		return &Error{Phase: PhaseExecute, Op: "archiving session", Err: err}
	}
	return nil
}

// UnarchiveSession clears a session's archived_at stamp.
func (s *Store) UnarchiveSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.writer.Exec(
		"UPDATE sessions SET archived_at = NULL WHERE id = ?", id)
	if err != nil {
		return &Error{Phase: PhaseExecute, Op: "unarchiving session", Err: err}
	}
	return nil
}

// ForkedSessions returns the sessions whose session.fork event references
// the given source event. Fork payloads are the only edges that cross
// session boundaries, so this is a scan over fork events rather than a
// parent-id lookup.
func (s *Store) ForkedSessions(
	ctx context.Context, fromEventID string,
) ([]Session, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT session_id, payload FROM events WHERE type = ?`,
		string(event.SessionFork))
	if err != nil {
		return nil, &Error{Phase: PhaseExecute, Op: "querying fork events", Err: err}
	}
	defer rows.Close()

	seen := map[string]bool{}
	var ids []string
	for rows.Next() {
		var sessionID string
		var payload []byte
		if err := rows.Scan(&sessionID, &payload); err != nil {
			return nil, &Error{Phase: PhaseExecute, Op: "scanning fork event", Err: err}
		}
		if gjson.GetBytes(payload, "sourceEventId").Str != fromEventID {
			continue
		}
		if !seen[sessionID] {
			seen[sessionID] = true
			ids = append(ids, sessionID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Phase: PhaseExecute, Op: "iterating fork events", Err: err}
	}

	var sessions []Session
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			sessions = append(sessions, *sess)
		}
	}
	return sessions, nil
}

// SiblingSessions answers "what other branches exist from this exact
// point": ForkedSessions minus the caller's own session.
func (s *Store) SiblingSessions(
	ctx context.Context, forEventID, excludeSessionID string,
) ([]Session, error) {
	forked, err := s.ForkedSessions(ctx, forEventID)
	if err != nil {
		return nil, err
	}
	siblings := forked[:0]
	for _, sess := range forked {
		if sess.ID != excludeSessionID {
			siblings = append(siblings, sess)
		}
	}
	return siblings, nil
}
