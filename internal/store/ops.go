package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tmaher/mirrorlog/internal/event"
)

// ErrSessionNotFound is returned by operations that require an existing
// session aggregate.
var ErrSessionNotFound = fmt.Errorf("session not found")

// ErrEventNotFound is returned by operations that require the referenced
// event to be stored locally.
var ErrEventNotFound = fmt.Errorf("event not found")

// ErrNotDeletable is returned when a message.deleted event targets a
// type deletion does not apply to.
var ErrNotDeletable = fmt.Errorf("only message and tool result events can be deleted")

// AppendLocal records an optimistic local write: a provisional event
// chained from the session head, with the head pointer, activity stamp,
// and counters advanced and the id registered as pending confirmation —
// all in one transaction. The event stays provisional until the server
// confirms it and reconciliation replaces it with the canonical copy.
func (s *Store) AppendLocal(
	sessionID string, t event.Type, payload json.RawMessage,
) (*event.Event, error) {
	e := &event.Event{
		ID:        event.NewProvisionalID(),
		SessionID: sessionID,
		Type:      t,
		Timestamp: event.Now(),
		Payload:   payload,
	}

	err := s.Update(func(tx *sql.Tx) error {
		return appendLocalTx(tx, e)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// appendLocalTx chains e from its session's head and advances the
// aggregate and pending set, all within the caller's transaction.
func appendLocalTx(tx *sql.Tx, e *event.Event) error {
	sess, err := sessionTx(tx, e.SessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("appending to %s: %w", e.SessionID, ErrSessionNotFound)
	}

	e.WorkspaceID = sess.WorkspaceID
	e.ParentID = sess.HeadEventID

	var maxSeq sql.NullInt64
	if err := tx.QueryRow(
		"SELECT MAX(sequence) FROM events WHERE session_id = ?",
		e.SessionID,
	).Scan(&maxSeq); err != nil {
		return &Error{Phase: PhaseExecute, Op: "reading max sequence", Err: err}
	}
	if maxSeq.Valid {
		e.Sequence = maxSeq.Int64 + 1
	}

	if err := insertEventExec(tx, e); err != nil {
		return err
	}

	applyEventToAggregate(sess, e)
	if err := upsertSessionExec(tx, sess); err != nil {
		return err
	}
	return addPendingTx(tx, SessionScope(e.SessionID), e.ID)
}

// DeleteMessageLocal records the deletion of a message as a new
// message.deleted event appended at the session head; the target row is
// never modified, rendering applies the deletion during message
// reconstruction. The target must exist and be a deletable type
// (message.user, message.assistant, or tool.result).
func (s *Store) DeleteMessageLocal(
	sessionID, targetEventID, reason string,
) (*event.Event, error) {
	if reason == "" {
		reason = "user_request"
	}
	e := &event.Event{
		ID:        event.NewProvisionalID(),
		SessionID: sessionID,
		Type:      event.MessageDeleted,
		Timestamp: event.Now(),
	}

	err := s.Update(func(tx *sql.Tx) error {
		target, err := eventTx(tx, targetEventID)
		if err != nil {
			return err
		}
		if target == nil {
			return fmt.Errorf("deleting %s: %w", targetEventID, ErrEventNotFound)
		}
		if !target.Type.IsDeletable() {
			return fmt.Errorf(
				"deleting %s event %s: %w", target.Type, targetEventID, ErrNotDeletable)
		}

		payload, err := json.Marshal(event.MessageDeletedPayload{
			TargetEventID: targetEventID,
			TargetType:    string(target.Type),
			Reason:        reason,
		})
		if err != nil {
			return fmt.Errorf("encoding deletion payload: %w", err)
		}
		e.Payload = payload

		return appendLocalTx(tx, e)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ForkLocal creates a new session whose root session.fork event points
// into the source session's tree, so ancestor walks from the fork event
// traverse back through the shared history. The forked session inherits
// workspace, working directory, model, and origin from the source.
func (s *Store) ForkLocal(
	ctx context.Context, fromEventID string, title *string,
) (*Session, *event.Event, error) {
	source, err := s.GetEvent(ctx, fromEventID)
	if err != nil {
		return nil, nil, err
	}
	if source == nil {
		return nil, nil, fmt.Errorf("fork source event %s not stored locally", fromEventID)
	}
	sourceSession, err := s.GetSession(ctx, source.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if sourceSession == nil {
		return nil, nil, fmt.Errorf("forking from %s: %w", source.SessionID, ErrSessionNotFound)
	}

	payload, err := json.Marshal(event.SessionForkPayload{
		SourceSessionID: source.SessionID,
		SourceEventID:   fromEventID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encoding fork payload: %w", err)
	}

	now := event.Now()
	forkEvent := &event.Event{
		ID:          event.NewProvisionalID(),
		ParentID:    &fromEventID,
		SessionID:   event.NewProvisionalID(),
		WorkspaceID: source.WorkspaceID,
		Type:        event.SessionFork,
		Timestamp:   now,
		Sequence:    0,
		Payload:     payload,
	}
	sess := &Session{
		ID:               forkEvent.SessionID,
		WorkspaceID:      source.WorkspaceID,
		RootEventID:      &forkEvent.ID,
		HeadEventID:      &forkEvent.ID,
		Title:            title,
		LatestModel:      sourceSession.LatestModel,
		WorkingDirectory: sourceSession.WorkingDirectory,
		CreatedAt:        now,
		LastActivityAt:   now,
		EventCount:       1,
		IsFork:           true,
		ServerOrigin:     sourceSession.ServerOrigin,
	}

	err = s.Update(func(tx *sql.Tx) error {
		if err := insertEventExec(tx, forkEvent); err != nil {
			return err
		}
		if err := upsertSessionExec(tx, sess); err != nil {
			return err
		}
		return addPendingTx(tx, SessionScope(sess.ID), forkEvent.ID)
	})
	if err != nil {
		return nil, nil, err
	}

	s.log.Debug("session forked locally")
	return sess, forkEvent, nil
}

// RefreshAggregate rebuilds a session's materialized row from its event
// log: head and root pointers, activity stamps, and all counters. The
// row is created if this is the first time events for the session have
// been seen. origin stamps server_origin on creation; an existing
// non-nil origin is never overwritten with nil.
func (s *Store) RefreshAggregate(
	ctx context.Context, sessionID string, origin *string,
) (*Session, error) {
	events, err := s.EventsBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return s.GetSession(ctx, sessionID)
	}

	existing, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sess := &Session{ID: sessionID, ServerOrigin: origin}
	if existing != nil {
		sess.Title = existing.Title
		sess.ArchivedAt = existing.ArchivedAt
		if existing.ServerOrigin != nil {
			sess.ServerOrigin = existing.ServerOrigin
		}
	}

	root := events[0]
	sess.WorkspaceID = root.WorkspaceID
	sess.RootEventID = &events[0].ID
	sess.CreatedAt = root.Timestamp
	sess.IsFork = root.Type == event.SessionFork

	if root.Type == event.SessionStart {
		var p event.SessionStartPayload
		if err := json.Unmarshal(root.Payload, &p); err == nil {
			sess.WorkingDirectory = p.WorkingDirectory
			sess.LatestModel = p.Model
			if p.Title != "" && sess.Title == nil {
				sess.Title = &p.Title
			}
		}
	}

	for i := range events {
		applyEventToAggregate(sess, &events[i])
	}

	if err := s.UpsertSession(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// applyEventToAggregate folds one event into the session aggregate:
// head pointer, activity stamp, and counters.
func applyEventToAggregate(sess *Session, e *event.Event) {
	id := e.ID
	sess.HeadEventID = &id
	if timestampAfter(e.Timestamp, sess.LastActivityAt) {
		sess.LastActivityAt = e.Timestamp
	}
	sess.EventCount++

	if e.Type.IsMessage() {
		sess.MessageCount++
	}
	if e.Type == event.MessageAssistant {
		if model := gjson.GetBytes(e.Payload, "model").Str; model != "" {
			sess.LatestModel = model
		}
		if tu := gjson.GetBytes(e.Payload, "tokenUsage"); tu.Exists() {
			sess.InputTokens += tu.Get("inputTokens").Int()
			sess.OutputTokens += tu.Get("outputTokens").Int()
			sess.CacheReadTokens += tu.Get("cacheReadTokens").Int()
			sess.CacheCreationTokens += tu.Get("cacheCreationTokens").Int()
			sess.LastTurnInputTokens = tu.Get("inputTokens").Int()
		}
		sess.Cost += gjson.GetBytes(e.Payload, "cost").Float()
	}
}

// timestampAfter reports whether a is strictly later than b. RFC 3339
// strings with and without fractional seconds do not compare correctly
// as bytes ("...00Z" sorts after "...00.5Z"), so both sides are parsed;
// unparseable values fall back to the lexical order.
func timestampAfter(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA != nil || errB != nil {
		return a > b
	}
	return ta.After(tb)
}

// sessionTx reads a session row within an existing transaction.
func sessionTx(tx *sql.Tx, id string) (*Session, error) {
	row := tx.QueryRow(
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
