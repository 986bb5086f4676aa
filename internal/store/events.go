package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmaher/mirrorlog/internal/event"
)

// eventCols is the column list for event queries. Keep in sync with
// scanEvent.
const eventCols = `id, parent_id, session_id, workspace_id, type,
	timestamp, sequence, payload`

// deleteBatchSize keeps IN (...) parameter counts under SQLite's
// variable limit.
const deleteBatchSize = 500

// maxAncestorDepth bounds the parent walk so a corrupted cycle cannot
// loop forever.
const maxAncestorDepth = 100_000

// rowScanner is satisfied by both *sql.Row and *sql.Rows, allowing a
// single scan helper for both.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanEvent scans eventCols into an Event.
func scanEvent(rs rowScanner) (event.Event, error) {
	var e event.Event
	var payload []byte
	err := rs.Scan(
		&e.ID, &e.ParentID, &e.SessionID, &e.WorkspaceID, &e.Type,
		&e.Timestamp, &e.Sequence, &payload,
	)
	if err != nil {
		return event.Event{}, err
	}
	if !json.Valid(payload) {
		return event.Event{}, &Error{
			Phase: PhaseDecode,
			Op:    fmt.Sprintf("decoding payload of event %s", e.ID),
			Err:   fmt.Errorf("payload is not valid JSON"),
		}
	}
	e.Payload = json.RawMessage(payload)
	return e, nil
}

// scanEvents iterates rows, skipping rows whose payload cannot be
// decoded. One corrupt or forward-incompatible row must never block
// reading the rest of a session's history, so decode failures degrade
// the result set with a warning instead of failing the query.
func (s *Store) scanEvents(rows *sql.Rows) ([]event.Event, error) {
	var events []event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			if se, ok := err.(*Error); ok && se.Phase == PhaseDecode {
				s.log.Warn("skipping undecodable event row",
					slog.String("error", err.Error()))
				continue
			}
			return nil, &Error{Phase: PhaseExecute, Op: "scanning event", Err: err}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// InsertEvent upserts a single event by id. The caller is responsible
// for aggregate updates; AppendLocal is the combined path.
func (s *Store) InsertEvent(e *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertEventExec(s.writer, e)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertEventExec(db execer, e *event.Event) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO events
			(id, parent_id, session_id, workspace_id, type,
			 timestamp, sequence, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ParentID, e.SessionID, e.WorkspaceID, string(e.Type),
		e.Timestamp, e.Sequence, string(e.Payload))
	if err != nil {
		return &Error{
			Phase: PhaseInsert,
			Op:    fmt.Sprintf("inserting event %s", e.ID),
			Err:   err,
		}
	}
	return nil
}

// InsertEvents batch-inserts events all-or-nothing: any single failure
// rolls back the entire batch.
func (s *Store) InsertEvents(events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.Update(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR REPLACE INTO events
				(id, parent_id, session_id, workspace_id, type,
				 timestamp, sequence, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return &Error{Phase: PhasePrepare, Op: "preparing event insert", Err: err}
		}
		defer stmt.Close()

		for i := range events {
			e := &events[i]
			if _, err := stmt.Exec(
				e.ID, e.ParentID, e.SessionID, e.WorkspaceID,
				string(e.Type), e.Timestamp, e.Sequence,
				string(e.Payload),
			); err != nil {
				return &Error{
					Phase: PhaseInsert,
					Op:    fmt.Sprintf("inserting event %s", e.ID),
					Err:   err,
				}
			}
		}
		return nil
	})
}

// InsertNewEvents inserts events with insert-or-ignore semantics:
// primary-key collisions are silently skipped. Returns how many rows
// were actually new, which callers use to decide whether anything
// changed. The batch is transactional.
func (s *Store) InsertNewEvents(events []event.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.Update(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR IGNORE INTO events
				(id, parent_id, session_id, workspace_id, type,
				 timestamp, sequence, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return &Error{Phase: PhasePrepare, Op: "preparing event insert", Err: err}
		}
		defer stmt.Close()

		for i := range events {
			e := &events[i]
			res, err := stmt.Exec(
				e.ID, e.ParentID, e.SessionID, e.WorkspaceID,
				string(e.Type), e.Timestamp, e.Sequence,
				string(e.Payload),
			)
			if err != nil {
				return &Error{
					Phase: PhaseInsert,
					Op:    fmt.Sprintf("inserting event %s", e.ID),
					Err:   err,
				}
			}
			n, _ := res.RowsAffected()
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// UpdateEventPayload rewrites a stored event's payload. Events are
// immutable once reconciled; this exists solely for the reconcile-time
// enrichment write that donates a provisional copy's richer payload to
// its canonical survivor.
func (s *Store) UpdateEventPayload(id string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.writer.Exec(
		"UPDATE events SET payload = ? WHERE id = ?", string(payload), id)
	if err != nil {
		return &Error{
			Phase: PhaseExecute,
			Op:    fmt.Sprintf("updating payload of event %s", id),
			Err:   err,
		}
	}
	return nil
}

// GetEvent returns a single event by id, or nil if absent.
func (s *Store) GetEvent(ctx context.Context, id string) (*event.Event, error) {
	row := s.reader.QueryRowContext(ctx,
		"SELECT "+eventCols+" FROM events WHERE id = ?", id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		if se, ok := err.(*Error); ok {
			return nil, se
		}
		return nil, &Error{
			Phase: PhaseExecute,
			Op:    fmt.Sprintf("getting event %s", id),
			Err:   err,
		}
	}
	return &e, nil
}

// eventTx reads a single event within an existing transaction, or nil
// if absent.
func eventTx(tx *sql.Tx, id string) (*event.Event, error) {
	row := tx.QueryRow(
		"SELECT "+eventCols+" FROM events WHERE id = ?", id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		if se, ok := err.(*Error); ok {
			return nil, se
		}
		return nil, &Error{
			Phase: PhaseExecute,
			Op:    fmt.Sprintf("getting event %s", id),
			Err:   err,
		}
	}
	return &e, nil
}

// EventExists reports whether an event with the given id is stored.
func (s *Store) EventExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.reader.QueryRowContext(ctx,
		"SELECT 1 FROM events WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, &Error{Phase: PhaseExecute, Op: "checking event existence", Err: err}
	}
	return true, nil
}

// EventsBySession returns a session's events ordered by sequence. This is
// the primary read path for reconstructing a conversation.
func (s *Store) EventsBySession(
	ctx context.Context, sessionID string,
) ([]event.Event, error) {
	rows, err := s.reader.QueryContext(ctx,
		"SELECT "+eventCols+` FROM events
		 WHERE session_id = ? ORDER BY sequence ASC`, sessionID)
	if err != nil {
		return nil, &Error{Phase: PhaseExecute, Op: "querying session events", Err: err}
	}
	defer rows.Close()
	return s.scanEvents(rows)
}

// EventsByType returns a session's events of the given type, ordered by
// sequence.
func (s *Store) EventsByType(
	ctx context.Context, sessionID string, t event.Type,
) ([]event.Event, error) {
	rows, err := s.reader.QueryContext(ctx,
		"SELECT "+eventCols+` FROM events
		 WHERE session_id = ? AND type = ? ORDER BY sequence ASC`,
		sessionID, string(t))
	if err != nil {
		return nil, &Error{Phase: PhaseExecute, Op: "querying events by type", Err: err}
	}
	defer rows.Close()
	return s.scanEvents(rows)
}

// Ancestors follows parent_id pointers from the given event back to a
// root and returns the chain ordered root-to-target. A parent that
// cannot be resolved locally breaks the walk: the prefix collected so
// far is returned with no error, because the referenced event may live
// in a session that has not synced yet. Callers must treat a short
// chain as partial, not as corruption.
func (s *Store) Ancestors(
	ctx context.Context, eventID string,
) ([]event.Event, error) {
	cur, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, nil
	}

	chain := []event.Event{*cur}
	seen := map[string]bool{cur.ID: true}

	for cur.ParentID != nil && len(chain) < maxAncestorDepth {
		parent, err := s.GetEvent(ctx, *cur.ParentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			s.log.Warn("ancestor chain broken: parent not stored locally",
				slog.String("event_id", cur.ID),
				slog.String("missing_parent_id", *cur.ParentID))
			break
		}
		if seen[parent.ID] {
			s.log.Warn("ancestor chain cycle detected",
				slog.String("event_id", parent.ID))
			break
		}
		seen[parent.ID] = true
		chain = append(chain, *parent)
		cur = parent
	}

	// Walked leaf-to-root; callers want root-to-target.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Children returns the direct children of an event. Order is by
// sequence for determinism, but callers should treat the result as a
// set.
func (s *Store) Children(
	ctx context.Context, eventID string,
) ([]event.Event, error) {
	rows, err := s.reader.QueryContext(ctx,
		"SELECT "+eventCols+` FROM events
		 WHERE parent_id = ? ORDER BY sequence ASC`, eventID)
	if err != nil {
		return nil, &Error{Phase: PhaseExecute, Op: "querying children", Err: err}
	}
	defer rows.Close()
	return s.scanEvents(rows)
}

// DeleteEventsBySession removes all events for a session.
func (s *Store) DeleteEventsBySession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.writer.Exec(
		"DELETE FROM events WHERE session_id = ?", sessionID)
	if err != nil {
		return &Error{Phase: PhaseDelete, Op: "deleting session events", Err: err}
	}
	return nil
}

// DeleteEvents removes events by id in a single transaction, batching
// the IN lists to stay under SQLite variable limits. Returns the count
// of deleted rows.
func (s *Store) DeleteEvents(ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	total := 0
	err := s.Update(func(tx *sql.Tx) error {
		n, err := DeleteEventsTx(tx, ids)
		total = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// DeleteEventsTx deletes events by id within an existing transaction.
// Exported so engines can compose event deletes with other writes in one
// transaction.
func DeleteEventsTx(tx *sql.Tx, ids []string) (int, error) {
	total := 0
	for i := 0; i < len(ids); i += deleteBatchSize {
		end := min(i+deleteBatchSize, len(ids))
		batch := ids[i:end]

		args := make([]any, len(batch))
		for j, id := range batch {
			args[j] = id
		}
		placeholders := strings.Repeat(",?", len(batch))[1:]

		res, err := tx.Exec(
			"DELETE FROM events WHERE id IN ("+placeholders+")", args...)
		if err != nil {
			return 0, &Error{Phase: PhaseDelete, Op: "deleting event batch", Err: err}
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}
