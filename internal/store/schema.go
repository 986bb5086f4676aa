package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the version the newest binary migrates to. PRAGMA
// user_version gates which migrations run on open.
const schemaVersion = 3

// migration is one ordered schema change. Every step must be idempotent:
// a fresh database runs the full list against the already-current shape
// created by schema.sql, so additive steps check column existence first
// and structural steps are guarded by the old column's presence.
type migration struct {
	version int
	name    string
	apply   func(s *Store) error
}

var migrations = []migration{
	{
		version: 2,
		name:    "add session origin and last-turn token columns",
		apply: func(s *Store) error {
			if err := s.ensureColumn("sessions", "server_origin", "TEXT"); err != nil {
				return err
			}
			return s.ensureColumn(
				"sessions", "last_turn_input_tokens",
				"INTEGER NOT NULL DEFAULT 0",
			)
		},
	},
	{
		// Early builds stored the model under sessions.model.
		version: 3,
		name:    "rename sessions.model to latest_model",
		apply: func(s *Store) error {
			return s.rebuildSessions()
		},
	},
}

// ensureSchema creates tables and indexes if absent, then applies the
// ordered migration list. It must run to completion before any repository
// is used; callers hold no reads or writes open across it.
func (s *Store) ensureSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.writer.Exec(schemaSQL); err != nil {
		return &Error{Phase: PhaseExecute, Op: "creating schema", Err: err}
	}

	var version int
	if err := s.writer.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return &Error{Phase: PhaseExecute, Op: "reading schema version", Err: err}
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if err := m.apply(s); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := s.writer.Exec(
			fmt.Sprintf("PRAGMA user_version = %d", m.version),
		); err != nil {
			return &Error{Phase: PhaseExecute, Op: "advancing schema version", Err: err}
		}
		s.log.Info("applied migration",
			slog.Int("version", m.version), slog.String("name", m.name))
	}

	if version < schemaVersion {
		if _, err := s.writer.Exec(
			fmt.Sprintf("PRAGMA user_version = %d", schemaVersion),
		); err != nil {
			return &Error{Phase: PhaseExecute, Op: "setting schema version", Err: err}
		}
	}
	return nil
}

// hasColumn reports whether table has a column with the given name.
func (s *Store) hasColumn(table, column string) (bool, error) {
	var count int
	err := s.writer.QueryRow(
		fmt.Sprintf(
			"SELECT count(*) FROM pragma_table_info('%s') WHERE name='%s'",
			table, column,
		),
	).Scan(&count)
	if err != nil {
		return false, &Error{
			Phase: PhaseExecute,
			Op:    fmt.Sprintf("checking column %s.%s", table, column),
			Err:   err,
		}
	}
	return count > 0, nil
}

// ensureColumn adds a column if it doesn't already exist. The existence
// check runs before the ALTER so a genuine SQL failure is never mistaken
// for "column already exists".
func (s *Store) ensureColumn(table, column, definition string) error {
	exists, err := s.hasColumn(table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = s.writer.Exec(fmt.Sprintf(
		"ALTER TABLE %s ADD COLUMN %s %s", table, column, definition,
	))
	if err != nil {
		return &Error{
			Phase: PhaseExecute,
			Op:    fmt.Sprintf("adding column %s.%s", table, column),
			Err:   err,
		}
	}
	return nil
}

// rebuildSessions migrates a legacy sessions table whose model column was
// named "model". SQLite has no general ALTER, so the rebuild goes
// shadow-table → copy-with-mapping → drop-old → rename, in one
// transaction: a crash mid-migration leaves the original table intact.
func (s *Store) rebuildSessions() error {
	old, err := s.hasColumn("sessions", "model")
	if err != nil {
		return err
	}
	if !old {
		return nil
	}

	return s.updateLocked(func(tx *sql.Tx) error {
		steps := []string{
			`CREATE TABLE sessions_new (
				id TEXT PRIMARY KEY,
				workspace_id TEXT NOT NULL,
				root_event_id TEXT,
				head_event_id TEXT,
				title TEXT,
				latest_model TEXT NOT NULL DEFAULT '',
				working_directory TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				last_activity_at TEXT NOT NULL,
				archived_at TEXT,
				event_count INTEGER NOT NULL DEFAULT 0,
				message_count INTEGER NOT NULL DEFAULT 0,
				input_tokens INTEGER NOT NULL DEFAULT 0,
				output_tokens INTEGER NOT NULL DEFAULT 0,
				last_turn_input_tokens INTEGER NOT NULL DEFAULT 0,
				cache_read_tokens INTEGER NOT NULL DEFAULT 0,
				cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
				cost REAL NOT NULL DEFAULT 0,
				is_fork INTEGER NOT NULL DEFAULT 0,
				server_origin TEXT
			)`,
			`INSERT INTO sessions_new (
				id, workspace_id, root_event_id, head_event_id, title,
				latest_model, working_directory, created_at,
				last_activity_at, archived_at, event_count, message_count,
				input_tokens, output_tokens, last_turn_input_tokens,
				cache_read_tokens, cache_creation_tokens, cost, is_fork,
				server_origin
			) SELECT
				id, workspace_id, root_event_id, head_event_id, title,
				model, working_directory, created_at,
				last_activity_at, archived_at, event_count, message_count,
				input_tokens, output_tokens, last_turn_input_tokens,
				cache_read_tokens, cache_creation_tokens, cost, is_fork,
				server_origin
			FROM sessions`,
			`DROP TABLE sessions`,
			`ALTER TABLE sessions_new RENAME TO sessions`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity_at)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_archived ON sessions(archived_at)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_origin ON sessions(server_origin)`,
		}
		for _, stmt := range steps {
			if _, err := tx.Exec(stmt); err != nil {
				return &Error{Phase: PhaseExecute, Op: "rebuilding sessions table", Err: err}
			}
		}
		return nil
	})
}
