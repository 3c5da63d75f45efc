package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/tofut/tredy/internal/transcript"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace  TEXT NOT NULL,
	thread     TEXT NOT NULL,
	message_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE (workspace, thread, message_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages (workspace, thread, seq);
`

// SQLite stores history in a single database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Append implements Store.
func (s *SQLite) Append(ctx context.Context, workspace, thread string, msgs ...transcript.Message) error {
	if err := validKey(workspace, thread); err != nil {
		return err
	}
	msgs = storable(msgs)
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (workspace, thread, message_id, role, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace, thread, message_id)
		DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for _, m := range msgs {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal message %s: %w", m.ID, err)
		}
		created := m.CreatedAt.UnixNano()
		if m.CreatedAt.IsZero() {
			created = now
		}
		if _, err := stmt.ExecContext(ctx, workspace, thread, m.ID, string(m.Role), string(payload), created, now); err != nil {
			return fmt.Errorf("failed to store message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// History implements Store.
func (s *SQLite) History(ctx context.Context, workspace, thread string, limit int) ([]transcript.Message, error) {
	if err := validKey(workspace, thread); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM messages
		WHERE workspace = ? AND thread = ?
		ORDER BY seq DESC
		LIMIT ?`, workspace, thread, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var msgs []transcript.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		var m transcript.Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("failed to parse message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.Reverse(msgs)
	return msgs, nil
}

// Reset implements Store.
func (s *SQLite) Reset(ctx context.Context, workspace, thread string) error {
	if err := validKey(workspace, thread); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE workspace = ? AND thread = ?`, workspace, thread)
	if err != nil {
		return fmt.Errorf("failed to reset thread: %w", err)
	}
	return nil
}

// Threads implements Store.
func (s *SQLite) Threads(ctx context.Context, workspace string) ([]ThreadInfo, error) {
	if err := validWorkspace(workspace); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT thread, COUNT(*), MAX(updated_at) FROM messages
		WHERE workspace = ?
		GROUP BY thread
		ORDER BY MAX(updated_at) DESC`, workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var threads []ThreadInfo
	for rows.Next() {
		var (
			info    ThreadInfo
			updated int64
		)
		if err := rows.Scan(&info.ID, &info.Messages, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		info.UpdatedAt = time.Unix(0, updated)
		threads = append(threads, info)
	}
	return threads, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
