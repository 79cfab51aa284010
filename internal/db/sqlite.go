package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RichardoC/pad-relay/internal/models"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);`

var ErrEmptySession = errors.New("session id is required")

// Database is the transcript store. Writes from every session go through a
// single mutex; reads are left to SQLite's own WAL isolation.
type Database struct {
	db *sql.DB
	mu sync.Mutex
}

func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=10000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to create schema: %w", err), db.Close())
	}

	return &Database{db: db}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Append inserts one message at the end of the session's transcript.
func (d *Database) Append(ctx context.Context, sessionID string, role models.Role, content string) error {
	if sessionID == "" {
		return ErrEmptySession
	}
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.ExecContext(ctx, `
        INSERT INTO messages (session_id, role, content, created_at)
        VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
		sessionID, string(role), content)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// AmendLastAssistant concatenates fragment onto the newest assistant message
// of the session, or inserts it as a new assistant message when there is none.
func (d *Database) AmendLastAssistant(ctx context.Context, sessionID, fragment string) (err error) {
	if sessionID == "" {
		return ErrEmptySession
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin amend: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); !errors.Is(rbErr, sql.ErrTxDone) {
			err = multierr.Append(err, rbErr)
		}
	}()

	result, err := tx.ExecContext(ctx, `
        UPDATE messages SET content = content || ?
        WHERE id = (
            SELECT id FROM messages
            WHERE session_id = ? AND role IN (?, ?)
            ORDER BY id DESC
            LIMIT 1
        )`,
		fragment, sessionID, string(models.RoleAssistant), string(models.RoleBot))
	if err != nil {
		return fmt.Errorf("failed to amend message: %w", err)
	}

	updated, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to amend message: %w", err)
	}

	if updated == 0 {
		if _, err = tx.ExecContext(ctx, `
            INSERT INTO messages (session_id, role, content, created_at)
            VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
			sessionID, string(models.RoleAssistant), fragment); err != nil {
			return fmt.Errorf("failed to insert continued message: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit amend: %w", err)
	}
	return nil
}

// ReadAll returns the session's transcript in insertion order.
func (d *Database) ReadAll(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := d.db.QueryContext(ctx, `
        SELECT id, session_id, role, content, created_at
        FROM messages
        WHERE session_id = ?
        ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		var role string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = models.Role(role)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return messages, nil
}

// Sessions lists every session with its size, most recently active first.
func (d *Database) Sessions(ctx context.Context) ([]models.SessionSummary, error) {
	rows, err := d.db.QueryContext(ctx, `
        SELECT session_id, COUNT(*), MAX(id), MAX(created_at)
        FROM messages
        GROUP BY session_id
        ORDER BY MAX(id) DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.SessionSummary, 0)
	for rows.Next() {
		var s models.SessionSummary
		var lastID int64
		var last sql.NullString
		if err := rows.Scan(&s.SessionID, &s.MessageCount, &lastID, &last); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if last.Valid {
			s.LastActivity = parseTimestamp(last.String)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// parseTimestamp reads aggregate timestamps, which SQLite returns untyped.
func parseTimestamp(value string) time.Time {
	for _, layout := range []string{
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05Z",
		time.RFC3339Nano,
	} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
