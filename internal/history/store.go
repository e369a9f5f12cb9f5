// Package history keeps finished words and transcripts per user in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-sign/internal/config"
)

// DefaultListLimit bounds ListByUser when no limit is given.
const DefaultListLimit = 50

const (
	KindWord       = "word"
	KindTranscript = "transcript"
)

// Entry is one recorded piece of text. Translated stays empty until an
// external translator fills it.
type Entry struct {
	ID           int64
	SessionID    string
	UserID       string
	Kind         string
	Original     string
	Translated   string
	FromLanguage string
	ToLanguage   string
	CreatedAt    time.Time
}

// Store persists history according to the configured retention mode:
// ephemeral keeps nothing, session clears the database on every open, and
// persistent keeps entries for RetentionDays and at most MaxSessions sessions.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}

	if cfg.RetentionMode == "session" {
		if _, err := db.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
			db.Close()
			return nil, fmt.Errorf("clear session history: %w", err)
		}
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("history vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    from_language TEXT,
    to_language TEXT,
    created_at INTEGER NOT NULL,
    ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    original TEXT NOT NULL,
    translated TEXT NOT NULL DEFAULT '',
    from_language TEXT,
    to_language TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_entries_user_created ON entries(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_entries_session ON entries(session_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether anything is written.
func (s *Store) Enabled() bool {
	return s.db != nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginSession records a session row; repeating it updates the identity.
func (s *Store) BeginSession(ctx context.Context, sessionID, userID, from, to string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, user_id, from_language, to_language, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET user_id=excluded.user_id,
		     from_language=excluded.from_language, to_language=excluded.to_language`,
		sessionID, userID, from, to, s.now())
	if err != nil {
		return fmt.Errorf("begin session %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE session_id = ?`, s.now(), sessionID); err != nil {
		return fmt.Errorf("end session %s: %w", sessionID, err)
	}
	return nil
}

// Append stores e, creating its session row if the session was never begun.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if s.db == nil {
		return nil
	}
	created := s.now()
	if !e.CreatedAt.IsZero() {
		created = e.CreatedAt.UnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, user_id, from_language, to_language, created_at)
		 VALUES(?, ?, ?, ?, ?) ON CONFLICT(session_id) DO NOTHING`,
		e.SessionID, e.UserID, e.FromLanguage, e.ToLanguage, created); err != nil {
		return fmt.Errorf("ensure session %s: %w", e.SessionID, err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO entries(session_id, user_id, kind, original, translated, from_language, to_language, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.UserID, e.Kind, e.Original, e.Translated, e.FromLanguage, e.ToLanguage, created); err != nil {
		return fmt.Errorf("append %s entry: %w", e.Kind, err)
	}
	err = tx.Commit()
	return err
}

// ListByUser returns the latest entries of userID, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, user_id, kind, original, translated, from_language, to_language, created_at
		 FROM entries WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history for %s: %w", userID, err)
	}
	return scanEntries(rows)
}

// ListSession returns every entry of a session in insertion order.
func (s *Store) ListSession(ctx context.Context, sessionID string) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, user_id, kind, original, translated, from_language, to_language, created_at
		 FROM entries WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session %s: %w", sessionID, err)
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		var from, to sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.UserID, &e.Kind, &e.Original, &e.Translated, &from, &to, &created); err != nil {
			return nil, err
		}
		e.FromLanguage = from.String
		e.ToLanguage = to.String
		e.CreatedAt = time.UnixMilli(created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune drops sessions older than RetentionDays and keeps at most MaxSessions
// of the newest. Entries go with their session.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) now() int64 {
	return s.clock().UnixMilli()
}
