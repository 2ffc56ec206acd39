package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/dudenrb/think41nikhil/internal/logger"
)

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

// SQLiteStore persists sessions in SQLite. The pool holds a single connection,
// which serializes every statement; each append runs in its own transaction.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and makes
// sure the schema exists. Pass MemoryDSN for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := MemoryDSN
	if path != MemoryDSN {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	logger.L.Info("sqlite session store initialized", "path", path)
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA foreign_keys = ON;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(session_id),
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(session_id, seq)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession stores a new empty session for userID.
func (s *SQLiteStore) CreateSession(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	sess := newSession(userID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, user_id, created_at) VALUES (?, ?, ?)`,
		sess.SessionID, sess.UserID, sess.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// GetSession returns the session with its messages in send order.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return loadSession(ctx, s.db, sessionID)
}

func loadSession(ctx context.Context, q queryer, sessionID string) (*Session, error) {
	var sess Session
	var createdAt int64
	err := q.QueryRowContext(ctx,
		`SELECT session_id, user_id, created_at FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&sess.SessionID, &sess.UserID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	sess.CreatedAt = fromUnixNano(createdAt)

	rows, err := q.QueryContext(ctx,
		`SELECT role, content, created_at FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logger.L.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	sess.Messages = []Message{}
	for rows.Next() {
		var m Message
		var role string
		var ts int64
		if err := rows.Scan(&role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = Role(role)
		m.Timestamp = fromUnixNano(ts)
		sess.Messages = append(sess.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return &sess, nil
}

// ListSessions returns summaries for userID without any ordering guarantee.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]Summary, error) {
	query := `
		SELECT s.session_id, s.user_id, s.created_at,
		       (SELECT m.content FROM messages m WHERE m.session_id = s.session_id ORDER BY m.seq ASC LIMIT 1),
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.session_id)
		FROM sessions s WHERE s.user_id = ?`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logger.L.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	out := []Summary{}
	for rows.Next() {
		var sum Summary
		var createdAt int64
		var first sql.NullString
		if err := rows.Scan(&sum.SessionID, &sum.UserID, &createdAt, &first, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		sum.CreatedAt = fromUnixNano(createdAt)
		sum.FirstMessagePreview = first.String
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// AppendMessages appends msgs after the session's last message inside one
// transaction and returns the session as committed.
func (s *SQLiteStore) AppendMessages(ctx context.Context, sessionID string, msgs ...Message) (*Session, error) {
	if err := validateMessages(msgs); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logger.L.Warn("append rollback failed", "session_id", sessionID, "error", rbErr)
		}
	}()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE session_id = ?`, sessionID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check session: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	var last int64
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`, sessionID).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("read last sequence: %w", err)
	}

	for i, m := range stamp(msgs) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			sessionID, last+int64(i)+1, string(m.Role), m.Content, m.Timestamp.UnixNano(),
		)
		if err != nil {
			return nil, fmt.Errorf("insert message: %w", err)
		}
	}

	sess, err := loadSession(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return sess, nil
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
