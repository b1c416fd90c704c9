package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"fitness-rag/shared/logger"
	"fitness-rag/shared/sessionstore/migrations"
	"fitness-rag/shared/types"
)

// Fixed-width so stored timestamps order lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore keeps sessions and messages in a local SQLite file
type SQLiteStore struct {
	db     *sql.DB
	path   string
	now    func() time.Time
	logger *logger.Logger
}

// NewSQLiteStore opens (or creates) the database at path and applies migrations
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, logger.NewAppError(logger.ErrorTypeStorage, "failed to create database directory", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeStorage, "failed to open database", err)
	}
	// One writer keeps the sequence counter consistent
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		path:   path,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.New("session-store"),
	}

	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, logger.NewAppError(logger.ErrorTypeStorage, "failed to run migrations", err)
	}

	return s, nil
}

// Path returns the database file path
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(fsys fs.FS) error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil || version <= current {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			version, s.now().Format(timeLayout)); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}

	return nil
}

// ListSessions returns every session, most recently updated first
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]types.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, created_at, updated_at FROM search_sessions")
	if err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeStorage, "failed to list sessions", err)
	}
	defer rows.Close()

	sessions := []types.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeStorage, "failed to list sessions", err)
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// GetSession returns the session with the given id
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, title, created_at, updated_at FROM search_sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sessionNotFound(id)
	}
	return sess, err
}

// CreateSession stores a new session with a generated id
func (s *SQLiteStore) CreateSession(ctx context.Context, title string) (*types.Session, error) {
	now := s.now()
	sess := types.Session{
		ID:        uuid.NewString(),
		Title:     titleOrDefault(title),
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO search_sessions (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)",
		sess.ID, sess.Title, now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeStorage, "failed to create session", err)
	}

	s.logger.Info("Created session", map[string]interface{}{"session_id": sess.ID})
	return &sess, nil
}

// UpdateSessionTitle renames a session and bumps its updated_at
func (s *SQLiteStore) UpdateSessionTitle(ctx context.Context, id, title string) (*types.Session, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE search_sessions SET title = ?, updated_at = ? WHERE id = ?",
		titleOrDefault(title), s.now().Format(timeLayout), id)
	if err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeStorage, "failed to update session", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, sessionNotFound(id)
	}
	return s.GetSession(ctx, id)
}

// ListMessages returns the messages of a session, oldest first
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, question, answer, sources, created_at
		FROM search_messages WHERE session_id = ?
		ORDER BY created_at ASC, seq ASC`, sessionID)
	if err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeStorage, "failed to list messages", err)
	}
	defer rows.Close()

	messages := []types.Message{}
	for rows.Next() {
		var (
			msg                types.Message
			sources, createdAt string
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Question, &msg.Answer, &sources, &createdAt); err != nil {
			return nil, logger.NewAppError(logger.ErrorTypeStorage, "failed to scan message", err)
		}
		if err := json.Unmarshal([]byte(sources), &msg.Sources); err != nil {
			return nil, logger.NewAppError(logger.ErrorTypeData, "failed to decode message sources", err)
		}
		msg.Sources = sourcesOrEmpty(msg.Sources)
		if msg.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, logger.NewAppError(logger.ErrorTypeData, "invalid created_at", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeStorage, "failed to list messages", err)
	}
	return messages, nil
}

// CreateMessage records a message in an existing session
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg NewMessage) (*types.Message, error) {
	if err := validateMessage(msg); err != nil {
		return nil, err
	}
	if _, err := s.GetSession(ctx, msg.SessionID); err != nil {
		return nil, err
	}

	message := types.Message{
		ID:        uuid.NewString(),
		SessionID: msg.SessionID,
		Question:  msg.Question,
		Answer:    msg.Answer,
		Sources:   sourcesOrEmpty(msg.Sources),
		CreatedAt: s.now(),
	}

	sources, err := json.Marshal(message.Sources)
	if err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeData, "failed to encode message sources", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO search_messages (id, session_id, question, answer, sources, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM search_messages))`,
		message.ID, message.SessionID, message.Question, message.Answer, string(sources),
		message.CreatedAt.Format(timeLayout))
	if err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeStorage, "failed to create message", err)
	}

	return &message, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var (
		sess                 types.Session
		createdAt, updatedAt string
	)
	if err := row.Scan(&sess.ID, &sess.Title, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, logger.NewAppError(logger.ErrorTypeStorage, "failed to scan session", err)
	}

	var err error
	if sess.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeData, "invalid created_at", err)
	}
	if sess.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, logger.NewAppError(logger.ErrorTypeData, "invalid updated_at", err)
	}
	return &sess, nil
}
