package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

var ErrNotFound = errors.New("not found")

type SQLiteStore struct {
	db *sql.DB

	schemaOnce sync.Once
	schemaErr  error

	clockMu sync.Mutex
	lastTS  int64
}

// NewSQLiteStore opens the database, enables foreign keys and WAL, and makes
// sure the schema exists. The returned handle is meant to be shared by the
// whole process.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	if err := ensureDataDir(dataSourceName); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", withPragmas(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if isMemory(dataSourceName) {
		// Every connection to :memory: opens a separate empty database.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isMemory(dsn string) bool {
	return strings.HasPrefix(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if isMemory(dsn) {
		return dsn + sep + "_foreign_keys=on"
	}
	return dsn + sep + "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
}

func ensureDataDir(dsn string) error {
	if isMemory(dsn) || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return nil
}

func (s *SQLiteStore) initSchema() error {
	s.schemaOnce.Do(func() {
		schema := `
    CREATE TABLE IF NOT EXISTS users (
        id TEXT PRIMARY KEY,
        created_at INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS threads (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        title TEXT NOT NULL,
        created_at INTEGER NOT NULL,
        updated_at INTEGER NOT NULL,
        FOREIGN KEY (user_id) REFERENCES users (id) ON DELETE CASCADE
    );

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        thread_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        content TEXT NOT NULL,
        sources TEXT, -- JSON array of search results
        images TEXT,  -- JSON array of image results
        model TEXT,
        created_at INTEGER NOT NULL,
        FOREIGN KEY (thread_id) REFERENCES threads (id) ON DELETE CASCADE
    );

    CREATE INDEX IF NOT EXISTS idx_threads_user_id ON threads (user_id);
    CREATE INDEX IF NOT EXISTS idx_threads_updated_at ON threads (updated_at DESC);
    CREATE INDEX IF NOT EXISTS idx_messages_thread_id ON messages (thread_id);
    CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages (created_at);
    `
		_, s.schemaErr = s.db.Exec(schema)
	})
	return s.schemaErr
}

// now hands out strictly increasing millisecond timestamps, so two writes in
// the same millisecond still order correctly.
func (s *SQLiteStore) now() int64 {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()

	ts := time.Now().UnixMilli()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	return ts
}

// User methods

// GetOrCreateUser is an idempotent upsert keyed by the client-supplied id.
func (s *SQLiteStore) GetOrCreateUser(userID string) (string, error) {
	_, err := s.db.Exec("INSERT OR IGNORE INTO users (id, created_at) VALUES (?, ?)", userID, s.now())
	if err != nil {
		return "", fmt.Errorf("failed to upsert user: %w", err)
	}
	return userID, nil
}

func (s *SQLiteStore) GetUser(userID string) (*User, error) {
	var user User
	err := s.db.QueryRow("SELECT id, created_at FROM users WHERE id = ?", userID).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

// Thread methods
func (s *SQLiteStore) CreateThread(userID, title string) (*Thread, error) {
	threadID := uuid.NewString()
	now := s.now()

	stmt, err := s.db.Prepare("INSERT INTO threads (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare thread insert: %w", err)
	}
	defer stmt.Close()

	if _, err = stmt.Exec(threadID, userID, title, now, now); err != nil {
		return nil, fmt.Errorf("failed to execute thread insert: %w", err)
	}
	return &Thread{ID: threadID, UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *SQLiteStore) GetThread(threadID string) (*Thread, error) {
	var t Thread
	err := s.db.QueryRow("SELECT id, user_id, title, created_at, updated_at FROM threads WHERE id = ?", threadID).
		Scan(&t.ID, &t.UserID, &t.Title, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return &t, nil
}

// TouchThread bumps updated_at and returns the new value.
func (s *SQLiteStore) TouchThread(threadID string) (int64, error) {
	now := s.now()
	res, err := s.db.Exec("UPDATE threads SET updated_at = ? WHERE id = ?", now, threadID)
	if err != nil {
		return 0, fmt.Errorf("failed to touch thread: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return 0, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	return now, nil
}

func (s *SQLiteStore) ListThreads(userID string) ([]Thread, error) {
	rows, err := s.db.Query("SELECT id, user_id, title, created_at, updated_at FROM threads WHERE user_id = ? ORDER BY updated_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	threads := []Thread{}
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.ID, &t.UserID, &t.Title, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan thread row: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// DeleteThread removes one of the user's threads; messages go with it.
func (s *SQLiteStore) DeleteThread(threadID, userID string) (bool, error) {
	res, err := s.db.Exec("DELETE FROM threads WHERE id = ? AND user_id = ?", threadID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete thread: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *SQLiteStore) ClearThreads(userID string) (int64, error) {
	res, err := s.db.Exec("DELETE FROM threads WHERE user_id = ?", userID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear threads: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

// Message methods

// AppendMessage persists msg, filling in its ID and CreatedAt.
func (s *SQLiteStore) AppendMessage(msg *Message) error {
	if !msg.Role.Valid() {
		return fmt.Errorf("invalid message role %q", msg.Role)
	}

	sources, err := encodeList(msg.Sources)
	if err != nil {
		return fmt.Errorf("failed to marshal sources: %w", err)
	}
	images, err := encodeList(msg.Images)
	if err != nil {
		return fmt.Errorf("failed to marshal images: %w", err)
	}
	var model sql.NullString
	if msg.Model != "" {
		model = sql.NullString{String: msg.Model, Valid: true}
	}

	msg.ID = uuid.NewString()
	msg.CreatedAt = s.now()

	stmt, err := s.db.Prepare("INSERT INTO messages (id, thread_id, role, content, sources, images, model, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	_, err = stmt.Exec(msg.ID, msg.ThreadID, string(msg.Role), msg.Content, sources, images, model, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to execute message insert: %w", err)
	}
	return nil
}

// RecentMessages returns the last limit messages of a thread, oldest first,
// with only Role and Content populated.
func (s *SQLiteStore) RecentMessages(threadID string, limit int) ([]Message, error) {
	query := `
        SELECT role, content
        FROM messages
        WHERE thread_id = ?
        ORDER BY created_at DESC, rowid DESC
        LIMIT ?
    `
	rows, err := s.db.Query(query, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var role string
		if err := rows.Scan(&role, &msg.Content); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.Role = Role(role)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// ThreadMessages returns the full history of a thread in order, with side data decoded.
func (s *SQLiteStore) ThreadMessages(threadID string) ([]Message, error) {
	query := "SELECT id, thread_id, role, content, sources, images, model, created_at FROM messages WHERE thread_id = ? ORDER BY created_at ASC, rowid ASC"
	rows, err := s.db.Query(query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var msg Message
		var role string
		var sources, images, model sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &role, &msg.Content, &sources, &images, &model, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.Role = Role(role)
		msg.Model = model.String
		if sources.Valid {
			if err := json.Unmarshal([]byte(sources.String), &msg.Sources); err != nil {
				log.Printf("Warning: failed to unmarshal sources for message %s: %v. Sources will be empty.", msg.ID, err)
				msg.Sources = nil
			}
		}
		if images.Valid {
			if err := json.Unmarshal([]byte(images.String), &msg.Images); err != nil {
				log.Printf("Warning: failed to unmarshal images for message %s: %v. Images will be empty.", msg.ID, err)
				msg.Images = nil
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// encodeList stores empty lists as NULL.
func encodeList[T any](items []T) (sql.NullString, error) {
	if len(items) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
