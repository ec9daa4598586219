// ABOUTME: Local SQLite mirror of conversation history using modernc.org/sqlite.
// ABOUTME: Keeps messages and download records readable offline, with automatic schema creation.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Message is one stored conversation message.
type Message struct {
	Handle         string
	ConversationID string
	Role           string
	Content        string
	Failed         bool
	CreatedAt      time.Time
}

// Download is one stored download record.
type Download struct {
	ID        int64
	Filename  string
	URL       string
	CreatedAt time.Time
}

// HistoryStore mirrors conversation history into a local SQLite database so
// past sessions remain readable without the backend.
type HistoryStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewHistoryStore opens (or creates) the history database at the given path.
// Parent directories are created if needed.
func NewHistoryStore(path string) (*HistoryStore, error) {
	logger := slog.Default().With("component", "history")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	// WAL mode so the interactive session never blocks on history writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &HistoryStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("history store initialized", "path", path)
	return s, nil
}

// createSchema creates the history tables if they don't exist
func (s *HistoryStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			handle TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			failed INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS downloads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filename TEXT NOT NULL,
			url TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// SaveMessage records a message, creating the conversation row on first use.
// Re-saving the same handle replaces the row, so a finalized message
// overwrites any partial copy.
func (s *HistoryStore) SaveMessage(ctx context.Context, msg Message) error {
	if msg.Handle == "" {
		return fmt.Errorf("message handle is required")
	}
	if msg.ConversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, created_at) VALUES (?, ?)`,
		msg.ConversationID, createdAt)
	if err != nil {
		return fmt.Errorf("upserting conversation: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages (handle, conversation_id, role, content, failed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.Handle, msg.ConversationID, msg.Role, msg.Content, msg.Failed, createdAt)
	if err != nil {
		return fmt.Errorf("saving message: %w", err)
	}

	return tx.Commit()
}

// ListMessages returns a conversation's messages in creation order.
func (s *HistoryStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT handle, conversation_id, role, content, failed, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at, handle`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Handle, &m.ConversationID, &m.Role, &m.Content, &m.Failed, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ListConversations returns known conversation ids, newest first.
func (s *HistoryStore) ListConversations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM conversations ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveDownload records a registered download.
func (s *HistoryStore) SaveDownload(ctx context.Context, d Download) error {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO downloads (filename, url, created_at) VALUES (?, ?, ?)`,
		d.Filename, d.URL, createdAt)
	if err != nil {
		return fmt.Errorf("saving download: %w", err)
	}
	return nil
}

// ListDownloads returns download records, newest first, up to limit.
// A limit of zero or less means no limit.
func (s *HistoryStore) ListDownloads(ctx context.Context, limit int) ([]Download, error) {
	query := `SELECT id, filename, url, created_at FROM downloads ORDER BY created_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying downloads: %w", err)
	}
	defer rows.Close()

	var downloads []Download
	for rows.Next() {
		var d Download
		if err := rows.Scan(&d.ID, &d.Filename, &d.URL, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning download: %w", err)
		}
		downloads = append(downloads, d)
	}
	return downloads, rows.Err()
}

// Close closes the database.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}
