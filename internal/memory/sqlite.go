package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteBackend implements Backend on a local SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Path to the database file. Empty means in-memory.
	Path string
}

// NewSQLite opens (creating if needed) the database at cfg.Path.
func NewSQLite(cfg SQLiteConfig) (*SQLiteBackend, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// The modernc driver supports one writer; a single connection keeps
	// concurrent Store calls serialized instead of returning SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	b := &SQLiteBackend{db: db}
	if err := b.init(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) init() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			session_id TEXT,
			category TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create memories table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at)",
	}
	for _, idx := range indexes {
		if _, err := b.db.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Store persists an entry.
func (b *SQLiteBackend) Store(ctx context.Context, e Entry) error {
	if strings.TrimSpace(e.Content) == "" {
		return errors.New("memory: entry content is empty")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Category == "" {
		e.Category = CategoryOther
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO memories (id, session_id, category, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.SessionID, string(e.Category), e.Content, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("store memory: %w", err)
	}
	return nil
}

// Recall returns up to limit entries matching query, newest first.
// Matching is a case-insensitive substring search over content.
func (b *SQLiteBackend) Recall(ctx context.Context, query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 5
	}

	var (
		rows *sql.Rows
		err  error
	)
	query = strings.TrimSpace(query)
	if query == "" {
		rows, err = b.db.QueryContext(ctx, `
			SELECT id, session_id, category, content, created_at
			FROM memories ORDER BY created_at DESC LIMIT ?
		`, limit)
	} else {
		rows, err = b.db.QueryContext(ctx, `
			SELECT id, session_id, category, content, created_at
			FROM memories
			WHERE content LIKE ? ESCAPE '\'
			ORDER BY created_at DESC LIMIT ?
		`, "%"+escapeLike(query)+"%", limit)
	}
	if err != nil {
		return nil, fmt.Errorf("recall memories: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			category string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &category, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		e.Category = Category(category)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// escapeLike escapes LIKE metacharacters so user queries match literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
