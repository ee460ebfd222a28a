// Package store persists conversation messages in SQLite. Messages are
// stored as JSON blobs keyed by id; ordering follows insertion.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/parleyhq/parley/pkg/models"
)

// TruncationSuffix marks a text body cut short on load.
const TruncationSuffix = " …[truncated]"

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	role         TEXT NOT NULL,
	content_json TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);
`

// LoadOptions shape what Recent returns.
type LoadOptions struct {
	// MaxCount limits how many of the newest messages load (0 = all).
	MaxCount int

	// TruncateChars caps each text body (0 = no truncation). Truncated
	// bodies end with TruncationSuffix.
	TruncateChars int

	// IncludeTools keeps tool_use and tool_result blocks.
	IncludeTools bool
}

// Store is a SQLite-backed message log.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (and migrates) the database at path. Use ":memory:" for an
// ephemeral store. logger may be nil.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers anyway, and a single connection keeps
	// ":memory:" databases from fragmenting across the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append persists one message. A missing id or timestamp is filled in; the
// stored message is returned.
func (s *Store) Append(ctx context.Context, msg models.Message) (models.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	content, err := json.Marshal(msg)
	if err != nil {
		return msg, fmt.Errorf("encode message: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, role, content_json, created_at) VALUES (?, ?, ?, ?)`,
		msg.ID, string(msg.Role), string(content), msg.CreatedAt)
	if err != nil {
		return msg, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// Recent returns the newest messages in chronological order, shaped by opts.
func (s *Store) Recent(ctx context.Context, opts LoadOptions) ([]models.Message, error) {
	query := `SELECT content_json FROM messages ORDER BY seq DESC`
	args := []any{}
	if opts.MaxCount > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.MaxCount)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var newestFirst []models.Message
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(content), &msg); err != nil {
			s.logger.Warn("skipping undecodable stored message", "error", err)
			continue
		}
		if shaped, ok := shape(msg, opts); ok {
			newestFirst = append(newestFirst, shaped)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	out := make([]models.Message, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		out = append(out, newestFirst[i])
	}
	return out, nil
}

// Count returns the number of stored messages.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Clear deletes every stored message.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

// shape applies load options to one message. The second return is false when
// nothing of the message survives.
func shape(msg models.Message, opts LoadOptions) (models.Message, bool) {
	blocks := make([]models.ContentBlock, 0, len(msg.Blocks))
	for _, b := range msg.Blocks {
		switch b.Kind {
		case models.BlockToolUse, models.BlockToolResult:
			if !opts.IncludeTools {
				continue
			}
		}
		if opts.TruncateChars > 0 {
			b = truncateBlock(b, opts.TruncateChars)
		}
		blocks = append(blocks, b)
	}
	if len(blocks) == 0 {
		return msg, false
	}
	msg.Blocks = blocks
	return msg, true
}

func truncateBlock(b models.ContentBlock, max int) models.ContentBlock {
	if b.Kind == models.BlockText {
		b.Text = truncate(b.Text, max)
		return b
	}
	if b.Kind == models.BlockToolResult && len(b.Result) > 0 {
		nested := make([]models.ContentBlock, len(b.Result))
		for i, n := range b.Result {
			nested[i] = truncateBlock(n, max)
		}
		b.Result = nested
	}
	return b
}

func truncate(text string, max int) string {
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return strings.TrimRight(string(runes[:max]), " ") + TruncationSuffix
}
