// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides chat/message/stream persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-chat/internal/message"
)

// timeFormat is fixed width so lexical order in SQLite matches chronological order.
const timeFormat = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL,
			visibility TEXT NOT NULL DEFAULT 'private',
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_chats_owner ON chats(owner_id, created_at);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			parts TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_role_created ON messages(role, created_at);

		CREATE TABLE IF NOT EXISTS stream_records (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_stream_records_chat ON stream_records(chat_id, created_at);

		CREATE TABLE IF NOT EXISTS token_usage (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			message_id TEXT,
			owner_id TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			reasoning_tokens INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_token_usage_owner ON token_usage(owner_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "messages",
			column: "attachments",
			apply:  `ALTER TABLE messages ADD COLUMN attachments TEXT NOT NULL DEFAULT '[]'`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		err := s.db.QueryRow(check, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "PRIMARY KEY constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateChat inserts a new chat. Returns ErrDuplicateChat if the id is taken.
func (s *SQLiteStore) CreateChat(ctx context.Context, chat *Chat) error {
	visibility := chat.Visibility
	if visibility == "" {
		visibility = VisibilityPrivate
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, owner_id, title, visibility, created_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		chat.ID,
		chat.OwnerID,
		chat.Title,
		string(visibility),
		formatTime(chat.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateChat
		}
		return fmt.Errorf("inserting chat: %w", err)
	}

	s.logger.Debug("created chat", "id", chat.ID, "owner", chat.OwnerID)
	return nil
}

// GetChat retrieves a chat by ID.
// Returns ErrNotFound if the chat doesn't exist.
func (s *SQLiteStore) GetChat(ctx context.Context, id string) (*Chat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, visibility, created_at
		FROM chats
		WHERE id = ?
	`, id)

	chat, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chat: %w", err)
	}
	return chat, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*Chat, error) {
	var chat Chat
	var visibility, createdAtStr string
	if err := row.Scan(&chat.ID, &chat.OwnerID, &chat.Title, &visibility, &createdAtStr); err != nil {
		return nil, err
	}
	chat.Visibility = Visibility(visibility)

	createdAt, err := parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	chat.CreatedAt = createdAt
	return &chat, nil
}

// UpdateChatTitle overwrites a chat's title.
func (s *SQLiteStore) UpdateChatTitle(ctx context.Context, id, title string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE chats SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("updating chat title: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListChats returns an owner's chats, newest first.
// If limit is 0 or negative, a default limit of 50 is used.
func (s *SQLiteStore) ListChats(ctx context.Context, ownerID string, limit int) ([]*Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, visibility, created_at
		FROM chats
		WHERE owner_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying chats: %w", err)
	}
	defer rows.Close()

	var chats []*Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning chat row: %w", err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chat rows: %w", err)
	}
	return chats, nil
}

// DeleteChat removes a chat with its messages and stream records.
// It returns the chat as it was before deletion.
func (s *SQLiteStore) DeleteChat(ctx context.Context, id string) (*Chat, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	chat, err := scanChat(tx.QueryRowContext(ctx, `
		SELECT id, owner_id, title, visibility, created_at
		FROM chats
		WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chat: %w", err)
	}

	// foreign_keys is a per-connection pragma, so children are removed explicitly
	for _, q := range []string{
		`DELETE FROM messages WHERE chat_id = ?`,
		`DELETE FROM stream_records WHERE chat_id = ?`,
		`DELETE FROM chats WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return nil, fmt.Errorf("deleting chat: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing delete: %w", err)
	}

	s.logger.Debug("deleted chat", "id", id)
	return chat, nil
}

// InsertMessages stores new messages. Each id must be unused, otherwise
// ErrDuplicateMessage is returned and nothing from the batch is written.
func (s *SQLiteStore) InsertMessages(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, chat_id, role, parts, created_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, msg := range msgs {
		parts, err := message.EncodeParts(msg.Parts)
		if err != nil {
			return err
		}
		createdAt := msg.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, msg.ID, msg.ChatID, string(msg.Role), parts, formatTime(createdAt)); err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ID)
			}
			return fmt.Errorf("inserting message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing messages: %w", err)
	}

	s.logger.Debug("inserted messages", "count", len(msgs), "chat_id", msgs[0].ChatID)
	return nil
}

// UpdateMessage rewrites the parts of an existing message in place.
// Returns ErrNotFound if the chat has no message with the id.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, chatID, id string, parts []message.Part) error {
	encoded, err := message.EncodeParts(parts)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `UPDATE messages SET parts = ? WHERE id = ? AND chat_id = ?`, encoded, id, chatID)
	if err != nil {
		return fmt.Errorf("updating message: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated message", "id", id, "chat_id", chatID, "parts", len(parts))
	return nil
}

// GetMessages returns all messages of a chat in chronological order (oldest first).
func (s *SQLiteStore) GetMessages(ctx context.Context, chatID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, parts, created_at
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var msg Message
		var role, parts, createdAtStr string

		if err := rows.Scan(&msg.ID, &msg.ChatID, &role, &parts, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.Role = message.Role(role)
		msg.Parts, err = message.DecodeParts(parts)
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", msg.ID, err)
		}
		msg.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		msgs = append(msgs, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return msgs, nil
}

// CreateStreamRecord records that streamID carries a turn of chatID.
func (s *SQLiteStore) CreateStreamRecord(ctx context.Context, streamID, chatID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_records (id, chat_id, created_at)
		VALUES (?, ?, ?)
	`, streamID, chatID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("inserting stream record: %w", err)
	}
	return nil
}

// GetStreamRecords returns a chat's stream records, newest first.
func (s *SQLiteStore) GetStreamRecords(ctx context.Context, chatID string) ([]*StreamRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, created_at
		FROM stream_records
		WHERE chat_id = ?
		ORDER BY created_at DESC, rowid DESC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("querying stream records: %w", err)
	}
	defer rows.Close()

	var records []*StreamRecord
	for rows.Next() {
		var rec StreamRecord
		var createdAtStr string
		if err := rows.Scan(&rec.ID, &rec.ChatID, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning stream record: %w", err)
		}
		rec.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing stream record created_at: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stream records: %w", err)
	}
	return records, nil
}
