package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashureev/open-dialogue/internal/domain"
	"github.com/ashureev/open-dialogue/internal/shared"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements TranscriptStore using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to avoid SQLITE_BUSY
	now     func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the clock used to stamp messages.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) {
		s.now = now
	}
}

// NewSQLite creates a new SQLite-backed transcript store.
func NewSQLite(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS od_conversations (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_od_conversations_created ON od_conversations(created_at);

	CREATE TABLE IF NOT EXISTS od_messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL REFERENCES od_conversations(id) ON DELETE CASCADE,
		author TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_od_messages_conv_created ON od_messages(conversation_id, created_at);
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

// CreateConversation inserts a new conversation row keyed by a random UUID.
func (s *SQLiteStore) CreateConversation(ctx context.Context) (domain.ConversationSummary, error) {
	conv := domain.ConversationSummary{
		ID:        uuid.NewString(),
		CreatedAt: s.now().UTC().Truncate(time.Microsecond),
	}

	err := s.write(ctx, "create_conversation", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO od_conversations (id, created_at) VALUES (?, ?)`,
			conv.ID, conv.CreatedAt.UnixMicro())
		return err
	})
	if err != nil {
		return domain.ConversationSummary{}, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// Append stores a message. When the clock has not advanced past the newest
// message of the conversation, the timestamp is bumped by one microsecond so
// LoadSince boundaries stay exact.
func (s *SQLiteStore) Append(ctx context.Context, conversationID, author, text string) (time.Time, error) {
	var ts time.Time
	err := s.write(ctx, "append", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback()
		}()

		var found int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM od_conversations WHERE id = ?`, conversationID).Scan(&found)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var last sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(created_at) FROM od_messages WHERE conversation_id = ?`,
			conversationID).Scan(&last); err != nil {
			return err
		}

		micros := s.now().UTC().UnixMicro()
		if last.Valid && micros <= last.Int64 {
			micros = last.Int64 + 1
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO od_messages (conversation_id, author, message, created_at) VALUES (?, ?, ?, ?)`,
			conversationID, author, text, micros); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		ts = time.UnixMicro(micros).UTC()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("append message: %w", err)
	}
	return ts, nil
}

// LoadFull returns all messages of a conversation ordered by creation.
func (s *SQLiteStore) LoadFull(ctx context.Context, conversationID string) ([]domain.StoredMessage, error) {
	return s.loadMessages(ctx, conversationID,
		`SELECT author, message, created_at FROM od_messages
		 WHERE conversation_id = ? ORDER BY created_at, seq`,
		conversationID)
}

// LoadSince returns messages created strictly after the given time.
func (s *SQLiteStore) LoadSince(ctx context.Context, conversationID string, after time.Time) ([]domain.StoredMessage, error) {
	return s.loadMessages(ctx, conversationID,
		`SELECT author, message, created_at FROM od_messages
		 WHERE conversation_id = ? AND created_at > ? ORDER BY created_at, seq`,
		conversationID, after.UTC().UnixMicro())
}

func (s *SQLiteStore) loadMessages(ctx context.Context, conversationID, query string, args ...any) ([]domain.StoredMessage, error) {
	ok, err := s.Exists(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var out []domain.StoredMessage
	for rows.Next() {
		var m domain.StoredMessage
		var createdAt int64
		if err := rows.Scan(&m.Author, &m.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.CreatedAt = time.UnixMicro(createdAt).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// Delete removes a conversation and its messages. Deleting a missing
// conversation returns ErrNotFound.
func (s *SQLiteStore) Delete(ctx context.Context, conversationID string) error {
	err := s.write(ctx, "delete", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback()
		}()

		if _, err := tx.ExecContext(ctx, `DELETE FROM od_messages WHERE conversation_id = ?`, conversationID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM od_conversations WHERE id = ?`, conversationID)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrNotFound
		}
		return tx.Commit()
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// Exists reports whether a conversation is present.
func (s *SQLiteStore) Exists(ctx context.Context, conversationID string) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM od_conversations WHERE id = ?`, conversationID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check conversation: %w", err)
	}
	return true, nil
}

// ListRecent returns up to limit conversations, newest first.
func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]domain.ConversationSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at FROM od_conversations ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	var out []domain.ConversationSummary
	for rows.Next() {
		var c domain.ConversationSummary
		var createdAt int64
		if err := rows.Scan(&c.ID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		c.CreatedAt = time.UnixMicro(createdAt).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) write(ctx context.Context, op string, fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, op, fn)
}
