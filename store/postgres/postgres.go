// Package postgres implements tern.Store using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool; Close on the
// store is a no-op.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/tern"
)

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements tern.Store backed by PostgreSQL. Messages are stored
// as JSONB with a per-conversation sequence number assigned inside the
// insert transaction, so appends are monotonic under concurrency.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ tern.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			chat_key TEXT NOT NULL UNIQUE,
			created_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			content JSONB NOT NULL,
			created_at BIGINT NOT NULL,
			UNIQUE(conversation_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages(conversation_id, seq)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// AppendMessage stores msg after every message already in the conversation.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg tern.Message) error {
	content, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("postgres: marshal message: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var next int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = $1`,
		conversationID,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("postgres: next seq: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, seq, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		tern.NewID(), conversationID, next, content, tern.NowUnix(),
	)
	if err != nil {
		return fmt.Errorf("postgres: append message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	s.logger.Debug("postgres: message appended", "conversation_id", conversationID, "seq", next)
	return nil
}

// Messages returns the conversation's full history in append order. Rows
// whose stored JSON no longer decodes are skipped, not surfaced as errors.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]tern.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, content FROM messages
		 WHERE conversation_id = $1
		 ORDER BY seq`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: get messages: %w", err)
	}
	defer rows.Close()

	var messages []tern.Message
	for rows.Next() {
		var id string
		var content []byte
		if err := rows.Scan(&id, &content); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		var m tern.Message
		if err := json.Unmarshal(content, &m); err != nil {
			s.logger.Warn("postgres: skipping malformed message", "id", id, "error", err)
			continue
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate messages: %w", err)
	}
	return messages, nil
}

// GetOrCreateConversation resolves chatKey to a conversation, creating one
// on first use. Races between concurrent creators are resolved by the
// unique constraint on chat_key plus ON CONFLICT DO NOTHING and a re-read.
func (s *Store) GetOrCreateConversation(ctx context.Context, chatKey string) (tern.Conversation, error) {
	var c tern.Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, chat_key, created_at FROM conversations WHERE chat_key = $1`,
		chatKey,
	).Scan(&c.ID, &c.ChatKey, &c.CreatedAt)
	if err == nil {
		return c, nil
	}
	if err != pgx.ErrNoRows {
		return tern.Conversation{}, fmt.Errorf("postgres: get conversation: %w", err)
	}

	c = tern.Conversation{ID: tern.NewID(), ChatKey: chatKey, CreatedAt: tern.NowUnix()}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversations (id, chat_key, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (chat_key) DO NOTHING`,
		c.ID, c.ChatKey, c.CreatedAt,
	)
	if err != nil {
		return tern.Conversation{}, fmt.Errorf("postgres: create conversation: %w", err)
	}

	// Re-read so a racing creator's row wins consistently.
	err = s.pool.QueryRow(ctx,
		`SELECT id, chat_key, created_at FROM conversations WHERE chat_key = $1`,
		chatKey,
	).Scan(&c.ID, &c.ChatKey, &c.CreatedAt)
	if err != nil {
		return tern.Conversation{}, fmt.Errorf("postgres: reread conversation: %w", err)
	}
	s.logger.Debug("postgres: conversation resolved", "id", c.ID, "chat_key", chatKey)
	return c, nil
}

// Close is a no-op. The caller owns the pool.
func (s *Store) Close() error {
	return nil
}
