// Package sqlite implements tern.Store using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/tern"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements tern.Store backed by a local SQLite file. Messages are
// stored as JSON with a per-conversation sequence number, so appends are
// monotonic and reads come back in append order.
type Store struct {
	db     *sql.DB
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

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			chat_key TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(conversation_id, seq)
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_conversations_chat_key ON conversations(chat_key)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// AppendMessage stores msg after every message already in the conversation.
// The sequence number is assigned inside the transaction, so concurrent
// appends cannot interleave.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg tern.Message) error {
	start := time.Now()
	s.logger.Debug("sqlite: append message", "conversation_id", conversationID, "role", msg.Role)

	content, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
		conversationID,
	).Scan(&next); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, seq, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		tern.NewID(), conversationID, next, string(content), tern.NowUnix(),
	)
	if err != nil {
		s.logger.Error("sqlite: append message failed", "conversation_id", conversationID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("append message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: append message ok", "conversation_id", conversationID, "seq", next, "duration", time.Since(start))
	return nil
}

// Messages returns the conversation's full history in append order. Rows
// whose stored JSON no longer decodes are skipped, not surfaced as errors.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]tern.Message, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get messages", "conversation_id", conversationID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content FROM messages
		 WHERE conversation_id = ?
		 ORDER BY seq`,
		conversationID,
	)
	if err != nil {
		s.logger.Error("sqlite: get messages failed", "conversation_id", conversationID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []tern.Message
	skipped := 0
	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var m tern.Message
		if err := json.Unmarshal([]byte(content), &m); err != nil {
			skipped++
			s.logger.Warn("sqlite: skipping malformed message", "id", id, "error", err)
			continue
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	s.logger.Debug("sqlite: get messages ok", "conversation_id", conversationID, "count", len(messages), "skipped", skipped, "duration", time.Since(start))
	return messages, nil
}

// GetOrCreateConversation resolves chatKey to a conversation, creating one
// on first use.
func (s *Store) GetOrCreateConversation(ctx context.Context, chatKey string) (tern.Conversation, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get or create conversation", "chat_key", chatKey)

	var c tern.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chat_key, created_at FROM conversations WHERE chat_key = ?`,
		chatKey,
	).Scan(&c.ID, &c.ChatKey, &c.CreatedAt)
	if err == nil {
		s.logger.Debug("sqlite: conversation found", "id", c.ID, "duration", time.Since(start))
		return c, nil
	}
	if err != sql.ErrNoRows {
		return tern.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}

	c = tern.Conversation{ID: tern.NewID(), ChatKey: chatKey, CreatedAt: tern.NowUnix()}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, chat_key, created_at) VALUES (?, ?, ?)`,
		c.ID, c.ChatKey, c.CreatedAt,
	)
	if err != nil {
		// Lost a race with a concurrent creator; read theirs.
		var existing tern.Conversation
		if err2 := s.db.QueryRowContext(ctx,
			`SELECT id, chat_key, created_at FROM conversations WHERE chat_key = ?`,
			chatKey,
		).Scan(&existing.ID, &existing.ChatKey, &existing.CreatedAt); err2 == nil {
			return existing, nil
		}
		s.logger.Error("sqlite: create conversation failed", "chat_key", chatKey, "error", err, "duration", time.Since(start))
		return tern.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	s.logger.Debug("sqlite: conversation created", "id", c.ID, "duration", time.Since(start))
	return c, nil
}

// DB returns the underlying *sql.DB for callers that need direct access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}
