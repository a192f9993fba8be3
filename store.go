package tern

import "context"

// Store abstracts transcript persistence. Appends are monotonic per
// conversation; reads return the full ordered history. Implementations skip
// stored entries they can no longer decode rather than failing the read.
type Store interface {
	// AppendMessage records msg after every message already appended to the
	// conversation.
	AppendMessage(ctx context.Context, conversationID string, msg Message) error
	// Messages returns the conversation's history in append order.
	Messages(ctx context.Context, conversationID string) ([]Message, error)

	// GetOrCreateConversation resolves an external chat key to a
	// conversation, creating it on first use.
	GetOrCreateConversation(ctx context.Context, chatKey string) (Conversation, error)

	// Init creates schema. Safe to call repeatedly.
	Init(ctx context.Context) error
	Close() error
}
