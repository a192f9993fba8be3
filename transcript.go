package tern

import (
	"context"
	"fmt"
)

// Transcript is the append-only message history of one conversation. During
// a turn the loop owns it exclusively; nothing else appends. A nil store
// keeps the history in memory only.
type Transcript struct {
	conversationID string
	store          Store
	messages       []Message
}

// NewTranscript builds an empty in-memory transcript.
func NewTranscript(conversationID string) *Transcript {
	return &Transcript{conversationID: conversationID}
}

// LoadTranscript reads the conversation's full history from the store.
// Messages the store could not decode were skipped there; what loads is the
// ordered surviving history.
func LoadTranscript(ctx context.Context, store Store, conversationID string) (*Transcript, error) {
	msgs, err := store.Messages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load transcript %s: %w", conversationID, err)
	}
	return &Transcript{conversationID: conversationID, store: store, messages: msgs}, nil
}

// Append persists msg (when a store is attached) and records it in memory.
// The in-memory copy is only extended after a successful persist so the two
// views cannot diverge.
func (t *Transcript) Append(ctx context.Context, msg Message) error {
	if t.store != nil {
		if err := t.store.AppendMessage(ctx, t.conversationID, msg); err != nil {
			return fmt.Errorf("append message: %w", err)
		}
	}
	t.messages = append(t.messages, msg)
	return nil
}

// Messages returns the ordered history. Callers treat it as read-only.
func (t *Transcript) Messages() []Message {
	return t.messages
}

// Len returns the number of messages appended so far.
func (t *Transcript) Len() int {
	return len(t.messages)
}

// ConversationID returns the owning conversation's id.
func (t *Transcript) ConversationID() string {
	return t.conversationID
}
