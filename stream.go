package tern

import "encoding/json"

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventTextDelta carries an incremental text chunk from the model.
	EventTextDelta StreamEventType = "text-delta"
	// EventToolStart signals a tool invocation is about to run.
	EventToolStart StreamEventType = "tool-start"
	// EventToolEnd carries the result of a completed tool invocation.
	EventToolEnd StreamEventType = "tool-end"
	// EventTurnEnd signals the turn finished and carries the stop reason.
	EventTurnEnd StreamEventType = "turn-end"
)

// StreamEvent is a typed event emitted while a turn runs. Events are
// ephemeral; only messages are persisted.
type StreamEvent struct {
	// Type identifies the event kind.
	Type StreamEventType `json:"type"`
	// ID is the tool invocation id (tool-start and tool-end).
	ID string `json:"id,omitempty"`
	// Name is the tool name (tool-start and tool-end).
	Name string `json:"name,omitempty"`
	// Content carries the text delta (text-delta) or the tool result
	// content (tool-end).
	Content string `json:"content,omitempty"`
	// Args carries the parsed tool arguments (tool-start only).
	Args json.RawMessage `json:"args,omitempty"`
	// StopReason is set on turn-end.
	StopReason StopReason `json:"stop_reason,omitempty"`
}
