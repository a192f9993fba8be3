package tern

import (
	"context"
	"encoding/json"
)

// StopReason is the normalized reason a model call ended. Adapters map every
// upstream-specific reason onto exactly one of these two values.
type StopReason string

const (
	// StopEndTurn means the model finished its reply with no pending tool work.
	StopEndTurn StopReason = "end_turn"
	// StopToolUse means the model requested one or more tool invocations.
	StopToolUse StopReason = "tool_use"
)

// ChatRequest is one bounded upstream call. The model identifier is adapter
// construction state, not request state.
type ChatRequest struct {
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// ToolCall is one finalized tool invocation request from the model. Args is
// always a valid JSON document; adapters substitute {} when the streamed
// argument fragments do not parse.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ChatResponse is the assembled outcome of one streamed upstream call.
type ChatResponse struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      Usage
}

// Provider streams one model call. Implementations send EventTextDelta
// events into ch as chunks arrive and return the assembled response after
// the upstream stream closes. Implementations must not close ch; the caller
// owns the channel across rounds. Tool calls are buffered internally per
// call index and appear only in the returned response, in emission order.
//
// A non-nil error means the upstream failed at the protocol level and no
// response was assembled. Implementations do not retry.
type Provider interface {
	Stream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error)
	Name() string
}
