// Package anthropic implements the tern provider contract over the
// Anthropic Messages API block streaming protocol.
package anthropic

import "encoding/json"

// --- Request types ---

// messagesRequest is the Messages API request body.
type messagesRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system,omitempty"`
	Messages  []wireMessage `json:"messages"`
	Tools     []wireTool    `json:"tools,omitempty"`
	Stream    bool          `json:"stream,omitempty"`
}

// wireMessage is a single message in the Messages API format. Content is
// always the block array form.
type wireMessage struct {
	Role    string      `json:"role"`
	Content []wireBlock `json:"content"`
}

// wireBlock is the Messages API content block union. The canonical model
// maps onto it nearly field for field; tool_result content is a JSON string
// value on the wire.
type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// wireTool is a tool definition in the Messages API format.
type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// --- Stream event payloads ---

// streamChunk is the superset of every SSE data payload the Messages API
// emits. Type discriminates; only the fields for that event type are set.
type streamChunk struct {
	Type string `json:"type"`

	// message_start
	Message *struct {
		Model string    `json:"model"`
		Usage wireUsage `json:"usage"`
	} `json:"message,omitempty"`

	// content_block_start, content_block_delta, content_block_stop
	Index        int        `json:"index"`
	ContentBlock *wireBlock `json:"content_block,omitempty"`
	Delta        *struct {
		// content_block_delta
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		// message_delta
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`

	// message_delta
	Usage *wireUsage `json:"usage,omitempty"`

	// error
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// wireUsage contains token usage statistics.
type wireUsage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens"`
}
