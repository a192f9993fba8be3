package tern

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates the content block union.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one unit of message content. Exactly one variant is
// populated, selected by Type: text carries Text, tool_use carries ID, Name
// and Input, tool_result carries ToolUseID and Content.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool invocation block. Empty input is normalized to
// an empty JSON object so downstream encoders always see a valid document.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a result block referencing an earlier tool_use by id.
func ToolResultBlock(toolUseID, content string) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content}
}

// Message is one conversation turn entry. Blocks are ordered and the order is
// preserved through encoding, persistence and context preparation.
type Message struct {
	Role   Role
	Blocks []ContentBlock
}

// UserMessage builds a user message holding a single text block.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Blocks: []ContentBlock{TextBlock(text)}}
}

// AssistantMessage builds an assistant message from ordered blocks.
func AssistantMessage(blocks ...ContentBlock) Message {
	return Message{Role: RoleAssistant, Blocks: blocks}
}

// ToolResultsMessage wraps ordered tool results in the user-role message the
// upstream protocols expect them in.
func ToolResultsMessage(blocks ...ContentBlock) Message {
	return Message{Role: RoleUser, Blocks: blocks}
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var b strings.Builder
	for _, blk := range m.Blocks {
		if blk.Type == BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// ToolUses returns the message's tool_use blocks in order.
func (m Message) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, blk := range m.Blocks {
		if blk.Type == BlockToolUse {
			out = append(out, blk)
		}
	}
	return out
}

// ToolResults returns the message's tool_result blocks in order.
func (m Message) ToolResults() []ContentBlock {
	var out []ContentBlock
	for _, blk := range m.Blocks {
		if blk.Type == BlockToolResult {
			out = append(out, blk)
		}
	}
	return out
}

type messageJSON struct {
	Role    Role            `json:"role"`
	Content json.RawMessage `json:"content"`
}

// MarshalJSON encodes content as a bare string when the message is a single
// text block, otherwise as the ordered block array. Both forms round-trip
// through UnmarshalJSON.
func (m Message) MarshalJSON() ([]byte, error) {
	var content any
	if len(m.Blocks) == 1 && m.Blocks[0].Type == BlockText {
		content = m.Blocks[0].Text
	} else {
		content = m.Blocks
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(messageJSON{Role: m.Role, Content: raw})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var wire messageJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Role != RoleUser && wire.Role != RoleAssistant {
		return fmt.Errorf("unknown message role %q", wire.Role)
	}
	m.Role = wire.Role
	m.Blocks = nil
	if len(wire.Content) == 0 {
		return nil
	}
	if wire.Content[0] == '"' {
		var text string
		if err := json.Unmarshal(wire.Content, &text); err != nil {
			return err
		}
		m.Blocks = []ContentBlock{TextBlock(text)}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(wire.Content, &blocks); err != nil {
		return err
	}
	for _, blk := range blocks {
		switch blk.Type {
		case BlockText, BlockToolUse, BlockToolResult:
		default:
			return fmt.Errorf("unknown content block type %q", blk.Type)
		}
	}
	m.Blocks = blocks
	return nil
}

// Usage reports token consumption for one upstream call or a whole turn.
type Usage struct {
	InputTokens       int `json:"input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	CachedInputTokens int `json:"cached_input_tokens,omitempty"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
	u.CachedInputTokens += u2.CachedInputTokens
}

// Conversation is the persistent identity a transcript hangs off.
type Conversation struct {
	ID        string `json:"id"`
	ChatKey   string `json:"chat_key"`
	CreatedAt int64  `json:"created_at"`
}
