package anthropic

import (
	"encoding/json"

	"github.com/nevindra/tern"
)

// buildBody translates canonical messages into the Messages API wire shape.
// The mapping is block for block: the system prompt moves to the top-level
// field and tool_result content is wrapped as a JSON string value.
func buildBody(req tern.ChatRequest, model string) messagesRequest {
	body := messagesRequest{
		Model:     model,
		MaxTokens: req.MaxTokens,
		System:    req.System,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultMaxTokens
	}

	for _, m := range req.Messages {
		body.Messages = append(body.Messages, toWireMessage(m))
	}
	for _, t := range req.Tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		body.Tools = append(body.Tools, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return body
}

func toWireMessage(m tern.Message) wireMessage {
	wire := wireMessage{Role: string(m.Role)}
	for _, blk := range m.Blocks {
		wire.Content = append(wire.Content, toWireBlock(blk))
	}
	return wire
}

func toWireBlock(blk tern.ContentBlock) wireBlock {
	switch blk.Type {
	case tern.BlockText:
		return wireBlock{Type: "text", Text: blk.Text}
	case tern.BlockToolUse:
		return wireBlock{Type: "tool_use", ID: blk.ID, Name: blk.Name, Input: blk.Input}
	case tern.BlockToolResult:
		// Content is a string, but the wire format expects json.RawMessage.
		// Marshal the string to a JSON string value.
		contentJSON, _ := json.Marshal(blk.Content)
		return wireBlock{Type: "tool_result", ToolUseID: blk.ToolUseID, Content: contentJSON}
	}
	return wireBlock{Type: string(blk.Type)}
}
