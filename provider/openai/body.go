package openai

import (
	"encoding/json"

	"github.com/nevindra/tern"
)

// buildBody flattens canonical messages into the chat completions wire
// shape. The block model does not map one-to-one: assistant tool_use blocks
// become the tool_calls array with stringified arguments, and every
// tool_result block becomes its own role:"tool" message keyed by
// tool_call_id. Block order within each message is preserved in the
// flattened sequence.
func buildBody(req tern.ChatRequest, model string) chatRequest {
	var msgs []message

	if req.System != "" {
		msgs = append(msgs, message{Role: "system", Content: req.System})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case tern.RoleAssistant:
			var tcs []toolCallRequest
			for _, blk := range m.ToolUses() {
				tcs = append(tcs, toolCallRequest{
					ID:   blk.ID,
					Type: "function",
					Function: functionCall{
						Name:      blk.Name,
						Arguments: string(blk.Input),
					},
				})
			}
			msgs = append(msgs, message{
				Role:      "assistant",
				Content:   m.Text(),
				ToolCalls: tcs,
			})

		case tern.RoleUser:
			// Flush text runs as user messages and tool_results as tool
			// messages, in block order.
			var text string
			flush := func() {
				if text != "" {
					msgs = append(msgs, message{Role: "user", Content: text})
					text = ""
				}
			}
			for _, blk := range m.Blocks {
				switch blk.Type {
				case tern.BlockText:
					text += blk.Text
				case tern.BlockToolResult:
					flush()
					msgs = append(msgs, message{
						Role:       "tool",
						Content:    blk.Content,
						ToolCallID: blk.ToolUseID,
					})
				}
			}
			flush()
		}
	}

	body := chatRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
	}
	if len(req.Tools) > 0 {
		body.Tools = buildToolDefs(req.Tools)
	}
	return body
}

// buildToolDefs converts tool definitions to the OpenAI function format.
func buildToolDefs(tools []tern.ToolDefinition) []tool {
	out := make([]tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, tool{
			Type: "function",
			Function: function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
