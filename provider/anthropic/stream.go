package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/nevindra/tern"
)

// partialBlock tracks one content block being assembled from streaming
// events. content_block_start creates it, content_block_delta appends to
// it, content_block_stop finalizes it.
type partialBlock struct {
	blockType string
	toolUseID string
	toolName  string
	text      strings.Builder
	inputJSON strings.Builder
}

// streamSSE reads a Messages API SSE stream from body, forwards text-delta
// events to ch, and returns the assembled response.
//
// Tool input arrives as input_json_delta fragments buffered per block
// index; each block's fragments are parsed once, after the stream ends.
// Fragments that do not form valid JSON resolve to an empty object, never
// an error. The channel is NOT closed; the caller owns it.
//
// Every data payload carries a type field, so parsing keys off "data: "
// lines alone and ignores the preceding "event:" lines.
func streamSSE(ctx context.Context, body io.Reader, ch chan<- tern.StreamEvent) (tern.ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var blocks []partialBlock
	var streamUsage tern.Usage

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		switch chunk.Type {
		case "message_start":
			if chunk.Message != nil {
				streamUsage.InputTokens = chunk.Message.Usage.InputTokens
				streamUsage.CachedInputTokens = chunk.Message.Usage.CacheReadInputTokens
			}

		case "content_block_start":
			// Grow the partial blocks slice if needed.
			for len(blocks) <= chunk.Index {
				blocks = append(blocks, partialBlock{})
			}
			if chunk.ContentBlock != nil {
				blocks[chunk.Index].blockType = chunk.ContentBlock.Type
				blocks[chunk.Index].toolUseID = chunk.ContentBlock.ID
				blocks[chunk.Index].toolName = chunk.ContentBlock.Name
			}

		case "content_block_delta":
			if chunk.Delta == nil || chunk.Index >= len(blocks) {
				continue
			}
			block := &blocks[chunk.Index]
			switch chunk.Delta.Type {
			case "text_delta":
				block.text.WriteString(chunk.Delta.Text)
				select {
				case ch <- tern.StreamEvent{Type: tern.EventTextDelta, Content: chunk.Delta.Text}:
				case <-ctx.Done():
					return tern.ChatResponse{}, ctx.Err()
				}
			case "input_json_delta":
				// Buffered only; the complete tool_use surfaces in the
				// returned response.
				block.inputJSON.WriteString(chunk.Delta.PartialJSON)
			}

		case "content_block_stop":
			// State is already accumulated; nothing to finalize per block.

		case "message_delta":
			if chunk.Usage != nil {
				streamUsage.OutputTokens = chunk.Usage.OutputTokens
			}

		case "message_stop":
			return assembleResponse(blocks, streamUsage), nil

		case "error":
			if chunk.Error != nil {
				return tern.ChatResponse{}, fmt.Errorf("stream error: %s: %s", chunk.Error.Type, chunk.Error.Message)
			}
			return tern.ChatResponse{}, fmt.Errorf("stream error: %s", data)

		default:
			// ping and any future event types are skipped.
		}
	}

	if err := scanner.Err(); err != nil {
		return tern.ChatResponse{}, err
	}
	// Stream ended without message_stop. Assemble what arrived.
	return assembleResponse(blocks, streamUsage), nil
}

func assembleResponse(blocks []partialBlock, streamUsage tern.Usage) tern.ChatResponse {
	var text strings.Builder
	var calls []tern.ToolCall
	for i := range blocks {
		b := &blocks[i]
		switch b.blockType {
		case "text":
			text.WriteString(b.text.String())
		case "tool_use":
			args := json.RawMessage(b.inputJSON.String())
			if !json.Valid(args) {
				args = json.RawMessage(`{}`)
			}
			calls = append(calls, tern.ToolCall{ID: b.toolUseID, Name: b.toolName, Args: args})
		}
	}

	stop := tern.StopEndTurn
	if len(calls) > 0 {
		stop = tern.StopToolUse
	}
	return tern.ChatResponse{
		Text:       text.String(),
		ToolCalls:  calls,
		StopReason: stop,
		Usage:      streamUsage,
	}
}
