package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/nevindra/tern"
)

// streamSSE reads a chat completions SSE stream from body, forwards
// text-delta events to ch, and returns the assembled response.
//
// Tool call arguments arrive as string fragments keyed by index; they are
// buffered here and parsed only once the stream ends. Fragments that do not
// form valid JSON resolve to an empty object, never an error. The channel is
// NOT closed; the caller owns it.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func streamSSE(ctx context.Context, body io.Reader, ch chan<- tern.StreamEvent) (tern.ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var fullContent strings.Builder
	var streamUsage tern.Usage

	// Accumulate tool calls across chunks. The API streams them
	// incrementally: each chunk carries an index, and arguments arrive as
	// string fragments.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var toolCalls []partialToolCall

	for scanner.Scan() {
		line := scanner.Text()

		// SSE lines that carry data start with "data: ".
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		// End-of-stream sentinel.
		if data == "[DONE]" {
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		if len(chunk.Choices) == 0 {
			// Usage-only chunk (sent last with stream_options.include_usage).
			if chunk.Usage != nil {
				readUsage(chunk.Usage, &streamUsage)
			}
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			fullContent.WriteString(delta.Content)
			select {
			case ch <- tern.StreamEvent{Type: tern.EventTextDelta, Content: delta.Content}:
			case <-ctx.Done():
				return tern.ChatResponse{}, ctx.Err()
			}
		}

		for _, tc := range delta.ToolCalls {
			// Ensure we have a slot for this tool call index.
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}

			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
			}
		}

		if chunk.Usage != nil {
			readUsage(chunk.Usage, &streamUsage)
		}
	}

	if err := scanner.Err(); err != nil {
		return tern.ChatResponse{}, err
	}

	// Finalize tool calls with a best-effort parse of the buffered fragments.
	var finalCalls []tern.ToolCall
	for _, tc := range toolCalls {
		args := json.RawMessage(tc.Args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		finalCalls = append(finalCalls, tern.ToolCall{
			ID:   tc.ID,
			Name: tc.Name,
			Args: args,
		})
	}

	return tern.ChatResponse{
		Text:       fullContent.String(),
		ToolCalls:  finalCalls,
		StopReason: normalizeStop(finalCalls),
		Usage:      streamUsage,
	}, nil
}

// normalizeStop maps the call outcome onto the two canonical stop reasons.
// Assembled tool calls force tool_use; every upstream finish reason (stop,
// length, content_filter, or a missing one) otherwise normalizes to
// end_turn.
func normalizeStop(calls []tern.ToolCall) tern.StopReason {
	if len(calls) > 0 {
		return tern.StopToolUse
	}
	return tern.StopEndTurn
}

func readUsage(u *usage, out *tern.Usage) {
	out.InputTokens = u.PromptTokens
	out.OutputTokens = u.CompletionTokens
	if u.PromptTokensDetails != nil {
		out.CachedInputTokens = u.PromptTokensDetails.CachedTokens
	}
}
