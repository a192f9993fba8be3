package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nevindra/tern"
)

// sseServer replays the given data payloads as an SSE stream and captures
// the last request body and headers.
type sseServer struct {
	*httptest.Server
	body    []byte
	headers http.Header
}

func newSSEServer(t *testing.T, payloads ...string) *sseServer {
	t.Helper()
	s := &sseServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.body, _ = io.ReadAll(r.Body)
		s.headers = r.Header.Clone()
		w.Header().Set("Content-Type", "text/event-stream")
		for _, p := range payloads {
			fmt.Fprintf(w, "data: %s\n\n", p)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func streamReq(t *testing.T, p *Provider, req tern.ChatRequest) (tern.ChatResponse, []tern.StreamEvent, error) {
	t.Helper()
	ch := make(chan tern.StreamEvent, 64)
	resp, err := p.Stream(context.Background(), req, ch)
	var events []tern.StreamEvent
	for len(ch) > 0 {
		events = append(events, <-ch)
	}
	return resp, events, err
}

func TestStreamTextDeltas(t *testing.T) {
	srv := newSSEServer(t,
		`{"type":"message_start","message":{"model":"claude","usage":{"input_tokens":12,"output_tokens":0,"cache_read_input_tokens":2}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello "}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"world"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`,
		`{"type":"message_stop"}`,
	)
	p := New("key", "claude-sonnet-4-20250514", WithBaseURL(srv.URL))

	resp, events, err := streamReq(t, p, tern.ChatRequest{Messages: []tern.Message{tern.UserMessage("hi")}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "Hello world" {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.StopReason != tern.StopEndTurn {
		t.Errorf("stop = %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 7 || resp.Usage.CachedInputTokens != 2 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if len(events) != 2 || events[0].Content != "Hello " || events[1].Content != "world" {
		t.Errorf("events = %+v", events)
	}
}

func TestStreamAssemblesToolUse(t *testing.T) {
	srv := newSSEServer(t,
		`{"type":"message_start","message":{"usage":{"input_tokens":5}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking"}}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"weather"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"ci"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"ty\":\"Oslo\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_stop"}`,
	)
	p := New("key", "claude-sonnet-4-20250514", WithBaseURL(srv.URL))

	resp, events, err := streamReq(t, p, tern.ChatRequest{Messages: []tern.Message{tern.UserMessage("weather?")}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StopReason != tern.StopToolUse {
		t.Errorf("stop = %q", resp.StopReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "toolu_1" || tc.Name != "weather" || string(tc.Args) != `{"city":"Oslo"}` {
		t.Errorf("call = %+v", tc)
	}
	if resp.Text != "Checking" {
		t.Errorf("text = %q", resp.Text)
	}
	// Argument fragments never surface as events.
	if len(events) != 1 || events[0].Type != tern.EventTextDelta {
		t.Errorf("events = %+v", events)
	}
}

func TestStreamBadToolArgsBecomeEmptyObject(t *testing.T) {
	srv := newSSEServer(t,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"weather"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`,
		`{"type":"message_stop"}`,
	)
	p := New("key", "claude-sonnet-4-20250514", WithBaseURL(srv.URL))

	resp, _, err := streamReq(t, p, tern.ChatRequest{Messages: []tern.Message{tern.UserMessage("go")}})
	if err != nil {
		t.Fatalf("truncated argument JSON must not fail the stream: %v", err)
	}
	if len(resp.ToolCalls) != 1 || string(resp.ToolCalls[0].Args) != `{}` {
		t.Errorf("calls = %+v", resp.ToolCalls)
	}
}

func TestStreamErrorEventIsFatal(t *testing.T) {
	srv := newSSEServer(t,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"error","error":{"type":"overloaded_error","message":"try later"}}`,
	)
	p := New("key", "claude-sonnet-4-20250514", WithBaseURL(srv.URL))

	_, _, err := streamReq(t, p, tern.ChatRequest{Messages: []tern.Message{tern.UserMessage("hi")}})
	var llmErr *tern.ErrLLM
	if !errors.As(err, &llmErr) {
		t.Fatalf("err = %v, want *tern.ErrLLM", err)
	}
}

func TestStreamEndsWithoutMessageStop(t *testing.T) {
	srv := newSSEServer(t,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`,
	)
	p := New("key", "claude-sonnet-4-20250514", WithBaseURL(srv.URL))

	resp, _, err := streamReq(t, p, tern.ChatRequest{Messages: []tern.Message{tern.UserMessage("hi")}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "partial" {
		t.Errorf("text = %q", resp.Text)
	}
}

func TestStreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_error"}}`)
	}))
	defer srv.Close()
	p := New("key", "claude-sonnet-4-20250514", WithBaseURL(srv.URL))

	_, _, err := streamReq(t, p, tern.ChatRequest{Messages: []tern.Message{tern.UserMessage("hi")}})
	var httpErr *tern.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want *tern.ErrHTTP", err)
	}
	if httpErr.Status != http.StatusTooManyRequests || httpErr.RetryAfter != 7 {
		t.Errorf("err = %+v", httpErr)
	}
}

func TestStreamSendsHeaders(t *testing.T) {
	srv := newSSEServer(t, `{"type":"message_stop"}`)
	p := New("secret", "claude-sonnet-4-20250514", WithBaseURL(srv.URL))

	if _, _, err := streamReq(t, p, tern.ChatRequest{Messages: []tern.Message{tern.UserMessage("hi")}}); err != nil {
		t.Fatal(err)
	}
	if got := srv.headers.Get("x-api-key"); got != "secret" {
		t.Errorf("x-api-key = %q", got)
	}
	if got := srv.headers.Get("anthropic-version"); got != apiVersion {
		t.Errorf("anthropic-version = %q", got)
	}
}

func TestBuildBody(t *testing.T) {
	req := tern.ChatRequest{
		System: "be helpful",
		Messages: []tern.Message{
			tern.UserMessage("what's the weather?"),
			tern.AssistantMessage(
				tern.TextBlock("let me check"),
				tern.ToolUseBlock("toolu_1", "weather", json.RawMessage(`{"city":"Oslo"}`)),
			),
			tern.ToolResultsMessage(tern.ToolResultBlock("toolu_1", "rainy, 8C")),
		},
		Tools: []tern.ToolDefinition{{Name: "weather", Description: "Gets weather."}},
	}
	body := buildBody(req, "claude-sonnet-4-20250514")

	if body.System != "be helpful" {
		t.Errorf("system = %q", body.System)
	}
	if body.MaxTokens != defaultMaxTokens {
		t.Errorf("max tokens = %d, want default", body.MaxTokens)
	}
	if len(body.Messages) != 3 {
		t.Fatalf("messages = %d", len(body.Messages))
	}

	assistant := body.Messages[1]
	if assistant.Content[1].Type != "tool_use" || assistant.Content[1].ID != "toolu_1" {
		t.Errorf("assistant blocks = %+v", assistant.Content)
	}

	// tool_result content rides as a JSON string value.
	result := body.Messages[2].Content[0]
	if result.Type != "tool_result" || result.ToolUseID != "toolu_1" {
		t.Errorf("result block = %+v", result)
	}
	if string(result.Content) != `"rainy, 8C"` {
		t.Errorf("result content = %s", result.Content)
	}

	// A schema-less tool gets an empty object schema.
	if string(body.Tools[0].InputSchema) != `{"type":"object","properties":{}}` {
		t.Errorf("schema = %s", body.Tools[0].InputSchema)
	}
}
