package tern

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
)

// fakeStore is an in-memory Store for exercising persistence paths.
type fakeStore struct {
	mu            sync.Mutex
	messages      map[string][]Message
	conversations map[string]Conversation
	appendErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages:      make(map[string][]Message),
		conversations: make(map[string]Conversation),
	}
}

func (s *fakeStore) AppendMessage(ctx context.Context, conversationID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	return nil
}

func (s *fakeStore) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages[conversationID]...), nil
}

func (s *fakeStore) GetOrCreateConversation(ctx context.Context, chatKey string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[chatKey]; ok {
		return conv, nil
	}
	conv := Conversation{ID: NewID(), ChatKey: chatKey, CreatedAt: NowUnix()}
	s.conversations[chatKey] = conv
	return conv, nil
}

func (s *fakeStore) Init(ctx context.Context) error { return nil }
func (s *fakeStore) Close() error                   { return nil }

func (s *fakeStore) stored(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages[conversationID]...)
}

var _ Store = (*fakeStore)(nil)

// echoTool returns its text argument.
type echoTool struct{}

func (echoTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{
		Name:        "echo",
		Description: "Echoes the given text back.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`),
	}}
}

func (echoTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return ToolResult{}, err
	}
	return ToolResult{Content: "echo: " + in.Text}, nil
}

// faultyTool models the two tool failure modes.
type faultyTool struct {
	execErr   error
	resultErr string
}

func (t faultyTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "faulty", Description: "Always fails."}}
}

func (t faultyTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	if t.execErr != nil {
		return ToolResult{}, t.execErr
	}
	return ToolResult{Error: t.resultErr}, nil
}

// stubGuard blocks any input containing its trigger substring.
type stubGuard struct {
	trigger  string
	response string
}

func (g stubGuard) Name() string { return "stub" }

func (g stubGuard) CheckInput(text string) error {
	if strings.Contains(text, g.trigger) {
		return &ErrBlocked{Guard: g.Name(), Response: g.response}
	}
	return nil
}

func TestAgentRunTurnPersistsMessages(t *testing.T) {
	mp := newMockProvider(textResponse("hi there"))
	store := newFakeStore()
	agent := New("test", mp, WithStore(store))

	result, err := agent.RunTurn(context.Background(), "conv-1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if result.Output != "hi there" {
		t.Errorf("output = %q", result.Output)
	}
	msgs := store.stored("conv-1")
	if len(msgs) != 2 {
		t.Fatalf("stored = %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].Text() != "hello" {
		t.Errorf("first stored message: %+v", msgs[0])
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Text() != "hi there" {
		t.Errorf("second stored message: %+v", msgs[1])
	}
}

func TestAgentSingleToolRound(t *testing.T) {
	mp := newMockProvider(
		toolResponse(ToolCall{ID: "t1", Name: "echo", Args: json.RawMessage(`{"text":"ping"}`)}),
		textResponse("pong"),
	)
	store := newFakeStore()
	agent := New("test", mp, WithStore(store), WithTools(echoTool{}))

	result, err := agent.RunTurn(context.Background(), "conv-1", "say ping")
	if err != nil {
		t.Fatal(err)
	}
	if result.Output != "pong" || result.Rounds != 2 {
		t.Errorf("result = %+v", result)
	}
	msgs := store.stored("conv-1")
	if len(msgs) != 4 {
		t.Fatalf("stored = %d messages, want 4", len(msgs))
	}
	if got := msgs[2].ToolResults()[0].Content; got != "echo: ping" {
		t.Errorf("tool result = %q", got)
	}
}

func TestAgentUnknownToolBecomesErrorResult(t *testing.T) {
	mp := newMockProvider(
		toolResponse(ToolCall{ID: "t1", Name: "teleport", Args: json.RawMessage(`{}`)}),
		textResponse("sorry"),
	)
	store := newFakeStore()
	agent := New("test", mp, WithStore(store), WithTools(echoTool{}))

	if _, err := agent.RunTurn(context.Background(), "conv-1", "go"); err != nil {
		t.Fatalf("unknown tool must not fail the turn: %v", err)
	}
	got := store.stored("conv-1")[2].ToolResults()[0].Content
	if got != "error: unknown tool: teleport" {
		t.Errorf("result = %q", got)
	}
}

func TestAgentToolFailuresAbsorbed(t *testing.T) {
	cases := []struct {
		name string
		tool Tool
		want string
	}{
		{"result error", faultyTool{resultErr: "disk full"}, "error: disk full"},
		{"execute error", faultyTool{execErr: errors.New("connection refused")}, "error: connection refused"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mp := newMockProvider(
				toolResponse(ToolCall{ID: "t1", Name: "faulty", Args: json.RawMessage(`{}`)}),
				textResponse("noted"),
			)
			store := newFakeStore()
			agent := New("test", mp, WithStore(store), WithTools(tc.tool))

			result, err := agent.RunTurn(context.Background(), "conv-1", "try it")
			if err != nil {
				t.Fatalf("tool failure must not fail the turn: %v", err)
			}
			if result.Output != "noted" {
				t.Errorf("output = %q", result.Output)
			}
			if got := store.stored("conv-1")[2].ToolResults()[0].Content; got != tc.want {
				t.Errorf("result = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAgentProviderErrorLeavesNoAssistantMessage(t *testing.T) {
	mp := newMockProvider()
	mp.failAt = 0
	mp.err = &ErrLLM{Provider: "mock", Message: "overloaded"}
	store := newFakeStore()
	agent := New("test", mp, WithStore(store))

	_, err := agent.RunTurn(context.Background(), "conv-1", "hello")
	if err == nil {
		t.Fatal("expected provider error")
	}
	var llmErr *ErrLLM
	if !errors.As(err, &llmErr) {
		t.Errorf("error type = %T", err)
	}
	msgs := store.stored("conv-1")
	if len(msgs) != 1 || msgs[0].Role != RoleUser {
		t.Errorf("stored = %+v, want only the user message", msgs)
	}
}

func TestAgentGuardBlocksBeforeAppend(t *testing.T) {
	mp := newMockProvider(textResponse("never reached"))
	store := newFakeStore()
	agent := New("test", mp,
		WithStore(store),
		WithGuards(stubGuard{trigger: "forbidden", response: "I cannot help with that."}))

	ch := make(chan StreamEvent, 8)
	result, err := agent.StreamTurn(context.Background(), "conv-1", "something forbidden", ch)
	if err != nil {
		t.Fatal(err)
	}
	if result.Output != "I cannot help with that." {
		t.Errorf("output = %q", result.Output)
	}
	if mp.callCount() != 0 {
		t.Error("blocked input must never reach the provider")
	}
	if len(store.stored("conv-1")) != 0 {
		t.Error("blocked input must not be appended")
	}
	events := drainEvents(ch)
	if len(events) != 2 || events[0].Type != EventTextDelta || events[1].Type != EventTurnEnd {
		t.Errorf("events = %+v", events)
	}
	if events[0].Content != "I cannot help with that." {
		t.Errorf("delta content = %q", events[0].Content)
	}
}

func TestAgentGuardPassesCleanInput(t *testing.T) {
	mp := newMockProvider(textResponse("sure"))
	agent := New("test", mp,
		WithGuards(stubGuard{trigger: "forbidden", response: "no"}))

	result, err := agent.RunTurn(context.Background(), "conv-1", "something fine")
	if err != nil {
		t.Fatal(err)
	}
	if result.Output != "sure" {
		t.Errorf("output = %q", result.Output)
	}
}

func TestAgentInMemoryHistoryAcrossTurns(t *testing.T) {
	mp := newMockProvider(textResponse("first reply"), textResponse("second reply"))
	agent := New("test", mp)

	if _, err := agent.RunTurn(context.Background(), "conv-1", "one"); err != nil {
		t.Fatal(err)
	}
	if _, err := agent.RunTurn(context.Background(), "conv-1", "two"); err != nil {
		t.Fatal(err)
	}

	// The second upstream call must carry the full prior history.
	second := mp.requests[1].Messages
	if len(second) != 3 {
		t.Fatalf("second request carried %d messages, want 3", len(second))
	}
	if second[0].Text() != "one" || second[1].Text() != "first reply" || second[2].Text() != "two" {
		t.Errorf("unexpected history: %+v", second)
	}
}

func TestAgentConversationsAreIsolated(t *testing.T) {
	mp := newMockProvider(textResponse("a"), textResponse("b"))
	agent := New("test", mp)

	if _, err := agent.RunTurn(context.Background(), "conv-1", "one"); err != nil {
		t.Fatal(err)
	}
	if _, err := agent.RunTurn(context.Background(), "conv-2", "two"); err != nil {
		t.Fatal(err)
	}
	if len(mp.requests[1].Messages) != 1 {
		t.Errorf("fresh conversation carried %d messages, want 1", len(mp.requests[1].Messages))
	}
}

func TestAgentSendsSystemPromptAndPolicy(t *testing.T) {
	mp := newMockProvider(textResponse("ok"))
	agent := New("test", mp,
		WithSystemPrompt("be terse"),
		WithMaxTokens(512),
		WithContextPolicy(ContextPolicy{MaxTurns: 5}))

	if _, err := agent.RunTurn(context.Background(), "conv-1", "hi"); err != nil {
		t.Fatal(err)
	}
	req := mp.requests[0]
	if req.System != "be terse" {
		t.Errorf("system = %q", req.System)
	}
	if req.MaxTokens != 512 {
		t.Errorf("max tokens = %d", req.MaxTokens)
	}
}

func TestAgentSendsToolDefinitions(t *testing.T) {
	mp := newMockProvider(textResponse("ok"))
	agent := New("test", mp, WithTools(echoTool{}))

	if _, err := agent.RunTurn(context.Background(), "conv-1", "hi"); err != nil {
		t.Fatal(err)
	}
	tools := mp.requests[0].Tools
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Errorf("tools = %+v", tools)
	}
}

func TestAgentStoreAppendFailureSurfaced(t *testing.T) {
	mp := newMockProvider(textResponse("ok"))
	store := newFakeStore()
	store.appendErr = errors.New("disk gone")
	agent := New("test", mp, WithStore(store))

	_, err := agent.RunTurn(context.Background(), "conv-1", "hi")
	if err == nil || !strings.Contains(err.Error(), "disk gone") {
		t.Errorf("err = %v", err)
	}
}

func TestAgentName(t *testing.T) {
	agent := New("billing", newMockProvider())
	if agent.Name() != "billing" {
		t.Errorf("name = %q", agent.Name())
	}
}
