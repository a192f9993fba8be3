package tern

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Agent drives multi-round turns against one provider with a fixed tool
// catalog. It is safe for concurrent use; turns on the same conversation are
// serialized, turns on different conversations run independently.
type Agent struct {
	name         string
	provider     Provider
	registry     *ToolRegistry
	store        Store
	systemPrompt string
	policy       ContextPolicy
	maxTokens    int
	guards       []Guard
	tracer       Tracer
	logger       *slog.Logger

	mu        sync.Mutex
	convLocks map[string]*sync.Mutex
	memory    map[string]*Transcript // conversation histories when no store is set
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithTools registers tools the model may call.
func WithTools(tools ...Tool) AgentOption {
	return func(a *Agent) {
		for _, t := range tools {
			a.registry.Add(t)
		}
	}
}

// WithStore attaches transcript persistence. Without it histories live in
// memory for the Agent's lifetime.
func WithStore(s Store) AgentOption {
	return func(a *Agent) { a.store = s }
}

// WithSystemPrompt sets the system prompt sent on every round.
func WithSystemPrompt(prompt string) AgentOption {
	return func(a *Agent) { a.systemPrompt = prompt }
}

// WithContextPolicy bounds the context sent upstream each round.
func WithContextPolicy(p ContextPolicy) AgentOption {
	return func(a *Agent) { a.policy = p }
}

// WithMaxTokens caps the model's output per round.
func WithMaxTokens(n int) AgentOption {
	return func(a *Agent) { a.maxTokens = n }
}

// WithGuards installs input guards run before each turn.
func WithGuards(guards ...Guard) AgentOption {
	return func(a *Agent) { a.guards = append(a.guards, guards...) }
}

// WithTracer enables span creation for turns, rounds, and tool dispatch.
func WithTracer(t Tracer) AgentOption {
	return func(a *Agent) { a.tracer = t }
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// New builds an Agent around a provider.
func New(name string, provider Provider, opts ...AgentOption) *Agent {
	a := &Agent{
		name:      name,
		provider:  provider,
		registry:  NewToolRegistry(),
		logger:    nopLogger(),
		convLocks: make(map[string]*sync.Mutex),
		memory:    make(map[string]*Transcript),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the agent's identifier.
func (a *Agent) Name() string { return a.name }

// RunTurn runs one blocking turn: the user text is appended and rounds run
// until the model ends its turn. The final text is returned in the result.
func (a *Agent) RunTurn(ctx context.Context, conversationID, text string) (TurnResult, error) {
	return a.run(ctx, conversationID, text, nil)
}

// StreamTurn runs one turn emitting ordered events into ch. The channel is
// closed exactly once when the turn ends, on every path including errors.
func (a *Agent) StreamTurn(ctx context.Context, conversationID, text string, ch chan<- StreamEvent) (TurnResult, error) {
	return a.run(ctx, conversationID, text, ch)
}

func (a *Agent) run(ctx context.Context, conversationID, text string, ch chan<- StreamEvent) (TurnResult, error) {
	lock := a.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	closeCh := func() {
		if ch != nil {
			close(ch)
		}
	}

	if blocked, result := a.runGuards(text, ch); blocked {
		closeCh()
		return result, nil
	}

	transcript, err := a.transcript(ctx, conversationID)
	if err != nil {
		closeCh()
		return TurnResult{}, err
	}
	if err := transcript.Append(ctx, UserMessage(text)); err != nil {
		closeCh()
		return TurnResult{}, err
	}

	turnCtx := ctx
	var turnSpan Span
	if a.tracer != nil {
		turnCtx, turnSpan = a.tracer.Start(ctx, "agent.turn",
			StringAttr("agent", a.name),
			StringAttr("conversation_id", conversationID))
		defer turnSpan.End()
	}

	cfg := turnConfig{
		name:         a.name,
		provider:     a.provider,
		tools:        a.registry.AllDefinitions(),
		dispatch:     a.makeDispatch(),
		systemPrompt: a.systemPrompt,
		policy:       a.policy,
		maxTokens:    a.maxTokens,
		tracer:       a.tracer,
		logger:       a.logger,
	}
	result, err := runTurn(turnCtx, cfg, transcript, ch)
	if err != nil && turnSpan != nil {
		turnSpan.Error(err)
	}
	if turnSpan != nil {
		turnSpan.SetAttr(
			IntAttr("rounds", result.Rounds),
			IntAttr("input_tokens", result.Usage.InputTokens),
			IntAttr("output_tokens", result.Usage.OutputTokens))
	}
	return result, err
}

// runGuards checks the incoming text against every installed guard. A guard
// verdict short-circuits the turn: nothing is appended, nothing goes
// upstream, and the guard's response becomes the turn output.
func (a *Agent) runGuards(text string, ch chan<- StreamEvent) (bool, TurnResult) {
	for _, g := range a.guards {
		err := g.CheckInput(text)
		if err == nil {
			continue
		}
		var blocked *ErrBlocked
		if !errors.As(err, &blocked) {
			blocked = &ErrBlocked{Guard: g.Name(), Response: "Request blocked."}
		}
		a.logger.Warn("input blocked", "agent", a.name, "guard", blocked.Guard)
		if ch != nil {
			ch <- StreamEvent{Type: EventTextDelta, Content: blocked.Response}
			ch <- StreamEvent{Type: EventTurnEnd, StopReason: StopEndTurn}
		}
		return true, TurnResult{Output: blocked.Response}
	}
	return false, TurnResult{}
}

func (a *Agent) makeDispatch() DispatchFunc {
	return func(ctx context.Context, tc ToolCall) DispatchResult {
		var span Span
		if a.tracer != nil {
			ctx, span = a.tracer.Start(ctx, "agent.tool.dispatch",
				StringAttr("tool", tc.Name),
				StringAttr("tool_use_id", tc.ID))
			defer span.End()
		}
		result, err := a.registry.Execute(ctx, tc.Name, tc.Args)
		if err != nil {
			if span != nil {
				span.Error(err)
			}
			return DispatchResult{Content: "error: " + err.Error(), IsError: true}
		}
		if result.Error != "" {
			return DispatchResult{Content: "error: " + result.Error, IsError: true}
		}
		return DispatchResult{Content: result.Content}
	}
}

func (a *Agent) conversationLock(conversationID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.convLocks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		a.convLocks[conversationID] = lock
	}
	return lock
}

// transcript loads the conversation history from the store, or returns the
// Agent-lifetime in-memory transcript when no store is configured.
func (a *Agent) transcript(ctx context.Context, conversationID string) (*Transcript, error) {
	if a.store == nil {
		a.mu.Lock()
		defer a.mu.Unlock()
		t, ok := a.memory[conversationID]
		if !ok {
			t = NewTranscript(conversationID)
			a.memory[conversationID] = t
		}
		return t, nil
	}
	return LoadTranscript(ctx, a.store, conversationID)
}

// nopLogger returns a logger that discards everything.
func nopLogger() *slog.Logger {
	return slog.New(discardHandler{})
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
