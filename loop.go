package tern

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DispatchFunc executes a single tool call and returns the result content.
// The Agent provides one that routes through its ToolRegistry.
type DispatchFunc func(ctx context.Context, tc ToolCall) DispatchResult

// DispatchResult holds the outcome of a single tool dispatch.
type DispatchResult struct {
	Content string
	// IsError signals that Content represents an error message rather than
	// a successful tool result. This enables structural error detection
	// without relying on string-prefix heuristics.
	IsError bool
}

// maxParallelDispatch caps the number of concurrent tool call goroutines
// to avoid overwhelming external services with unbounded parallelism.
const maxParallelDispatch = 10

// turnConfig holds everything runTurn needs.
type turnConfig struct {
	name         string
	provider     Provider
	tools        []ToolDefinition
	dispatch     DispatchFunc
	systemPrompt string
	policy       ContextPolicy
	maxTokens    int
	tracer       Tracer       // nil = no tracing
	logger       *slog.Logger // never nil (nopLogger fallback)
}

// TurnResult is the outcome of one completed turn.
type TurnResult struct {
	// Output is the assistant's final text.
	Output string
	// Usage is summed across every round of the turn.
	Usage Usage
	// Rounds is the number of upstream calls the turn took.
	Rounds int
}

// runTurn drives one turn to completion: the user message is already
// appended to the transcript, and rounds of prepare, stream, dispatch repeat
// until the model stops requesting tools. There is no internal round cap;
// callers bound a turn through ctx.
//
// When ch is non-nil every event is emitted in order and ch is closed
// exactly once on every exit path. On a provider error the turn fails with
// no partial assistant message appended.
func runTurn(ctx context.Context, cfg turnConfig, transcript *Transcript, ch chan<- StreamEvent) (TurnResult, error) {
	var totalUsage Usage

	// safeCloseCh closes the streaming channel exactly once. All exit paths
	// use this instead of raw close(ch).
	var closeOnce sync.Once
	safeCloseCh := func() {
		if ch != nil {
			closeOnce.Do(func() { close(ch) })
		}
	}

	emit := func(ev StreamEvent) {
		if ch == nil {
			return
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	}

	for round := 0; ; round++ {
		roundCtx := ctx
		var roundSpan Span
		if cfg.tracer != nil {
			roundCtx, roundSpan = cfg.tracer.Start(ctx, "agent.turn.round",
				IntAttr("round", round),
				BoolAttr("has_tools", len(cfg.tools) > 0))
		}
		endRound := func() {
			if roundSpan != nil {
				roundSpan.End()
			}
		}

		req := ChatRequest{
			System:    cfg.systemPrompt,
			Messages:  PrepareContext(transcript.Messages(), cfg.policy),
			Tools:     cfg.tools,
			MaxTokens: cfg.maxTokens,
		}

		start := time.Now()
		resp, err := cfg.provider.Stream(roundCtx, req, ch)
		if err != nil {
			if roundSpan != nil {
				roundSpan.Error(err)
			}
			endRound()
			safeCloseCh()
			return TurnResult{Usage: totalUsage, Rounds: round + 1}, err
		}
		totalUsage.Add(resp.Usage)
		cfg.logger.Debug("round complete",
			"agent", cfg.name,
			"round", round,
			"stop_reason", resp.StopReason,
			"tool_calls", len(resp.ToolCalls),
			"duration", time.Since(start))

		// Assemble the assistant message: text first, then tool_use blocks
		// in emission order.
		var blocks []ContentBlock
		if resp.Text != "" {
			blocks = append(blocks, TextBlock(resp.Text))
		}
		for _, tc := range resp.ToolCalls {
			blocks = append(blocks, ToolUseBlock(tc.ID, tc.Name, tc.Args))
		}
		if err := transcript.Append(ctx, AssistantMessage(blocks...)); err != nil {
			endRound()
			safeCloseCh()
			return TurnResult{Usage: totalUsage, Rounds: round + 1}, err
		}

		if len(resp.ToolCalls) == 0 {
			emit(StreamEvent{Type: EventTurnEnd, StopReason: StopEndTurn})
			endRound()
			safeCloseCh()
			return TurnResult{Output: resp.Text, Usage: totalUsage, Rounds: round + 1}, nil
		}

		if roundSpan != nil {
			roundSpan.SetAttr(IntAttr("tool_count", len(resp.ToolCalls)))
		}
		for _, tc := range resp.ToolCalls {
			emit(StreamEvent{Type: EventToolStart, ID: tc.ID, Name: tc.Name, Args: tc.Args})
		}

		results := dispatchParallel(roundCtx, resp.ToolCalls, cfg.dispatch)

		resultBlocks := make([]ContentBlock, 0, len(resp.ToolCalls))
		for j, tc := range resp.ToolCalls {
			content := results[j].content
			if len(content) > maxToolResultLen && len([]rune(content)) > maxToolResultLen {
				content = truncateStr(content, maxToolResultLen) + "\n\n[output truncated]"
			}
			emit(StreamEvent{Type: EventToolEnd, ID: tc.ID, Name: tc.Name, Content: content})
			resultBlocks = append(resultBlocks, ToolResultBlock(tc.ID, content))
		}
		if err := transcript.Append(ctx, ToolResultsMessage(resultBlocks...)); err != nil {
			endRound()
			safeCloseCh()
			return TurnResult{Usage: totalUsage, Rounds: round + 1}, err
		}
		endRound()

		if ctx.Err() != nil {
			safeCloseCh()
			return TurnResult{Usage: totalUsage, Rounds: round + 1}, ctx.Err()
		}
	}
}

// --- parallel tool dispatch ---

// toolExecResult holds the result of a single dispatched tool call.
type toolExecResult struct {
	content  string
	duration time.Duration
	isError  bool
}

// indexedResult pairs a tool execution result with its position in the
// original call slice, allowing channel-based collection in order.
type indexedResult struct {
	idx    int
	result toolExecResult
}

// safeDispatch wraps a dispatch call with panic recovery. If the dispatched
// tool panics, the panic is caught and converted to an error result instead
// of crashing the process.
func safeDispatch(ctx context.Context, tc ToolCall, dispatch DispatchFunc) (dr DispatchResult) {
	defer func() {
		if p := recover(); p != nil {
			dr = DispatchResult{Content: fmt.Sprintf("error: tool %q panic: %v", tc.Name, p), IsError: true}
		}
	}()
	return dispatch(ctx, tc)
}

// dispatchParallel runs all tool calls concurrently via the dispatch function
// and returns results in the same order as the input calls.
// Single calls run inline (no goroutine). Multiple calls use a fixed worker
// pool of min(len(calls), maxParallelDispatch) goroutines pulling from a
// shared work channel, avoiding unbounded goroutine creation.
//
// The collection loop is context-aware: if ctx is cancelled while tool calls
// are still in-flight, the function returns immediately with context-error
// results for incomplete calls instead of blocking indefinitely.
func dispatchParallel(ctx context.Context, calls []ToolCall, dispatch DispatchFunc) []toolExecResult {
	// Fast path: single call, no goroutine needed.
	if len(calls) == 1 {
		start := time.Now()
		dr := safeDispatch(ctx, calls[0], dispatch)
		return []toolExecResult{{content: dr.Content, duration: time.Since(start), isError: dr.IsError}}
	}

	resultCh := make(chan indexedResult, len(calls))

	type workItem struct {
		idx int
		tc  ToolCall
	}
	workCh := make(chan workItem, len(calls))
	for i, tc := range calls {
		workCh <- workItem{idx: i, tc: tc}
	}
	close(workCh)

	numWorkers := min(len(calls), maxParallelDispatch)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexedResult{w.idx, toolExecResult{content: "error: " + ctx.Err().Error(), isError: true}}
					continue
				}
				start := time.Now()
				dr := safeDispatch(ctx, w.tc, dispatch)
				resultCh <- indexedResult{w.idx, toolExecResult{content: dr.Content, duration: time.Since(start), isError: dr.IsError}}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]toolExecResult, len(calls))
	seen := make([]bool, len(calls))
collect:
	for received := 0; received < len(calls); received++ {
		select {
		case r, ok := <-resultCh:
			if !ok {
				break collect
			}
			results[r.idx] = r.result
			seen[r.idx] = true
		case <-ctx.Done():
			errResult := toolExecResult{content: "error: " + ctx.Err().Error(), isError: true}
			for i := range results {
				if !seen[i] {
					results[i] = errResult
				}
			}
			return results
		}
	}
	for i := range results {
		if !seen[i] {
			results[i] = toolExecResult{content: "error: result not received", isError: true}
		}
	}
	return results
}

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	// Byte length at or under n guarantees rune count at or under n,
	// avoiding the []rune allocation for short/ASCII strings.
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
