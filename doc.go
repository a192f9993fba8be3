// Package tern is a multi-round agent turn engine for Go.
//
// It unifies structurally different upstream LLM streaming protocols into
// one canonical conversation model, drives an iterative tool-execution loop
// until the model ends its turn, and keeps the growing transcript bounded
// through layered context preparation.
//
// # Quick Start
//
//	provider := anthropic.New(apiKey, model)
//	store := sqlite.New("tern.db")
//
//	agent := tern.New("assistant", provider,
//		tern.WithSystemPrompt("You are a helpful assistant."),
//		tern.WithTools(myTool),
//		tern.WithStore(store),
//		tern.WithContextPolicy(tern.ContextPolicy{MaxTurns: 20, ToolResultCap: 10_000}),
//	)
//
//	result, err := agent.RunTurn(ctx, conversationID, "What's in the report?")
//
// # Core Interfaces
//
// The root package defines the contracts components implement:
//
//   - [Provider] streams one model call normalized to one event model
//   - [Store] persists the append-only transcript
//   - [Tool] exposes callable operations for model tool use
//   - [Guard] inspects input before a turn starts
//   - [Tracer] creates spans, implemented by the observer package
//
// # Included Implementations
//
// Providers: provider/anthropic (block-native Messages API), provider/openai
// (Chat Completions delta streaming). Storage: store/sqlite (local,
// pure Go), store/postgres (pgx pool).
//
// See the cmd/tern directory for a small reference application.
package tern
