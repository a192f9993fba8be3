// Command tern is a minimal chat REPL over the agent loop. It reads turns
// from stdin, streams text deltas to stdout, and prints tool activity as
// the model works.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/tern"
	"github.com/nevindra/tern/internal/config"
	"github.com/nevindra/tern/observer"
	"github.com/nevindra/tern/provider/anthropic"
	"github.com/nevindra/tern/provider/openai"
	"github.com/nevindra/tern/store/postgres"
	"github.com/nevindra/tern/store/sqlite"
	filetool "github.com/nevindra/tern/tools/file"
	httptool "github.com/nevindra/tern/tools/http"
	shelltool "github.com/nevindra/tern/tools/shell"
)

func main() {
	ctx := context.Background()
	cfg := config.Load(os.Getenv("TERN_CONFIG"))

	if cfg.LLM.APIKey == "" {
		log.Fatal("no API key configured; set TERN_LLM_API_KEY or [llm] api_key in tern.toml")
	}

	var provider tern.Provider
	switch cfg.LLM.Provider {
	case "anthropic":
		provider = anthropic.New(cfg.LLM.APIKey, cfg.LLM.Model, anthropicOpts(cfg)...)
	case "openai":
		provider = openai.New(cfg.LLM.APIKey, cfg.LLM.Model, openaiOpts(cfg)...)
	default:
		log.Fatalf("unknown provider %q (want anthropic or openai)", cfg.LLM.Provider)
	}

	var store tern.Store
	if cfg.Database.PostgresURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			log.Fatalf("postgres connect: %v", err)
		}
		defer pool.Close()
		store = postgres.New(pool)
	} else {
		store = sqlite.New(cfg.Database.Path)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		log.Fatalf("store init: %v", err)
	}

	var tracer tern.Tracer
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		inst, shutdown, err := observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer shutdown(ctx) //nolint:errcheck
		provider = observer.WrapProvider(provider, cfg.LLM.Model, inst)
		tracer = observer.NewTracer()
	}

	workspace, err := os.MkdirTemp("", "tern-workspace-")
	if err != nil {
		log.Fatalf("workspace: %v", err)
	}
	defer os.RemoveAll(workspace)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	opts := []tern.AgentOption{
		tern.WithStore(store),
		tern.WithTools(shelltool.New(workspace, 30), filetool.New(workspace), httptool.New()),
		tern.WithContextPolicy(tern.ContextPolicy{
			MaxTurns:      cfg.Context.MaxTurns,
			ToolResultCap: cfg.Context.ToolResultCap,
		}),
		tern.WithMaxTokens(cfg.LLM.MaxTokens),
		tern.WithGuards(tern.NewInjectionGuard()),
		tern.WithLogger(logger),
	}
	if cfg.LLM.SystemPrompt != "" {
		opts = append(opts, tern.WithSystemPrompt(cfg.LLM.SystemPrompt))
	}
	if tracer != nil {
		opts = append(opts, tern.WithTracer(tracer))
	}
	agent := tern.New("tern", provider, opts...)

	conv, err := store.GetOrCreateConversation(ctx, "repl")
	if err != nil {
		log.Fatalf("conversation: %v", err)
	}

	fmt.Printf("tern | %s %s | conversation %s\n", cfg.LLM.Provider, cfg.LLM.Model, conv.ID)
	fmt.Println("type a message, ctrl-d to exit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		ch := make(chan tern.StreamEvent, 64)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range ch {
				switch ev.Type {
				case tern.EventTextDelta:
					fmt.Print(ev.Content)
				case tern.EventToolStart:
					fmt.Printf("\n[tool %s started]\n", ev.Name)
				case tern.EventToolEnd:
					fmt.Printf("[tool %s done]\n", ev.Name)
				}
			}
		}()

		result, err := agent.StreamTurn(ctx, conv.ID, line, ch)
		<-done
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
			continue
		}
		fmt.Printf("(%d rounds, %d in / %d out tokens)\n",
			result.Rounds, result.Usage.InputTokens, result.Usage.OutputTokens)
	}
}

func anthropicOpts(cfg config.Config) []anthropic.Option {
	var opts []anthropic.Option
	if cfg.LLM.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.LLM.BaseURL))
	}
	return opts
}

func openaiOpts(cfg config.Config) []openai.Option {
	var opts []openai.Option
	if cfg.LLM.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.LLM.BaseURL))
	}
	return opts
}
