package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nevindra/tern"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Provider implements tern.Provider over the chat completions streaming
// protocol.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL points the provider at an OpenAI-compatible endpoint
// (e.g. "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.client = c
		}
	}
}

// WithName overrides the provider name reported in errors and traces.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// New creates a chat completions provider for the given model.
func New(apiKey, model string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// Stream sends one streamed chat completions request, forwards text deltas
// into ch, and returns the assembled response. The channel is left open for
// the caller. No retries are performed; upstream failures surface as
// *tern.ErrHTTP or *tern.ErrLLM.
func (p *Provider) Stream(ctx context.Context, req tern.ChatRequest, ch chan<- tern.StreamEvent) (tern.ChatResponse, error) {
	body := buildBody(req, p.model)
	body.Stream = true
	body.StreamOptions = &streamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return tern.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tern.ChatResponse{}, p.httpErr(resp)
	}

	out, err := streamSSE(ctx, resp.Body, ch)
	if err != nil {
		return tern.ChatResponse{}, &tern.ErrLLM{Provider: p.name, Message: err.Error()}
	}
	return out, nil
}

// sendHTTP marshals the request body and posts it to the chat completions
// endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &tern.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &tern.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &tern.ErrLLM{Provider: p.name, Message: err.Error()}
	}
	return resp, nil
}

// httpErr reads the response body into an ErrHTTP.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &tern.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: tern.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface check.
var _ tern.Provider = (*Provider)(nil)
