// Package llm is the oracle transport used by the re-extraction and
// consistency stages and by the LLM-backed reasoner.
//
// Providers (OpenAI, Anthropic, Google) implement Transport. Cross-cutting
// behaviour such as rate limiting, retries, circuit breaking, timeouts,
// metrics and tracing is layered on as Middleware, so stage code only ever
// sees a ports.LLMClient:
//
//	client, err := llm.NewClient("openai", llm.Config{
//	    APIKey: os.Getenv("OPENAI_API_KEY"),
//	    Model:  "gpt-4o",
//	    Middleware: []llm.Middleware{
//	        llm.TracingMiddleware("fincheck-oracle"),
//	        llm.MetricsMiddleware(collector),
//	        llm.RetryMiddleware(llm.DefaultRetryPolicy()),
//	        llm.RateLimitMiddleware(5, 10),
//	    },
//	})
package llm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ahrav/go-fincheck/internal/ports"
)

// Request is one oracle call after option parsing.
type Request struct {
	Prompt  string
	Options RequestOptions
}

// Response is the provider's answer and its token usage. Providers fall
// back to estimates when the API omits usage.
type Response struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// Transport is the minimal contract a provider implements.
type Transport interface {
	Send(ctx context.Context, req Request) (Response, error)
	// Model is the model used when a request does not override it.
	Model() string
	// Provider is the provider name, e.g. "openai".
	Provider() string
}

// Middleware wraps a Transport.
type Middleware func(Transport) Transport

// Chain applies mws so that the first one is outermost.
func Chain(t Transport, mws ...Middleware) Transport {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			t = mws[i](t)
		}
	}
	return t
}

// TokenEstimator approximates token counts before a request is sent.
type TokenEstimator interface {
	EstimateTokens(text string) int
}

// Config configures a Client.
type Config struct {
	// APIKey authenticates with the provider.
	APIKey string
	// Model is the default model. Each provider has its own fallback.
	Model string
	// BaseURL overrides the provider endpoint; empty means the default.
	BaseURL string
	// Timeout bounds the underlying HTTP client. Zero leaves it unset.
	Timeout time.Duration
	// Estimator defaults to a character-based estimator.
	Estimator TokenEstimator
	// Middleware is applied in order, first outermost.
	Middleware []Middleware
}

// ProviderFactory builds a Transport for one provider.
type ProviderFactory func(Config) (Transport, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]ProviderFactory{}
)

// RegisterProvider makes a provider available to NewClient. Registering the
// same name twice replaces the earlier factory.
func RegisterProvider(name string, factory ProviderFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// Providers lists the registered provider names in sorted order.
func Providers() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func lookupProvider(name string) (ProviderFactory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Common client construction errors.
var (
	ErrEmptyAPIKey      = errors.New("API key cannot be empty")
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrEmptyResponse    = errors.New("empty response from provider")
	ErrNoResponseChoice = errors.New("no response choices returned")
)

var _ ports.LLMClient = (*Client)(nil)

// Client adapts a middleware-wrapped Transport to ports.LLMClient.
type Client struct {
	transport Transport
	estimator TokenEstimator
}

// NewClient builds a client for the named provider.
func NewClient(provider string, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", provider, ErrEmptyAPIKey)
	}
	factory, ok := lookupProvider(provider)
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownProvider, provider, Providers())
	}
	t, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s transport: %w", provider, err)
	}
	return NewClientFromTransport(Chain(t, cfg.Middleware...), cfg.Estimator), nil
}

// NewClientFromTransport wraps an already-assembled transport. A nil
// estimator uses four characters per token.
func NewClientFromTransport(t Transport, estimator TokenEstimator) *Client {
	if estimator == nil {
		estimator = NewCharacterEstimator(DefaultCharsPerToken)
	}
	return &Client{transport: t, estimator: estimator}
}

// Complete returns only the generated text.
func (c *Client) Complete(ctx context.Context, prompt string, options map[string]any) (string, error) {
	text, _, _, err := c.CompleteWithUsage(ctx, prompt, options)
	return text, err
}

// CompleteWithUsage sends prompt with options parsed by ParseRequestOptions.
func (c *Client) CompleteWithUsage(ctx context.Context, prompt string, options map[string]any) (string, int, int, error) {
	req := Request{
		Prompt:  prompt,
		Options: ParseRequestOptions(options, c.transport.Model()),
	}
	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return "", resp.TokensIn, resp.TokensOut, err
	}
	return resp.Text, resp.TokensIn, resp.TokensOut, nil
}

// EstimateTokens never fails; the error is part of the port.
func (c *Client) EstimateTokens(text string) (int, error) {
	return c.estimator.EstimateTokens(text), nil
}

// GetModel returns the transport's default model.
func (c *Client) GetModel() string { return c.transport.Model() }

// Provider returns the transport's provider name.
func (c *Client) Provider() string { return c.transport.Provider() }

// passthrough is embedded by middlewares that do not change identity.
type passthrough struct{ next Transport }

func (p passthrough) Model() string    { return p.next.Model() }
func (p passthrough) Provider() string { return p.next.Provider() }

// estimateOr returns actual when the provider reported it, otherwise an
// estimate for text.
func estimateOr(actual int64, text string) int {
	if actual > 0 {
		return int(actual)
	}
	return defaultEstimator.EstimateTokens(text)
}
