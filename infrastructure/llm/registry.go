package llm

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
)

// ProviderSpec describes where a provider's key lives and which model it
// uses by default.
type ProviderSpec struct {
	EnvVar       string
	DefaultModel string
	BaseURL      string
}

// DefaultProviderSpecs covers the built-in providers.
var DefaultProviderSpecs = map[string]ProviderSpec{
	"openai":    {EnvVar: "OPENAI_API_KEY", DefaultModel: OpenAIDefaultModel},
	"anthropic": {EnvVar: "ANTHROPIC_API_KEY", DefaultModel: AnthropicDefaultModel},
	"google":    {EnvVar: "GOOGLE_API_KEY", DefaultModel: GoogleDefaultModel},
}

// Registry resolves "provider" or "provider/model" specs to clients,
// building each combination once. Keys come from explicit overrides or
// the provider's environment variable.
type Registry struct {
	specs           map[string]ProviderSpec
	defaultProvider string
	base            Config
	keys            map[string]string
	lookupEnv       func(string) (string, bool)

	mu      sync.Mutex
	clients map[string]*Client
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithBaseConfig sets the timeout, estimator and middleware shared by
// every client. Its APIKey, Model and BaseURL are ignored.
func WithBaseConfig(cfg Config) RegistryOption {
	return func(r *Registry) { r.base = cfg }
}

// WithAPIKey sets provider's key, taking precedence over the environment.
func WithAPIKey(provider, key string) RegistryOption {
	return func(r *Registry) {
		if key != "" {
			r.keys[provider] = key
		}
	}
}

// WithEnvLookup replaces os.LookupEnv.
func WithEnvLookup(fn func(string) (string, bool)) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.lookupEnv = fn
		}
	}
}

// NewRegistry creates a registry. A nil specs map uses
// DefaultProviderSpecs.
func NewRegistry(defaultProvider string, specs map[string]ProviderSpec, opts ...RegistryOption) (*Registry, error) {
	if specs == nil {
		specs = DefaultProviderSpecs
	}
	if _, ok := specs[defaultProvider]; !ok {
		return nil, fmt.Errorf("%w: default provider %q is not configured", ErrUnknownProvider, defaultProvider)
	}
	r := &Registry{
		specs:           maps.Clone(specs),
		defaultProvider: defaultProvider,
		keys:            map[string]string{},
		lookupEnv:       os.LookupEnv,
		clients:         map[string]*Client{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ParseSpec splits "provider/model". A bare provider gets its default model.
func (r *Registry) ParseSpec(spec string) (provider, model string, err error) {
	provider, model, _ = strings.Cut(strings.TrimSpace(spec), "/")
	if provider == "" {
		provider = r.defaultProvider
	}
	ps, ok := r.specs[provider]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	if model == "" {
		model = ps.DefaultModel
	}
	return provider, model, nil
}

// Client returns the client for spec. An empty spec selects the default
// provider.
func (r *Registry) Client(spec string) (*Client, error) {
	provider, model, err := r.ParseSpec(spec)
	if err != nil {
		return nil, err
	}
	key := provider + "/" + model

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[key]; ok {
		return c, nil
	}

	apiKey, ok := r.apiKey(provider)
	if !ok {
		return nil, fmt.Errorf("%s: %w (set %s)", provider, ErrEmptyAPIKey, r.specs[provider].EnvVar)
	}
	cfg := r.base
	cfg.APIKey = apiKey
	cfg.Model = model
	cfg.BaseURL = r.specs[provider].BaseURL
	cfg.Middleware = slices.Clone(r.base.Middleware)

	c, err := NewClient(provider, cfg)
	if err != nil {
		return nil, err
	}
	r.clients[key] = c
	return c, nil
}

// Default returns the default provider's client with its default model.
func (r *Registry) Default() (*Client, error) { return r.Client(r.defaultProvider) }

// Available lists, in sorted order, the providers that have a key.
func (r *Registry) Available() []string {
	var out []string
	for name := range r.specs {
		if _, ok := r.apiKey(name); ok {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

func (r *Registry) apiKey(provider string) (string, bool) {
	if k := r.keys[provider]; k != "" {
		return k, true
	}
	env := r.specs[provider].EnvVar
	if env == "" {
		return "", false
	}
	k, ok := r.lookupEnv(env)
	return k, ok && k != ""
}
