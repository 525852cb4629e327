package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicDefaultModel is used when Config.Model is empty.
const AnthropicDefaultModel = "claude-3-5-sonnet-latest"

// jsonInstruction is appended to the system prompt when a request asks for
// JSON; the Messages API has no response-format switch.
const jsonInstruction = "Respond with a single JSON object and nothing else."

func init() {
	RegisterProvider("anthropic", newAnthropicTransport)
}

type anthropicTransport struct {
	client anthropic.Client
	model  string
}

func newAnthropicTransport(cfg Config) (Transport, error) {
	if cfg.APIKey == "" {
		return nil, ErrEmptyAPIKey
	}
	// Retries belong to RetryMiddleware so that they are counted and traced.
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		u, err := ValidateBaseURL(cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithBaseURL(u))
	}
	if d := ValidateTimeout(cfg.Timeout); d > 0 {
		opts = append(opts, option.WithRequestTimeout(d))
	}

	model := cfg.Model
	if model == "" {
		model = AnthropicDefaultModel
	}
	return &anthropicTransport{client: anthropic.NewClient(opts...), model: model}, nil
}

func (t *anthropicTransport) Model() string    { return t.model }
func (t *anthropicTransport) Provider() string { return "anthropic" }

func (t *anthropicTransport) Send(ctx context.Context, req Request) (Response, error) {
	msg, err := t.client.Messages.New(ctx, t.params(req))
	if err != nil {
		return Response{}, t.classify(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	text := sb.String()
	if text == "" {
		return Response{}, &ProviderError{Provider: "anthropic", Kind: KindContentPolicy, Message: string(msg.StopReason), Err: ErrEmptyResponse}
	}
	return Response{
		Text:      text,
		TokensIn:  estimateOr(msg.Usage.InputTokens, req.Prompt),
		TokensOut: estimateOr(msg.Usage.OutputTokens, text),
	}, nil
}

func (t *anthropicTransport) params(req Request) anthropic.MessageNewParams {
	o := req.Options
	p := anthropic.MessageNewParams{
		Model:     anthropic.Model(o.Model),
		MaxTokens: int64(o.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	// Anthropic caps temperature at 1.
	if o.Temperature != nil {
		p.Temperature = anthropic.Float(clamp(*o.Temperature, 0, 1))
	}
	if o.TopP != nil {
		p.TopP = anthropic.Float(*o.TopP)
	}

	system := o.System
	if o.JSON {
		system = strings.TrimSpace(system + "\n\n" + jsonInstruction)
	}
	if system != "" {
		p.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return p
}

func (t *anthropicTransport) classify(err error) error {
	if pe, ok := classifyContext("anthropic", err); ok {
		return pe
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return classifyStatus("anthropic", apiErr.StatusCode, "", err)
	}
	return unclassified("anthropic", err)
}
