package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIDefaultModel is used when Config.Model is empty.
const OpenAIDefaultModel = "gpt-4o-mini"

func init() {
	RegisterProvider("openai", newOpenAITransport)
}

type openAITransport struct {
	client *openai.Client
	model  string
}

func newOpenAITransport(cfg Config) (Transport, error) {
	if cfg.APIKey == "" {
		return nil, ErrEmptyAPIKey
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		u, err := ValidateBaseURL(cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		oc.BaseURL = u
	}
	if d := ValidateTimeout(cfg.Timeout); d > 0 {
		oc.HTTPClient = &http.Client{Timeout: d}
	}

	model := cfg.Model
	if model == "" {
		model = OpenAIDefaultModel
	}
	return &openAITransport{client: openai.NewClientWithConfig(oc), model: model}, nil
}

func (t *openAITransport) Model() string    { return t.model }
func (t *openAITransport) Provider() string { return "openai" }

func (t *openAITransport) Send(ctx context.Context, req Request) (Response, error) {
	resp, err := t.client.CreateChatCompletion(ctx, t.chatRequest(req))
	if err != nil {
		return Response{}, t.classify(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, ErrNoResponseChoice
	}
	text := resp.Choices[0].Message.Content
	if text == "" {
		return Response{}, &ProviderError{Provider: "openai", Kind: KindContentPolicy, Message: string(resp.Choices[0].FinishReason), Err: ErrEmptyResponse}
	}
	return Response{
		Text:      text,
		TokensIn:  estimateOr(int64(resp.Usage.PromptTokens), req.Prompt),
		TokensOut: estimateOr(int64(resp.Usage.CompletionTokens), text),
	}, nil
}

func (t *openAITransport) chatRequest(req Request) openai.ChatCompletionRequest {
	o := req.Options
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if o.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: o.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	cr := openai.ChatCompletionRequest{
		Model:     o.Model,
		Messages:  msgs,
		MaxTokens: o.MaxTokens,
	}
	if o.Temperature != nil {
		cr.Temperature = float32(clamp(*o.Temperature, MinTemperature, MaxTemperature))
	}
	if o.TopP != nil {
		cr.TopP = float32(*o.TopP)
	}
	if o.JSON {
		cr.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	if seed, ok := toInt(o.Extra["seed"]); ok {
		cr.Seed = &seed
	}
	if p, ok := toFloat(o.Extra["frequency_penalty"]); ok {
		cr.FrequencyPenalty = float32(clamp(p, MinPenalty, MaxPenalty))
	}
	if p, ok := toFloat(o.Extra["presence_penalty"]); ok {
		cr.PresencePenalty = float32(clamp(p, MinPenalty, MaxPenalty))
	}
	return cr
}

func (t *openAITransport) classify(err error) error {
	if pe, ok := classifyContext("openai", err); ok {
		return pe
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = fmt.Sprint(apiErr.Code)
		}
		return classifyStatus("openai", apiErr.HTTPStatusCode, msg, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus("openai", reqErr.HTTPStatusCode, "", err)
	}
	return unclassified("openai", err)
}
