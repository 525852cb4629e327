package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"path/filepath"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/genai"
)

// GoogleDefaultModel is used when Config.Model is empty.
const GoogleDefaultModel = "gemini-2.0-flash"

func init() {
	RegisterProvider("google", newGoogleTransport)
}

type googleTransport struct {
	client *genai.Client
	model  string
}

func newGoogleTransport(cfg Config) (Transport, error) {
	if cfg.APIKey == "" {
		return nil, ErrEmptyAPIKey
	}
	if looksLikeCredentialsFile(cfg.APIKey) {
		return nil, fmt.Errorf("google: service account credentials are not supported, set an API key")
	}

	gc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		u, err := ValidateBaseURL(cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		gc.HTTPOptions.BaseURL = u
	}
	if d := ValidateTimeout(cfg.Timeout); d > 0 {
		gc.HTTPClient = &http.Client{Timeout: d}
	}

	client, err := genai.NewClient(context.Background(), gc)
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = GoogleDefaultModel
	}
	return &googleTransport{client: client, model: model}, nil
}

func (t *googleTransport) Model() string    { return t.model }
func (t *googleTransport) Provider() string { return "google" }

func (t *googleTransport) Send(ctx context.Context, req Request) (Response, error) {
	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
	resp, err := t.client.Models.GenerateContent(ctx, req.Options.Model, contents, generationConfig(req.Options))
	if err != nil {
		return Response{}, t.classify(err)
	}

	text := resp.Text()
	if text == "" {
		return Response{}, &ProviderError{Provider: "google", Kind: KindContentPolicy, Err: ErrEmptyResponse}
	}
	var in, out int64
	if u := resp.UsageMetadata; u != nil {
		in, out = int64(u.PromptTokenCount), int64(u.CandidatesTokenCount)
	}
	return Response{
		Text:      text,
		TokensIn:  estimateOr(in, req.Prompt),
		TokensOut: estimateOr(out, text),
	}, nil
}

func generationConfig(o RequestOptions) *genai.GenerateContentConfig {
	gc := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(min(o.MaxTokens, math.MaxInt32)),
	}
	if o.Temperature != nil {
		gc.Temperature = genai.Ptr(float32(clamp(*o.Temperature, MinTemperature, MaxTemperature)))
	}
	if o.TopP != nil {
		gc.TopP = genai.Ptr(float32(*o.TopP))
	}
	if k, ok := toInt(o.Extra["top_k"]); ok {
		gc.TopK = genai.Ptr(float32(clamp(k, 1, 40)))
	}
	if o.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(o.System, genai.RoleUser)
	}
	if o.JSON {
		gc.ResponseMIMEType = "application/json"
	}
	return gc
}

func (t *googleTransport) classify(err error) error {
	if pe, ok := classifyContext("google", err); ok {
		return pe
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" && len(apiErr.Errors) > 0 {
			msg = apiErr.Errors[0].Message
		}
		if blockedBySafety(apiErr) {
			return &ProviderError{Provider: "google", Kind: KindContentPolicy, Status: apiErr.Code, Message: msg, Err: err}
		}
		return classifyStatus("google", apiErr.Code, msg, err)
	}
	return unclassified("google", err)
}

func blockedBySafety(e *googleapi.Error) bool {
	for _, item := range e.Errors {
		if item.Reason == "SAFETY" || item.Reason == "BLOCKED" {
			return true
		}
	}
	lower := strings.ToLower(e.Message)
	return strings.Contains(lower, "safety") || strings.Contains(lower, "blocked")
}

// looksLikeCredentialsFile catches a service-account path passed as the
// API key.
func looksLikeCredentialsFile(s string) bool {
	return filepath.IsAbs(s) || strings.ContainsAny(s, `/\`) || strings.HasSuffix(strings.ToLower(s), ".json")
}
