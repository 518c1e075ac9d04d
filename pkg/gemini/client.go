package gemini

import (
	"context"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"
)

// Client defines the Gemini operations used by the extractor.
type Client interface {
	GenerateContent(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// GenerateRequest is one single-turn generation.
type GenerateRequest struct {
	Model           string
	System          string
	Prompt          string
	MaxOutputTokens int32
	Temperature     *float32
	// JSON asks the service for an application/json response body.
	JSON bool
}

// GenerateResponse carries the generated text and token accounting.
type GenerateResponse struct {
	Model        string
	Text         string
	FinishReason string
	InputTokens  int64
	OutputTokens int64
}

// Truncated reports whether generation stopped at the output token limit.
func (r *GenerateResponse) Truncated() bool {
	return r.FinishReason == string(genai.FinishReasonMaxTokens)
}

// Option configures the client.
type Option func(*genai.ClientConfig)

// WithBaseURL overrides the API host.
func WithBaseURL(url string) Option {
	return func(c *genai.ClientConfig) {
		c.HTTPOptions.BaseURL = url
	}
}

type sdkClient struct {
	client *genai.Client
}

// NewClient creates a Gemini API client backed by the GenAI SDK.
func NewClient(ctx context.Context, apiKey string, opts ...Option) (Client, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, o := range opts {
		o(cfg)
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create client")
	}
	return &sdkClient{client: client}, nil
}

func (c *sdkClient) GenerateContent(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: req.MaxOutputTokens,
		Temperature:     req.Temperature,
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	result, err := c.client.Models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return nil, eris.Wrapf(err, "gemini: generate content (%s)", req.Model)
	}
	return fromSDKResponse(req.Model, result), nil
}

func fromSDKResponse(model string, result *genai.GenerateContentResponse) *GenerateResponse {
	resp := &GenerateResponse{
		Model: model,
		Text:  result.Text(),
	}
	if result.ModelVersion != "" {
		resp.Model = result.ModelVersion
	}
	if len(result.Candidates) > 0 && result.Candidates[0] != nil {
		resp.FinishReason = string(result.Candidates[0].FinishReason)
	}
	if u := result.UsageMetadata; u != nil {
		resp.InputTokens = int64(u.PromptTokenCount)
		resp.OutputTokens = int64(u.CandidatesTokenCount)
	}
	return resp
}
