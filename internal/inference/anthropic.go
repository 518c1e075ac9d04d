package inference

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-extract/pkg/anthropic"
)

// Anthropic adapts an anthropic.Client to Provider.
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic wraps client.
func NewAnthropic(client anthropic.Client) *Anthropic {
	return &Anthropic{client: client}
}

func (a *Anthropic) Generate(ctx context.Context, req Request) (*Response, error) {
	temp := 0.0
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxOutputTokens,
		System:      anthropic.BuildCachedSystemBlocks(req.System),
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "inference: anthropic generate (%s)", req.Model)
	}

	out := &Response{
		Text:         resp.Text(),
		Model:        req.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CacheWrite:   resp.Usage.CacheCreationInputTokens,
		CacheRead:    resp.Usage.CacheReadInputTokens,
		Truncated:    resp.Truncated(),
	}
	if out.Truncated {
		zap.L().Warn("inference: response hit output limit",
			zap.String("model", req.Model),
			zap.Int64("max_output_tokens", req.MaxOutputTokens),
		)
	}
	return out, nil
}
