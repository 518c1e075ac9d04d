package inference

import (
	"context"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-extract/pkg/gemini"
)

// Gemini adapts a gemini.Client to Provider.
type Gemini struct {
	client gemini.Client
}

// NewGemini wraps client.
func NewGemini(client gemini.Client) *Gemini {
	return &Gemini{client: client}
}

func (g *Gemini) Generate(ctx context.Context, req Request) (*Response, error) {
	maxOut := req.MaxOutputTokens
	if maxOut > math.MaxInt32 {
		maxOut = math.MaxInt32
	}
	temp := float32(0)

	resp, err := g.client.GenerateContent(ctx, gemini.GenerateRequest{
		Model:           req.Model,
		System:          req.System,
		Prompt:          req.Prompt,
		MaxOutputTokens: int32(maxOut),
		Temperature:     &temp,
		JSON:            true,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "inference: gemini generate (%s)", req.Model)
	}

	out := &Response{
		Text:         resp.Text,
		Model:        req.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
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
