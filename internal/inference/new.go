package inference

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-extract/internal/config"
	"github.com/sells-group/quote-extract/pkg/anthropic"
	"github.com/sells-group/quote-extract/pkg/gemini"
)

// New builds the configured provider wrapped in a Guard.
func New(ctx context.Context, cfg *config.Config) (*Guard, error) {
	var p Provider
	switch cfg.Inference.Provider {
	case "", "anthropic":
		p = NewAnthropic(anthropic.NewClient(cfg.Anthropic.Key,
			anthropic.WithBaseURL(cfg.Anthropic.BaseURL),
			anthropic.WithMaxRetries(1),
		))
	case "gemini":
		client, err := gemini.NewClient(ctx, cfg.Gemini.Key)
		if err != nil {
			return nil, err
		}
		p = NewGemini(client)
	default:
		return nil, eris.Errorf("inference: unknown provider %q", cfg.Inference.Provider)
	}

	zap.L().Debug("inference: provider ready",
		zap.String("provider", cfg.Inference.Provider),
		zap.String("default_model", cfg.Inference.DefaultModel),
		zap.String("escalated_model", cfg.Inference.EscalatedModel),
	)
	return NewGuard(p, GuardConfigFrom(cfg.Inference)), nil
}
