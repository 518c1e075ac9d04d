package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-extract/internal/cost"
	"github.com/sells-group/quote-extract/internal/inference"
	"github.com/sells-group/quote-extract/internal/model"
	"github.com/sells-group/quote-extract/internal/recovery"
	"github.com/sells-group/quote-extract/internal/resilience"
	"github.com/sells-group/quote-extract/internal/usage"
)

// Outcome is the result of running one chunk through the tiers.
type Outcome struct {
	Value    any
	Tier     model.Tier
	Model    string
	Stage    recovery.Stage
	Attempts []model.ExtractionAttempt
	// Usage totals every answered attempt, including failed ones.
	Usage model.TokenUsage
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	DefaultModel    string
	EscalatedModel  string
	MaxOutputTokens int64
	Backoff         time.Duration
	// UserID is attributed to usage events when ctx carries no user.
	UserID string
}

// Controller drives one chunk through Baseline, Reinforced and Escalated
// attempts, stopping at the first response the recovery parser accepts.
type Controller struct {
	provider inference.Provider
	parser   *recovery.Parser
	recorder usage.Recorder
	calc     *cost.Calculator
	cfg      ControllerConfig

	// sleep is the inter-tier pause; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewController creates a Controller. A nil recorder discards usage and a
// nil parser uses recovery.DefaultOptions.
func NewController(provider inference.Provider, parser *recovery.Parser, recorder usage.Recorder, calc *cost.Calculator, cfg ControllerConfig) *Controller {
	if parser == nil {
		parser = recovery.New(recovery.DefaultOptions())
	}
	if recorder == nil {
		recorder = usage.Nop{}
	}
	return &Controller{
		provider: provider,
		parser:   parser,
		recorder: recorder,
		calc:     calc,
		cfg:      cfg,
		sleep:    resilience.Wait,
	}
}

type tierPlan struct {
	tier   model.Tier
	model  string
	prompt Prompt
}

func (c *Controller) plan(p Prompt) []tierPlan {
	plan := []tierPlan{
		{tier: model.TierBaseline, model: c.cfg.DefaultModel, prompt: p},
		{tier: model.TierReinforced, model: c.cfg.DefaultModel, prompt: reinforce(p)},
	}
	if c.cfg.EscalatedModel != "" && c.cfg.EscalatedModel != c.cfg.DefaultModel {
		plan = append(plan, tierPlan{tier: model.TierEscalated, model: c.cfg.EscalatedModel, prompt: p})
	}
	return plan
}

// Resolve runs the tiers for chunk. It returns the recovered value or the
// last attempt's error once every tier has failed. Cancellation of ctx
// aborts immediately with the context error.
func (c *Controller) Resolve(ctx context.Context, chunk model.Chunk, category model.Category, p Prompt) (*Outcome, error) {
	plan := c.plan(p)
	out := &Outcome{}
	var lastErr error

	for i, step := range plan {
		if i > 0 {
			zap.L().Warn("pipeline: escalating",
				zap.String("chunk", chunk.Label()),
				zap.String("tier", step.tier.String()),
				zap.String("model", step.model),
				zap.Error(lastErr),
			)
			if err := c.sleep(ctx, c.cfg.Backoff); err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		value, stage, attempt, err := c.attempt(ctx, chunk, category, step, &out.Usage)
		out.Attempts = append(out.Attempts, attempt)
		if err == nil {
			out.Value = value
			out.Tier = step.tier
			out.Model = step.model
			out.Stage = stage
			zap.L().Info("pipeline: chunk resolved",
				zap.String("chunk", chunk.Label()),
				zap.String("tier", step.tier.String()),
				zap.String("stage", stage.String()),
			)
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err
	}

	return out, eris.Wrapf(lastErr, "pipeline: all %d tiers failed", len(plan))
}

func (c *Controller) attempt(ctx context.Context, chunk model.Chunk, category model.Category, step tierPlan, spent *model.TokenUsage) (any, recovery.Stage, model.ExtractionAttempt, error) {
	attempt := model.ExtractionAttempt{Chunk: chunk, Tier: step.tier, Model: step.model}

	resp, err := c.provider.Generate(ctx, inference.Request{
		System:          step.prompt.System,
		Prompt:          step.prompt.User,
		Model:           step.model,
		MaxOutputTokens: c.cfg.MaxOutputTokens,
	})
	if err != nil {
		attempt.Err = eris.Wrapf(err, "pipeline: %s call", step.tier)
		return nil, recovery.StageNone, attempt, attempt.Err
	}
	attempt.ResultText = resp.Text

	res, perr := c.parser.Parse(resp.Text)
	stage := recovery.StageNone
	if perr == nil {
		stage = res.Stage
	}
	spent.Add(c.account(ctx, chunk, category, step, resp, stage))

	if perr != nil {
		attempt.Err = eris.Wrapf(perr, "pipeline: %s parse", step.tier)
		return nil, stage, attempt, attempt.Err
	}
	return res.Value, stage, attempt, nil
}

// account reports one answered call and returns its usage. Sink errors
// never affect the outcome.
func (c *Controller) account(ctx context.Context, chunk model.Chunk, category model.Category, step tierPlan, resp *inference.Response, stage recovery.Stage) model.TokenUsage {
	modelName := resp.Model
	if modelName == "" {
		modelName = step.model
	}
	stageName := stage.String()
	if stage == recovery.StageNone {
		stageName = "failed"
	}

	ev := usage.Priced(c.calc, model.UsageEvent{
		ID:           uuid.NewString(),
		UserID:       UserFrom(ctx, c.cfg.UserID),
		RequestKind:  usage.RequestKind(category),
		Model:        modelName,
		Tier:         step.tier.String(),
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CacheWrite:   resp.CacheWrite,
		CacheRead:    resp.CacheRead,
		Metadata: map[string]string{
			"sheet": chunk.ParentSheetName,
			"chunk": chunk.Label(),
			"stage": stageName,
		},
		CreatedAt: time.Now().UTC(),
	})

	if err := c.recorder.Record(ctx, ev); err != nil {
		zap.L().Warn("pipeline: usage record failed",
			zap.String("chunk", chunk.Label()),
			zap.Error(err),
		)
	}

	return model.TokenUsage{
		Calls:        1,
		InputTokens:  resp.InputTokens + resp.CacheWrite + resp.CacheRead,
		OutputTokens: resp.OutputTokens,
		Cost:         ev.CostUSD,
	}
}
