package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-extract/internal/cost"
	"github.com/sells-group/quote-extract/internal/inference"
	"github.com/sells-group/quote-extract/internal/pipeline"
	"github.com/sells-group/quote-extract/internal/resilience"
	"github.com/sells-group/quote-extract/internal/store"
	"github.com/sells-group/quote-extract/internal/usage"
)

// extractEnv holds everything the extract and serve commands need.
type extractEnv struct {
	Store    store.Store // may be nil
	Usage    *usage.Async
	Runner   *pipeline.Runner
	Breakers *resilience.Breakers
}

// Close drains the usage buffer and releases the store.
func (e *extractEnv) Close() {
	if e.Usage != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.Usage.Close(ctx); err != nil {
			zap.L().Warn("usage drain incomplete", zap.Error(err))
		}
		if n := e.Usage.Dropped(); n > 0 {
			zap.L().Warn("usage events dropped", zap.Int64("count", n))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initExtract validates config, opens the store, and builds the inference
// provider and extraction runner. Callers should defer env.Close().
func initExtract(ctx context.Context) (*extractEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	calc := cost.NewCalculator(cost.FromConfig(cfg.Pricing))
	var sink usage.Recorder
	if st != nil {
		sink = usage.NewStoreRecorder(st, calc)
	} else {
		zap.L().Info("no store configured, usage is logged only")
		sink = usage.NewLogRecorder(calc)
	}
	recorder := usage.NewAsync(sink, cfg.Usage.Buffer)

	provider, err := inference.New(ctx, cfg)
	if err != nil {
		_ = recorder.Close(ctx)
		if st != nil {
			_ = st.Close()
		}
		return nil, eris.Wrap(err, "init inference")
	}

	extractor, err := pipeline.New(cfg, provider, recorder)
	if err != nil {
		_ = recorder.Close(ctx)
		if st != nil {
			_ = st.Close()
		}
		return nil, eris.Wrap(err, "init pipeline")
	}

	zap.L().Info("extraction ready",
		zap.String("provider", cfg.Inference.Provider),
		zap.String("default_model", cfg.Inference.DefaultModel),
		zap.String("escalated_model", cfg.Inference.EscalatedModel),
		zap.String("store", cfg.Store.Driver),
	)

	return &extractEnv{
		Store:    st,
		Usage:    recorder,
		Runner:   pipeline.NewRunner(extractor, st),
		Breakers: provider.Breakers(),
	}, nil
}

// openStore opens the configured store for read-only commands.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, eris.New("no store configured (QUOTE_STORE_DRIVER=none)")
	}
	return st, nil
}
