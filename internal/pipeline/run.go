package pipeline

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sells-group/quote-extract/internal/model"
	"github.com/sells-group/quote-extract/internal/store"
)

// Runner wraps an Extractor with the run log. A nil store disables logging.
type Runner struct {
	extractor *Extractor
	store     store.Store
}

// NewRunner creates a Runner.
func NewRunner(extractor *Extractor, st store.Store) *Runner {
	return &Runner{extractor: extractor, store: st}
}

// Run extracts sheets on behalf of userID and records the run. The run
// log is best effort: failing to write it never fails the extraction.
func (r *Runner) Run(ctx context.Context, source, userID string, sheets []model.SheetText, progress ProgressFunc) (*model.AggregateDocument, *model.Run, error) {
	ctx = WithUser(ctx, userID)

	var run *model.Run
	if r.store != nil {
		var err error
		run, err = r.store.CreateRun(ctx, source, userID)
		if err != nil {
			zap.L().Warn("pipeline: create run failed", zap.String("source", source), zap.Error(err))
			run = nil
		}
	}

	doc, spent, err := r.extractor.extract(ctx, sheets, progress)

	result := &model.RunResult{Status: model.RunStatusComplete, Usage: spent}
	if err != nil {
		result.Status = model.RunStatusFailed
		result.Error = err.Error()
		var cerr *ChunkError
		if errors.As(err, &cerr) {
			result.SheetNames = []string{cerr.Sheet}
		}
	} else {
		result.SheetNames = doc.SheetNames
	}

	if run != nil {
		// The caller's context may already be cancelled; the log entry
		// still needs closing.
		if uerr := r.store.UpdateRunResult(context.WithoutCancel(ctx), run.ID, result); uerr != nil {
			zap.L().Warn("pipeline: update run failed", zap.String("run_id", run.ID), zap.Error(uerr))
		} else {
			run.Status = result.Status
			run.SheetNames = result.SheetNames
			run.Error = result.Error
			run.Usage = result.Usage
		}
	}

	if err != nil {
		return nil, run, err
	}
	return doc, run, nil
}
