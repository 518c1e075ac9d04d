// Package pipeline turns selected worksheets into one AggregateDocument:
// it classifies and chunks sheets, drives each chunk through the escalation
// tiers and merges the recovered records.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/quote-extract/internal/config"
	"github.com/sells-group/quote-extract/internal/cost"
	"github.com/sells-group/quote-extract/internal/inference"
	"github.com/sells-group/quote-extract/internal/model"
	"github.com/sells-group/quote-extract/internal/recovery"
	"github.com/sells-group/quote-extract/internal/usage"
)

// ErrNoSheets is returned when no sheet survives selection.
var ErrNoSheets = eris.New("pipeline: no usable sheets")

// ChunkError reports a chunk that exhausted every escalation tier.
type ChunkError struct {
	Sheet       string
	Chunk       int
	TotalChunks int
	Err         error
}

func (e *ChunkError) Error() string {
	if e.TotalChunks > 1 {
		return fmt.Sprintf("pipeline: sheet %q chunk %d/%d: %v", e.Sheet, e.Chunk+1, e.TotalChunks, e.Err)
	}
	return fmt.Sprintf("pipeline: sheet %q: %v", e.Sheet, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// ProgressFunc is called with a human readable stage before each sheet or
// chunk starts. Calls are serialized.
type ProgressFunc func(stage string)

// Options bounds one extraction.
type Options struct {
	MaxSheets          int
	CharBudget         int
	ChunkRows          int
	MaxConcurrency     int
	AllowPartial       bool
	SharedContextChars int
}

// OptionsFrom maps the extract config section.
func OptionsFrom(cfg config.ExtractConfig) Options {
	return Options{
		MaxSheets:          cfg.MaxSheets,
		CharBudget:         cfg.CharBudget,
		ChunkRows:          cfg.ChunkRows,
		MaxConcurrency:     cfg.MaxConcurrency,
		AllowPartial:       cfg.AllowPartial,
		SharedContextChars: cfg.SharedContextChars,
	}
}

type userKey struct{}

// WithUser attributes usage recorded under ctx to userID.
func WithUser(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the user attached by WithUser, or def.
func UserFrom(ctx context.Context, def string) string {
	if u, ok := ctx.Value(userKey{}).(string); ok && u != "" {
		return u
	}
	return def
}

// Extractor is the pipeline entry point. It holds no per-run state and is
// safe for concurrent use.
type Extractor struct {
	classifier *Classifier
	controller *Controller
	opts       Options
}

// NewExtractor creates an Extractor.
func NewExtractor(classifier *Classifier, controller *Controller, opts Options) *Extractor {
	if classifier == nil {
		classifier = defaultClassifier
	}
	return &Extractor{classifier: classifier, controller: controller, opts: opts}
}

// New wires an Extractor from configuration.
func New(cfg *config.Config, provider inference.Provider, recorder usage.Recorder) (*Extractor, error) {
	rules := DefaultRules()
	if cfg.Classify.RulesFile != "" {
		var err error
		rules, err = LoadRules(cfg.Classify.RulesFile)
		if err != nil {
			return nil, err
		}
	}

	parser := recovery.New(recovery.Options{
		MaxBlockSearchBytes: cfg.Recovery.MaxBlockSearchBytes,
		Lenient:             cfg.Recovery.Lenient,
	})
	calc := cost.NewCalculator(cost.FromConfig(cfg.Pricing))

	controller := NewController(provider, parser, recorder, calc, ControllerConfig{
		DefaultModel:    cfg.Inference.DefaultModel,
		EscalatedModel:  cfg.Inference.EscalatedModel,
		MaxOutputTokens: cfg.Inference.MaxOutputTokens,
		Backoff:         time.Duration(cfg.Inference.BackoffMs) * time.Millisecond,
		UserID:          cfg.Usage.UserID,
	})
	return NewExtractor(NewClassifier(rules), controller, OptionsFrom(cfg.Extract)), nil
}

// Extract runs the pipeline over sheets. By default the first chunk to
// exhaust every tier fails the whole run with a *ChunkError and no
// document; with AllowPartial the failure is listed in the document.
func (e *Extractor) Extract(ctx context.Context, sheets []model.SheetText, progress ProgressFunc) (*model.AggregateDocument, error) {
	doc, _, err := e.extract(ctx, sheets, progress)
	return doc, err
}

type task struct {
	category model.Category
	chunk    model.Chunk
	prompt   Prompt
}

type slot struct {
	value   any
	failure *ChunkError
	usage   model.TokenUsage
}

func (e *Extractor) extract(ctx context.Context, sheets []model.SheetText, progress ProgressFunc) (*model.AggregateDocument, model.TokenUsage, error) {
	var spent model.TokenUsage

	selected := SelectSheets(sheets, e.opts.MaxSheets, e.opts.CharBudget)
	if len(selected) == 0 {
		return nil, spent, ErrNoSheets
	}
	classified := e.classifier.ClassifyAll(selected)
	tasks := e.plan(classified)

	zap.L().Info("pipeline: sheets selected",
		zap.Int("input", len(sheets)),
		zap.Int("selected", len(selected)),
		zap.Int("tasks", len(tasks)),
	)

	slots := make([]slot, len(tasks))
	var progressMu sync.Mutex
	report := func(stage string) {
		if progress == nil {
			return
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		progress(stage)
	}

	limit := e.opts.MaxConcurrency
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i := range tasks {
		if gctx.Err() != nil {
			break
		}
		t := tasks[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			report(fmt.Sprintf("Extracting %s [%s]", t.chunk.Label(), t.category))

			out, err := e.controller.Resolve(gctx, t.chunk, t.category, t.prompt)
			if out != nil {
				slots[i].usage = out.Usage
			}
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				cerr := &ChunkError{
					Sheet:       t.chunk.ParentSheetName,
					Chunk:       t.chunk.Index,
					TotalChunks: t.chunk.TotalChunks,
					Err:         err,
				}
				if e.opts.AllowPartial {
					zap.L().Warn("pipeline: chunk failed, continuing", zap.Error(cerr))
					slots[i].failure = cerr
					return nil
				}
				return cerr
			}
			slots[i].value = out.Value
			return nil
		})
	}

	err := g.Wait()
	for _, s := range slots {
		spent.Add(s.usage)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, spent, ctxErr
	}
	if err != nil {
		return nil, spent, err
	}

	agg := NewAggregator()
	for i, t := range tasks {
		agg.AddSheetName(t.chunk.ParentSheetName)
		if f := slots[i].failure; f != nil {
			agg.AddFailure(model.SheetFailure{Sheet: f.Sheet, Chunk: f.Chunk, Error: f.Err.Error()})
			continue
		}
		agg.Add(t.category, t.chunk, slots[i].value)
	}
	doc := agg.Finalize()

	zap.L().Info("pipeline: document finalized",
		zap.Strings("sheets", doc.SheetNames),
		zap.Int("equipment_groups", len(doc.EquipmentGroups)),
		zap.Int("equipment_items", doc.EquipmentItemCount()),
		zap.Int("service_groups", len(doc.ServiceGroups)),
		zap.Int("expense_groups", len(doc.ExpenseGroups)),
		zap.Int("failures", len(doc.Failures)),
		zap.Int("calls", spent.Calls),
	)
	return doc, spent, nil
}

// plan orders the work: the best summary sheet first, then every other
// non-summary sheet's chunks in selection order.
func (e *Extractor) plan(classified []model.ClassifiedSheet) []task {
	var summary *model.ClassifiedSheet
	for i := range classified {
		s := &classified[i]
		if s.Category != model.CategorySummary {
			continue
		}
		if summary == nil || s.RowCount > summary.RowCount {
			summary = s
		}
	}

	var tasks []task
	if summary != nil {
		chunk := model.Chunk{
			ParentSheetName: summary.Name,
			Content:         summary.Content,
			RowCount:        summary.RowCount,
			TotalChunks:     1,
		}
		tasks = append(tasks, task{
			category: model.CategorySummary,
			chunk:    chunk,
			prompt:   BuildRequest(chunk, model.CategorySummary, ""),
		})
	}
	shared := sharedContextFrom(summary, e.opts.SharedContextChars)

	for i := range classified {
		s := &classified[i]
		if s.Category == model.CategorySummary {
			if s != summary {
				zap.L().Info("pipeline: skipping extra summary sheet", zap.String("sheet", s.Name))
			}
			continue
		}
		for _, c := range ChunkSheet(s.SheetText, e.opts.ChunkRows) {
			tasks = append(tasks, task{
				category: s.Category,
				chunk:    c,
				prompt:   BuildRequest(c, s.Category, shared),
			})
		}
	}
	return tasks
}
