// Package usage is the accounting sink for inference calls. Recording is
// fire-and-forget from the extractor's point of view: a failed write is
// logged and never changes an extraction outcome.
package usage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/quote-extract/internal/cost"
	"github.com/sells-group/quote-extract/internal/model"
	"github.com/sells-group/quote-extract/internal/store"
)

// Recorder accepts usage events.
type Recorder interface {
	Record(ctx context.Context, ev model.UsageEvent) error
}

// RequestKind names the accounted request for a sheet category.
func RequestKind(category model.Category) string {
	return fmt.Sprintf("quote_extraction.%s", category)
}

// Priced fills in CostUSD from calc when the event carries none.
func Priced(calc *cost.Calculator, ev model.UsageEvent) model.UsageEvent {
	if ev.CostUSD == 0 && calc != nil {
		ev.CostUSD = calc.Cached(ev.Model, ev.InputTokens, ev.OutputTokens, ev.CacheWrite, ev.CacheRead)
	}
	return ev
}

// StoreRecorder prices events and writes them synchronously to a store.
type StoreRecorder struct {
	st   store.Store
	calc *cost.Calculator
}

// NewStoreRecorder creates a StoreRecorder.
func NewStoreRecorder(st store.Store, calc *cost.Calculator) *StoreRecorder {
	return &StoreRecorder{st: st, calc: calc}
}

func (r *StoreRecorder) Record(ctx context.Context, ev model.UsageEvent) error {
	return r.st.RecordUsage(ctx, Priced(r.calc, ev))
}

// LogRecorder prices events and logs them. It is the sink when no store is
// configured.
type LogRecorder struct {
	calc *cost.Calculator
}

// NewLogRecorder creates a LogRecorder.
func NewLogRecorder(calc *cost.Calculator) *LogRecorder {
	return &LogRecorder{calc: calc}
}

func (r *LogRecorder) Record(_ context.Context, ev model.UsageEvent) error {
	ev = Priced(r.calc, ev)
	zap.L().Info("cost attribution",
		zap.String("user_id", ev.UserID),
		zap.String("request_kind", ev.RequestKind),
		zap.String("model", ev.Model),
		zap.String("tier", ev.Tier),
		zap.Int64("input_tokens", ev.InputTokens),
		zap.Int64("output_tokens", ev.OutputTokens),
		zap.Int64("cache_write_tokens", ev.CacheWrite),
		zap.Int64("cache_read_tokens", ev.CacheRead),
		zap.Float64("estimated_cost_usd", ev.CostUSD),
	)
	return nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, model.UsageEvent) error { return nil }
