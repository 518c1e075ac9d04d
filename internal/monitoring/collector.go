package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/quote-extract/internal/model"
	"github.com/sells-group/quote-extract/internal/store"
)

// scanLimit caps how many runs and usage events one collection reads.
const scanLimit = 10000

// MetricsSnapshot holds a point-in-time view of extraction health.
type MetricsSnapshot struct {
	// Run log (within lookback window).
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	FailRate     float64 `json:"fail_rate"`

	// Usage ledger (within lookback window).
	Calls          int     `json:"calls"`
	EscalatedCalls int     `json:"escalated_calls"`
	EscalationRate float64 `json:"escalation_rate"`
	CostUSD        float64 `json:"cost_usd"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the part of store.Store the collector reads.
type Source interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	ListUsage(ctx context.Context, filter store.UsageFilter) ([]model.UsageEvent, error)
}

// Collector gathers metrics from the run log and usage ledger.
type Collector struct {
	src Source
	now func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(src Source) *Collector {
	return &Collector{src: src, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	// Runs come back newest first.
	runs, err := c.src.ListRuns(ctx, store.RunFilter{Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	for _, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			break
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
	}
	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}

	events, err := c.src.ListUsage(ctx, store.UsageFilter{Since: cutoff, Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list usage")
	}
	for _, e := range events {
		snap.Calls++
		snap.CostUSD += e.CostUSD
		if e.Tier != "" && e.Tier != model.TierBaseline.String() {
			snap.EscalatedCalls++
		}
	}
	if snap.Calls > 0 {
		snap.EscalationRate = float64(snap.EscalatedCalls) / float64(snap.Calls)
	}

	return snap, nil
}
