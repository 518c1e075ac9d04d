package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/quote-extract/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	UserID string          `json:"user_id,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// UsageFilter specifies criteria for listing or summarizing usage events.
type UsageFilter struct {
	UserID string    `json:"user_id,omitempty"`
	Model  string    `json:"model,omitempty"`
	Since  time.Time `json:"since,omitempty"`
	Limit  int       `json:"limit,omitempty"`
}

// UsageSummary aggregates usage events per model.
type UsageSummary struct {
	Model        string  `json:"model"`
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Store persists the usage ledger and the extraction run log.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, source, userID string) (*model.Run, error)
	UpdateRunResult(ctx context.Context, runID string, result *model.RunResult) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Usage ledger
	RecordUsage(ctx context.Context, events ...model.UsageEvent) error
	ListUsage(ctx context.Context, filter UsageFilter) ([]model.UsageEvent, error)
	SummarizeUsage(ctx context.Context, filter UsageFilter) ([]UsageSummary, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
