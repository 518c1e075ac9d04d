package model

import "time"

// TokenUsage tracks token consumption and attributed cost.
type TokenUsage struct {
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.Calls += other.Calls
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.Cost += other.Cost
}

// UsageEvent is one accounted call to the inference service.
type UsageEvent struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	RequestKind  string            `json:"request_kind"`
	Model        string            `json:"model"`
	Tier         string            `json:"tier"`
	InputTokens  int64             `json:"input_tokens"`
	OutputTokens int64             `json:"output_tokens"`
	CacheWrite   int64             `json:"cache_write_tokens,omitempty"`
	CacheRead    int64             `json:"cache_read_tokens,omitempty"`
	CostUSD      float64           `json:"cost_usd"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}
