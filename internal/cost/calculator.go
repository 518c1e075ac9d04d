package cost

import "github.com/sells-group/quote-extract/internal/config"

// Rates holds per-model token pricing.
type Rates struct {
	Models map[string]ModelRate `yaml:"models" mapstructure:"models"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Calculator computes costs for inference usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Known reports whether a rate exists for model.
func (c *Calculator) Known(model string) bool {
	_, ok := c.rates.Models[model]
	return ok
}

// Tokens computes the cost of a call without prompt caching.
func (c *Calculator) Tokens(model string, input, output int64) float64 {
	return c.Cached(model, input, output, 0, 0)
}

// Cached computes the cost of a call including cache writes and reads.
// Unknown models cost 0.
func (c *Calculator) Cached(model string, input, output, cacheWrite, cacheRead int64) float64 {
	rate, ok := c.rates.Models[model]
	if !ok {
		return 0
	}

	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Models: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 0.80, Output: 4.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-opus-4-6": {
				Input: 15.00, Output: 75.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"gemini-2.5-flash": {Input: 0.30, Output: 2.50},
			"gemini-2.5-pro":   {Input: 1.25, Output: 10.00},
		},
	}
}

// FromConfig returns DefaultRates with any configured model prices applied
// on top.
func FromConfig(cfg config.PricingConfig) Rates {
	rates := DefaultRates()
	for model, p := range cfg.Models {
		rates.Models[model] = ModelRate{
			Input:         p.Input,
			Output:        p.Output,
			CacheWriteMul: p.CacheWriteMul,
			CacheReadMul:  p.CacheReadMul,
		}
	}
	return rates
}
