package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/quote-extract/internal/config"
)

func testRates() Rates {
	return Rates{
		Models: map[string]ModelRate{
			"haiku": {
				Input: 0.80, Output: 4.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"sonnet": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
	}
}

func TestCached(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name       string
		model      string
		input      int64
		output     int64
		cacheWrite int64
		cacheRead  int64
		want       float64
	}{
		{
			name:  "haiku simple",
			model: "haiku", input: 1000000, output: 100000,
			want: 0.80 + 0.40,
		},
		{
			name:  "haiku with cache",
			model: "haiku", input: 500000, output: 50000,
			cacheWrite: 200000, cacheRead: 300000,
			// in 0.40 + out 0.20 + cw 0.20 + cr 0.024
			want: 0.824,
		},
		{
			name:  "sonnet simple",
			model: "sonnet", input: 1000000, output: 1000000,
			want: 18.00,
		},
		{
			name:  "unknown model",
			model: "gpt-5", input: 1000000, output: 1000000,
			want: 0,
		},
		{
			name:  "zero tokens",
			model: "sonnet",
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calc.Cached(tt.model, tt.input, tt.output, tt.cacheWrite, tt.cacheRead)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestTokens(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())
	assert.InDelta(t, 0.0008+0.0004, calc.Tokens("haiku", 1000, 100), 1e-12)
}

func TestKnown(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(DefaultRates())
	assert.True(t, calc.Known("claude-haiku-4-5-20251001"))
	assert.True(t, calc.Known("gemini-2.5-flash"))
	assert.False(t, calc.Known("unknown"))
}

func TestFromConfig(t *testing.T) {
	t.Parallel()
	rates := FromConfig(config.PricingConfig{
		Models: map[string]config.ModelPricing{
			"claude-haiku-4-5-20251001": {Input: 1.00, Output: 5.00},
			"custom-model":              {Input: 2.00, Output: 2.00},
		},
	})

	calc := NewCalculator(rates)
	assert.InDelta(t, 6.00, calc.Tokens("claude-haiku-4-5-20251001", 1000000, 1000000), 1e-9)
	assert.InDelta(t, 4.00, calc.Tokens("custom-model", 1000000, 1000000), 1e-9)
	// Untouched defaults survive.
	assert.InDelta(t, 18.00, calc.Tokens("claude-sonnet-4-5-20250929", 1000000, 1000000), 1e-9)
}
