// Package inference is the boundary to the external text-generation
// service. Extraction code depends only on Provider; vendor SDKs stay
// behind the adapters in this package.
package inference

import "context"

// Request is a single extraction call.
type Request struct {
	System          string
	Prompt          string
	Model           string
	MaxOutputTokens int64
}

// Response is the raw text plus token accounting for one call.
type Response struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
	CacheWrite   int64
	CacheRead    int64
	// Truncated is set when the service stopped at the output limit.
	Truncated bool
}

// Provider generates text for a request. Implementations must honor ctx
// cancellation.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
