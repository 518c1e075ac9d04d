package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/quote-extract/internal/inference"
	"github.com/sells-group/quote-extract/internal/model"
)

// --- Provider Mock ---

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Generate(ctx context.Context, req inference.Request) (*inference.Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*inference.Response), args.Error(1)
}

// --- Recorder Mock ---

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) Record(ctx context.Context, ev model.UsageEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

// --- Scripted provider ---

// scriptProvider answers through fn and records every request.
type scriptProvider struct {
	mu    sync.Mutex
	calls []inference.Request
	fn    func(req inference.Request) (*inference.Response, error)
}

func (p *scriptProvider) Generate(ctx context.Context, req inference.Request) (*inference.Response, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.fn(req)
}

func (p *scriptProvider) Calls() []inference.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]inference.Request(nil), p.calls...)
}

func textResponse(text string) *inference.Response {
	return &inference.Response{Text: text, InputTokens: 100, OutputTokens: 20}
}

// --- Fixtures ---

// sheetWithRows builds a sheet with a header and n data rows.
func sheetWithRows(name string, n int) model.SheetText {
	var b strings.Builder
	b.WriteString("CODIGO | DESCRIPCION | CANT | P.U.")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "\nC-%03d | item %d | %d | 10.00", i, i, i+1)
	}
	return model.SheetText{Name: name, Content: b.String(), RowCount: n + 1}
}

// dataRowsIn counts the data rows in a prompt's quoted chunk, ignoring any
// shared context quoted before it.
func dataRowsIn(prompt string) int {
	if i := strings.LastIndex(prompt, "Rows (cells"); i >= 0 {
		prompt = prompt[i:]
	}
	return strings.Count(prompt, "\nC-")
}

func noSleep(context.Context, time.Duration) error { return nil }

func testControllerConfig() ControllerConfig {
	return ControllerConfig{
		DefaultModel:    "claude-haiku-4-5-20251001",
		EscalatedModel:  "claude-sonnet-4-5-20250929",
		MaxOutputTokens: 16000,
		Backoff:         time.Millisecond,
		UserID:          "tester",
	}
}

func newTestController(p inference.Provider) *Controller {
	c := NewController(p, nil, nil, nil, testControllerConfig())
	c.sleep = noSleep
	return c
}

func newTestExtractor(p inference.Provider, opts Options) *Extractor {
	return NewExtractor(nil, newTestController(p), opts)
}

func defaultTestOptions() Options {
	return Options{
		MaxSheets:          12,
		CharBudget:         80000,
		ChunkRows:          120,
		MaxConcurrency:     1,
		SharedContextChars: 3000,
	}
}
