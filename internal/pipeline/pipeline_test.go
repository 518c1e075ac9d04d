package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/quote-extract/internal/config"
	"github.com/sells-group/quote-extract/internal/inference"
	"github.com/sells-group/quote-extract/internal/model"
)

// quoteService answers every category with one record per data row.
func quoteService() *scriptProvider {
	return &scriptProvider{fn: func(r inference.Request) (*inference.Response, error) {
		switch r.System {
		case systemPrompts[model.CategorySummary]:
			return textResponse(`{"project": "Subestacion", "currency": "MXN",
				"lines": [{"concept": "Materiales", "amount": 1000}], "total": 1160}`), nil
		case systemPrompts[model.CategoryServices]:
			var acts []string
			for i := 0; i < dataRowsIn(r.Prompt); i++ {
				acts = append(acts, fmt.Sprintf(
					`{"description": "act %d", "schedule_code": "S-%d", "resources": [{"resource": "Ingeniero", "hours": 2}]}`, i, i%2))
			}
			return textResponse(`{"activities": [` + strings.Join(acts, ",") + `]}`), nil
		default:
			var items []string
			for i := 0; i < dataRowsIn(r.Prompt); i++ {
				items = append(items, fmt.Sprintf(`{"description": "item %d", "quantity": 1, "unit_cost": 10}`, i))
			}
			return textResponse(`{"items": [` + strings.Join(items, ",") + `]}`), nil
		}
	}}
}

func TestExtract_SummaryAndEquipment(t *testing.T) {
	provider := quoteService()
	ex := newTestExtractor(provider, defaultTestOptions())

	doc, err := ex.Extract(context.Background(), []model.SheetText{
		sheetWithRows("MAT. ELECTRICOS", 50),
		sheetWithRows("RESUMEN", 2),
	}, nil)

	require.NoError(t, err)
	require.NotNil(t, doc.Summary)
	assert.Equal(t, "Subestacion", doc.Summary.Project)
	assert.Equal(t, "RESUMEN", doc.Summary.Sheet)
	require.Len(t, doc.EquipmentGroups, 1)
	assert.Len(t, doc.EquipmentGroups[0].Items, 50)
	assert.Equal(t, []string{"RESUMEN", "MAT. ELECTRICOS"}, doc.SheetNames)
	assert.Len(t, provider.Calls(), 2)
}

func TestExtract_ChunkedSheetKeepsEveryItem(t *testing.T) {
	provider := quoteService()
	ex := newTestExtractor(provider, defaultTestOptions())

	doc, err := ex.Extract(context.Background(), []model.SheetText{sheetWithRows("MAT. ELECTRICOS", 300)}, nil)

	require.NoError(t, err)
	require.Len(t, doc.EquipmentGroups, 3)
	for i, want := range []int{120, 120, 60} {
		assert.Len(t, doc.EquipmentGroups[i].Items, want)
		assert.Equal(t, i, doc.EquipmentGroups[i].Chunk)
	}
	assert.Equal(t, 300, doc.EquipmentItemCount())
	assert.Equal(t, []string{"MAT. ELECTRICOS"}, doc.SheetNames)
	assert.Nil(t, doc.Summary)
}

func TestExtract_AllTiersFailNamesSheet(t *testing.T) {
	provider := &scriptProvider{fn: func(r inference.Request) (*inference.Response, error) {
		if strings.Contains(r.Prompt, "Sheet: MANO DE OBRA") {
			return nil, errors.New("service unavailable")
		}
		return quoteService().fn(r)
	}}
	ex := newTestExtractor(provider, defaultTestOptions())

	doc, err := ex.Extract(context.Background(), []model.SheetText{
		sheetWithRows("RESUMEN", 2),
		sheetWithRows("MAT. ELECTRICOS", 10),
		sheetWithRows("MANO DE OBRA", 5),
	}, nil)

	require.Error(t, err)
	assert.Nil(t, doc)
	var cerr *ChunkError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "MANO DE OBRA", cerr.Sheet)
	assert.Contains(t, err.Error(), "MANO DE OBRA")
}

func TestExtract_PartialModeListsFailures(t *testing.T) {
	provider := &scriptProvider{fn: func(r inference.Request) (*inference.Response, error) {
		if strings.Contains(r.Prompt, "Part 2 of 3") {
			return textResponse("no structured data"), nil
		}
		return quoteService().fn(r)
	}}
	opts := defaultTestOptions()
	opts.AllowPartial = true
	ex := newTestExtractor(provider, opts)

	doc, err := ex.Extract(context.Background(), []model.SheetText{sheetWithRows("MAT", 300)}, nil)

	require.NoError(t, err)
	require.Len(t, doc.Failures, 1)
	assert.Equal(t, "MAT", doc.Failures[0].Sheet)
	assert.Equal(t, 1, doc.Failures[0].Chunk)
	assert.Contains(t, doc.Failures[0].Error, "recovery")
	assert.Len(t, doc.EquipmentGroups, 2)
	assert.Equal(t, 180, doc.EquipmentItemCount())
}

func TestExtract_NoUsableSheets(t *testing.T) {
	provider := quoteService()
	ex := newTestExtractor(provider, defaultTestOptions())

	doc, err := ex.Extract(context.Background(), []model.SheetText{
		{Name: "Hoja1", Content: "A | B", RowCount: 1},
	}, nil)

	assert.ErrorIs(t, err, ErrNoSheets)
	assert.Nil(t, doc)
	assert.Empty(t, provider.Calls(), "no service call before input validation")
}

func TestExtract_ServicesIdentifierSets(t *testing.T) {
	ex := newTestExtractor(quoteService(), defaultTestOptions())

	doc, err := ex.Extract(context.Background(), []model.SheetText{sheetWithRows("MANO DE OBRA", 4)}, nil)

	require.NoError(t, err)
	require.Len(t, doc.ServiceGroups, 1)
	assert.Equal(t, []string{"Ingeniero"}, doc.UniqueResourceNames)
	assert.Equal(t, []string{"S-0", "S-1"}, doc.UniqueScheduleCodes)
}

func TestExtract_OnlyBestSummaryUsed(t *testing.T) {
	provider := quoteService()
	ex := newTestExtractor(provider, defaultTestOptions())

	doc, err := ex.Extract(context.Background(), []model.SheetText{
		sheetWithRows("RESUMEN corto", 2),
		sheetWithRows("RESUMEN GENERAL", 6),
		sheetWithRows("Fletes", 3),
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "RESUMEN GENERAL", doc.Summary.Sheet)
	assert.Equal(t, []string{"RESUMEN GENERAL", "Fletes"}, doc.SheetNames)
	require.Len(t, doc.ExpenseGroups, 1)
	assert.Len(t, provider.Calls(), 2)
}

func TestExtract_SharedContextReachesOtherSheets(t *testing.T) {
	provider := quoteService()
	ex := newTestExtractor(provider, defaultTestOptions())

	_, err := ex.Extract(context.Background(), []model.SheetText{
		{Name: "RESUMEN", Content: "CONCEPTO | IMPORTE\nPROYECTO ALFA | 10", RowCount: 2},
		sheetWithRows("MAT", 2),
	}, nil)
	require.NoError(t, err)

	calls := provider.Calls()
	require.Len(t, calls, 2)
	assert.NotContains(t, calls[0].Prompt, "context only")
	assert.Contains(t, calls[1].Prompt, "PROYECTO ALFA")
}

func TestExtract_ProgressBeforeEachChunk(t *testing.T) {
	ex := newTestExtractor(quoteService(), defaultTestOptions())

	var stages []string
	_, err := ex.Extract(context.Background(), []model.SheetText{
		sheetWithRows("RESUMEN", 2),
		sheetWithRows("MAT", 250),
	}, func(stage string) { stages = append(stages, stage) })

	require.NoError(t, err)
	assert.Equal(t, []string{
		"Extracting RESUMEN [summary]",
		"Extracting MAT (1/3) [equipment]",
		"Extracting MAT (2/3) [equipment]",
		"Extracting MAT (3/3) [equipment]",
	}, stages)
}

func TestExtract_CancelledStopsFurtherChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	provider := &scriptProvider{}
	provider.fn = func(r inference.Request) (*inference.Response, error) {
		once.Do(cancel)
		return nil, context.Canceled
	}
	ex := newTestExtractor(provider, defaultTestOptions())

	doc, err := ex.Extract(ctx, []model.SheetText{sheetWithRows("MAT", 400)}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, doc)
	assert.Len(t, provider.Calls(), 1)
}

func TestExtract_ConcurrentMatchesSequential(t *testing.T) {
	sheets := []model.SheetText{
		sheetWithRows("RESUMEN", 3),
		sheetWithRows("MAT. ELECTRICOS", 500),
		sheetWithRows("MANO DE OBRA", 130),
		sheetWithRows("Viaticos", 20),
	}

	seq, err := newTestExtractor(quoteService(), defaultTestOptions()).Extract(context.Background(), sheets, nil)
	require.NoError(t, err)

	opts := defaultTestOptions()
	opts.MaxConcurrency = 4
	par, err := newTestExtractor(quoteService(), opts).Extract(context.Background(), sheets, nil)
	require.NoError(t, err)

	assert.Equal(t, seq, par)
	assert.Equal(t, 500, par.EquipmentItemCount())
}

func TestExtract_ConcurrentFailFast(t *testing.T) {
	provider := &scriptProvider{fn: func(r inference.Request) (*inference.Response, error) {
		if strings.Contains(r.Prompt, "Part 3 of 5") {
			return nil, errors.New("boom")
		}
		return quoteService().fn(r)
	}}
	opts := defaultTestOptions()
	opts.MaxConcurrency = 3
	ex := newTestExtractor(provider, opts)

	doc, err := ex.Extract(context.Background(), []model.SheetText{sheetWithRows("MAT", 600)}, nil)

	assert.Nil(t, doc)
	var cerr *ChunkError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, 2, cerr.Chunk)
	assert.Equal(t, 5, cerr.TotalChunks)
}

func TestNew_FromConfig(t *testing.T) {
	cfg := &config.Config{
		Inference: config.InferenceConfig{
			DefaultModel:    "claude-haiku-4-5-20251001",
			EscalatedModel:  "claude-sonnet-4-5-20250929",
			MaxOutputTokens: 8000,
			BackoffMs:       10,
		},
		Extract: config.ExtractConfig{MaxSheets: 2, CharBudget: 1000, ChunkRows: 5, MaxConcurrency: 1},
		Usage:   config.UsageConfig{UserID: "cli"},
	}

	ex, err := New(cfg, quoteService(), nil)
	require.NoError(t, err)
	assert.Equal(t, 5, ex.opts.ChunkRows)
	assert.Equal(t, int64(8000), ex.controller.cfg.MaxOutputTokens)

	cfg.Classify.RulesFile = "/nonexistent/rules.yaml"
	_, err = New(cfg, quoteService(), nil)
	assert.Error(t, err)
}

func TestChunkError(t *testing.T) {
	base := errors.New("down")
	single := &ChunkError{Sheet: "MAT", TotalChunks: 1, Err: base}
	multi := &ChunkError{Sheet: "MAT", Chunk: 1, TotalChunks: 3, Err: base}

	assert.Equal(t, `pipeline: sheet "MAT": down`, single.Error())
	assert.Equal(t, `pipeline: sheet "MAT" chunk 2/3: down`, multi.Error())
	assert.ErrorIs(t, multi, base)
}
