package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/quote-extract/internal/inference"
	"github.com/sells-group/quote-extract/internal/model"
	"github.com/sells-group/quote-extract/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRunner_RecordsCompletedRun(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	r := NewRunner(newTestExtractor(quoteService(), defaultTestOptions()), st)

	doc, run, err := r.Run(ctx, "cotizacion.xlsx", "alice", []model.SheetText{
		sheetWithRows("RESUMEN", 2),
		sheetWithRows("MAT", 5),
	}, nil)

	require.NoError(t, err)
	require.NotNil(t, doc)
	require.NotNil(t, run)
	assert.Equal(t, model.RunStatusComplete, run.Status)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "cotizacion.xlsx", got.Source)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, model.RunStatusComplete, got.Status)
	assert.Equal(t, []string{"RESUMEN", "MAT"}, got.SheetNames)
	assert.Equal(t, 2, got.Usage.Calls)
	assert.Equal(t, int64(200), got.Usage.InputTokens)
}

func TestRunner_RecordsFailedRun(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	provider := &scriptProvider{fn: func(r inference.Request) (*inference.Response, error) {
		if strings.Contains(r.Prompt, "Sheet: MAT") {
			return nil, errors.New("down")
		}
		return quoteService().fn(r)
	}}
	r := NewRunner(newTestExtractor(provider, defaultTestOptions()), st)

	doc, run, err := r.Run(ctx, "q.xlsx", "bob", []model.SheetText{sheetWithRows("MAT", 5)}, nil)

	require.Error(t, err)
	assert.Nil(t, doc)
	require.NotNil(t, run)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Contains(t, got.Error, "MAT")
	assert.Equal(t, []string{"MAT"}, got.SheetNames)
}

func TestRunner_NoStore(t *testing.T) {
	r := NewRunner(newTestExtractor(quoteService(), defaultTestOptions()), nil)

	doc, run, err := r.Run(context.Background(), "q.xlsx", "", []model.SheetText{sheetWithRows("MAT", 5)}, nil)

	require.NoError(t, err)
	assert.NotNil(t, doc)
	assert.Nil(t, run)
}

func TestRunner_AttributesUsageToCaller(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	recorder := &mockRecorder{}
	recorder.On("Record", mock.Anything, mock.MatchedBy(func(ev model.UsageEvent) bool {
		return ev.UserID == "carol"
	})).Return(nil)

	c := NewController(quoteService(), nil, recorder, nil, testControllerConfig())
	c.sleep = noSleep
	r := NewRunner(NewExtractor(nil, c, defaultTestOptions()), st)

	_, _, err := r.Run(ctx, "q.xlsx", "carol", []model.SheetText{sheetWithRows("MAT", 5)}, nil)

	require.NoError(t, err)
	recorder.AssertNumberOfCalls(t, "Record", 1)
}
