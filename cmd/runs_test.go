package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/quote-extract/internal/model"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	runs := []model.Run{
		{
			ID:        "abc12345-6789-0000-0000-000000000000",
			Source:    "cotizacion-subestacion.xlsx",
			UserID:    "alice",
			Status:    model.RunStatusComplete,
			Usage:     model.TokenUsage{Calls: 4, Cost: 0.0123},
			CreatedAt: now,
			UpdatedAt: now.Add(2 * time.Minute),
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			Source:    "a-very-long-workbook-name-that-needs-truncation.xlsx",
			UserID:    "bob",
			Status:    model.RunStatusFailed,
			CreatedAt: now.Add(-1 * time.Hour),
			UpdatedAt: now.Add(-59 * time.Minute),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "SOURCE")
	assert.Contains(t, output, "cotizacion-subestacion.xlsx")
	assert.Contains(t, output, "complete")
	assert.Contains(t, output, "failed")
	assert.Contains(t, output, "$0.0123")
	assert.Contains(t, output, "2025-06-15 10:30")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "...")
}

func TestComputeRunStats(t *testing.T) {
	now := time.Now()
	runs := []model.Run{
		{Status: model.RunStatusComplete, Usage: model.TokenUsage{Calls: 3, Cost: 0.5}, CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour + 10*time.Second)},
		{Status: model.RunStatusComplete, Usage: model.TokenUsage{Calls: 1, Cost: 0.25}, CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour + 20*time.Second)},
		{Status: model.RunStatusFailed, Usage: model.TokenUsage{Calls: 3}, CreatedAt: now.Add(-2 * time.Hour)},
		{Status: model.RunStatusRunning, CreatedAt: now.Add(-time.Minute)},
		{Status: model.RunStatusComplete, CreatedAt: now.Add(-48 * time.Hour)},
	}

	s := computeRunStats(runs, now.Add(-24*time.Hour))

	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.Complete)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Running)
	assert.Equal(t, 7, s.Calls)
	assert.InDelta(t, 0.75, s.CostUSD, 1e-9)
	assert.InDelta(t, 15.0, s.AvgDurSecs, 1e-6)
}

func TestFormatRunStats(t *testing.T) {
	var buf bytes.Buffer
	formatRunStats(&buf, runStats{Total: 3, Complete: 2, Failed: 1, Calls: 9, CostUSD: 0.5, AvgDurSecs: 12.5})

	output := buf.String()
	assert.Contains(t, output, "Total runs:")
	assert.Contains(t, output, "Inference calls:")
	assert.Contains(t, output, "$0.5000")
	assert.Contains(t, output, "12.5s")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}
