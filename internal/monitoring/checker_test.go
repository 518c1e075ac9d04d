package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/quote-extract/internal/config"
	"github.com/sells-group/quote-extract/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{
		CheckIntervalSecs:    1,
		LookbackWindowHours:  24,
		FailureRateThreshold: 0.10,
	}
	checker := NewChecker(NewCollector(&fakeSource{}), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&fakeSource{}), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.Equal(t, 24, checker.lookback())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSendsAlerts(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	now := time.Now().UTC()
	src := &fakeSource{events: []model.UsageEvent{
		{Tier: "baseline", CostUSD: 30, CreatedAt: now.Add(-time.Minute)},
		{Tier: "escalated", CostUSD: 40, CreatedAt: now.Add(-time.Minute)},
	}}
	cfg := config.MonitoringConfig{
		WebhookURL:          srv.URL,
		LookbackWindowHours: 1,
		CostThresholdUSD:    50,
	}
	checker := NewChecker(NewCollector(src), NewAlerter(cfg), cfg)

	alerts := checker.Check(context.Background())
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCostOverrun, alerts[0].Type)
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_CheckCollectError(t *testing.T) {
	cfg := config.MonitoringConfig{CostThresholdUSD: 1}
	checker := NewChecker(NewCollector(&fakeSource{runErr: assert.AnError}), NewAlerter(cfg), cfg)
	assert.Nil(t, checker.Check(context.Background()))
}
