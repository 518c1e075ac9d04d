package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/quote-extract/internal/config"
)

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		EscalationThreshold:  0.50,
		CostThresholdUSD:     50.0,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		RunsTotal:      40,
		RunsComplete:   39,
		RunsFailed:     1,
		FailRate:       0.025,
		Calls:          60,
		EscalatedCalls: 6,
		EscalationRate: 0.1,
		CostUSD:        12.5,
		LookbackHours:  24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_RunFailureRate(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		RunsTotal:     20,
		RunsComplete:  12,
		RunsFailed:    8,
		FailRate:      0.4,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRunFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
	assert.Equal(t, 20, alerts[0].Details["finished"])
}

func TestAlerter_Evaluate_FailureRateNeedsSample(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	// Two failures out of three runs is a high rate but too few runs to alert on.
	snap := &MetricsSnapshot{
		RunsTotal:    3,
		RunsComplete: 1,
		RunsFailed:   2,
		FailRate:     2.0 / 3.0,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_EscalationRate(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		Calls:          10,
		EscalatedCalls: 7,
		EscalationRate: 0.7,
		LookbackHours:  6,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertEscalationRate, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "70.0%")
	assert.Contains(t, alerts[0].Message, "6h")
}

func TestAlerter_Evaluate_CostOverrun(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		RunsTotal:     4,
		RunsComplete:  4,
		CostUSD:       75.5,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCostOverrun, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "$75.50")
}

func TestAlerter_Evaluate_ZeroThresholdsDisable(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &MetricsSnapshot{
		RunsComplete:   10,
		RunsFailed:     10,
		FailRate:       0.5,
		Calls:          20,
		EscalatedCalls: 20,
		EscalationRate: 1,
		CostUSD:        1000,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_Multiple(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		RunsComplete:   5,
		RunsFailed:     5,
		FailRate:       0.5,
		Calls:          30,
		EscalatedCalls: 20,
		EscalationRate: 20.0 / 30.0,
		CostUSD:        99,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 3)
	assert.Equal(t, AlertRunFailureRate, alerts[0].Type)
	assert.Equal(t, AlertEscalationRate, alerts[1].Type)
	assert.Equal(t, AlertCostOverrun, alerts[2].Type)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var alert Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.Equal(t, AlertCostOverrun, alert.Type)

		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testMonitoringConfig()
	cfg.WebhookURL = srv.URL
	a := NewAlerter(cfg)

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertCostOverrun, Severity: "high", Message: "one"},
		{Type: AlertCostOverrun, Severity: "high", Message: "two"},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testMonitoringConfig()
	cfg.WebhookURL = srv.URL
	a := NewAlerter(cfg)

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertRunFailureRate, Message: "x"}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertCostOverrun}}))
}
