package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-extract/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate AlertType = "run_failure_rate"
	AlertEscalationRate AlertType = "escalation_rate"
	AlertCostOverrun    AlertType = "cost_overrun"
)

// minSample is the fewest observations a rate alert needs before it fires.
const minSample = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.RunsComplete + snap.RunsFailed
	if a.cfg.FailureRateThreshold > 0 && finished >= minSample && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Extraction failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.EscalationThreshold > 0 && snap.Calls >= minSample && snap.EscalationRate > a.cfg.EscalationThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertEscalationRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%.1f%% of inference calls needed a retry tier in last %dh (threshold %.1f%%)",
				snap.EscalationRate*100, snap.LookbackHours, a.cfg.EscalationThreshold*100,
			),
			Details: map[string]any{
				"escalation_rate": snap.EscalationRate,
				"threshold":       a.cfg.EscalationThreshold,
				"escalated_calls": snap.EscalatedCalls,
				"calls":           snap.Calls,
			},
			Timestamp: now,
		})
	}

	if a.cfg.CostThresholdUSD > 0 && snap.CostUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"Inference cost $%.2f exceeds threshold $%.2f in last %dh",
				snap.CostUSD, a.cfg.CostThresholdUSD, snap.LookbackHours,
			),
			Details: map[string]any{
				"cost_usd":      snap.CostUSD,
				"threshold_usd": a.cfg.CostThresholdUSD,
				"runs_total":    snap.RunsTotal,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
