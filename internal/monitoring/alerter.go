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

	"github.com/sells-group/datafeed/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertProviderDegraded AlertType = "provider_degraded"
	AlertCircuitOpen      AlertType = "circuit_open"
	AlertBudgetOverrun    AlertType = "budget_overrun"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a HealthSnapshot against configured thresholds and
// sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg     config.MonitoringConfig
	budgets map[string]float64
	client  *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config and
// per-provider budget caps.
func NewAlerter(cfg config.MonitoringConfig, budgets map[string]float64) *Alerter {
	return &Alerter{
		cfg:     cfg,
		budgets: budgets,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap HealthSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Providers whose observed reliability fell below the floor.
	for id, rel := range snap.Reliability {
		if rel >= a.cfg.ReliabilityFloor {
			continue
		}
		alerts = append(alerts, Alert{
			Type:     AlertProviderDegraded,
			Severity: "high",
			Message: fmt.Sprintf(
				"Provider %s reliability %.2f fell below floor %.2f",
				id, rel, a.cfg.ReliabilityFloor,
			),
			Details: map[string]any{
				"provider":    id,
				"reliability": rel,
				"floor":       a.cfg.ReliabilityFloor,
			},
			Timestamp: now,
		})
	}

	// Open circuits mean a provider is being skipped entirely.
	for id, state := range snap.Circuits {
		if state != "open" {
			continue
		}
		alerts = append(alerts, Alert{
			Type:      AlertCircuitOpen,
			Severity:  "high",
			Message:   fmt.Sprintf("Circuit open for provider %s, requests are being skipped", id),
			Details:   map[string]any{"provider": id},
			Timestamp: now,
		})
	}

	// Spend approaching or exceeding a provider's budget cap.
	ratio := a.cfg.BudgetAlertRatio
	if ratio <= 0 {
		ratio = 0.9
	}
	for id, budget := range a.budgets {
		spent := snap.SpendUSD[id]
		if budget <= 0 || spent < budget*ratio {
			continue
		}
		severity := "medium"
		if spent >= budget {
			severity = "high"
		}
		alerts = append(alerts, Alert{
			Type:     AlertBudgetOverrun,
			Severity: severity,
			Message: fmt.Sprintf(
				"Provider %s spend $%.2f is at %.0f%% of its $%.2f budget",
				id, spent, spent/budget*100, budget,
			),
			Details: map[string]any{
				"provider":   id,
				"spent_usd":  spent,
				"budget_usd": budget,
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

// sendWebhook posts a single alert to the webhook URL.
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
