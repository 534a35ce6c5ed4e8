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

	"github.com/sells-group/factsync/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertSyncFailureRate    AlertType = "sync_failure_rate"
	AlertAdapterFailureRate AlertType = "adapter_failure_rate"
	AlertDiscrepancyBacklog AlertType = "discrepancy_backlog"
)

// Rates are only judged once this many attempts or finished runs exist.
const minSamples = 5

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

	finished := snap.SyncComplete + snap.SyncFailed
	if a.cfg.FailureRateThreshold > 0 && finished >= minSamples && snap.SyncFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertSyncFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Sync failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.SyncFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.SyncFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate":  snap.SyncFailRate,
				"threshold":     a.cfg.FailureRateThreshold,
				"failed":        snap.SyncFailed,
				"finished":      finished,
				"failed_assets": snap.FailedAssets,
			},
			Timestamp: now,
		})
	}

	if a.cfg.AdapterFailureRateThreshold > 0 {
		for _, h := range snap.Adapters {
			if h.Attempts < minSamples || h.FailureRate <= a.cfg.AdapterFailureRateThreshold {
				continue
			}
			alerts = append(alerts, Alert{
				Type:     AlertAdapterFailureRate,
				Severity: "medium",
				Message: fmt.Sprintf(
					"Adapter %s failed %.1f%% of %d attempts in last %dh",
					h.AdapterID, h.FailureRate*100, h.Attempts, snap.LookbackHours,
				),
				Details: map[string]any{
					"adapter":      h.AdapterID,
					"failure_rate": h.FailureRate,
					"threshold":    a.cfg.AdapterFailureRateThreshold,
					"attempts":     h.Attempts,
				},
				Timestamp: now,
			})
		}
	}

	if a.cfg.OpenDiscrepancyThreshold > 0 && snap.OpenDiscrepancies >= a.cfg.OpenDiscrepancyThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDiscrepancyBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d open discrepancies awaiting review (threshold %d)",
				snap.OpenDiscrepancies, a.cfg.OpenDiscrepancyThreshold,
			),
			Details: map[string]any{
				"open":      snap.OpenDiscrepancies,
				"threshold": a.cfg.OpenDiscrepancyThreshold,
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
