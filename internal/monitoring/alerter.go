package monitoring

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/datapoint-review/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertDLQDepth           AlertType = "dlq_depth"
	AlertStaleClaims        AlertType = "stale_claims"
	AlertCannotValidateRate AlertType = "cannot_validate_rate"
)

// minReviewsForRateAlert is the sample size below which rates are not alerted on.
const minReviewsForRateAlert = 10

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Text renders the alert for a plain text sink.
func (a Alert) Text() string {
	return fmt.Sprintf("[%s] %s: %s", a.Severity, a.Type, a.Message)
}

// Alerter evaluates a Snapshot against configured thresholds and delivers
// breaches to a Sink.
type Alerter struct {
	cfg  config.AlertsConfig
	sink Sink
}

// NewAlerter creates a new Alerter.
func NewAlerter(cfg config.AlertsConfig, sink Sink) *Alerter {
	return &Alerter{cfg: cfg, sink: sink}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if a.cfg.DLQThreshold > 0 && snap.DLQDepth >= a.cfg.DLQThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDLQDepth,
			Severity: "high",
			Message: fmt.Sprintf("dead letter queue holds %d items (threshold %d)",
				snap.DLQDepth, a.cfg.DLQThreshold),
			Details:   map[string]any{"dlq_depth": snap.DLQDepth, "threshold": a.cfg.DLQThreshold},
			Timestamp: now,
		})
	}

	if snap.StaleClaims > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStaleClaims,
			Severity: "medium",
			Message: fmt.Sprintf("%d dataset review(s) claimed more than %d minutes ago are still incomplete",
				snap.StaleClaims, a.cfg.StaleClaimMinutes),
			Details:   map[string]any{"stale_claims": snap.StaleClaims, "open": snap.DatasetsOpen},
			Timestamp: now,
		})
	}

	if a.cfg.CannotValidateThreshold > 0 && snap.Reviewed() >= minReviewsForRateAlert &&
		snap.CannotValidateRate > a.cfg.CannotValidateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertCannotValidateRate,
			Severity: "high",
			Message: fmt.Sprintf("%.1f%% of datapoint reviews could not validate in last %dh (threshold %.1f%%)",
				snap.CannotValidateRate*100, snap.LookbackHours, a.cfg.CannotValidateThreshold*100),
			Details: map[string]any{
				"cannot_validate": snap.CannotValidate,
				"reviewed":        snap.Reviewed(),
				"threshold":       a.cfg.CannotValidateThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the sink and returns the number sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.sink == nil || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sink.Send(ctx, alert.Text()); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}
