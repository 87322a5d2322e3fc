package monitoring

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/masserfx/steelflow/pkg/notify"
)

// AlertType identifies the kind of threshold breach.
type AlertType string

const (
	AlertFailureRate AlertType = "failure_rate"
	AlertDLQBacklog  AlertType = "dlq_backlog"
	AlertCostOverrun AlertType = "cost_overrun"
)

// Alert is one threshold breach derived from a snapshot.
type Alert struct {
	Type      AlertType `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Thresholds configures when the alerter fires. Zero values disable the
// corresponding check.
type Thresholds struct {
	// MaxFailRate is the failed-to-finished ratio above which the
	// pipeline is considered unhealthy. Only applied once at least
	// minFinishedTasks tasks have finished in the window.
	MaxFailRate float64 `yaml:"max_fail_rate" mapstructure:"max_fail_rate"`
	// MaxDLQBacklog is the unresolved dead-letter count above which an
	// operator should intervene.
	MaxDLQBacklog int `yaml:"max_dlq_backlog" mapstructure:"max_dlq_backlog"`
	// MaxCostUSD caps estimated model spend per lookback window.
	MaxCostUSD float64 `yaml:"max_cost_usd" mapstructure:"max_cost_usd"`
}

// minFinishedTasks guards the fail-rate check against tiny samples.
const minFinishedTasks = 10

// Alerter evaluates snapshots against thresholds and delivers breaches
// through the operator notifier.
type Alerter struct {
	thresholds Thresholds
	notifier   notify.Notifier
}

// NewAlerter creates an Alerter. A nil notifier is replaced with a no-op.
func NewAlerter(thresholds Thresholds, notifier notify.Notifier) *Alerter {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Alerter{thresholds: thresholds, notifier: notifier}
}

// Evaluate returns the alerts a snapshot triggers.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.TasksSucceeded + snap.TasksFailed + snap.TasksDeadLettered
	if a.thresholds.MaxFailRate > 0 && finished >= minFinishedTasks && snap.FailRate > a.thresholds.MaxFailRate {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "critical",
			Message: fmt.Sprintf("pipeline failure rate %.0f%% over last %dh (%d of %d tasks)",
				snap.FailRate*100, snap.LookbackHours, snap.TasksFailed+snap.TasksDeadLettered, finished),
			Timestamp: now,
		})
	}

	if a.thresholds.MaxDLQBacklog > 0 && snap.DLQUnresolved > a.thresholds.MaxDLQBacklog {
		alerts = append(alerts, Alert{
			Type:      AlertDLQBacklog,
			Severity:  "warning",
			Message:   fmt.Sprintf("dead-letter backlog at %d unresolved entries", snap.DLQUnresolved),
			Timestamp: now,
		})
	}

	if a.thresholds.MaxCostUSD > 0 && snap.ModelCostUSD > a.thresholds.MaxCostUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "warning",
			Message: fmt.Sprintf("model spend $%.2f over last %dh exceeds budget $%.2f",
				snap.ModelCostUSD, snap.LookbackHours, a.thresholds.MaxCostUSD),
			Timestamp: now,
		})
	}

	return alerts
}

// Send delivers alerts through the notifier and logs each one.
func (a *Alerter) Send(ctx context.Context, alerts []Alert) {
	for _, al := range alerts {
		zap.L().Warn("monitoring alert",
			zap.String("type", string(al.Type)),
			zap.String("severity", al.Severity),
			zap.String("message", al.Message),
		)
		a.notifier.Alert(ctx, al.Severity, al.Message)
	}
}
