// Package monitoring computes point-in-time health snapshots from the
// task-record trail and the dead-letter queue, and raises operator
// alerts when configured thresholds are breached.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/masserfx/steelflow/internal/model"
	"github.com/masserfx/steelflow/internal/store"
	"github.com/masserfx/steelflow/pkg/ai"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Task records within the lookback window.
	TasksTotal        int     `json:"tasks_total"`
	TasksSucceeded    int     `json:"tasks_succeeded"`
	TasksFailed       int     `json:"tasks_failed"`
	TasksDeadLettered int     `json:"tasks_dead_lettered"`
	FailRate          float64 `json:"fail_rate"`

	// Model spend within the window.
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	ModelCostUSD float64 `json:"model_cost_usd"`

	// Failures per stage within the window.
	StageFailures map[model.Stage]int `json:"stage_failures,omitempty"`

	// Dead-letter queue depth, all time.
	DLQUnresolved int `json:"dlq_unresolved"`
	DLQResolved   int `json:"dlq_resolved"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// recordCap bounds a single collection pass; beyond this the snapshot is
// a sample, which is enough for alerting.
const recordCap = 10000

// Collector gathers metrics from the store.
type Collector struct {
	store  store.Store
	models ai.Models
}

// NewCollector creates a metrics collector. The model set prices token
// usage per stage.
func NewCollector(st store.Store, models ai.Models) *Collector {
	return &Collector{store: st, models: models}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	snap := &MetricsSnapshot{
		StageFailures: make(map[model.Stage]int),
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}
	cutoff := snap.CollectedAt.Add(-time.Duration(lookbackHours) * time.Hour)

	records, err := c.store.ListTaskRecords(ctx, store.TaskFilter{
		CreatedAfter: cutoff,
		Limit:        recordCap,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list task records")
	}

	snap.TasksTotal = len(records)
	for _, r := range records {
		switch r.Status {
		case model.TaskStatusSuccess:
			snap.TasksSucceeded++
		case model.TaskStatusFailed:
			snap.TasksFailed++
			snap.StageFailures[r.Stage]++
		case model.TaskStatusDeadLettered:
			snap.TasksDeadLettered++
			snap.StageFailures[r.Stage]++
		}
		snap.InputTokens += r.TokenUsage.InputTokens
		snap.OutputTokens += r.TokenUsage.OutputTokens
		snap.ModelCostUSD += c.recordCost(r)
	}

	finished := snap.TasksSucceeded + snap.TasksFailed + snap.TasksDeadLettered
	if finished > 0 {
		snap.FailRate = float64(snap.TasksFailed+snap.TasksDeadLettered) / float64(finished)
	}

	snap.DLQUnresolved, snap.DLQResolved, err = c.store.CountDeadLetters(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dead letters")
	}
	return snap, nil
}

func (c *Collector) recordCost(r model.TaskRecord) float64 {
	mdl := c.stageModel(r.Stage)
	if mdl == "" {
		return 0
	}
	usage := ai.TokenUsage{
		InputTokens:  int64(r.TokenUsage.InputTokens),
		OutputTokens: int64(r.TokenUsage.OutputTokens),
	}
	return usage.EstimateCost(mdl)
}

func (c *Collector) stageModel(stage model.Stage) string {
	switch stage {
	case model.StageClassify:
		return c.models.Classifier
	case model.StageParse:
		return c.models.Parser
	case model.StageAnalyzeDrawing:
		return c.models.Drawing
	case model.StageEstimateCost:
		return c.models.Estimator
	default:
		return ""
	}
}
