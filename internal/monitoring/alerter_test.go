package monitoring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type memNotify struct {
	alerts []string
}

func (m *memNotify) ReviewNeeded(context.Context, string, string, string) {}
func (m *memNotify) Escalated(context.Context, string, string, string)    {}
func (m *memNotify) DeadLettered(context.Context, string, string, string) {}
func (m *memNotify) OfferReady(context.Context, string, string, float64)  {}
func (m *memNotify) Alert(_ context.Context, severity, message string) {
	m.alerts = append(m.alerts, severity+": "+message)
}

func TestAlerterEvaluate(t *testing.T) {
	thresholds := Thresholds{MaxFailRate: 0.25, MaxDLQBacklog: 10, MaxCostUSD: 5}

	tests := []struct {
		name string
		snap MetricsSnapshot
		want []AlertType
	}{
		{
			name: "healthy",
			snap: MetricsSnapshot{TasksSucceeded: 50, TasksFailed: 2, FailRate: 0.04},
		},
		{
			name: "failure rate breach",
			snap: MetricsSnapshot{TasksSucceeded: 10, TasksFailed: 10, FailRate: 0.5, LookbackHours: 24},
			want: []AlertType{AlertFailureRate},
		},
		{
			name: "small sample never fires",
			snap: MetricsSnapshot{TasksSucceeded: 1, TasksFailed: 3, FailRate: 0.75},
		},
		{
			name: "dlq backlog",
			snap: MetricsSnapshot{TasksSucceeded: 50, DLQUnresolved: 57},
			want: []AlertType{AlertDLQBacklog},
		},
		{
			name: "cost overrun",
			snap: MetricsSnapshot{TasksSucceeded: 50, ModelCostUSD: 12.40, LookbackHours: 24},
			want: []AlertType{AlertCostOverrun},
		},
		{
			name: "multiple breaches",
			snap: MetricsSnapshot{TasksSucceeded: 5, TasksDeadLettered: 5, FailRate: 0.5, DLQUnresolved: 20, ModelCostUSD: 9},
			want: []AlertType{AlertFailureRate, AlertDLQBacklog, AlertCostOverrun},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAlerter(thresholds, nil)
			alerts := a.Evaluate(&tt.snap)
			var got []AlertType
			for _, al := range alerts {
				got = append(got, al.Type)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAlerterZeroThresholdsDisableChecks(t *testing.T) {
	a := NewAlerter(Thresholds{}, nil)
	snap := &MetricsSnapshot{
		TasksSucceeded: 0, TasksFailed: 100, FailRate: 1.0,
		DLQUnresolved: 500, ModelCostUSD: 1000,
	}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerterSendDeliversToNotifier(t *testing.T) {
	n := &memNotify{}
	a := NewAlerter(Thresholds{MaxDLQBacklog: 1}, n)

	alerts := a.Evaluate(&MetricsSnapshot{DLQUnresolved: 3})
	a.Send(context.Background(), alerts)

	assert.Len(t, n.alerts, 1)
	assert.Contains(t, n.alerts[0], "warning: ")
	assert.Contains(t, n.alerts[0], "3 unresolved")
}
