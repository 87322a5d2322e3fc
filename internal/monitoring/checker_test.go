package monitoring

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masserfx/steelflow/internal/model"
	"github.com/masserfx/steelflow/pkg/ai"
)

type syncNotify struct {
	mu     sync.Mutex
	alerts []string
}

func (m *syncNotify) ReviewNeeded(context.Context, string, string, string) {}
func (m *syncNotify) Escalated(context.Context, string, string, string)    {}
func (m *syncNotify) DeadLettered(context.Context, string, string, string) {}
func (m *syncNotify) OfferReady(context.Context, string, string, float64)  {}
func (m *syncNotify) Alert(_ context.Context, severity, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, severity+": "+message)
}

func (m *syncNotify) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

func TestCheckerStaysQuietWhenThresholdsDisabled(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateDeadLetter(context.Background(),
		&model.DeadLetterEntry{Stage: model.StageParse, Payload: []byte(`{}`), Error: "boom"}))

	n := &syncNotify{}
	checker := NewChecker(
		NewCollector(st, ai.DefaultModels()),
		NewAlerter(Thresholds{}, n),
		5*time.Millisecond, 1,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go checker.Run(ctx)

	assert.Never(t, func() bool { return n.count() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestCheckerAlertsOnBacklog(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateDeadLetter(context.Background(),
		&model.DeadLetterEntry{Stage: model.StageParse, Payload: []byte(`{}`), Error: "boom"}))
	require.NoError(t, st.CreateDeadLetter(context.Background(),
		&model.DeadLetterEntry{Stage: model.StageClassify, Payload: []byte(`{}`), Error: "boom"}))

	n := &syncNotify{}
	checker := NewChecker(
		NewCollector(st, ai.DefaultModels()),
		NewAlerter(Thresholds{MaxDLQBacklog: 1}, n),
		5*time.Millisecond, 1,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go checker.Run(ctx)

	assert.Eventually(t, func() bool { return n.count() > 0 }, time.Second, 5*time.Millisecond)
}
