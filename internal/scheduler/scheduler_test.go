package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masserfx/steelflow/internal/audit"
	"github.com/masserfx/steelflow/internal/model"
	"github.com/masserfx/steelflow/internal/resilience"
	"github.com/masserfx/steelflow/internal/store"
)

type memDLQ struct {
	mu      sync.Mutex
	entries map[string]*model.DeadLetterEntry
	nextID  int
}

func newMemDLQ() *memDLQ {
	return &memDLQ{entries: map[string]*model.DeadLetterEntry{}}
}

func (m *memDLQ) CreateDeadLetter(_ context.Context, e *model.DeadLetterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	if e.ID == "" {
		e.ID = string(rune('a' + m.nextID))
	}
	cp := *e
	m.entries[e.ID] = &cp
	return nil
}

func (m *memDLQ) GetDeadLetter(_ context.Context, id string) (*model.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memDLQ) IncrementDeadLetterRetry(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return store.ErrNotFound
	}
	e.RetryCount++
	return nil
}

func (m *memDLQ) MarkDeadLetterPermanent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return store.ErrNotFound
	}
	e.Permanent = true
	return nil
}

func (m *memDLQ) all() []model.DeadLetterEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.DeadLetterEntry
	for _, e := range m.entries {
		out = append(out, *e)
	}
	return out
}

type memRecords struct {
	mu      sync.Mutex
	records []model.TaskRecord
}

func (m *memRecords) AppendTaskRecord(_ context.Context, rec *model.TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *rec)
	return nil
}

func (m *memRecords) byStage(stage model.Stage) []model.TaskRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.TaskRecord
	for _, r := range m.records {
		if r.Stage == stage {
			out = append(out, r)
		}
	}
	return out
}

type memNotify struct {
	mu          sync.Mutex
	deadLetters []string
}

func (m *memNotify) ReviewNeeded(context.Context, string, string, string) {}
func (m *memNotify) Escalated(context.Context, string, string, string)    {}
func (m *memNotify) OfferReady(context.Context, string, string, float64)  {}
func (m *memNotify) Alert(context.Context, string, string)                {}
func (m *memNotify) DeadLettered(_ context.Context, messageID, stage, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters = append(m.deadLetters, stage+"/"+messageID)
}

// testPolicy shrinks retry delays so tests run in milliseconds.
func testPolicy(stage model.Stage) resilience.Policy {
	p := resilience.PolicyFor(stage)
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 2 * time.Millisecond
	p.JitterFraction = 0
	return p
}

type harness struct {
	s       *Scheduler
	dlq     *memDLQ
	records *memRecords
	notes   *memNotify
	cancel  context.CancelFunc
	done    chan struct{}
}

func newHarness(t *testing.T, registry Registry) *harness {
	t.Helper()
	dlq := newMemDLQ()
	records := &memRecords{}
	notes := &memNotify{}

	s := New(Config{FastWorkers: 2, AIWorkers: 2, QueueDepth: 16},
		registry, dlq, audit.NewRecorder(records), notes)
	s.policyFor = testPolicy

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	h := &harness{s: s, dlq: dlq, records: records, notes: notes, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// settle waits for all in-flight tasks and retries to finish.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	waited := make(chan struct{})
	go func() {
		h.s.Drain()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not drain")
	}
}

func TestScheduler_SuccessChainsNextTasks(t *testing.T) {
	var mu sync.Mutex
	var order []model.Stage

	registry := Registry{
		model.StageIngest: func(_ context.Context, task Task) (*Outcome, error) {
			mu.Lock()
			order = append(order, model.StageIngest)
			mu.Unlock()
			return &Outcome{
				Summary: "stored",
				Next:    []Task{{Stage: model.StageClassify, MessageID: task.MessageID}},
			}, nil
		},
		model.StageClassify: func(context.Context, Task) (*Outcome, error) {
			mu.Lock()
			order = append(order, model.StageClassify)
			mu.Unlock()
			return &Outcome{Summary: "inquiry 0.93"}, nil
		},
	}
	h := newHarness(t, registry)

	require.True(t, h.s.Submit(context.Background(), Task{Stage: model.StageIngest, MessageID: "msg-1"}))
	h.settle(t)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []model.Stage{model.StageIngest, model.StageClassify}, order)

	recs := h.records.byStage(model.StageClassify)
	require.Len(t, recs, 1)
	assert.Equal(t, model.TaskStatusSuccess, recs[0].Status)
	assert.Equal(t, "inquiry 0.93", recs[0].OutputSummary)
	assert.Empty(t, h.dlq.all())
}

func TestScheduler_RetriesTransientThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	registry := Registry{
		model.StageReconcileOrder: func(context.Context, Task) (*Outcome, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls < 3 {
				return nil, resilience.NewTransientError(errors.New("database is locked"), 0)
			}
			return &Outcome{Summary: "matched customer"}, nil
		},
	}
	h := newHarness(t, registry)

	h.s.Submit(context.Background(), Task{Stage: model.StageReconcileOrder, MessageID: "msg-1"})
	h.settle(t)

	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()

	recs := h.records.byStage(model.StageReconcileOrder)
	require.Len(t, recs, 3)
	assert.Equal(t, model.TaskStatusFailed, recs[0].Status)
	assert.Equal(t, 0, recs[0].Attempt)
	assert.Equal(t, model.TaskStatusFailed, recs[1].Status)
	assert.Equal(t, 1, recs[1].Attempt)
	assert.Equal(t, model.TaskStatusSuccess, recs[2].Status)
	assert.Equal(t, 2, recs[2].Attempt)
	assert.Empty(t, h.dlq.all())
}

func TestScheduler_ExhaustionDeadLetters(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	registry := Registry{
		// classify uses the model-call policy: 3 attempts.
		model.StageClassify: func(context.Context, Task) (*Outcome, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil, resilience.NewTransientError(errors.New("overloaded"), 529)
		},
	}
	h := newHarness(t, registry)

	h.s.Submit(context.Background(), Task{
		Stage:     model.StageClassify,
		MessageID: "msg-1",
		Payload:   []byte(`{"message_id":"msg-1"}`),
	})
	h.settle(t)

	maxAttempts := testPolicy(model.StageClassify).MaxAttempts
	mu.Lock()
	assert.Equal(t, maxAttempts, calls)
	mu.Unlock()

	entries := h.dlq.all()
	require.Len(t, entries, 1)
	assert.Equal(t, model.StageClassify, entries[0].Stage)
	assert.Equal(t, maxAttempts-1, entries[0].RetryCount)
	assert.Equal(t, []byte(`{"message_id":"msg-1"}`), entries[0].Payload)
	assert.NotEmpty(t, entries[0].StackTrace)
	assert.False(t, entries[0].Permanent)

	recs := h.records.byStage(model.StageClassify)
	require.Len(t, recs, maxAttempts)
	assert.Equal(t, model.TaskStatusDeadLettered, recs[len(recs)-1].Status)

	assert.Equal(t, []string{"classify/msg-1"}, h.notes.deadLetters)
}

func TestScheduler_PermanentErrorDeadLettersImmediately(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	registry := Registry{
		model.StageGenerateOffer: func(context.Context, Task) (*Outcome, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil, resilience.NewPermanentError(errors.New("order has no estimate"))
		},
	}
	h := newHarness(t, registry)

	h.s.Submit(context.Background(), Task{Stage: model.StageGenerateOffer, MessageID: "msg-1"})
	h.settle(t)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()

	entries := h.dlq.all()
	require.Len(t, entries, 1)
	assert.Zero(t, entries[0].RetryCount)
	assert.True(t, entries[0].Permanent)
}

func TestScheduler_UnknownStageDeadLetters(t *testing.T) {
	h := newHarness(t, Registry{})

	h.s.Submit(context.Background(), Task{Stage: model.StageParse, MessageID: "msg-1"})
	h.settle(t)

	entries := h.dlq.all()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Error, "unknown stage")
}

func TestScheduler_Replay(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	registry := Registry{
		model.StageParse: func(context.Context, Task) (*Outcome, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return &Outcome{Summary: "extracted"}, nil
		},
	}
	h := newHarness(t, registry)
	ctx := context.Background()

	entry := &model.DeadLetterEntry{
		Stage:      model.StageParse,
		MessageID:  "msg-1",
		Payload:    []byte(`{"message_id":"msg-1"}`),
		Error:      "timeout",
		RetryCount: 2,
	}
	require.NoError(t, h.dlq.CreateDeadLetter(ctx, entry))

	require.NoError(t, h.s.Replay(ctx, entry.ID))
	h.settle(t)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()

	got, err := h.dlq.GetDeadLetter(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)
}

func TestScheduler_ReplayFailureUpdatesOriginalEntry(t *testing.T) {
	registry := Registry{
		model.StageParse: func(context.Context, Task) (*Outcome, error) {
			return nil, resilience.NewPermanentError(errors.New("attachment missing"))
		},
	}
	h := newHarness(t, registry)
	ctx := context.Background()

	entry := &model.DeadLetterEntry{
		Stage:      model.StageParse,
		MessageID:  "msg-1",
		Payload:    []byte(`{"message_id":"msg-1"}`),
		Error:      "timeout",
		RetryCount: 2,
	}
	require.NoError(t, h.dlq.CreateDeadLetter(ctx, entry))

	require.NoError(t, h.s.Replay(ctx, entry.ID))
	h.settle(t)

	// The replayed task failed again: no sibling row, and the failure
	// class is recorded on the original.
	entries := h.dlq.all()
	require.Len(t, entries, 1)
	assert.Equal(t, entry.ID, entries[0].ID)
	assert.Equal(t, 3, entries[0].RetryCount)
	assert.True(t, entries[0].Permanent)

	assert.Equal(t, []string{"parse/msg-1"}, h.notes.deadLetters)
}

func TestScheduler_Replay_ResolvedRejected(t *testing.T) {
	h := newHarness(t, Registry{model.StageParse: func(context.Context, Task) (*Outcome, error) {
		return &Outcome{}, nil
	}})
	ctx := context.Background()

	entry := &model.DeadLetterEntry{Stage: model.StageParse, Resolved: true}
	require.NoError(t, h.dlq.CreateDeadLetter(ctx, entry))

	err := h.s.Replay(ctx, entry.ID)
	assert.ErrorIs(t, err, store.ErrAlreadyResolved)
}

func TestScheduler_Replay_UnknownStageRejected(t *testing.T) {
	h := newHarness(t, Registry{})
	ctx := context.Background()

	entry := &model.DeadLetterEntry{Stage: model.Stage("bogus")}
	require.NoError(t, h.dlq.CreateDeadLetter(ctx, entry))

	err := h.s.Replay(ctx, entry.ID)
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestScheduler_QueuePartition(t *testing.T) {
	// AI stages and fast stages land on separate queues; a handler stuck
	// on the AI queue must not block fast work.
	blockAI := make(chan struct{})
	fastDone := make(chan struct{})

	registry := Registry{
		model.StageClassify: func(ctx context.Context, _ Task) (*Outcome, error) {
			select {
			case <-blockAI:
			case <-ctx.Done():
			}
			return &Outcome{}, nil
		},
		model.StageIngest: func(context.Context, Task) (*Outcome, error) {
			close(fastDone)
			return &Outcome{}, nil
		},
	}
	h := newHarness(t, registry)
	ctx := context.Background()

	// Saturate both AI workers.
	h.s.Submit(ctx, Task{Stage: model.StageClassify, MessageID: "a"})
	h.s.Submit(ctx, Task{Stage: model.StageClassify, MessageID: "b"})
	h.s.Submit(ctx, Task{Stage: model.StageIngest, MessageID: "c"})

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast stage blocked behind AI queue")
	}
	close(blockAI)
	h.settle(t)
}
