// Package scheduler runs pipeline stages on a worker pool with
// per-stage retry, timeout, and dead-letter handling. Model-backed
// stages run on a separate queue from fast local stages so a slow API
// cannot starve ingestion.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/masserfx/steelflow/internal/audit"
	"github.com/masserfx/steelflow/internal/model"
	"github.com/masserfx/steelflow/internal/resilience"
	"github.com/masserfx/steelflow/internal/store"
	"github.com/masserfx/steelflow/pkg/notify"
)

// Task is one unit of pipeline work: a stage applied to a payload.
// Attempt counts from zero.
type Task struct {
	Stage     model.Stage
	Payload   []byte
	Attempt   int
	MessageID string

	// dlqID carries the originating dead letter when the task is a
	// replay, so exhausting it again updates that entry instead of
	// creating a sibling.
	dlqID string
}

// Outcome is what a handler reports on success.
type Outcome struct {
	Summary string
	Usage   model.TokenUsage
	// Next tasks are enqueued after this one succeeds.
	Next []Task
}

// HandlerFunc executes one stage attempt.
type HandlerFunc func(ctx context.Context, task Task) (*Outcome, error)

// Registry maps stages to their handlers.
type Registry map[model.Stage]HandlerFunc

// DeadLetterStore is the store subset the scheduler needs.
type DeadLetterStore interface {
	CreateDeadLetter(ctx context.Context, e *model.DeadLetterEntry) error
	GetDeadLetter(ctx context.Context, id string) (*model.DeadLetterEntry, error)
	IncrementDeadLetterRetry(ctx context.Context, id string) error
	MarkDeadLetterPermanent(ctx context.Context, id string) error
}

// ErrUnknownStage is returned when no handler is registered for a task's stage.
var ErrUnknownStage = eris.New("scheduler: unknown stage")

// Config sizes the worker pool.
type Config struct {
	FastWorkers int `yaml:"fast_workers" mapstructure:"fast_workers"`
	AIWorkers   int `yaml:"ai_workers" mapstructure:"ai_workers"`
	QueueDepth  int `yaml:"queue_depth" mapstructure:"queue_depth"`
}

// DefaultConfig returns pool sizes suited to a single-node deployment.
func DefaultConfig() Config {
	return Config{FastWorkers: 8, AIWorkers: 2, QueueDepth: 256}
}

func (c Config) withDefaults() Config {
	if c.FastWorkers <= 0 {
		c.FastWorkers = 8
	}
	if c.AIWorkers <= 0 {
		c.AIWorkers = 2
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	return c
}

// Scheduler dispatches tasks to handlers with retry and dead-lettering.
type Scheduler struct {
	cfg      Config
	registry Registry
	store    DeadLetterStore
	recorder *audit.Recorder
	notifier notify.Notifier

	fastCh chan Task
	aiCh   chan Task

	// pending tracks in-flight tasks and scheduled retries so Wait can
	// drain fully.
	pending sync.WaitGroup

	mu      sync.Mutex
	stopped bool

	// policyFor is swappable in tests to shrink delays.
	policyFor func(model.Stage) resilience.Policy
	// sleep is swappable in tests; production uses time.AfterFunc.
	afterFunc func(d time.Duration, fn func()) *time.Timer
}

// New creates a Scheduler. The registry must hold a handler for every
// stage that will be submitted.
func New(cfg Config, registry Registry, store DeadLetterStore, recorder *audit.Recorder, notifier notify.Notifier) *Scheduler {
	cfg = cfg.withDefaults()
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Scheduler{
		cfg:       cfg,
		registry:  registry,
		store:     store,
		recorder:  recorder,
		notifier:  notifier,
		fastCh:    make(chan Task, cfg.QueueDepth),
		aiCh:      make(chan Task, cfg.QueueDepth),
		policyFor: resilience.PolicyFor,
		afterFunc: time.AfterFunc,
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// in-flight tasks have drained.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	for i := 0; i < s.cfg.FastWorkers; i++ {
		g.Go(func() error { return s.worker(gCtx, s.fastCh) })
	}
	for i := 0; i < s.cfg.AIWorkers; i++ {
		g.Go(func() error { return s.worker(gCtx, s.aiCh) })
	}

	<-gCtx.Done()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	err := g.Wait()
	zap.L().Info("scheduler: workers stopped")
	return err
}

// Submit enqueues a task onto its stage's queue. Returns false when the
// scheduler is shutting down or the queue did not accept the task.
func (s *Scheduler) Submit(ctx context.Context, task Task) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		zap.L().Warn("scheduler: submit after stop",
			zap.String("stage", string(task.Stage)))
		return false
	}
	s.pending.Add(1)
	s.mu.Unlock()

	ch := s.fastCh
	if task.Stage.Queue() == model.QueueAI {
		ch = s.aiCh
	}

	select {
	case ch <- task:
		return true
	case <-ctx.Done():
		s.pending.Done()
		zap.L().Warn("scheduler: submit cancelled",
			zap.String("stage", string(task.Stage)))
		return false
	}
}

// Drain blocks until every submitted task and scheduled retry has
// finished. Call after cancelling Run's context during tests or
// shutdown.
func (s *Scheduler) Drain() {
	s.pending.Wait()
}

func (s *Scheduler) worker(ctx context.Context, ch chan Task) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task := <-ch:
			s.dispatch(ctx, task)
			s.pending.Done()
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, task Task) {
	log := zap.L().With(
		zap.String("stage", string(task.Stage)),
		zap.String("message_id", task.MessageID),
		zap.Int("attempt", task.Attempt),
	)

	handler, ok := s.registry[task.Stage]
	if !ok {
		log.Error("scheduler: no handler registered")
		s.deadLetter(ctx, task, resilience.NewPermanentError(eris.Wrapf(ErrUnknownStage, "%s", task.Stage)))
		return
	}

	policy := s.policyFor(task.Stage)
	tctx, cancel := context.WithTimeout(ctx, policy.Timeout)
	start := time.Now()
	out, err := handler(tctx, task)
	duration := time.Since(start)
	cancel()

	attempt := audit.Attempt{
		MessageID:    task.MessageID,
		Stage:        task.Stage,
		Attempt:      task.Attempt,
		InputSummary: string(task.Payload),
		Duration:     duration,
	}
	if out != nil {
		attempt.OutputSummary = out.Summary
		attempt.TokenUsage = out.Usage
	}

	if err == nil {
		attempt.Status = model.TaskStatusSuccess
		s.recorder.Record(ctx, attempt)
		log.Info("scheduler: stage complete", zap.Int64("duration_ms", duration.Milliseconds()))
		if out != nil {
			for _, next := range out.Next {
				s.Submit(ctx, next)
			}
		}
		return
	}

	attempt.Err = err
	lastAttempt := task.Attempt >= policy.MaxAttempts-1

	if resilience.IsPermanent(err) || lastAttempt {
		attempt.Status = model.TaskStatusDeadLettered
		s.recorder.Record(ctx, attempt)
		log.Error("scheduler: stage dead-lettered", zap.Error(err))
		s.deadLetter(ctx, task, err)
		return
	}

	attempt.Status = model.TaskStatusFailed
	s.recorder.Record(ctx, attempt)

	delay := policy.Delay(task.Attempt)
	log.Warn("scheduler: stage failed, retrying",
		zap.Error(err),
		zap.Duration("delay", delay),
	)

	retry := task
	retry.Attempt++
	s.pending.Add(1)
	s.afterFunc(delay, func() {
		defer s.pending.Done()
		s.Submit(ctx, retry)
	})
}

func (s *Scheduler) deadLetter(ctx context.Context, task Task, cause error) {
	permanent := resilience.IsPermanent(cause)

	if task.dlqID != "" {
		// A replayed task failed again. Its entry already exists and its
		// retry count was bumped at replay time, so adding a sibling
		// would only multiply rows for the same payload.
		if permanent {
			if err := s.store.MarkDeadLetterPermanent(ctx, task.dlqID); err != nil {
				zap.L().Error("scheduler: failed to mark dead letter permanent",
					zap.String("id", task.dlqID),
					zap.Error(err),
				)
			}
		}
		s.notifier.DeadLettered(ctx, task.MessageID, string(task.Stage), cause.Error())
		return
	}

	entry := &model.DeadLetterEntry{
		Stage:      task.Stage,
		MessageID:  task.MessageID,
		Payload:    task.Payload,
		Error:      cause.Error(),
		StackTrace: eris.ToString(cause, true),
		RetryCount: task.Attempt,
		Permanent:  permanent,
	}
	if err := s.store.CreateDeadLetter(ctx, entry); err != nil {
		zap.L().Error("scheduler: failed to write dead letter",
			zap.String("stage", string(task.Stage)),
			zap.String("message_id", task.MessageID),
			zap.Error(err),
		)
	}
	s.notifier.DeadLettered(ctx, task.MessageID, string(task.Stage), cause.Error())
}

// Replay re-submits a dead-lettered task with a fresh attempt budget.
// Resolved entries cannot be replayed.
func (s *Scheduler) Replay(ctx context.Context, id string) error {
	entry, err := s.store.GetDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	if entry.Resolved {
		return eris.Wrapf(store.ErrAlreadyResolved, "scheduler: dead letter %s", id)
	}
	if _, ok := s.registry[entry.Stage]; !ok {
		return eris.Wrapf(ErrUnknownStage, "%s", entry.Stage)
	}

	if err := s.store.IncrementDeadLetterRetry(ctx, id); err != nil {
		return err
	}

	if !s.Submit(ctx, Task{
		Stage:     entry.Stage,
		Payload:   entry.Payload,
		MessageID: entry.MessageID,
		dlqID:     entry.ID,
	}) {
		return eris.New("scheduler: queue rejected replayed task")
	}
	zap.L().Info("scheduler: dead letter replayed",
		zap.String("id", id),
		zap.String("stage", string(entry.Stage)),
	)
	return nil
}
