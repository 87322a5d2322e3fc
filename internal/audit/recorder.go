// Package audit persists one task record per stage attempt so that every
// message's path through the pipeline can be reconstructed afterwards.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/masserfx/steelflow/internal/model"
)

// maxSummaryLen caps stored input/output summaries so a pathological
// payload cannot bloat the audit table.
const maxSummaryLen = 512

// RecordStore is the store subset the recorder writes through.
type RecordStore interface {
	AppendTaskRecord(ctx context.Context, rec *model.TaskRecord) error
}

// Recorder writes task records. Audit writes are best effort: a failed
// write is logged and swallowed so it can never fail the stage it is
// describing.
type Recorder struct {
	store RecordStore
}

// NewRecorder creates a Recorder backed by the given store.
func NewRecorder(store RecordStore) *Recorder {
	return &Recorder{store: store}
}

// Attempt describes one execution of a stage handler.
type Attempt struct {
	MessageID     string
	Stage         model.Stage
	Attempt       int
	Status        model.TaskStatus
	InputSummary  string
	OutputSummary string
	TokenUsage    model.TokenUsage
	Duration      time.Duration
	Err           error
}

// Record persists a task record for the attempt.
func (r *Recorder) Record(ctx context.Context, a Attempt) {
	rec := &model.TaskRecord{
		MessageID:     a.MessageID,
		Stage:         a.Stage,
		Attempt:       a.Attempt,
		Status:        a.Status,
		InputSummary:  Truncate(a.InputSummary),
		OutputSummary: Truncate(a.OutputSummary),
		TokenUsage:    a.TokenUsage,
		DurationMS:    a.Duration.Milliseconds(),
		CreatedAt:     time.Now().UTC(),
	}
	if a.Err != nil {
		rec.Error = a.Err.Error()
	}

	if err := r.store.AppendTaskRecord(ctx, rec); err != nil {
		zap.L().Warn("audit: failed to append task record",
			zap.String("message_id", a.MessageID),
			zap.String("stage", string(a.Stage)),
			zap.Int("attempt", a.Attempt),
			zap.Error(err),
		)
	}
}

// Truncate caps a summary string at maxSummaryLen bytes, appending an
// ellipsis marker when it was cut.
func Truncate(s string) string {
	if len(s) <= maxSummaryLen {
		return s
	}
	cut := maxSummaryLen - 3
	// Do not split a multi-byte rune.
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "..."
}
