package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/masserfx/steelflow/internal/model"
	"github.com/masserfx/steelflow/internal/resilience"
	"github.com/masserfx/steelflow/internal/scheduler"
	"github.com/masserfx/steelflow/internal/store"
)

// handleProcessAttachment triages one document. Technical drawings chain
// into drawing analysis; everything else just waits to be linked to the
// resolved order.
func (e *Env) handleProcessAttachment(ctx context.Context, task scheduler.Task) (*scheduler.Outcome, error) {
	var p StagePayload
	if err := decodePayload(task.Payload, &p); err != nil {
		return nil, err
	}

	att, err := e.getAttachment(ctx, p.AttachmentID)
	if err != nil {
		return nil, err
	}

	var next []scheduler.Task
	if att.IsDrawing() {
		next = append(next, stageTask(model.StageAnalyzeDrawing, StagePayload{
			MessageID:    p.MessageID,
			AttachmentID: att.ID,
		}))
	}

	return &scheduler.Outcome{
		Summary: fmt.Sprintf("%s (%s, %d bytes) drawing=%t", att.Filename, att.ContentType, att.Size, att.IsDrawing()),
		Next:    next,
	}, nil
}

// handleAnalyzeDrawing runs the drawing analysis model over the document's
// extracted text and advances its state.
func (e *Env) handleAnalyzeDrawing(ctx context.Context, task scheduler.Task) (*scheduler.Outcome, error) {
	var p StagePayload
	if err := decodePayload(task.Payload, &p); err != nil {
		return nil, err
	}

	att, err := e.getAttachment(ctx, p.AttachmentID)
	if err != nil {
		return nil, err
	}

	analysis, usage, err := e.Drawings.AnalyzeDrawing(ctx, att.Filename, att.RawText)
	if err != nil {
		return nil, err
	}
	if err := e.Store.SetAttachmentAnalysis(ctx, att.ID, analysis); err != nil {
		return nil, err
	}

	return &scheduler.Outcome{
		Summary: fmt.Sprintf("%s: %d dimensions, %d materials", att.Filename, len(analysis.Dimensions), len(analysis.Materials)),
		Usage:   usage,
	}, nil
}

func (e *Env) getAttachment(ctx context.Context, id string) (*model.Attachment, error) {
	att, err := e.Store.GetAttachment(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, resilience.NewPermanentError(err)
		}
		return nil, err
	}
	return att, nil
}
