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

// handleClassify labels the message, stores the classification, and turns
// the router's plan into follow-up tasks.
func (e *Env) handleClassify(ctx context.Context, task scheduler.Task) (*scheduler.Outcome, error) {
	var p StagePayload
	if err := decodePayload(task.Payload, &p); err != nil {
		return nil, err
	}

	msg, err := e.Store.GetMessage(ctx, p.MessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, resilience.NewPermanentError(err)
		}
		return nil, err
	}

	cls, usage, err := e.Classifier.Classify(ctx, msg.Subject, msg.Body, msg.HasAttach)
	if err != nil {
		return nil, err
	}
	if err := e.Store.SetMessageClassification(ctx, msg.ID, cls.Category, cls.Confidence); err != nil {
		return nil, err
	}

	plan := Route(e.Route, cls.Category, cls.Confidence, msg.HasAttach)

	var next []scheduler.Task
	switch plan.Terminal {
	case TerminalReview:
		if err := e.Store.SetMessageStatus(ctx, msg.ID, model.MessageStatusReview); err != nil {
			return nil, err
		}
		e.notify().ReviewNeeded(ctx, msg.ID, msg.Subject,
			fmt.Sprintf("classified %s at %.2f confidence", cls.Category, cls.Confidence))
	case TerminalEscalate:
		if err := e.Store.SetMessageStatus(ctx, msg.ID, model.MessageStatusEscalated); err != nil {
			return nil, err
		}
		e.notify().Escalated(ctx, msg.ID, msg.Subject, string(cls.Category))
	case TerminalArchive:
		if err := e.Store.SetMessageStatus(ctx, msg.ID, model.MessageStatusArchived); err != nil {
			return nil, err
		}
	default:
		if err := e.Store.SetMessageStatus(ctx, msg.ID, model.MessageStatusClassified); err != nil {
			return nil, err
		}
		next = append(next, stageTask(plan.Sequential[0], StagePayload{
			MessageID: msg.ID,
			Rest:      plan.Sequential[1:],
		}))
	}

	if len(plan.FanOut) > 0 {
		atts, err := e.Store.ListMessageAttachments(ctx, msg.ID)
		if err != nil {
			return nil, err
		}
		for _, att := range atts {
			next = append(next, stageTask(model.StageProcessAttachment, StagePayload{
				MessageID:    msg.ID,
				AttachmentID: att.ID,
			}))
		}
	}

	return &scheduler.Outcome{
		Summary: fmt.Sprintf("category=%s confidence=%.2f terminal=%s", cls.Category, cls.Confidence, plan.Terminal),
		Usage:   usage,
		Next:    next,
	}, nil
}
