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

// handleParse extracts structured order data from the message body and
// stashes it for the reconciliation engine.
func (e *Env) handleParse(ctx context.Context, task scheduler.Task) (*scheduler.Outcome, error) {
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

	ex, usage, err := e.Parser.Extract(ctx, msg.Subject, msg.Body)
	if err != nil {
		return nil, err
	}
	if err := e.Store.SetMessageExtraction(ctx, msg.ID, ex); err != nil {
		return nil, err
	}
	if err := e.Store.SetMessageStatus(ctx, msg.ID, model.MessageStatusParsed); err != nil {
		return nil, err
	}

	return &scheduler.Outcome{
		Summary: fmt.Sprintf("extracted %d items, company %q", len(ex.Items), ex.CompanyName),
		Usage:   usage,
		Next:    chainNext(p),
	}, nil
}
