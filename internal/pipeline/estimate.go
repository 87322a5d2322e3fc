package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/masserfx/steelflow/internal/model"
	"github.com/masserfx/steelflow/internal/resilience"
	"github.com/masserfx/steelflow/internal/scheduler"
	"github.com/masserfx/steelflow/internal/store"
	"github.com/masserfx/steelflow/pkg/ai"
)

// handleEstimate asks the model for raw costs, applies the configured
// labor rate and margin, and stores the computed estimate on the order.
func (e *Env) handleEstimate(ctx context.Context, task scheduler.Task) (*scheduler.Outcome, error) {
	var p StagePayload
	if err := decodePayload(task.Payload, &p); err != nil {
		return nil, err
	}

	order, err := e.resolveOrder(ctx, &p)
	if err != nil {
		return nil, err
	}

	msg, err := e.Store.GetMessage(ctx, p.MessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, resilience.NewPermanentError(err)
		}
		return nil, err
	}
	var note string
	if msg.Extraction != nil {
		note = msg.Extraction.Note
	}
	var drawings []model.DrawingAnalysis
	atts, err := e.Store.ListMessageAttachments(ctx, p.MessageID)
	if err != nil {
		return nil, err
	}
	for _, att := range atts {
		if att.Analysis != nil {
			drawings = append(drawings, *att.Analysis)
		}
	}

	est, usage, err := e.Estimator.EstimateCost(ctx, e.estimateRequest(order, drawings, note))
	if err != nil {
		return nil, err
	}
	est.LaborRate = e.Costing.LaborRate
	est.MarginPercent = e.Costing.MarginPercent
	est.ComputeTotal()

	if err := e.Store.SetOrderEstimate(ctx, order.ID, est); err != nil {
		return nil, err
	}

	return &scheduler.Outcome{
		Summary: fmt.Sprintf("order %s estimated at %.2f CZK", order.Number, est.Total),
		Usage:   usage,
		Next:    chainNext(p),
	}, nil
}

func (e *Env) estimateRequest(order *model.Order, drawings []model.DrawingAnalysis, note string) ai.EstimateRequest {
	return ai.EstimateRequest{Items: order.Items, Drawings: drawings, Note: note}
}

// resolveOrder loads the chain's order, falling back to the message link
// for replayed payloads written before the order id was known.
func (e *Env) resolveOrder(ctx context.Context, p *StagePayload) (*model.Order, error) {
	if p.OrderID == "" {
		msg, err := e.Store.GetMessage(ctx, p.MessageID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, resilience.NewPermanentError(err)
			}
			return nil, err
		}
		if msg.OrderID == "" {
			return nil, resilience.NewPermanentError(
				eris.Errorf("pipeline: message %s has no linked order", p.MessageID))
		}
		p.OrderID = msg.OrderID
	}

	order, err := e.Store.GetOrder(ctx, p.OrderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, resilience.NewPermanentError(err)
		}
		return nil, err
	}
	return order, nil
}
