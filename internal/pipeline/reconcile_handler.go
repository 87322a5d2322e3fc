package pipeline

import (
	"context"

	"github.com/masserfx/steelflow/internal/scheduler"
)

// handleReconcile runs the reconciliation engine and threads the resolved
// order id into the remaining chain. An escalated or unresolved message
// ends the chain here.
func (e *Env) handleReconcile(ctx context.Context, task scheduler.Task) (*scheduler.Outcome, error) {
	var p StagePayload
	if err := decodePayload(task.Payload, &p); err != nil {
		return nil, err
	}

	res, err := e.Engine.Reconcile(ctx, p.MessageID)
	if err != nil {
		return nil, err
	}

	var next []scheduler.Task
	if res.Outcome == "escalated" {
		if msg, merr := e.Store.GetMessage(ctx, p.MessageID); merr == nil {
			e.notify().Escalated(ctx, msg.ID, msg.Subject, string(msg.Category))
		}
	} else if res.OrderID != "" {
		p.OrderID = res.OrderID
		next = chainNext(p)
	}

	return &scheduler.Outcome{Summary: res.Summary(), Next: next}, nil
}
