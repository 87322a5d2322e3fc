package pipeline

import (
	"encoding/json"
	"time"

	"github.com/masserfx/steelflow/internal/model"
	"github.com/masserfx/steelflow/internal/scheduler"
	"github.com/masserfx/steelflow/internal/store"
	"github.com/masserfx/steelflow/pkg/ai"
	"github.com/masserfx/steelflow/pkg/notify"
)

// CostingConfig carries the commercial parameters applied on top of the
// model's raw estimate. These are business decisions, never model output.
type CostingConfig struct {
	LaborRate     float64
	MarginPercent float64
}

// Env bundles every collaborator the stage handlers need. All fields but
// Notifier and Clock are required.
type Env struct {
	Store      store.Store
	Classifier ai.Classifier
	Parser     ai.Parser
	Drawings   ai.DrawingAnalyzer
	Estimator  ai.Estimator
	Notifier   notify.Notifier
	Engine     *Engine
	Route      RouteConfig
	Costing    CostingConfig
	// OfferDir is where generated offer workbooks land.
	OfferDir string
	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Handlers returns the complete stage registry for the scheduler. Every
// pipeline stage has exactly one handler.
func (e *Env) Handlers() scheduler.Registry {
	return scheduler.Registry{
		model.StageIngest:            e.handleIngest,
		model.StageClassify:          e.handleClassify,
		model.StageParse:             e.handleParse,
		model.StageProcessAttachment: e.handleProcessAttachment,
		model.StageAnalyzeDrawing:    e.handleAnalyzeDrawing,
		model.StageReconcileOrder:    e.handleReconcile,
		model.StageEstimateCost:      e.handleEstimate,
		model.StageGenerateOffer:     e.handleGenerateOffer,
	}
}

func (e *Env) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

func (e *Env) notify() notify.Notifier {
	if e.Notifier != nil {
		return e.Notifier
	}
	return notify.Nop{}
}

// stageTask builds a scheduler task for one stage. StagePayload marshals
// unconditionally, so the error path is unreachable.
func stageTask(stage model.Stage, p StagePayload) scheduler.Task {
	data, _ := json.Marshal(p)
	return scheduler.Task{Stage: stage, Payload: data, MessageID: p.MessageID}
}

// chainNext pops the next stage off the payload's remaining plan.
func chainNext(p StagePayload) []scheduler.Task {
	if len(p.Rest) == 0 {
		return nil
	}
	return []scheduler.Task{stageTask(p.Rest[0], StagePayload{
		MessageID: p.MessageID,
		OrderID:   p.OrderID,
		Rest:      p.Rest[1:],
	})}
}
