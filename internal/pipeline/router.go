package pipeline

import "github.com/masserfx/steelflow/internal/model"

// TerminalAction ends a message's pipeline run without further stages.
type TerminalAction string

const (
	TerminalNone     TerminalAction = ""
	TerminalReview   TerminalAction = "review"
	TerminalEscalate TerminalAction = "escalate"
	TerminalArchive  TerminalAction = "archive"
)

// Plan is the router's decision for one classified message. Sequential
// stages run one after another; FanOut stages run concurrently per
// attachment and never block the sequential chain.
type Plan struct {
	Sequential []model.Stage
	FanOut     []model.Stage
	Terminal   TerminalAction
}

// RouteConfig holds the routing knobs read from configuration at startup.
type RouteConfig struct {
	// ReviewThreshold is the minimum classification confidence; anything
	// below lands in the human review queue.
	ReviewThreshold float64
	// AutoEstimate chains cost estimation after reconciliation for
	// inquiries.
	AutoEstimate bool
	// AutoOffer chains offer generation after estimation.
	AutoOffer bool
}

// routeEntry is one row of the routing table.
type routeEntry struct {
	sequential []model.Stage
	// estimate marks categories whose chain extends to cost estimation
	// and offer generation when the corresponding flags are on.
	estimate bool
	terminal TerminalAction
}

var routeTable = map[model.Category]routeEntry{
	model.CategoryInquiry:        {sequential: []model.Stage{model.StageParse, model.StageReconcileOrder}, estimate: true},
	model.CategoryPurchaseOrder:  {sequential: []model.Stage{model.StageParse, model.StageReconcileOrder}},
	model.CategoryComplaint:      {terminal: TerminalEscalate},
	model.CategoryQuestion:       {terminal: TerminalEscalate},
	model.CategoryCommercial:     {terminal: TerminalArchive},
	model.CategoryUnclassifiable: {terminal: TerminalReview},
}

// Route maps a classification onto a processing plan. Review takes
// precedence over escalation, escalation over archival. Low confidence
// always wins: a confidently wrong route costs more than a human look.
func Route(cfg RouteConfig, category model.Category, confidence float64, hasAttachments bool) Plan {
	if !category.Valid() || confidence < cfg.ReviewThreshold {
		return Plan{Terminal: TerminalReview}
	}

	entry := routeTable[category]
	if entry.terminal != TerminalNone {
		return Plan{Terminal: entry.terminal}
	}

	seq := make([]model.Stage, len(entry.sequential))
	copy(seq, entry.sequential)
	if entry.estimate && cfg.AutoEstimate {
		seq = append(seq, model.StageEstimateCost)
		if cfg.AutoOffer {
			seq = append(seq, model.StageGenerateOffer)
		}
	}

	plan := Plan{Sequential: seq}
	if hasAttachments {
		plan.FanOut = []model.Stage{model.StageProcessAttachment}
	}
	return plan
}
