package model

// Stage identifies one step of the fixed processing pipeline. The set is
// closed: the scheduler refuses to dispatch a stage it has no handler for.
type Stage string

const (
	StageIngest            Stage = "ingest"
	StageClassify          Stage = "classify"
	StageParse             Stage = "parse"
	StageProcessAttachment Stage = "process_attachment"
	StageAnalyzeDrawing    Stage = "analyze_drawing"
	StageReconcileOrder    Stage = "reconcile_order"
	StageEstimateCost      Stage = "estimate_cost"
	StageGenerateOffer     Stage = "generate_offer"
)

// AllStages returns every pipeline stage in topological order.
func AllStages() []Stage {
	return []Stage{
		StageIngest,
		StageClassify,
		StageParse,
		StageProcessAttachment,
		StageAnalyzeDrawing,
		StageReconcileOrder,
		StageEstimateCost,
		StageGenerateOffer,
	}
}

// Valid reports whether s is a known pipeline stage.
func (s Stage) Valid() bool {
	switch s {
	case StageIngest, StageClassify, StageParse, StageProcessAttachment,
		StageAnalyzeDrawing, StageReconcileOrder, StageEstimateCost, StageGenerateOffer:
		return true
	}
	return false
}

// QueueClass partitions stages by cost/latency profile. Cheap I/O-bound
// stages run on the fast queue; model-bound stages on the ai queue.
type QueueClass string

const (
	QueueFast QueueClass = "fast"
	QueueAI   QueueClass = "ai"
)

// Queue returns the worker queue a stage is dispatched on.
func (s Stage) Queue() QueueClass {
	switch s {
	case StageClassify, StageParse, StageAnalyzeDrawing, StageEstimateCost:
		return QueueAI
	default:
		return QueueFast
	}
}
