package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/masserfx/steelflow/internal/model"
)

// estimatePrompt is the system prompt for cost estimation.
const estimatePrompt = `You are estimating production cost for a steel fabrication order. You receive the requested items and any data extracted from technical drawings. Prices are in CZK.

Estimate:
- "material_cost": total material cost based on item quantities and steel grades
- "labor_hours": total fabrication hours (cutting, welding, machining, finishing)
- "overhead": consumables, energy, and handling
- "breakdown": itemized cost lines, each {"label", "amount"}

Be conservative; production will review the numbers. Respond with ONLY valid JSON, no other text:
{"material_cost": 0, "labor_hours": 0, "overhead": 0, "breakdown": []}`

// EstimateRequest carries everything the estimator sees about an order.
type EstimateRequest struct {
	Items    []model.OrderItem
	Drawings []model.DrawingAnalysis
	Note     string
}

// Estimator produces a raw cost estimate for an order. Labor rate and
// margin are commercial decisions applied by the caller, not the model.
type Estimator interface {
	EstimateCost(ctx context.Context, req EstimateRequest) (*model.CostEstimate, model.TokenUsage, error)
}

func (s *Service) EstimateCost(ctx context.Context, req EstimateRequest) (*model.CostEstimate, model.TokenUsage, error) {
	user, err := renderEstimateInput(req)
	if err != nil {
		return nil, model.TokenUsage{}, err
	}

	var out model.CostEstimate
	usage, err := s.completeJSON(ctx, model.StageEstimateCost, s.models.Estimator, estimatePrompt, user, &out)
	if err != nil {
		return nil, usage, err
	}
	return &out, usage, nil
}

func renderEstimateInput(req EstimateRequest) (string, error) {
	var b strings.Builder

	itemsJSON, err := json.MarshalIndent(req.Items, "", "  ")
	if err != nil {
		return "", fmt.Errorf("ai: estimate: marshal items: %w", err)
	}
	b.WriteString("Items:\n")
	b.Write(itemsJSON)

	if len(req.Drawings) > 0 {
		drawingsJSON, err := json.MarshalIndent(req.Drawings, "", "  ")
		if err != nil {
			return "", fmt.Errorf("ai: estimate: marshal drawings: %w", err)
		}
		b.WriteString("\n\nDrawing data:\n")
		b.Write(drawingsJSON)
	}
	if req.Note != "" {
		b.WriteString("\n\nNotes: ")
		b.WriteString(req.Note)
	}
	return b.String(), nil
}
