package ai

import (
	"context"
	"fmt"

	"github.com/masserfx/steelflow/internal/model"
)

// drawingPrompt is the system prompt for technical drawing analysis.
const drawingPrompt = `You are reading OCR text extracted from a technical drawing sent to a steel fabrication company. Pull out the production-relevant facts:

- "dimensions": dimension callouts, e.g. "200x80x10", "⌀25"
- "materials": material grades, e.g. "S235JR", "1.4301", "S355"
- "tolerances": tolerance callouts, e.g. "±0.1", "ISO 2768-mK"
- "notes": weld symbols, surface treatment, or other remarks production needs

Respond with ONLY valid JSON, no other text:
{"dimensions": [], "materials": [], "tolerances": [], "notes": ""}`

// DrawingAnalyzer extracts production data from a drawing's OCR text.
type DrawingAnalyzer interface {
	AnalyzeDrawing(ctx context.Context, filename, ocrText string) (*model.DrawingAnalysis, model.TokenUsage, error)
}

func (s *Service) AnalyzeDrawing(ctx context.Context, filename, ocrText string) (*model.DrawingAnalysis, model.TokenUsage, error) {
	if len(ocrText) > maxBodyChars {
		ocrText = ocrText[:maxBodyChars]
	}
	user := fmt.Sprintf("File: %s\n\n%s", filename, ocrText)

	var out model.DrawingAnalysis
	usage, err := s.completeJSON(ctx, model.StageAnalyzeDrawing, s.models.Drawing, drawingPrompt, user, &out)
	if err != nil {
		return nil, usage, err
	}
	return &out, usage, nil
}
