package ai

import (
	"context"
	"fmt"

	"github.com/masserfx/steelflow/internal/model"
)

// parsePrompt is the system prompt for structured extraction.
const parsePrompt = `You are extracting structured order data from email sent to a steel fabrication company. Messages are mostly Czech. Extract what is present; omit or leave empty what is not. Do not invent values.

Fields:
- "company_name": the sender's company
- "contact_name": the person writing
- "email", "phone": contact details found in the text or signature
- "registration_no": the Czech company registration number (IČO), 8 digits
- "order_reference": an order number the message refers to, e.g. "ORD-2025-0042"
- "items": requested items, each {"name", "material", "quantity", "unit", "note"}
- "deadline_text": the delivery deadline exactly as written, e.g. "6 týdnů", "do 15.3.2025", "co nejdříve"
- "urgency": "low", "normal", "high" or "urgent" based on the message tone
- "note": anything else production should know

Respond with ONLY valid JSON, no other text:
{"company_name": "", "contact_name": "", "email": "", "phone": "", "registration_no": "", "order_reference": "", "items": [], "deadline_text": "", "urgency": "", "note": ""}`

// Parser extracts structured order data from a message.
type Parser interface {
	Extract(ctx context.Context, subject, body string) (*model.Extraction, model.TokenUsage, error)
}

func (s *Service) Extract(ctx context.Context, subject, body string) (*model.Extraction, model.TokenUsage, error) {
	if len(body) > maxBodyChars {
		body = body[:maxBodyChars]
	}
	user := fmt.Sprintf("Subject: %s\n\n%s", subject, body)

	var out model.Extraction
	usage, err := s.completeJSON(ctx, model.StageParse, s.models.Parser, parsePrompt, user, &out)
	if err != nil {
		return nil, usage, err
	}
	return &out, usage, nil
}
