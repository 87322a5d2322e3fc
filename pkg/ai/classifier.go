package ai

import (
	"context"
	"fmt"

	"github.com/masserfx/steelflow/internal/model"
	"github.com/masserfx/steelflow/internal/resilience"
)

// classifyPrompt is the system prompt for message classification.
const classifyPrompt = `You are triaging inbound email for a steel fabrication company. Most messages are in Czech; some are in English or German. Classify the message into exactly one category:

- "inquiry": a request for a quotation or price (poptávka)
- "purchase_order": a binding order or confirmation of an offer (objednávka)
- "complaint": a complaint about delivered goods or delays (reklamace)
- "question": a question about an existing order or general question
- "commercial": marketing, newsletters, supplier offers, spam
- "unclassifiable": none of the above fits

Respond with ONLY valid JSON, no other text:
{"category": "inquiry", "confidence": 0.0, "reasoning": "brief explanation"}

Confidence is your certainty in the chosen category from 0.0 to 1.0.`

// Classification is the classifier's verdict on one message.
type Classification struct {
	Category   model.Category `json:"category"`
	Confidence float64        `json:"confidence"`
	Reasoning  string         `json:"reasoning"`
}

// Classifier assigns a category and confidence to an inbound message.
type Classifier interface {
	Classify(ctx context.Context, subject, body string, hasAttachments bool) (*Classification, model.TokenUsage, error)
}

// maxBodyChars truncates message bodies before prompting. Long quoted
// threads add tokens without adding signal.
const maxBodyChars = 16000

func (s *Service) Classify(ctx context.Context, subject, body string, hasAttachments bool) (*Classification, model.TokenUsage, error) {
	if len(body) > maxBodyChars {
		body = body[:maxBodyChars]
	}
	user := fmt.Sprintf("Subject: %s\nHas attachments: %t\n\n%s", subject, hasAttachments, body)

	var out Classification
	usage, err := s.completeJSON(ctx, model.StageClassify, s.models.Classifier, classifyPrompt, user, &out)
	if err != nil {
		return nil, usage, err
	}

	if !out.Category.Valid() {
		return nil, usage, resilience.NewTransientError(
			fmt.Errorf("ai: classify: unknown category %q", out.Category), 0)
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	return &out, usage, nil
}
