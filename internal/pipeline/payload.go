// Package pipeline implements the stage handlers, the routing decision
// table, and the reconciliation engine that turn inbound emails into
// customers, orders, estimates, and offers.
package pipeline

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/masserfx/steelflow/internal/model"
	"github.com/masserfx/steelflow/internal/resilience"
)

// AttachmentInput is one document delivered with an inbound email. Text
// holds the pre-extracted content (OCR output for scans, text layer for
// PDFs); the pipeline never touches the original binary.
type AttachmentInput struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Text        string `json:"text,omitempty"`
}

// IngestPayload is the intake envelope submitted to the ingest stage.
type IngestPayload struct {
	ExternalID  string            `json:"external_id"`
	Sender      string            `json:"sender"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	ReceivedAt  time.Time         `json:"received_at"`
	InReplyTo   string            `json:"in_reply_to,omitempty"`
	References  []string          `json:"references,omitempty"`
	Attachments []AttachmentInput `json:"attachments,omitempty"`
}

// StagePayload is the envelope every post-ingest stage runs on. Rest
// carries the remainder of the router's sequential plan so each handler
// can chain the next stage without re-deriving the route. OrderID is
// filled in by the reconciliation stage for the stages after it.
type StagePayload struct {
	MessageID    string        `json:"message_id"`
	AttachmentID string        `json:"attachment_id,omitempty"`
	OrderID      string        `json:"order_id,omitempty"`
	Rest         []model.Stage `json:"rest,omitempty"`
}

// EncodePayload serializes a stage payload for the scheduler.
func EncodePayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: encode payload")
	}
	return data, nil
}

// decodePayload unmarshals a task payload. A payload that does not parse
// can never succeed, so the failure is permanent.
func decodePayload(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return resilience.NewPermanentError(eris.Wrap(err, "pipeline: decode payload"))
	}
	return nil
}
