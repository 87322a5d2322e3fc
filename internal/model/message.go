package model

import "time"

// Category is the classification assigned to an inbound email.
type Category string

const (
	CategoryInquiry        Category = "inquiry"
	CategoryPurchaseOrder  Category = "purchase_order"
	CategoryComplaint      Category = "complaint"
	CategoryQuestion       Category = "question"
	CategoryCommercial     Category = "commercial"
	CategoryUnclassifiable Category = "unclassifiable"
)

// AllCategories returns the closed set of classification categories.
func AllCategories() []Category {
	return []Category{
		CategoryInquiry,
		CategoryPurchaseOrder,
		CategoryComplaint,
		CategoryQuestion,
		CategoryCommercial,
		CategoryUnclassifiable,
	}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryInquiry, CategoryPurchaseOrder, CategoryComplaint,
		CategoryQuestion, CategoryCommercial, CategoryUnclassifiable:
		return true
	}
	return false
}

// OrderBearing reports whether messages of this category can create or
// advance an order.
func (c Category) OrderBearing() bool {
	return c == CategoryInquiry || c == CategoryPurchaseOrder
}

// MessageStatus tracks where a message sits in the pipeline.
type MessageStatus string

const (
	MessageStatusReceived   MessageStatus = "received"
	MessageStatusClassified MessageStatus = "classified"
	MessageStatusParsed     MessageStatus = "parsed"
	MessageStatusProcessed  MessageStatus = "processed"
	MessageStatusReview     MessageStatus = "review"
	MessageStatusEscalated  MessageStatus = "escalated"
	MessageStatusArchived   MessageStatus = "archived"
)

// InboundMessage is the immutable email envelope plus the mutable pipeline
// state each stage adds to. Created once per unique external message id;
// never deleted.
type InboundMessage struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"external_id"` // mail Message-ID header, idempotency key
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
	InReplyTo  string    `json:"in_reply_to,omitempty"`
	References []string  `json:"references,omitempty"`
	HasAttach  bool      `json:"has_attachments"`

	Category   Category      `json:"category,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	Status     MessageStatus `json:"status"`
	CustomerID string        `json:"customer_id,omitempty"`
	OrderID    string        `json:"order_id,omitempty"`
	ThreadID   string        `json:"thread_id,omitempty"`
	Extraction *Extraction   `json:"extraction,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Extraction is the parser service output stashed on the message. Every
// field is optional; the reconciliation engine tolerates full absence.
type Extraction struct {
	CompanyName    string      `json:"company_name,omitempty"`
	ContactName    string      `json:"contact_name,omitempty"`
	Email          string      `json:"email,omitempty"`
	Phone          string      `json:"phone,omitempty"`
	RegistrationNo string      `json:"registration_no,omitempty"` // IČO
	Items          []OrderItem `json:"items,omitempty"`
	DeadlineText   string      `json:"deadline_text,omitempty"`
	Urgency        string      `json:"urgency,omitempty"`
	Note           string      `json:"note,omitempty"`
	OrderReference string      `json:"order_reference,omitempty"`
}

// Attachment is a document received with a message. Attachments start
// linked to the message and are re-associated to the resolved order by
// the reconciliation engine.
type Attachment struct {
	ID          string           `json:"id"`
	MessageID   string           `json:"message_id"`
	OrderID     string           `json:"order_id,omitempty"`
	Filename    string           `json:"filename"`
	ContentType string           `json:"content_type"`
	Size        int64            `json:"size"`
	RawText     string           `json:"raw_text,omitempty"`
	State       AttachmentState  `json:"state"`
	Analysis    *DrawingAnalysis `json:"analysis,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// AttachmentState is the document lifecycle within the pipeline.
type AttachmentState string

const (
	AttachmentStateReceived AttachmentState = "received"
	AttachmentStateAnalyzed AttachmentState = "analyzed"
	AttachmentStateLinked   AttachmentState = "linked"
)

// IsDrawing reports whether the attachment should go through drawing
// analysis (technical drawings arrive as PDF or DXF exports).
func (a Attachment) IsDrawing() bool {
	switch a.ContentType {
	case "application/pdf", "image/vnd.dxf", "application/dxf", "image/tiff":
		return true
	}
	return false
}

// DrawingAnalysis is the structured output of the drawing/OCR service.
type DrawingAnalysis struct {
	Dimensions []string `json:"dimensions,omitempty"`
	Materials  []string `json:"materials,omitempty"`
	Tolerances []string `json:"tolerances,omitempty"`
	Notes      string   `json:"notes,omitempty"`
}

// TokenUsage tracks model token consumption per stage attempt.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates usage from another counter.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns combined input and output tokens.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}
