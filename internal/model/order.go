package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Customer is matched primarily by registration number (IČO), secondarily
// by email and company name. Created by the reconciliation engine when no
// match exists.
type Customer struct {
	ID             string    `json:"id"`
	RegistrationNo string    `json:"registration_no"` // IČO; synthesized placeholder when unknown
	Name           string    `json:"name"`
	Email          string    `json:"email,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	ContactName    string    `json:"contact_name,omitempty"`
	Placeholder    bool      `json:"placeholder"` // registration number was synthesized
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PlaceholderRegistrationNo derives a stable pseudo-IČO from an email
// address for customers whose registration number is not yet known. The
// "X" prefix keeps it out of the real (numeric) IČO namespace.
func PlaceholderRegistrationNo(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return "X" + strings.ToUpper(hex.EncodeToString(sum[:])[:9])
}

// CompanyNameFromEmail derives a placeholder company name from the email
// domain: "jana@ocelex.cz" becomes "ocelex.cz".
func CompanyNameFromEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return strings.TrimSpace(email)
	}
	return strings.ToLower(strings.TrimSpace(email[at+1:]))
}

// OrderStatus is the order state machine. Transitions move forward only;
// cancelled is an operator-side exit usable from any non-terminal state.
type OrderStatus string

const (
	OrderStatusInquiry       OrderStatus = "inquiry"
	OrderStatusOffer         OrderStatus = "offer" // offer sent, awaiting decision
	OrderStatusPurchaseOrder OrderStatus = "purchase_order"
	OrderStatusProduction    OrderStatus = "production"
	OrderStatusShipping      OrderStatus = "shipping"
	OrderStatusInvoicing     OrderStatus = "invoicing"
	OrderStatusDone          OrderStatus = "done"
	OrderStatusCancelled     OrderStatus = "cancelled"
)

var orderStatusRank = map[OrderStatus]int{
	OrderStatusInquiry:       0,
	OrderStatusOffer:         1,
	OrderStatusPurchaseOrder: 2,
	OrderStatusProduction:    3,
	OrderStatusShipping:      4,
	OrderStatusInvoicing:     5,
	OrderStatusDone:          6,
}

// CanAdvanceTo reports whether moving from s to next is a forward
// transition of the state machine.
func (s OrderStatus) CanAdvanceTo(next OrderStatus) bool {
	if next == OrderStatusCancelled {
		return s != OrderStatusDone && s != OrderStatusCancelled
	}
	from, ok := orderStatusRank[s]
	if !ok {
		return false
	}
	to, ok := orderStatusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Priority orders production planning; derived from the parser's urgency
// field.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// PriorityFromUrgency maps free-form urgency text onto a priority.
func PriorityFromUrgency(urgency string) Priority {
	switch strings.ToLower(strings.TrimSpace(urgency)) {
	case "urgent", "critical", "express", "spěchá", "urgentní":
		return PriorityUrgent
	case "high", "vysoká":
		return PriorityHigh
	case "low", "nízká":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// OrderItem is one requested fabrication item.
type OrderItem struct {
	Name     string  `json:"name"`
	Material string  `json:"material,omitempty"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit,omitempty"`
	Note     string  `json:"note,omitempty"`
}

// Order belongs to exactly one customer.
type Order struct {
	ID          string        `json:"id"`
	Number      string        `json:"number"` // human-readable, ORD-YYYY-NNNN
	CustomerID  string        `json:"customer_id"`
	Status      OrderStatus   `json:"status"`
	Priority    Priority      `json:"priority"`
	Title       string        `json:"title,omitempty"`
	Items       []OrderItem   `json:"items,omitempty"`
	DueDate     *time.Time    `json:"due_date,omitempty"`
	Estimate    *CostEstimate `json:"estimate,omitempty"`
	ThreadID    string        `json:"thread_id,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// InitialOrderStatus maps a classification onto the status a newly created
// order starts in.
func InitialOrderStatus(c Category) OrderStatus {
	if c == CategoryPurchaseOrder {
		return OrderStatusPurchaseOrder
	}
	return OrderStatusInquiry
}

// CostEstimate is the output of the cost-estimation service plus the
// computed total.
type CostEstimate struct {
	MaterialCost  float64    `json:"material_cost"`
	LaborHours    float64    `json:"labor_hours"`
	LaborRate     float64    `json:"labor_rate,omitempty"`
	Overhead      float64    `json:"overhead"`
	MarginPercent float64    `json:"margin_percent"`
	Breakdown     []CostLine `json:"breakdown,omitempty"`
	Total         float64    `json:"total"`
}

// CostLine is one row of the estimate breakdown.
type CostLine struct {
	Label  string  `json:"label"`
	Amount float64 `json:"amount"`
}

// ComputeTotal derives the estimate total from its components.
func (e *CostEstimate) ComputeTotal() {
	base := e.MaterialCost + e.LaborHours*e.LaborRate + e.Overhead
	e.Total = base * (1 + e.MarginPercent/100)
}

// OfferStatus is the offer lifecycle.
type OfferStatus string

const (
	OfferStatusDraft    OfferStatus = "draft"
	OfferStatusSent     OfferStatus = "sent"
	OfferStatusAccepted OfferStatus = "accepted"
	OfferStatusRejected OfferStatus = "rejected"
)

// Offer is a priced quotation generated for an order. Acceptance flips the
// most recently sent offer exactly once.
type Offer struct {
	ID         string      `json:"id"`
	OrderID    string      `json:"order_id"`
	Number     string      `json:"number"`
	Status     OfferStatus `json:"status"`
	TotalPrice float64     `json:"total_price"`
	FilePath   string      `json:"file_path,omitempty"`
	SentAt     *time.Time  `json:"sent_at,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// OperationStatus is the production step lifecycle.
type OperationStatus string

const (
	OperationStatusPlanned    OperationStatus = "planned"
	OperationStatusInProgress OperationStatus = "in_progress"
	OperationStatusDone       OperationStatus = "done"
)

// Operation is one production step of an order, scheduled backward from
// the due date the first time the order enters production.
type Operation struct {
	ID           string          `json:"id"`
	OrderID      string          `json:"order_id"`
	Seq          int             `json:"seq"`
	Name         string          `json:"name"`
	DurationDays int             `json:"duration_days"`
	PlannedStart time.Time       `json:"planned_start"`
	PlannedEnd   time.Time       `json:"planned_end"`
	ActualStart  *time.Time      `json:"actual_start,omitempty"`
	ActualEnd    *time.Time      `json:"actual_end,omitempty"`
	Status       OperationStatus `json:"status"`
}
