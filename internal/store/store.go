// Package store persists the pipeline's entities. Two backends implement
// the same interface: SQLite for local/dev deployments and Postgres for
// production. Both carry the uniqueness constraint on the customer
// registration number that the reconciliation engine's conflict-retry
// depends on.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/masserfx/steelflow/internal/model"
)

// Sentinel errors shared by both backends. Callers test with errors.Is.
var (
	ErrNotFound        = eris.New("store: not found")
	ErrAlreadyResolved = eris.New("store: dead letter already resolved")
	ErrDuplicate       = eris.New("store: duplicate key")
)

// TaskFilter selects task records for the monitoring read path.
type TaskFilter struct {
	MessageID    string
	Stage        model.Stage
	Status       model.TaskStatus
	CreatedAfter time.Time
	Limit        int
}

// DeadLetterFilter selects dead-letter entries for the operator queue.
type DeadLetterFilter struct {
	Resolved *bool
	Stage    model.Stage
	Limit    int
}

// Store is the persistence contract the pipeline runs against.
type Store interface {
	// Messages
	//
	// UpsertMessage creates the message if its external id is unseen and
	// returns the stored row either way; created reports whether this call
	// inserted it. This is the pipeline's idempotency key: re-delivery of
	// a message never creates a second row.
	UpsertMessage(ctx context.Context, m *model.InboundMessage) (stored *model.InboundMessage, created bool, err error)
	GetMessage(ctx context.Context, id string) (*model.InboundMessage, error)
	GetMessageByExternalID(ctx context.Context, externalID string) (*model.InboundMessage, error)
	// FindThreadOrder returns the most recent message of the thread that
	// carries a linked order, or ErrNotFound.
	FindThreadOrder(ctx context.Context, threadID string) (*model.InboundMessage, error)
	SetMessageClassification(ctx context.Context, id string, category model.Category, confidence float64) error
	SetMessageExtraction(ctx context.Context, id string, ex *model.Extraction) error
	SetMessageStatus(ctx context.Context, id string, status model.MessageStatus) error
	LinkMessageOrder(ctx context.Context, id, customerID, orderID, threadID string) error
	// ListStaleMessages returns messages stuck in an in-flight status
	// (received, classified, parsed) untouched since the cutoff, oldest
	// first.
	ListStaleMessages(ctx context.Context, olderThan time.Time, limit int) ([]model.InboundMessage, error)

	// Customers
	GetCustomerByRegistrationNo(ctx context.Context, regNo string) (*model.Customer, error)
	GetCustomerByEmail(ctx context.Context, email string) (*model.Customer, error)
	// SearchCustomersByName matches a folded substring against the stored
	// folded company name, newest first.
	SearchCustomersByName(ctx context.Context, foldedName string) ([]model.Customer, error)
	// CreateCustomer returns ErrDuplicate when the registration number is
	// already taken; the caller re-runs the match once.
	CreateCustomer(ctx context.Context, c *model.Customer) error
	UpdateCustomerContact(ctx context.Context, id, email, phone, contactName string) error

	// Orders
	//
	// CreateOrder allocates the human-readable order number atomically.
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	FindOrderByReference(ctx context.Context, customerID, reference string) (*model.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status model.OrderStatus) error
	SetOrderEstimate(ctx context.Context, id string, est *model.CostEstimate) error

	// Offers
	CreateOffer(ctx context.Context, o *model.Offer) error
	LatestSentOffer(ctx context.Context, orderID string) (*model.Offer, error)
	MarkOfferAccepted(ctx context.Context, offerID string) error

	// Operations
	CountOperations(ctx context.Context, orderID string) (int, error)
	CreateOperations(ctx context.Context, ops []model.Operation) error
	ListOperations(ctx context.Context, orderID string) ([]model.Operation, error)

	// Attachments
	CreateAttachment(ctx context.Context, a *model.Attachment) error
	GetAttachment(ctx context.Context, id string) (*model.Attachment, error)
	ListMessageAttachments(ctx context.Context, messageID string) ([]model.Attachment, error)
	SetAttachmentAnalysis(ctx context.Context, id string, analysis *model.DrawingAnalysis) error
	LinkAttachmentsToOrder(ctx context.Context, messageID, orderID string) (int, error)

	// Task records (append-only audit trail)
	AppendTaskRecord(ctx context.Context, rec *model.TaskRecord) error
	ListTaskRecords(ctx context.Context, filter TaskFilter) ([]model.TaskRecord, error)

	// Dead letters
	CreateDeadLetter(ctx context.Context, e *model.DeadLetterEntry) error
	GetDeadLetter(ctx context.Context, id string) (*model.DeadLetterEntry, error)
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]model.DeadLetterEntry, error)
	// ResolveDeadLetter is monotonic: resolving twice returns
	// ErrAlreadyResolved and leaves the original resolution metadata alone.
	ResolveDeadLetter(ctx context.Context, id, resolvedBy string) error
	IncrementDeadLetterRetry(ctx context.Context, id string) error
	MarkDeadLetterPermanent(ctx context.Context, id string) error
	CountDeadLetters(ctx context.Context) (unresolved, resolved int, err error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
