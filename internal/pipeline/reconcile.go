package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/masserfx/steelflow/internal/model"
	"github.com/masserfx/steelflow/internal/resilience"
	"github.com/masserfx/steelflow/internal/store"
	"github.com/masserfx/steelflow/internal/textutil"
)

// EngineConfig holds the reconciliation knobs read from configuration.
type EngineConfig struct {
	// AutoCreateOrders lets the engine create orders for order-bearing
	// messages with no existing match; when off those messages escalate.
	AutoCreateOrders bool
	// OperationTemplate is the production routing scheduled when an order
	// first enters production.
	OperationTemplate []OperationTemplate
}

// Engine resolves an inbound message to a customer and an order. Matching
// runs from strongest to weakest signal: thread, reference chain,
// registration number, email, company name.
type Engine struct {
	store store.Store
	cfg   EngineConfig
	now   func() time.Time
}

// NewEngine builds a reconciliation engine.
func NewEngine(st store.Store, cfg EngineConfig) *Engine {
	if len(cfg.OperationTemplate) == 0 {
		cfg.OperationTemplate = DefaultOperationTemplate()
	}
	return &Engine{store: st, cfg: cfg, now: time.Now}
}

// ReconcileResult reports how a message was resolved.
type ReconcileResult struct {
	CustomerID  string
	OrderID     string
	OrderNumber string
	// Outcome is one of already_linked, matched_thread, matched_reference,
	// offer_accepted, matched_order_reference, created, escalated.
	Outcome string
}

// Reconcile runs the full resolution for one message. A missing message
// is a permanent failure: the payload can never succeed.
func (e *Engine) Reconcile(ctx context.Context, messageID string) (*ReconcileResult, error) {
	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, resilience.NewPermanentError(err)
		}
		return nil, err
	}

	// A message already linked to an order is a replayed or re-delivered
	// task; the first run did all the work.
	if msg.OrderID != "" {
		return &ReconcileResult{
			CustomerID: msg.CustomerID,
			OrderID:    msg.OrderID,
			Outcome:    "already_linked",
		}, nil
	}

	order, outcome, err := e.matchExisting(ctx, msg)
	if err != nil {
		return nil, err
	}

	if order != nil {
		accepted, err := e.applyOfferAcceptance(ctx, msg, order)
		if err != nil {
			return nil, err
		}
		if accepted {
			outcome = "offer_accepted"
		}
		return e.link(ctx, msg, order.CustomerID, order, outcome)
	}

	customer, err := e.resolveCustomer(ctx, msg)
	if err != nil {
		return nil, err
	}

	ex := extraction(msg)
	if ex.OrderReference != "" {
		order, err = e.store.FindOrderByReference(ctx, customer.ID, ex.OrderReference)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if order != nil {
			return e.link(ctx, msg, customer.ID, order, "matched_order_reference")
		}
	}

	if !msg.Category.OrderBearing() || !e.cfg.AutoCreateOrders {
		if err := e.store.SetMessageStatus(ctx, msg.ID, model.MessageStatusEscalated); err != nil {
			return nil, err
		}
		return &ReconcileResult{CustomerID: customer.ID, Outcome: "escalated"}, nil
	}

	order, err = e.createOrder(ctx, msg, customer, ex)
	if err != nil {
		return nil, err
	}
	return e.link(ctx, msg, customer.ID, order, "created")
}

// matchExisting finds an order by thread, then by walking the mail
// reference chain. A reference hit backfills the thread id onto the chain.
func (e *Engine) matchExisting(ctx context.Context, msg *model.InboundMessage) (*model.Order, string, error) {
	if msg.ThreadID != "" {
		prior, err := e.store.FindThreadOrder(ctx, msg.ThreadID)
		if err == nil {
			order, err := e.store.GetOrder(ctx, prior.OrderID)
			if err != nil {
				return nil, "", err
			}
			return order, "matched_thread", nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, "", err
		}
	}

	refs := msg.References
	if msg.InReplyTo != "" {
		refs = append([]string{msg.InReplyTo}, refs...)
	}
	for _, ref := range refs {
		prior, err := e.store.GetMessageByExternalID(ctx, ref)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, "", err
		}
		if prior.OrderID == "" {
			continue
		}
		if msg.ThreadID == "" {
			msg.ThreadID = prior.ThreadID
		}
		order, err := e.store.GetOrder(ctx, prior.OrderID)
		if err != nil {
			return nil, "", err
		}
		return order, "matched_reference", nil
	}
	return nil, "", nil
}

// applyOfferAcceptance treats a purchase order replying into an order with
// a pending offer as acceptance: the latest sent offer flips to accepted,
// the order advances, and the first production entry gets its operations
// scheduled backward from the due date.
func (e *Engine) applyOfferAcceptance(ctx context.Context, msg *model.InboundMessage, order *model.Order) (bool, error) {
	if msg.Category != model.CategoryPurchaseOrder || order.Status != model.OrderStatusOffer {
		return false, nil
	}

	offer, err := e.store.LatestSentOffer(ctx, order.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := e.store.MarkOfferAccepted(ctx, offer.ID); err != nil {
		// A concurrent run already flipped it; the guard keeps the
		// acceptance at-most-once.
		if !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
	}
	if err := e.store.UpdateOrderStatus(ctx, order.ID, model.OrderStatusPurchaseOrder); err != nil {
		return false, err
	}
	order.Status = model.OrderStatusPurchaseOrder

	count, err := e.store.CountOperations(ctx, order.ID)
	if err != nil {
		return false, err
	}
	if count == 0 && order.DueDate != nil {
		ops := ScheduleBackward(order.ID, *order.DueDate, e.cfg.OperationTemplate)
		if err := e.store.CreateOperations(ctx, ops); err != nil {
			return false, err
		}
	}
	return true, nil
}

// resolveCustomer matches the sender to a customer or creates one. On a
// concurrent-create unique violation the match re-runs once; a second
// miss means the store and the match disagree, which no retry will fix.
func (e *Engine) resolveCustomer(ctx context.Context, msg *model.InboundMessage) (*model.Customer, error) {
	customer, err := e.matchCustomer(ctx, msg)
	if err != nil {
		return nil, err
	}
	if customer != nil {
		return e.enrichCustomer(ctx, customer, msg)
	}

	ex := extraction(msg)
	email := ex.Email
	if email == "" {
		email = msg.Sender
	}

	customer = &model.Customer{
		ID:             uuid.NewString(),
		RegistrationNo: ex.RegistrationNo,
		Name:           ex.CompanyName,
		Email:          email,
		Phone:          ex.Phone,
		ContactName:    ex.ContactName,
	}
	if customer.RegistrationNo == "" {
		customer.RegistrationNo = model.PlaceholderRegistrationNo(email)
		customer.Placeholder = true
	}
	if customer.Name == "" {
		customer.Name = model.CompanyNameFromEmail(email)
	}

	err = e.store.CreateCustomer(ctx, customer)
	if err == nil {
		return customer, nil
	}
	if !errors.Is(err, store.ErrDuplicate) {
		return nil, err
	}

	zap.L().Debug("customer create conflict, re-matching",
		zap.String("message_id", msg.ID),
		zap.String("registration_no", customer.RegistrationNo))
	customer, merr := e.matchCustomer(ctx, msg)
	if merr != nil {
		return nil, merr
	}
	if customer == nil {
		return nil, resilience.NewPermanentError(
			eris.Wrapf(err, "pipeline: customer conflict unresolved for message %s", msg.ID))
	}
	return e.enrichCustomer(ctx, customer, msg)
}

func (e *Engine) matchCustomer(ctx context.Context, msg *model.InboundMessage) (*model.Customer, error) {
	ex := extraction(msg)

	if ex.RegistrationNo != "" {
		c, err := e.store.GetCustomerByRegistrationNo(ctx, ex.RegistrationNo)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	for _, email := range []string{ex.Email, msg.Sender} {
		if email == "" {
			continue
		}
		c, err := e.store.GetCustomerByEmail(ctx, email)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	if ex.CompanyName != "" {
		matches, err := e.store.SearchCustomersByName(ctx, textutil.Fold(ex.CompanyName))
		if err != nil {
			return nil, err
		}
		if len(matches) > 0 {
			return &matches[0], nil
		}
	}
	return nil, nil
}

// enrichCustomer fills contact fields the parser extracted that the stored
// customer is missing. Existing values are never overwritten.
func (e *Engine) enrichCustomer(ctx context.Context, c *model.Customer, msg *model.InboundMessage) (*model.Customer, error) {
	ex := extraction(msg)
	if ex.Email == "" && ex.Phone == "" && ex.ContactName == "" {
		return c, nil
	}
	if err := e.store.UpdateCustomerContact(ctx, c.ID, ex.Email, ex.Phone, ex.ContactName); err != nil {
		return nil, err
	}
	return c, nil
}

func (e *Engine) createOrder(ctx context.Context, msg *model.InboundMessage, customer *model.Customer, ex *model.Extraction) (*model.Order, error) {
	threadID := msg.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}

	order := &model.Order{
		ID:         uuid.NewString(),
		CustomerID: customer.ID,
		Status:     model.InitialOrderStatus(msg.Category),
		Priority:   model.PriorityFromUrgency(ex.Urgency),
		Title:      msg.Subject,
		Items:      ex.Items,
		DueDate:    ParseDeadline(ex.DeadlineText, e.now()),
		ThreadID:   threadID,
	}
	if err := e.store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	zap.L().Info("order created",
		zap.String("order", order.Number),
		zap.String("customer_id", customer.ID),
		zap.String("message_id", msg.ID))
	return order, nil
}

// link ties the message and its documents to the resolved order and marks
// the message processed.
func (e *Engine) link(ctx context.Context, msg *model.InboundMessage, customerID string, order *model.Order, outcome string) (*ReconcileResult, error) {
	threadID := msg.ThreadID
	if threadID == "" {
		threadID = order.ThreadID
	}
	if threadID == "" {
		threadID = uuid.NewString()
	}

	if err := e.store.LinkMessageOrder(ctx, msg.ID, customerID, order.ID, threadID); err != nil {
		return nil, err
	}
	linked, err := e.store.LinkAttachmentsToOrder(ctx, msg.ID, order.ID)
	if err != nil {
		return nil, err
	}
	if linked > 0 {
		zap.L().Debug("attachments linked to order",
			zap.String("order", order.Number), zap.Int("count", linked))
	}
	if err := e.store.SetMessageStatus(ctx, msg.ID, model.MessageStatusProcessed); err != nil {
		return nil, err
	}

	return &ReconcileResult{
		CustomerID:  customerID,
		OrderID:     order.ID,
		OrderNumber: order.Number,
		Outcome:     outcome,
	}, nil
}

func extraction(msg *model.InboundMessage) *model.Extraction {
	if msg.Extraction != nil {
		return msg.Extraction
	}
	return &model.Extraction{}
}

// Summary renders the result for the audit trail.
func (r *ReconcileResult) Summary() string {
	if r.OrderID == "" {
		return r.Outcome
	}
	return fmt.Sprintf("%s order=%s", r.Outcome, r.OrderNumber)
}
