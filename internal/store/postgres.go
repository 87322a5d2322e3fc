package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/masserfx/steelflow/internal/db"
	"github.com/masserfx/steelflow/internal/model"
	"github.com/masserfx/steelflow/internal/textutil"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations. Every stage attempt
// appends a task record and loads its message, so those dominate.
var preparedStatements = map[string]string{
	"get_message":        `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`,
	"append_task_record": `INSERT INTO task_records (id, message_id, stage, attempt, status, input_summary, output_summary, input_tokens, output_tokens, duration_ms, error, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
	"set_message_status": `UPDATE messages SET status = $1, updated_at = $2 WHERE id = $3`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}

	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	external_id     TEXT NOT NULL UNIQUE,
	sender          TEXT NOT NULL,
	subject         TEXT NOT NULL DEFAULT '',
	body            TEXT NOT NULL DEFAULT '',
	received_at     TIMESTAMPTZ NOT NULL,
	in_reply_to     TEXT NOT NULL DEFAULT '',
	refs            JSONB NOT NULL DEFAULT '[]',
	has_attachments BOOLEAN NOT NULL DEFAULT FALSE,
	category        TEXT NOT NULL DEFAULT '',
	confidence      DOUBLE PRECISION NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'received',
	customer_id     TEXT NOT NULL DEFAULT '',
	order_id        TEXT NOT NULL DEFAULT '',
	thread_id       TEXT NOT NULL DEFAULT '',
	extraction      JSONB,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS customers (
	id              TEXT PRIMARY KEY,
	registration_no TEXT NOT NULL UNIQUE,
	name            TEXT NOT NULL,
	name_folded     TEXT NOT NULL,
	email           TEXT NOT NULL DEFAULT '',
	phone           TEXT NOT NULL DEFAULT '',
	contact_name    TEXT NOT NULL DEFAULT '',
	placeholder     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	id          TEXT PRIMARY KEY,
	number      TEXT NOT NULL UNIQUE,
	customer_id TEXT NOT NULL REFERENCES customers(id),
	status      TEXT NOT NULL,
	priority    TEXT NOT NULL DEFAULT 'normal',
	title       TEXT NOT NULL DEFAULT '',
	items       JSONB NOT NULL DEFAULT '[]',
	due_date    TIMESTAMPTZ,
	estimate    JSONB,
	thread_id   TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS order_counters (
	year INTEGER PRIMARY KEY,
	n    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS offers (
	id          TEXT PRIMARY KEY,
	order_id    TEXT NOT NULL REFERENCES orders(id),
	number      TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'draft',
	total_price DOUBLE PRECISION NOT NULL DEFAULT 0,
	file_path   TEXT NOT NULL DEFAULT '',
	sent_at     TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS operations (
	id            TEXT PRIMARY KEY,
	order_id      TEXT NOT NULL REFERENCES orders(id),
	seq           INTEGER NOT NULL,
	name          TEXT NOT NULL,
	duration_days INTEGER NOT NULL,
	planned_start TIMESTAMPTZ NOT NULL,
	planned_end   TIMESTAMPTZ NOT NULL,
	actual_start  TIMESTAMPTZ,
	actual_end    TIMESTAMPTZ,
	status        TEXT NOT NULL DEFAULT 'planned'
);

CREATE TABLE IF NOT EXISTS attachments (
	id           TEXT PRIMARY KEY,
	message_id   TEXT NOT NULL REFERENCES messages(id),
	order_id     TEXT NOT NULL DEFAULT '',
	filename     TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	size         BIGINT NOT NULL DEFAULT 0,
	raw_text     TEXT NOT NULL DEFAULT '',
	state        TEXT NOT NULL DEFAULT 'received',
	analysis     JSONB,
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS task_records (
	id             TEXT PRIMARY KEY,
	message_id     TEXT NOT NULL DEFAULT '',
	stage          TEXT NOT NULL,
	attempt        INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL,
	input_summary  TEXT NOT NULL DEFAULT '',
	output_summary TEXT NOT NULL DEFAULT '',
	input_tokens   INTEGER NOT NULL DEFAULT 0,
	output_tokens  INTEGER NOT NULL DEFAULT 0,
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	error          TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id          TEXT PRIMARY KEY,
	stage       TEXT NOT NULL,
	message_id  TEXT NOT NULL DEFAULT '',
	payload     BYTEA NOT NULL,
	error       TEXT NOT NULL,
	stack_trace TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	permanent   BOOLEAN NOT NULL DEFAULT FALSE,
	resolved    BOOLEAN NOT NULL DEFAULT FALSE,
	resolved_by TEXT NOT NULL DEFAULT '',
	resolved_at TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);
CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);
CREATE INDEX IF NOT EXISTS idx_customers_email ON customers(email);
CREATE INDEX IF NOT EXISTS idx_customers_name_folded ON customers(name_folded);
CREATE INDEX IF NOT EXISTS idx_orders_customer ON orders(customer_id);
CREATE INDEX IF NOT EXISTS idx_offers_order ON offers(order_id);
CREATE INDEX IF NOT EXISTS idx_operations_order ON operations(order_id);
CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);
CREATE INDEX IF NOT EXISTS idx_task_records_message ON task_records(message_id);
CREATE INDEX IF NOT EXISTS idx_task_records_stage ON task_records(stage);
CREATE INDEX IF NOT EXISTS idx_dead_letters_resolved ON dead_letters(resolved);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Messages

func (s *PostgresStore) UpsertMessage(ctx context.Context, m *model.InboundMessage) (*model.InboundMessage, bool, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	if m.Status == "" {
		m.Status = model.MessageStatusReceived
	}

	refsJSON, err := json.Marshal(m.References)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: marshal references")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO messages
		 (id, external_id, sender, subject, body, received_at, in_reply_to, refs, has_attachments, status, thread_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (external_id) DO NOTHING`,
		m.ID, m.ExternalID, m.Sender, m.Subject, m.Body, m.ReceivedAt.UTC(),
		m.InReplyTo, string(refsJSON), m.HasAttach, string(m.Status), m.ThreadID, now, now)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: insert message")
	}

	stored, err := s.GetMessageByExternalID(ctx, m.ExternalID)
	if err != nil {
		return nil, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*model.InboundMessage, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

func (s *PostgresStore) GetMessageByExternalID(ctx context.Context, externalID string) (*model.InboundMessage, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE external_id = $1`, externalID)
	return scanMessage(row)
}

func (s *PostgresStore) FindThreadOrder(ctx context.Context, threadID string) (*model.InboundMessage, error) {
	if threadID == "" {
		return nil, eris.Wrap(ErrNotFound, "postgres: empty thread id")
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE thread_id = $1 AND order_id != ''
		 ORDER BY received_at DESC LIMIT 1`, threadID)
	return scanMessage(row)
}

func (s *PostgresStore) ListStaleMessages(ctx context.Context, olderThan time.Time, limit int) ([]model.InboundMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE status IN ($1, $2, $3) AND updated_at < $4
		 ORDER BY updated_at ASC LIMIT $5`,
		string(model.MessageStatusReceived), string(model.MessageStatusClassified),
		string(model.MessageStatusParsed), olderThan.UTC(), limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stale messages")
	}
	defer rows.Close()

	var out []model.InboundMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list stale messages")
}

func (s *PostgresStore) SetMessageClassification(ctx context.Context, id string, category model.Category, confidence float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET category = $1, confidence = $2, status = $3, updated_at = $4 WHERE id = $5`,
		string(category), confidence, string(model.MessageStatusClassified), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set classification %s", id)
	}
	return checkTagAffected(tag, "message", id)
}

func (s *PostgresStore) SetMessageExtraction(ctx context.Context, id string, ex *model.Extraction) error {
	exJSON, err := json.Marshal(ex)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal extraction")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET extraction = $1, status = $2, updated_at = $3 WHERE id = $4`,
		string(exJSON), string(model.MessageStatusParsed), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set extraction %s", id)
	}
	return checkTagAffected(tag, "message", id)
}

func (s *PostgresStore) SetMessageStatus(ctx context.Context, id string, status model.MessageStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set message status %s", id)
	}
	return checkTagAffected(tag, "message", id)
}

func (s *PostgresStore) LinkMessageOrder(ctx context.Context, id, customerID, orderID, threadID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET customer_id = $1, order_id = $2, thread_id = $3, updated_at = $4 WHERE id = $5`,
		customerID, orderID, threadID, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: link message order %s", id)
	}
	return checkTagAffected(tag, "message", id)
}

// Customers

func (s *PostgresStore) GetCustomerByRegistrationNo(ctx context.Context, regNo string) (*model.Customer, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE registration_no = $1`, regNo)
	return scanCustomer(row)
}

func (s *PostgresStore) GetCustomerByEmail(ctx context.Context, email string) (*model.Customer, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE email = $1 ORDER BY created_at LIMIT 1`,
		strings.ToLower(strings.TrimSpace(email)))
	return scanCustomer(row)
}

func (s *PostgresStore) SearchCustomersByName(ctx context.Context, foldedName string) ([]model.Customer, error) {
	if strings.TrimSpace(foldedName) == "" {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+customerColumns+` FROM customers
		 WHERE name_folded LIKE '%' || $1 || '%'
		 ORDER BY created_at DESC LIMIT 20`, foldedName)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: search customers")
	}
	defer rows.Close()

	var out []model.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: search customers iterate")
}

func (s *PostgresStore) CreateCustomer(ctx context.Context, c *model.Customer) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))

	_, err := s.pool.Exec(ctx,
		`INSERT INTO customers
		 (id, registration_no, name, name_folded, email, phone, contact_name, placeholder, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.RegistrationNo, c.Name, textutil.Fold(c.Name),
		c.Email, c.Phone, c.ContactName, c.Placeholder, now, now)
	if isPgUnique(err) {
		return eris.Wrapf(ErrDuplicate, "postgres: create customer: %v", err)
	}
	return eris.Wrap(err, "postgres: create customer")
}

func (s *PostgresStore) UpdateCustomerContact(ctx context.Context, id, email, phone, contactName string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE customers SET
		   email = CASE WHEN $1 != '' THEN $1 ELSE email END,
		   phone = CASE WHEN $2 != '' THEN $2 ELSE phone END,
		   contact_name = CASE WHEN $3 != '' THEN $3 ELSE contact_name END,
		   updated_at = $4
		 WHERE id = $5`,
		strings.ToLower(strings.TrimSpace(email)), phone, contactName, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: update customer contact %s", id)
	}
	return checkTagAffected(tag, "customer", id)
}

// Orders

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal order items")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var seq int
	err = tx.QueryRow(ctx,
		`INSERT INTO order_counters (year, n) VALUES ($1, 1)
		 ON CONFLICT (year) DO UPDATE SET n = order_counters.n + 1
		 RETURNING n`, now.Year()).Scan(&seq)
	if err != nil {
		return eris.Wrap(err, "postgres: allocate order number")
	}
	o.Number = orderNumber(now.Year(), seq)

	var dueDate any
	if o.DueDate != nil {
		dueDate = o.DueDate.UTC()
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO orders
		 (id, number, customer_id, status, priority, title, items, due_date, thread_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.ID, o.Number, o.CustomerID, string(o.Status), string(o.Priority),
		o.Title, string(itemsJSON), dueDate, o.ThreadID, now, now)
	if err != nil {
		return eris.Wrap(err, "postgres: insert order")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit order")
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (s *PostgresStore) FindOrderByReference(ctx context.Context, customerID, reference string) (*model.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE customer_id = $1 AND number = $2
		 ORDER BY created_at DESC LIMIT 1`, customerID, reference)
	return scanOrder(row)
}

func (s *PostgresStore) UpdateOrderStatus(ctx context.Context, id string, status model.OrderStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: update order status %s", id)
	}
	return checkTagAffected(tag, "order", id)
}

func (s *PostgresStore) SetOrderEstimate(ctx context.Context, id string, est *model.CostEstimate) error {
	estJSON, err := json.Marshal(est)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal estimate")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET estimate = $1, updated_at = $2 WHERE id = $3`,
		string(estJSON), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set order estimate %s", id)
	}
	return checkTagAffected(tag, "order", id)
}

// Offers

func (s *PostgresStore) CreateOffer(ctx context.Context, o *model.Offer) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	o.CreatedAt = time.Now().UTC()

	var sentAt any
	if o.SentAt != nil {
		sentAt = o.SentAt.UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO offers (id, order_id, number, status, total_price, file_path, sent_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.ID, o.OrderID, o.Number, string(o.Status), o.TotalPrice, o.FilePath, sentAt, o.CreatedAt)
	return eris.Wrap(err, "postgres: create offer")
}

func (s *PostgresStore) LatestSentOffer(ctx context.Context, orderID string) (*model.Offer, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, order_id, number, status, total_price, file_path, sent_at, created_at
		 FROM offers WHERE order_id = $1 AND status = $2
		 ORDER BY sent_at DESC LIMIT 1`, orderID, string(model.OfferStatusSent))
	return scanOffer(row)
}

func (s *PostgresStore) MarkOfferAccepted(ctx context.Context, offerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE offers SET status = $1 WHERE id = $2 AND status = $3`,
		string(model.OfferStatusAccepted), offerID, string(model.OfferStatusSent))
	if err != nil {
		return eris.Wrapf(err, "postgres: mark offer accepted %s", offerID)
	}
	return checkTagAffected(tag, "offer", offerID)
}

// Operations

func (s *PostgresStore) CountOperations(ctx context.Context, orderID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM operations WHERE order_id = $1`, orderID).Scan(&n)
	return n, eris.Wrap(err, "postgres: count operations")
}

var operationColumns = []string{
	"id", "order_id", "seq", "name", "duration_days",
	"planned_start", "planned_end", "status",
}

func (s *PostgresStore) CreateOperations(ctx context.Context, ops []model.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(ops))
	for i := range ops {
		op := &ops[i]
		if op.ID == "" {
			op.ID = uuid.New().String()
		}
		if op.Status == "" {
			op.Status = model.OperationStatusPlanned
		}
		rows = append(rows, []any{
			op.ID, op.OrderID, op.Seq, op.Name, op.DurationDays,
			op.PlannedStart.UTC(), op.PlannedEnd.UTC(), string(op.Status),
		})
	}
	_, err := db.CopyFrom(ctx, s.pool, "operations", operationColumns, rows)
	return eris.Wrap(err, "postgres: create operations")
}

func (s *PostgresStore) ListOperations(ctx context.Context, orderID string) ([]model.Operation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, seq, name, duration_days, planned_start, planned_end, actual_start, actual_end, status
		 FROM operations WHERE order_id = $1 ORDER BY seq`, orderID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list operations")
	}
	defer rows.Close()

	var out []model.Operation
	for rows.Next() {
		var op model.Operation
		if err := rows.Scan(&op.ID, &op.OrderID, &op.Seq, &op.Name, &op.DurationDays,
			&op.PlannedStart, &op.PlannedEnd, &op.ActualStart, &op.ActualEnd, &op.Status); err != nil {
			return nil, eris.Wrap(err, "postgres: scan operation")
		}
		out = append(out, op)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list operations iterate")
}

// Attachments

func (s *PostgresStore) CreateAttachment(ctx context.Context, a *model.Attachment) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = time.Now().UTC()
	if a.State == "" {
		a.State = model.AttachmentStateReceived
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO attachments (id, message_id, order_id, filename, content_type, size, raw_text, state, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.MessageID, a.OrderID, a.Filename, a.ContentType, a.Size, a.RawText, string(a.State), a.CreatedAt)
	return eris.Wrap(err, "postgres: create attachment")
}

func (s *PostgresStore) GetAttachment(ctx context.Context, id string) (*model.Attachment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, message_id, order_id, filename, content_type, size, raw_text, state, analysis, created_at
		 FROM attachments WHERE id = $1`, id)
	return scanAttachment(row)
}

func (s *PostgresStore) ListMessageAttachments(ctx context.Context, messageID string) ([]model.Attachment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, message_id, order_id, filename, content_type, size, raw_text, state, analysis, created_at
		 FROM attachments WHERE message_id = $1 ORDER BY created_at`, messageID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list attachments")
	}
	defer rows.Close()

	var out []model.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list attachments iterate")
}

func (s *PostgresStore) SetAttachmentAnalysis(ctx context.Context, id string, analysis *model.DrawingAnalysis) error {
	aJSON, err := json.Marshal(analysis)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal analysis")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE attachments SET analysis = $1, state = $2 WHERE id = $3`,
		string(aJSON), string(model.AttachmentStateAnalyzed), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set attachment analysis %s", id)
	}
	return checkTagAffected(tag, "attachment", id)
}

func (s *PostgresStore) LinkAttachmentsToOrder(ctx context.Context, messageID, orderID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE attachments SET order_id = $1, state = $2 WHERE message_id = $3 AND order_id = ''`,
		orderID, string(model.AttachmentStateLinked), messageID)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: link attachments")
	}
	return int(tag.RowsAffected()), nil
}

// Task records

func (s *PostgresStore) AppendTaskRecord(ctx context.Context, rec *model.TaskRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_records
		 (id, message_id, stage, attempt, status, input_summary, output_summary, input_tokens, output_tokens, duration_ms, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.MessageID, string(rec.Stage), rec.Attempt, string(rec.Status),
		rec.InputSummary, rec.OutputSummary, rec.TokenUsage.InputTokens, rec.TokenUsage.OutputTokens,
		rec.DurationMS, rec.Error, rec.CreatedAt)
	return eris.Wrap(err, "postgres: append task record")
}

func (s *PostgresStore) ListTaskRecords(ctx context.Context, filter TaskFilter) ([]model.TaskRecord, error) {
	query := `SELECT id, message_id, stage, attempt, status, input_summary, output_summary,
	          input_tokens, output_tokens, duration_ms, error, created_at
	          FROM task_records WHERE 1=1`
	var args []any

	if filter.MessageID != "" {
		args = append(args, filter.MessageID)
		query += ` AND message_id = ` + placeholder(len(args))
	}
	if filter.Stage != "" {
		args = append(args, string(filter.Stage))
		query += ` AND stage = ` + placeholder(len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = ` + placeholder(len(args))
	}
	if !filter.CreatedAfter.IsZero() {
		args = append(args, filter.CreatedAfter.UTC())
		query += ` AND created_at > ` + placeholder(len(args))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT ` + placeholder(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list task records")
	}
	defer rows.Close()

	var out []model.TaskRecord
	for rows.Next() {
		var r model.TaskRecord
		if err := rows.Scan(&r.ID, &r.MessageID, &r.Stage, &r.Attempt, &r.Status,
			&r.InputSummary, &r.OutputSummary, &r.TokenUsage.InputTokens, &r.TokenUsage.OutputTokens,
			&r.DurationMS, &r.Error, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan task record")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list task records iterate")
}

// Dead letters

func (s *PostgresStore) CreateDeadLetter(ctx context.Context, e *model.DeadLetterEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters
		 (id, stage, message_id, payload, error, stack_trace, retry_count, permanent, resolved, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9, $10)`,
		e.ID, string(e.Stage), e.MessageID, e.Payload, e.Error, e.StackTrace, e.RetryCount, e.Permanent, now, now)
	return eris.Wrap(err, "postgres: create dead letter")
}

func (s *PostgresStore) GetDeadLetter(ctx context.Context, id string) (*model.DeadLetterEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id)
	return scanDeadLetter(row)
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]model.DeadLetterEntry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE 1=1`
	var args []any

	if filter.Resolved != nil {
		args = append(args, *filter.Resolved)
		query += ` AND resolved = ` + placeholder(len(args))
	}
	if filter.Stage != "" {
		args = append(args, string(filter.Stage))
		query += ` AND stage = ` + placeholder(len(args))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT ` + placeholder(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead letters")
	}
	defer rows.Close()

	var out []model.DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list dead letters iterate")
}

func (s *PostgresStore) ResolveDeadLetter(ctx context.Context, id, resolvedBy string) error {
	entry, err := s.GetDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	if entry.Resolved {
		return eris.Wrapf(ErrAlreadyResolved, "postgres: dead letter %s", id)
	}
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letters SET resolved = TRUE, resolved_by = $1, resolved_at = $2, updated_at = $3
		 WHERE id = $4 AND resolved = FALSE`,
		resolvedBy, now, now, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve dead letter %s", id)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race to a concurrent resolve.
		return eris.Wrapf(ErrAlreadyResolved, "postgres: dead letter %s", id)
	}
	return nil
}

func (s *PostgresStore) IncrementDeadLetterRetry(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letters SET retry_count = retry_count + 1, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dead letter retry %s", id)
	}
	return checkTagAffected(tag, "dead_letter", id)
}

func (s *PostgresStore) MarkDeadLetterPermanent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letters SET permanent = TRUE, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark dead letter permanent %s", id)
	}
	return checkTagAffected(tag, "dead_letter", id)
}

func (s *PostgresStore) CountDeadLetters(ctx context.Context) (int, int, error) {
	var unresolved, resolved int
	err := s.pool.QueryRow(ctx,
		`SELECT
		   COALESCE(SUM(CASE WHEN resolved THEN 0 ELSE 1 END), 0),
		   COALESCE(SUM(CASE WHEN resolved THEN 1 ELSE 0 END), 0)
		 FROM dead_letters`).Scan(&unresolved, &resolved)
	return unresolved, resolved, eris.Wrap(err, "postgres: count dead letters")
}

func checkTagAffected(tag pgconn.CommandTag, entity, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}
