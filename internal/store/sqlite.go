package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/masserfx/steelflow/internal/model"
	"github.com/masserfx/steelflow/internal/textutil"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	external_id     TEXT NOT NULL UNIQUE,
	sender          TEXT NOT NULL,
	subject         TEXT NOT NULL DEFAULT '',
	body            TEXT NOT NULL DEFAULT '',
	received_at     DATETIME NOT NULL,
	in_reply_to     TEXT NOT NULL DEFAULT '',
	refs            TEXT NOT NULL DEFAULT '[]',
	has_attachments INTEGER NOT NULL DEFAULT 0,
	category        TEXT NOT NULL DEFAULT '',
	confidence      REAL NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'received',
	customer_id     TEXT NOT NULL DEFAULT '',
	order_id        TEXT NOT NULL DEFAULT '',
	thread_id       TEXT NOT NULL DEFAULT '',
	extraction      TEXT,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS customers (
	id              TEXT PRIMARY KEY,
	registration_no TEXT NOT NULL UNIQUE,
	name            TEXT NOT NULL,
	name_folded     TEXT NOT NULL,
	email           TEXT NOT NULL DEFAULT '',
	phone           TEXT NOT NULL DEFAULT '',
	contact_name    TEXT NOT NULL DEFAULT '',
	placeholder     INTEGER NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	id          TEXT PRIMARY KEY,
	number      TEXT NOT NULL UNIQUE,
	customer_id TEXT NOT NULL REFERENCES customers(id),
	status      TEXT NOT NULL,
	priority    TEXT NOT NULL DEFAULT 'normal',
	title       TEXT NOT NULL DEFAULT '',
	items       TEXT NOT NULL DEFAULT '[]',
	due_date    DATETIME,
	estimate    TEXT,
	thread_id   TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
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
	total_price REAL NOT NULL DEFAULT 0,
	file_path   TEXT NOT NULL DEFAULT '',
	sent_at     DATETIME,
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS operations (
	id            TEXT PRIMARY KEY,
	order_id      TEXT NOT NULL REFERENCES orders(id),
	seq           INTEGER NOT NULL,
	name          TEXT NOT NULL,
	duration_days INTEGER NOT NULL,
	planned_start DATETIME NOT NULL,
	planned_end   DATETIME NOT NULL,
	actual_start  DATETIME,
	actual_end    DATETIME,
	status        TEXT NOT NULL DEFAULT 'planned'
);

CREATE TABLE IF NOT EXISTS attachments (
	id           TEXT PRIMARY KEY,
	message_id   TEXT NOT NULL REFERENCES messages(id),
	order_id     TEXT NOT NULL DEFAULT '',
	filename     TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	size         INTEGER NOT NULL DEFAULT 0,
	raw_text     TEXT NOT NULL DEFAULT '',
	state        TEXT NOT NULL DEFAULT 'received',
	analysis     TEXT,
	created_at   DATETIME NOT NULL
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
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	error          TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id          TEXT PRIMARY KEY,
	stage       TEXT NOT NULL,
	message_id  TEXT NOT NULL DEFAULT '',
	payload     BLOB NOT NULL,
	error       TEXT NOT NULL,
	stack_trace TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	permanent   INTEGER NOT NULL DEFAULT 0,
	resolved    INTEGER NOT NULL DEFAULT 0,
	resolved_by TEXT NOT NULL DEFAULT '',
	resolved_at DATETIME,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
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

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Messages

func (s *SQLiteStore) UpsertMessage(ctx context.Context, m *model.InboundMessage) (*model.InboundMessage, bool, error) {
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
		return nil, false, eris.Wrap(err, "sqlite: marshal references")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages
		 (id, external_id, sender, subject, body, received_at, in_reply_to, refs, has_attachments, status, thread_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(external_id) DO NOTHING`,
		m.ID, m.ExternalID, m.Sender, m.Subject, m.Body, m.ReceivedAt.UTC(),
		m.InReplyTo, string(refsJSON), boolInt(m.HasAttach), string(m.Status), m.ThreadID, now, now,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: insert message")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: rows affected")
	}

	stored, err := s.GetMessageByExternalID(ctx, m.ExternalID)
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

const messageColumns = `id, external_id, sender, subject, body, received_at, in_reply_to, refs,
	has_attachments, category, confidence, status, customer_id, order_id, thread_id, extraction,
	created_at, updated_at`

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*model.InboundMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

func (s *SQLiteStore) GetMessageByExternalID(ctx context.Context, externalID string) (*model.InboundMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE external_id = ?`, externalID)
	return scanMessage(row)
}

func (s *SQLiteStore) FindThreadOrder(ctx context.Context, threadID string) (*model.InboundMessage, error) {
	if threadID == "" {
		return nil, eris.Wrap(ErrNotFound, "sqlite: empty thread id")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE thread_id = ? AND order_id != ''
		 ORDER BY received_at DESC LIMIT 1`, threadID)
	return scanMessage(row)
}

func (s *SQLiteStore) ListStaleMessages(ctx context.Context, olderThan time.Time, limit int) ([]model.InboundMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE status IN (?, ?, ?) AND updated_at < ?
		 ORDER BY updated_at ASC LIMIT ?`,
		string(model.MessageStatusReceived), string(model.MessageStatusClassified),
		string(model.MessageStatusParsed), olderThan.UTC(), limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stale messages")
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
	return out, eris.Wrap(rows.Err(), "sqlite: list stale messages")
}

func (s *SQLiteStore) SetMessageClassification(ctx context.Context, id string, category model.Category, confidence float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET category = ?, confidence = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(category), confidence, string(model.MessageStatusClassified), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set classification %s", id)
	}
	return checkRowsAffected(res, "message", id)
}

func (s *SQLiteStore) SetMessageExtraction(ctx context.Context, id string, ex *model.Extraction) error {
	exJSON, err := json.Marshal(ex)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal extraction")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET extraction = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(exJSON), string(model.MessageStatusParsed), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set extraction %s", id)
	}
	return checkRowsAffected(res, "message", id)
}

func (s *SQLiteStore) SetMessageStatus(ctx context.Context, id string, status model.MessageStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set message status %s", id)
	}
	return checkRowsAffected(res, "message", id)
}

func (s *SQLiteStore) LinkMessageOrder(ctx context.Context, id, customerID, orderID, threadID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET customer_id = ?, order_id = ?, thread_id = ?, updated_at = ? WHERE id = ?`,
		customerID, orderID, threadID, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: link message order %s", id)
	}
	return checkRowsAffected(res, "message", id)
}

// Customers

const customerColumns = `id, registration_no, name, email, phone, contact_name, placeholder, created_at, updated_at`

func (s *SQLiteStore) GetCustomerByRegistrationNo(ctx context.Context, regNo string) (*model.Customer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE registration_no = ?`, regNo)
	return scanCustomer(row)
}

func (s *SQLiteStore) GetCustomerByEmail(ctx context.Context, email string) (*model.Customer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE email = ? ORDER BY created_at LIMIT 1`,
		strings.ToLower(strings.TrimSpace(email)))
	return scanCustomer(row)
}

func (s *SQLiteStore) SearchCustomersByName(ctx context.Context, foldedName string) ([]model.Customer, error) {
	if strings.TrimSpace(foldedName) == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+customerColumns+` FROM customers
		 WHERE name_folded LIKE '%' || ? || '%'
		 ORDER BY created_at DESC LIMIT 20`, foldedName)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: search customers")
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
	return out, eris.Wrap(rows.Err(), "sqlite: search customers iterate")
}

func (s *SQLiteStore) CreateCustomer(ctx context.Context, c *model.Customer) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customers
		 (id, registration_no, name, name_folded, email, phone, contact_name, placeholder, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.RegistrationNo, c.Name, textutil.Fold(c.Name),
		c.Email, c.Phone, c.ContactName, boolInt(c.Placeholder), now, now)
	if isSQLiteUnique(err) {
		return eris.Wrapf(ErrDuplicate, "sqlite: create customer: %v", err)
	}
	return eris.Wrap(err, "sqlite: create customer")
}

func (s *SQLiteStore) UpdateCustomerContact(ctx context.Context, id, email, phone, contactName string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE customers SET
		   email = CASE WHEN ? != '' THEN ? ELSE email END,
		   phone = CASE WHEN ? != '' THEN ? ELSE phone END,
		   contact_name = CASE WHEN ? != '' THEN ? ELSE contact_name END,
		   updated_at = ?
		 WHERE id = ?`,
		email, strings.ToLower(strings.TrimSpace(email)), phone, phone,
		contactName, contactName, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update customer contact %s", id)
	}
	return checkRowsAffected(res, "customer", id)
}

// Orders

func (s *SQLiteStore) CreateOrder(ctx context.Context, o *model.Order) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal order items")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	var seq int
	err = tx.QueryRowContext(ctx,
		`INSERT INTO order_counters (year, n) VALUES (?, 1)
		 ON CONFLICT(year) DO UPDATE SET n = n + 1
		 RETURNING n`, now.Year()).Scan(&seq)
	if err != nil {
		return eris.Wrap(err, "sqlite: allocate order number")
	}
	o.Number = orderNumber(now.Year(), seq)

	var dueDate any
	if o.DueDate != nil {
		dueDate = o.DueDate.UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO orders
		 (id, number, customer_id, status, priority, title, items, due_date, thread_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Number, o.CustomerID, string(o.Status), string(o.Priority),
		o.Title, string(itemsJSON), dueDate, o.ThreadID, now, now)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert order")
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit order")
}

const orderColumns = `id, number, customer_id, status, priority, title, items, due_date, estimate, thread_id, created_at, updated_at`

func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

func (s *SQLiteStore) FindOrderByReference(ctx context.Context, customerID, reference string) (*model.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE customer_id = ? AND number = ?
		 ORDER BY created_at DESC LIMIT 1`, customerID, reference)
	return scanOrder(row)
}

func (s *SQLiteStore) UpdateOrderStatus(ctx context.Context, id string, status model.OrderStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update order status %s", id)
	}
	return checkRowsAffected(res, "order", id)
}

func (s *SQLiteStore) SetOrderEstimate(ctx context.Context, id string, est *model.CostEstimate) error {
	estJSON, err := json.Marshal(est)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal estimate")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET estimate = ?, updated_at = ? WHERE id = ?`,
		string(estJSON), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set order estimate %s", id)
	}
	return checkRowsAffected(res, "order", id)
}

// Offers

func (s *SQLiteStore) CreateOffer(ctx context.Context, o *model.Offer) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	o.CreatedAt = time.Now().UTC()

	var sentAt any
	if o.SentAt != nil {
		sentAt = o.SentAt.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO offers (id, order_id, number, status, total_price, file_path, sent_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.OrderID, o.Number, string(o.Status), o.TotalPrice, o.FilePath, sentAt, o.CreatedAt)
	return eris.Wrap(err, "sqlite: create offer")
}

func (s *SQLiteStore) LatestSentOffer(ctx context.Context, orderID string) (*model.Offer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, order_id, number, status, total_price, file_path, sent_at, created_at
		 FROM offers WHERE order_id = ? AND status = ?
		 ORDER BY sent_at DESC LIMIT 1`, orderID, string(model.OfferStatusSent))
	return scanOffer(row)
}

func (s *SQLiteStore) MarkOfferAccepted(ctx context.Context, offerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE offers SET status = ? WHERE id = ? AND status = ?`,
		string(model.OfferStatusAccepted), offerID, string(model.OfferStatusSent))
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark offer accepted %s", offerID)
	}
	return checkRowsAffected(res, "offer", offerID)
}

// Operations

func (s *SQLiteStore) CountOperations(ctx context.Context, orderID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM operations WHERE order_id = ?`, orderID).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count operations")
}

func (s *SQLiteStore) CreateOperations(ctx context.Context, ops []model.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	for i := range ops {
		op := &ops[i]
		if op.ID == "" {
			op.ID = uuid.New().String()
		}
		if op.Status == "" {
			op.Status = model.OperationStatusPlanned
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO operations (id, order_id, seq, name, duration_days, planned_start, planned_end, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			op.ID, op.OrderID, op.Seq, op.Name, op.DurationDays,
			op.PlannedStart.UTC(), op.PlannedEnd.UTC(), string(op.Status))
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert operation %d", op.Seq)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit operations")
}

func (s *SQLiteStore) ListOperations(ctx context.Context, orderID string) ([]model.Operation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, seq, name, duration_days, planned_start, planned_end, actual_start, actual_end, status
		 FROM operations WHERE order_id = ? ORDER BY seq`, orderID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list operations")
	}
	defer rows.Close()

	var out []model.Operation
	for rows.Next() {
		var op model.Operation
		var actualStart, actualEnd sql.NullTime
		if err := rows.Scan(&op.ID, &op.OrderID, &op.Seq, &op.Name, &op.DurationDays,
			&op.PlannedStart, &op.PlannedEnd, &actualStart, &actualEnd, &op.Status); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan operation")
		}
		if actualStart.Valid {
			t := actualStart.Time
			op.ActualStart = &t
		}
		if actualEnd.Valid {
			t := actualEnd.Time
			op.ActualEnd = &t
		}
		out = append(out, op)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list operations iterate")
}

// Attachments

func (s *SQLiteStore) CreateAttachment(ctx context.Context, a *model.Attachment) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = time.Now().UTC()
	if a.State == "" {
		a.State = model.AttachmentStateReceived
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (id, message_id, order_id, filename, content_type, size, raw_text, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.MessageID, a.OrderID, a.Filename, a.ContentType, a.Size, a.RawText, string(a.State), a.CreatedAt)
	return eris.Wrap(err, "sqlite: create attachment")
}

func (s *SQLiteStore) GetAttachment(ctx context.Context, id string) (*model.Attachment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, message_id, order_id, filename, content_type, size, raw_text, state, analysis, created_at
		 FROM attachments WHERE id = ?`, id)
	return scanAttachment(row)
}

func (s *SQLiteStore) ListMessageAttachments(ctx context.Context, messageID string) ([]model.Attachment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, order_id, filename, content_type, size, raw_text, state, analysis, created_at
		 FROM attachments WHERE message_id = ? ORDER BY created_at`, messageID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list attachments")
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
	return out, eris.Wrap(rows.Err(), "sqlite: list attachments iterate")
}

func (s *SQLiteStore) SetAttachmentAnalysis(ctx context.Context, id string, analysis *model.DrawingAnalysis) error {
	aJSON, err := json.Marshal(analysis)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal analysis")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE attachments SET analysis = ?, state = ? WHERE id = ?`,
		string(aJSON), string(model.AttachmentStateAnalyzed), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set attachment analysis %s", id)
	}
	return checkRowsAffected(res, "attachment", id)
}

func (s *SQLiteStore) LinkAttachmentsToOrder(ctx context.Context, messageID, orderID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attachments SET order_id = ?, state = ? WHERE message_id = ? AND order_id = ''`,
		orderID, string(model.AttachmentStateLinked), messageID)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: link attachments")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// Task records

func (s *SQLiteStore) AppendTaskRecord(ctx context.Context, rec *model.TaskRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_records
		 (id, message_id, stage, attempt, status, input_summary, output_summary, input_tokens, output_tokens, duration_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.MessageID, string(rec.Stage), rec.Attempt, string(rec.Status),
		rec.InputSummary, rec.OutputSummary, rec.TokenUsage.InputTokens, rec.TokenUsage.OutputTokens,
		rec.DurationMS, rec.Error, rec.CreatedAt)
	return eris.Wrap(err, "sqlite: append task record")
}

func (s *SQLiteStore) ListTaskRecords(ctx context.Context, filter TaskFilter) ([]model.TaskRecord, error) {
	query := `SELECT id, message_id, stage, attempt, status, input_summary, output_summary,
	          input_tokens, output_tokens, duration_ms, error, created_at
	          FROM task_records WHERE 1=1`
	var args []any

	if filter.MessageID != "" {
		query += ` AND message_id = ?`
		args = append(args, filter.MessageID)
	}
	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(filter.Stage))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list task records")
	}
	defer rows.Close()

	var out []model.TaskRecord
	for rows.Next() {
		var r model.TaskRecord
		if err := rows.Scan(&r.ID, &r.MessageID, &r.Stage, &r.Attempt, &r.Status,
			&r.InputSummary, &r.OutputSummary, &r.TokenUsage.InputTokens, &r.TokenUsage.OutputTokens,
			&r.DurationMS, &r.Error, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task record")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list task records iterate")
}

// Dead letters

func (s *SQLiteStore) CreateDeadLetter(ctx context.Context, e *model.DeadLetterEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters
		 (id, stage, message_id, payload, error, stack_trace, retry_count, permanent, resolved, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		e.ID, string(e.Stage), e.MessageID, e.Payload, e.Error, e.StackTrace, e.RetryCount, boolInt(e.Permanent), now, now)
	return eris.Wrap(err, "sqlite: create dead letter")
}

const deadLetterColumns = `id, stage, message_id, payload, error, stack_trace, retry_count, permanent, resolved, resolved_by, resolved_at, created_at, updated_at`

func (s *SQLiteStore) GetDeadLetter(ctx context.Context, id string) (*model.DeadLetterEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`, id)
	return scanDeadLetter(row)
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]model.DeadLetterEntry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE 1=1`
	var args []any

	if filter.Resolved != nil {
		query += ` AND resolved = ?`
		args = append(args, boolInt(*filter.Resolved))
	}
	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(filter.Stage))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead letters")
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
	return out, eris.Wrap(rows.Err(), "sqlite: list dead letters iterate")
}

func (s *SQLiteStore) ResolveDeadLetter(ctx context.Context, id, resolvedBy string) error {
	entry, err := s.GetDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	if entry.Resolved {
		return eris.Wrapf(ErrAlreadyResolved, "sqlite: dead letter %s", id)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET resolved = 1, resolved_by = ?, resolved_at = ?, updated_at = ?
		 WHERE id = ? AND resolved = 0`,
		resolvedBy, now, now, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve dead letter %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		// Lost the race to a concurrent resolve.
		return eris.Wrapf(ErrAlreadyResolved, "sqlite: dead letter %s", id)
	}
	return nil
}

func (s *SQLiteStore) IncrementDeadLetterRetry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dead letter retry %s", id)
	}
	return checkRowsAffected(res, "dead_letter", id)
}

func (s *SQLiteStore) MarkDeadLetterPermanent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET permanent = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark dead letter permanent %s", id)
	}
	return checkRowsAffected(res, "dead_letter", id)
}

func (s *SQLiteStore) CountDeadLetters(ctx context.Context) (int, int, error) {
	var unresolved, resolved int
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   COALESCE(SUM(CASE WHEN resolved = 0 THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN resolved = 1 THEN 1 ELSE 0 END), 0)
		 FROM dead_letters`).Scan(&unresolved, &resolved)
	return unresolved, resolved, eris.Wrap(err, "sqlite: count dead letters")
}
