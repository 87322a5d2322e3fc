package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/masserfx/steelflow/internal/model"
)

// Scan helpers shared by the SQLite and Postgres backends. Both drivers
// produce the same column ordering, so a single set of row decoders keeps
// the two implementations from drifting apart.

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}


func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanMessage(row scannable) (*model.InboundMessage, error) {
	var m model.InboundMessage
	var refsJSON string
	var extractionJSON sql.NullString

	err := row.Scan(&m.ID, &m.ExternalID, &m.Sender, &m.Subject, &m.Body, &m.ReceivedAt,
		&m.InReplyTo, &refsJSON, &m.HasAttach, &m.Category, &m.Confidence, &m.Status,
		&m.CustomerID, &m.OrderID, &m.ThreadID, &extractionJSON, &m.CreatedAt, &m.UpdatedAt)
	if isNoRows(err) {
		return nil, eris.Wrap(ErrNotFound, "message")
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan message")
	}

	if err := json.Unmarshal([]byte(refsJSON), &m.References); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal references")
	}
	if extractionJSON.Valid {
		m.Extraction = &model.Extraction{}
		if err := json.Unmarshal([]byte(extractionJSON.String), m.Extraction); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal extraction")
		}
	}
	return &m, nil
}

func scanCustomer(row scannable) (*model.Customer, error) {
	var c model.Customer
	err := row.Scan(&c.ID, &c.RegistrationNo, &c.Name, &c.Email, &c.Phone,
		&c.ContactName, &c.Placeholder, &c.CreatedAt, &c.UpdatedAt)
	if isNoRows(err) {
		return nil, eris.Wrap(ErrNotFound, "customer")
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan customer")
	}
	return &c, nil
}

func scanOrder(row scannable) (*model.Order, error) {
	var o model.Order
	var itemsJSON string
	var estimateJSON sql.NullString
	var dueDate sql.NullTime

	err := row.Scan(&o.ID, &o.Number, &o.CustomerID, &o.Status, &o.Priority, &o.Title,
		&itemsJSON, &dueDate, &estimateJSON, &o.ThreadID, &o.CreatedAt, &o.UpdatedAt)
	if isNoRows(err) {
		return nil, eris.Wrap(ErrNotFound, "order")
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan order")
	}

	if err := json.Unmarshal([]byte(itemsJSON), &o.Items); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal order items")
	}
	if dueDate.Valid {
		t := dueDate.Time
		o.DueDate = &t
	}
	if estimateJSON.Valid {
		o.Estimate = &model.CostEstimate{}
		if err := json.Unmarshal([]byte(estimateJSON.String), o.Estimate); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal estimate")
		}
	}
	return &o, nil
}

func scanOffer(row scannable) (*model.Offer, error) {
	var o model.Offer
	var sentAt sql.NullTime
	err := row.Scan(&o.ID, &o.OrderID, &o.Number, &o.Status, &o.TotalPrice, &o.FilePath, &sentAt, &o.CreatedAt)
	if isNoRows(err) {
		return nil, eris.Wrap(ErrNotFound, "offer")
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan offer")
	}
	if sentAt.Valid {
		t := sentAt.Time
		o.SentAt = &t
	}
	return &o, nil
}

func scanAttachment(row scannable) (*model.Attachment, error) {
	var a model.Attachment
	var analysisJSON sql.NullString
	err := row.Scan(&a.ID, &a.MessageID, &a.OrderID, &a.Filename, &a.ContentType,
		&a.Size, &a.RawText, &a.State, &analysisJSON, &a.CreatedAt)
	if isNoRows(err) {
		return nil, eris.Wrap(ErrNotFound, "attachment")
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan attachment")
	}
	if analysisJSON.Valid {
		a.Analysis = &model.DrawingAnalysis{}
		if err := json.Unmarshal([]byte(analysisJSON.String), a.Analysis); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal analysis")
		}
	}
	return &a, nil
}

func scanDeadLetter(row scannable) (*model.DeadLetterEntry, error) {
	var e model.DeadLetterEntry
	var resolvedAt sql.NullTime
	err := row.Scan(&e.ID, &e.Stage, &e.MessageID, &e.Payload, &e.Error, &e.StackTrace,
		&e.RetryCount, &e.Permanent, &e.Resolved, &e.ResolvedBy, &resolvedAt, &e.CreatedAt, &e.UpdatedAt)
	if isNoRows(err) {
		return nil, eris.Wrap(ErrNotFound, "dead_letter")
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan dead letter")
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		e.ResolvedAt = &t
	}
	return &e, nil
}

func orderNumber(year, seq int) string {
	return fmt.Sprintf("ORD-%d-%04d", year, seq)
}
