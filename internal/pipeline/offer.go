package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/masserfx/steelflow/internal/model"
	"github.com/masserfx/steelflow/internal/resilience"
	"github.com/masserfx/steelflow/internal/scheduler"
)

// handleGenerateOffer renders the priced offer workbook, records the
// offer as sent, and advances an inquiry to the offer state.
func (e *Env) handleGenerateOffer(ctx context.Context, task scheduler.Task) (*scheduler.Outcome, error) {
	var p StagePayload
	if err := decodePayload(task.Payload, &p); err != nil {
		return nil, err
	}

	order, err := e.resolveOrder(ctx, &p)
	if err != nil {
		return nil, err
	}
	if order.Estimate == nil {
		return nil, resilience.NewPermanentError(
			eris.Errorf("pipeline: order %s has no estimate to offer", order.Number))
	}

	number := offerNumber(order.Number)
	path := filepath.Join(e.OfferDir, number+".xlsx")
	if e.OfferDir != "" {
		if err := os.MkdirAll(e.OfferDir, 0o755); err != nil {
			return nil, eris.Wrap(err, "pipeline: create offer dir")
		}
	}
	if err := writeOfferWorkbook(path, order, number, e.now()); err != nil {
		return nil, err
	}

	now := e.now()
	offer := &model.Offer{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		Number:     number,
		Status:     model.OfferStatusSent,
		TotalPrice: order.Estimate.Total,
		FilePath:   path,
		SentAt:     &now,
	}
	if err := e.Store.CreateOffer(ctx, offer); err != nil {
		return nil, err
	}
	if order.Status == model.OrderStatusInquiry {
		if err := e.Store.UpdateOrderStatus(ctx, order.ID, model.OrderStatusOffer); err != nil {
			return nil, err
		}
	}

	e.notify().OfferReady(ctx, order.Number, path, offer.TotalPrice)

	return &scheduler.Outcome{
		Summary: fmt.Sprintf("offer %s at %.2f CZK, %s", number, offer.TotalPrice, path),
	}, nil
}

// offerNumber derives the offer number from the order number, keeping the
// year and sequence visible: ORD-2026-0042 becomes NAB-2026-0042.
func offerNumber(orderNumber string) string {
	return "NAB-" + strings.TrimPrefix(orderNumber, "ORD-")
}

func writeOfferWorkbook(path string, order *model.Order, number string, issued time.Time) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Nabídka")
	if err != nil {
		return eris.Wrap(err, "pipeline: offer workbook sheet")
	}

	addRow := func(cells ...string) *xlsx.Row {
		row := sheet.AddRow()
		for _, c := range cells {
			row.AddCell().Value = c
		}
		return row
	}
	addAmount := func(label string, amount float64) {
		row := sheet.AddRow()
		row.AddCell().Value = label
		row.AddCell().SetFloatWithFormat(amount, "#,##0.00")
	}

	addRow("Cenová nabídka", number)
	addRow("Zakázka", order.Number)
	if order.Title != "" {
		addRow("Předmět", order.Title)
	}
	addRow("Datum", issued.Format("2.1.2006"))
	if order.DueDate != nil {
		addRow("Termín dodání", order.DueDate.Format("2.1.2006"))
	}
	addRow()

	if len(order.Items) > 0 {
		addRow("Položka", "Materiál", "Množství", "Jednotka")
		for _, item := range order.Items {
			row := addRow(item.Name, item.Material)
			row.AddCell().SetFloatWithFormat(item.Quantity, "#,##0.##")
			row.AddCell().Value = item.Unit
		}
		addRow()
	}

	est := order.Estimate
	addAmount("Materiál", est.MaterialCost)
	addAmount("Práce", est.LaborHours*est.LaborRate)
	addAmount("Režie", est.Overhead)
	for _, line := range est.Breakdown {
		addAmount(line.Label, line.Amount)
	}
	addAmount(fmt.Sprintf("Celkem s marží %.0f %%", est.MarginPercent), est.Total)

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "pipeline: save offer workbook %s", path)
	}
	return nil
}
