package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"possettle/backend/internal/domain"
	"possettle/backend/internal/events"
	"possettle/backend/internal/ledger"
	"possettle/backend/internal/money"
	"possettle/backend/internal/store"
	"possettle/backend/internal/xid"
)

type CommitInput struct {
	Cart       domain.Cart
	Payments   []domain.PaymentEntry
	OperatorID string
	CustomerID string
}

// BuildCart resolves request items into cart lines. Items without an explicit
// unit price take the current catalog price.
func (s *Service) BuildCart(ctx context.Context, items []domain.CartItemInput, discountMinor int64) (domain.Cart, error) {
	cart := domain.Cart{DiscountMinor: discountMinor, Lines: make([]domain.CartLine, 0, len(items))}
	for _, item := range items {
		productID := strings.TrimSpace(item.ProductID)
		line := domain.CartLine{ProductID: productID, Quantity: item.Quantity}
		if item.UnitPriceMinor != nil {
			line.UnitPriceMinor = *item.UnitPriceMinor
		} else if productID != "" {
			product, err := s.store.GetProduct(ctx, productID)
			if errors.Is(err, store.ErrNotFound) {
				return domain.Cart{}, &domain.ProductNotFoundError{ProductID: productID}
			}
			if err != nil {
				return domain.Cart{}, err
			}
			line.UnitPriceMinor = product.PriceMinor
		}
		cart.Lines = append(cart.Lines, line)
	}
	return cart, nil
}

// Checkout builds the cart from a request and commits it for operatorID.
func (s *Service) Checkout(ctx context.Context, operatorID string, req domain.CommitRequest) (domain.SaleRecord, error) {
	cart, err := s.BuildCart(ctx, req.Items, req.DiscountMinor)
	if err != nil {
		return domain.SaleRecord{}, err
	}
	return s.Commit(ctx, CommitInput{
		Cart:       cart,
		Payments:   req.Payments,
		OperatorID: operatorID,
		CustomerID: strings.TrimSpace(req.CustomerID),
	})
}

// Commit turns a cart and its payments into a durable sale. Stock, the
// invoice number, the sale record and the shift accumulators change together
// or not at all.
func (s *Service) Commit(ctx context.Context, in CommitInput) (record domain.SaleRecord, err error) {
	ctx, span := s.startSpan(ctx, "Commit", attribute.String("operator.id", in.OperatorID))
	defer func() { endSpan(span, err) }()
	defer func() {
		if err != nil && domain.IsEngineError(err) {
			s.metrics.rejected.Add(ctx, 1, metricAttrs(attribute.String("op", "commit")))
		}
	}()

	operatorID := strings.TrimSpace(in.OperatorID)
	if operatorID == "" {
		return domain.SaleRecord{}, &domain.InvalidInputError{Field: "operator_id", Reason: "required"}
	}

	// Validation runs against a read view first so rejected carts never
	// touch the write path.
	shift, err := s.shifts.OpenShift(ctx, s.store, operatorID)
	if err != nil {
		return domain.SaleRecord{}, err
	}
	if shift == nil {
		return domain.SaleRecord{}, &domain.NoActiveShiftError{OperatorID: operatorID}
	}

	totals, err := money.Compute(in.Cart.Lines, in.Cart.DiscountMinor, s.taxRate)
	if err != nil {
		return domain.SaleRecord{}, err
	}
	paid, err := money.ValidatePayments(in.Payments)
	if err != nil {
		return domain.SaleRecord{}, err
	}
	if paid != totals.TotalMinor {
		return domain.SaleRecord{}, &domain.PaymentMismatchError{ExpectedMinor: totals.TotalMinor, ActualMinor: paid}
	}

	deltas := make([]ledger.StockDelta, 0, len(in.Cart.Lines))
	for _, line := range in.Cart.Lines {
		deltas = append(deltas, ledger.StockDelta{ProductID: line.ProductID, Delta: -line.Quantity})
	}
	payments := make([]domain.PaymentEntry, len(in.Payments))
	copy(payments, in.Payments)

	err = s.runTx(ctx, "commit sale", func(ctx context.Context, tx store.Tx) error {
		shift, err := s.shifts.OpenShift(ctx, tx, operatorID)
		if err != nil {
			return err
		}
		if shift == nil {
			return &domain.NoActiveShiftError{OperatorID: operatorID}
		}

		now := s.now().UTC()
		saleID := xid.New("sale")
		updated, err := s.stock.ApplyDeltas(ctx, tx, deltas, domain.MovementSale, saleID)
		if err != nil {
			return err
		}
		names := make(map[string]string, len(updated))
		for _, p := range updated {
			names[p.ID] = p.Name
		}

		lines := make([]domain.SaleLine, 0, len(in.Cart.Lines))
		for _, line := range in.Cart.Lines {
			lines = append(lines, domain.SaleLine{
				ProductID:      line.ProductID,
				Name:           names[line.ProductID],
				UnitPriceMinor: line.UnitPriceMinor,
				Quantity:       line.Quantity,
				LineTotalMinor: line.UnitPriceMinor * line.Quantity,
			})
		}

		number, err := s.invoices.Next(ctx, tx, now)
		if err != nil {
			return err
		}

		sale := domain.Sale{
			ID:            saleID,
			Lines:         lines,
			SubtotalMinor: totals.SubtotalMinor,
			DiscountMinor: totals.DiscountMinor,
			TaxMinor:      totals.TaxMinor,
			TotalMinor:    totals.TotalMinor,
			Payments:      payments,
			OperatorID:    operatorID,
			CustomerID:    strings.TrimSpace(in.CustomerID),
			ShiftID:       shift.ID,
			CreatedAt:     now,
		}
		invoice := domain.Invoice{
			ID:         xid.New("inv"),
			SaleID:     saleID,
			Number:     number,
			IssueDate:  ledger.IssueDate(now),
			TotalMinor: totals.TotalMinor,
			Status:     domain.InvoiceStatusIssued,
			CreatedAt:  now,
		}

		if err := tx.InsertSale(ctx, sale); err != nil {
			return err
		}
		if err := tx.InsertInvoice(ctx, invoice); err != nil {
			return err
		}
		if _, err := s.shifts.ApplySale(ctx, tx, shift.ID, payments, totals.TotalMinor, saleID); err != nil {
			return err
		}
		if err := tx.InsertAuditLog(ctx, s.auditEntry(ctx, operatorID, "sale.commit", "sale", saleID,
			fmt.Sprintf("invoice=%s total=%d shift=%s", number, totals.TotalMinor, shift.ID))); err != nil {
			return err
		}

		record = domain.SaleRecord{Sale: sale, Invoice: invoice}
		return nil
	})
	if err != nil {
		return domain.SaleRecord{}, err
	}

	span.SetAttributes(attribute.String("sale.id", record.Sale.ID), attribute.String("invoice.number", record.Invoice.Number))
	s.metrics.sales.Add(ctx, 1)
	s.metrics.salesMinor.Add(ctx, record.Sale.TotalMinor)
	s.publish(ctx, events.Event{Kind: events.SaleCommitted, Sale: &record.Sale, Invoice: &record.Invoice})
	return record, nil
}

// Reverse undoes a committed sale: stock comes back, the shift accumulators
// are decremented and the sale and its invoice are removed. Reversal is
// allowed on closed shifts; the sealed close figures are left untouched.
func (s *Service) Reverse(ctx context.Context, saleID string, operatorID string, reason string) (record domain.SaleRecord, err error) {
	ctx, span := s.startSpan(ctx, "Reverse", attribute.String("sale.id", saleID), attribute.String("operator.id", operatorID))
	defer func() { endSpan(span, err) }()

	if err := s.require(ctx, operatorID, domain.CapabilityReverseSale); err != nil {
		s.metrics.rejected.Add(ctx, 1, metricAttrs(attribute.String("op", "reverse")))
		return domain.SaleRecord{}, err
	}
	saleID = strings.TrimSpace(saleID)
	reason = strings.TrimSpace(reason)

	err = s.runTx(ctx, "reverse sale", func(ctx context.Context, tx store.Tx) error {
		sale, err := tx.GetSale(ctx, saleID)
		if errors.Is(err, store.ErrNotFound) {
			return &domain.SaleNotFoundError{SaleID: saleID}
		}
		if err != nil {
			return err
		}
		invoice, err := tx.GetInvoiceBySale(ctx, saleID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		deltas := make([]ledger.StockDelta, 0, len(sale.Lines))
		for _, line := range sale.Lines {
			deltas = append(deltas, ledger.StockDelta{ProductID: line.ProductID, Delta: line.Quantity})
		}
		if _, err := s.stock.ApplyDeltas(ctx, tx, deltas, domain.MovementReturn, sale.ID); err != nil {
			return err
		}
		if _, err := s.shifts.ReverseSale(ctx, tx, sale.ShiftID, sale.Payments, sale.TotalMinor, sale.ID); err != nil {
			return err
		}

		detail := fmt.Sprintf("total=%d shift=%s", sale.TotalMinor, sale.ShiftID)
		if invoice != nil {
			if err := tx.DeleteInvoice(ctx, invoice.ID); err != nil {
				return err
			}
			detail = fmt.Sprintf("invoice=%s %s", invoice.Number, detail)
			record.Invoice = *invoice
		} else {
			log.Printf("[service] WARN: sale %s has no invoice at reversal", sale.ID)
		}
		if err := tx.DeleteSale(ctx, sale.ID); err != nil {
			return err
		}
		if reason != "" {
			detail += " reason=" + reason
		}
		if err := tx.InsertAuditLog(ctx, s.auditEntry(ctx, operatorID, "sale.reverse", "sale", sale.ID, detail)); err != nil {
			return err
		}

		record.Sale = *sale
		return nil
	})
	if err != nil {
		return domain.SaleRecord{}, err
	}

	s.metrics.reversals.Add(ctx, 1)
	event := events.Event{Kind: events.SaleReversed, Sale: &record.Sale}
	if record.Invoice.ID != "" {
		event.Invoice = &record.Invoice
	}
	s.publish(ctx, event)
	return record, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.SaleRecord, error) {
	sale, err := s.store.GetSale(ctx, saleID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.SaleRecord{}, &domain.SaleNotFoundError{SaleID: saleID}
	}
	if err != nil {
		return domain.SaleRecord{}, err
	}
	record := domain.SaleRecord{Sale: *sale}
	invoice, err := s.store.GetInvoiceBySale(ctx, saleID)
	switch {
	case err == nil:
		record.Invoice = *invoice
	case !errors.Is(err, store.ErrNotFound):
		return domain.SaleRecord{}, err
	}
	return record, nil
}

func (s *Service) ListSales(ctx context.Context, filter store.SaleFilter) ([]domain.Sale, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.store.ListSales(ctx, filter)
}
