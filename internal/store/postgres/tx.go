package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"possettle/backend/internal/domain"
	"possettle/backend/internal/store"
)

// tx is the store view inside one serializable transaction. Product and shift
// reads take row locks.
type tx struct {
	q querier
}

func (t *tx) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return getProduct(ctx, t.q, id, true)
}

func (t *tx) InsertProduct(ctx context.Context, product domain.Product) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO products (id, name, price_minor, stock, low_stock_threshold, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$6)
	`, product.ID, product.Name, product.PriceMinor, product.Stock, product.LowStockThreshold, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (t *tx) UpdateProduct(ctx context.Context, product domain.Product) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE products
		SET name = $2, price_minor = $3, stock = $4, low_stock_threshold = $5, updated_at = $6
		WHERE id = $1
	`, product.ID, product.Name, product.PriceMinor, product.Stock, product.LowStockThreshold, product.UpdatedAt)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (t *tx) InsertStockMovement(ctx context.Context, m domain.StockMovement) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO stock_movements (id, product_id, movement_type, quantity, previous_stock, new_stock, reference_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, m.ID, m.ProductID, m.Type, m.Quantity, m.PreviousStock, m.NewStock, m.ReferenceID, m.CreatedAt)
	return err
}

func (t *tx) GetShift(ctx context.Context, id string) (*domain.Shift, error) {
	return getShift(ctx, t.q, id, true)
}

func (t *tx) GetOpenShiftID(ctx context.Context, operatorID string) (string, error) {
	return getOpenShiftID(ctx, t.q, operatorID)
}

func (t *tx) InsertShift(ctx context.Context, shift domain.Shift) error {
	saleIDs, err := encodeSaleIDs(shift.SaleIDs)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO shifts (id, operator_id, status, start_time, end_time, opening_balance_minor, closing_balance_minor,
			cash_sales_minor, card_sales_minor, total_sales_minor, sale_ids, expected_cash_minor, discrepancy_minor, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, shift.ID, shift.OperatorID, shift.Status, shift.StartTime, nullTime(shift.EndTime), shift.OpeningBalanceMinor,
		nullInt64(shift.ClosingBalanceMinor), shift.CashSalesMinor, shift.CardSalesMinor, shift.TotalSalesMinor,
		saleIDs, nullInt64(shift.ExpectedCashMinor), nullInt64(shift.DiscrepancyMinor), shift.Notes)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (t *tx) UpdateShift(ctx context.Context, shift domain.Shift) error {
	saleIDs, err := encodeSaleIDs(shift.SaleIDs)
	if err != nil {
		return err
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE shifts
		SET status = $2, end_time = $3, closing_balance_minor = $4, cash_sales_minor = $5, card_sales_minor = $6,
			total_sales_minor = $7, sale_ids = $8, expected_cash_minor = $9, discrepancy_minor = $10, notes = $11
		WHERE id = $1
	`, shift.ID, shift.Status, nullTime(shift.EndTime), nullInt64(shift.ClosingBalanceMinor), shift.CashSalesMinor,
		shift.CardSalesMinor, shift.TotalSalesMinor, saleIDs, nullInt64(shift.ExpectedCashMinor), nullInt64(shift.DiscrepancyMinor), shift.Notes)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return expectAffected(res)
}

func (t *tx) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return getSale(ctx, t.q, id)
}

func (t *tx) InsertSale(ctx context.Context, sale domain.Sale) error {
	lines, err := json.Marshal(sale.Lines)
	if err != nil {
		return fmt.Errorf("encode sale lines: %w", err)
	}
	payments, err := json.Marshal(sale.Payments)
	if err != nil {
		return fmt.Errorf("encode sale payments: %w", err)
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, sale.ID, sale.ShiftID, sale.OperatorID, sale.CustomerID, string(lines), string(payments),
		sale.SubtotalMinor, sale.DiscountMinor, sale.TaxMinor, sale.TotalMinor, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (t *tx) DeleteSale(ctx context.Context, id string) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (t *tx) GetInvoiceBySale(ctx context.Context, saleID string) (*domain.Invoice, error) {
	return getInvoiceBySale(ctx, t.q, saleID)
}

func (t *tx) InsertInvoice(ctx context.Context, invoice domain.Invoice) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO invoices (id, sale_id, number, issue_date, total_minor, status, created_at)
		VALUES ($1,$2,$3,$4::date,$5,$6,$7)
	`, invoice.ID, invoice.SaleID, invoice.Number, invoice.IssueDate, invoice.TotalMinor, invoice.Status, invoice.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (t *tx) DeleteInvoice(ctx context.Context, id string) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM invoices WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// NextInvoiceSeq bumps the day's counter row. The row lock it takes is held
// until the transaction ends, so concurrent issuers for the same day queue.
func (t *tx) NextInvoiceSeq(ctx context.Context, issueDate string) (int64, error) {
	var seq int64
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO invoice_counters (issue_date, last_seq)
		VALUES ($1::date, 1)
		ON CONFLICT (issue_date) DO UPDATE SET last_seq = invoice_counters.last_seq + 1
		RETURNING last_seq
	`, issueDate).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (t *tx) InsertAuditLog(ctx context.Context, entry domain.AuditLog) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, entry.ID, entry.Actor, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func encodeSaleIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode shift sale ids: %w", err)
	}
	return string(raw), nil
}
