package memory

import (
	"context"
	"errors"

	"possettle/backend/internal/domain"
	"possettle/backend/internal/store"
)

var errTxDone = errors.New("memory: transaction already finished")

// tx writes straight into the store maps while the write lock is held and
// records an undo step for every mutation.
type tx struct {
	s    *Store
	undo []func()
	done bool
}

func (t *tx) record(fn func()) {
	t.undo = append(t.undo, fn)
}

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *tx) check() error {
	if t.done {
		return errTxDone
	}
	return nil
}

func (t *tx) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	p, ok := t.s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (t *tx) InsertProduct(_ context.Context, product domain.Product) error {
	if err := t.check(); err != nil {
		return err
	}
	if _, exists := t.s.products[product.ID]; exists {
		return store.ErrConflict
	}
	t.s.products[product.ID] = product
	t.record(func() { delete(t.s.products, product.ID) })
	return nil
}

func (t *tx) UpdateProduct(_ context.Context, product domain.Product) error {
	if err := t.check(); err != nil {
		return err
	}
	prev, ok := t.s.products[product.ID]
	if !ok {
		return store.ErrNotFound
	}
	t.s.products[product.ID] = product
	t.record(func() { t.s.products[product.ID] = prev })
	return nil
}

func (t *tx) InsertStockMovement(_ context.Context, movement domain.StockMovement) error {
	if err := t.check(); err != nil {
		return err
	}
	n := len(t.s.movements)
	t.s.movements = append(t.s.movements, movement)
	t.record(func() { t.s.movements = t.s.movements[:n] })
	return nil
}

func (t *tx) GetShift(_ context.Context, id string) (*domain.Shift, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	shift, ok := t.s.shiftsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cloned := cloneShift(shift)
	return &cloned, nil
}

func (t *tx) GetOpenShiftID(_ context.Context, operatorID string) (string, error) {
	if err := t.check(); err != nil {
		return "", err
	}
	id, ok := t.s.openShiftByOp[operatorID]
	if !ok {
		return "", store.ErrNotFound
	}
	return id, nil
}

func (t *tx) InsertShift(_ context.Context, shift domain.Shift) error {
	if err := t.check(); err != nil {
		return err
	}
	if _, exists := t.s.shiftsByID[shift.ID]; exists {
		return store.ErrConflict
	}
	if shift.IsOpen() {
		if _, open := t.s.openShiftByOp[shift.OperatorID]; open {
			return store.ErrConflict
		}
	}
	t.s.shiftsByID[shift.ID] = cloneShift(shift)
	t.record(func() { delete(t.s.shiftsByID, shift.ID) })
	if shift.IsOpen() {
		t.setOpenIndex(shift.OperatorID, shift.ID)
	}
	return nil
}

// UpdateShift keeps the operator → open shift index in step with status.
func (t *tx) UpdateShift(_ context.Context, shift domain.Shift) error {
	if err := t.check(); err != nil {
		return err
	}
	prev, ok := t.s.shiftsByID[shift.ID]
	if !ok {
		return store.ErrNotFound
	}
	indexed := t.s.openShiftByOp[shift.OperatorID] == shift.ID
	if shift.IsOpen() && !indexed {
		if _, other := t.s.openShiftByOp[shift.OperatorID]; other {
			return store.ErrConflict
		}
	}

	t.s.shiftsByID[shift.ID] = cloneShift(shift)
	t.record(func() { t.s.shiftsByID[shift.ID] = prev })

	switch {
	case shift.IsOpen() && !indexed:
		t.setOpenIndex(shift.OperatorID, shift.ID)
	case !shift.IsOpen() && indexed:
		t.clearOpenIndex(shift.OperatorID)
	}
	return nil
}

func (t *tx) setOpenIndex(operatorID, shiftID string) {
	prev, had := t.s.openShiftByOp[operatorID]
	t.s.openShiftByOp[operatorID] = shiftID
	t.record(func() {
		if had {
			t.s.openShiftByOp[operatorID] = prev
			return
		}
		delete(t.s.openShiftByOp, operatorID)
	})
}

func (t *tx) clearOpenIndex(operatorID string) {
	prev := t.s.openShiftByOp[operatorID]
	delete(t.s.openShiftByOp, operatorID)
	t.record(func() { t.s.openShiftByOp[operatorID] = prev })
}

func (t *tx) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	sale, ok := t.s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cloned := cloneSale(sale)
	return &cloned, nil
}

func (t *tx) InsertSale(_ context.Context, sale domain.Sale) error {
	if err := t.check(); err != nil {
		return err
	}
	if _, exists := t.s.salesByID[sale.ID]; exists {
		return store.ErrConflict
	}
	t.s.salesByID[sale.ID] = cloneSale(sale)
	t.record(func() { delete(t.s.salesByID, sale.ID) })
	return nil
}

func (t *tx) DeleteSale(_ context.Context, id string) error {
	if err := t.check(); err != nil {
		return err
	}
	prev, ok := t.s.salesByID[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(t.s.salesByID, id)
	t.record(func() { t.s.salesByID[id] = prev })
	return nil
}

func (t *tx) GetInvoiceBySale(_ context.Context, saleID string) (*domain.Invoice, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	id, ok := t.s.invoiceBySale[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	inv := t.s.invoicesByID[id]
	return &inv, nil
}

func (t *tx) InsertInvoice(_ context.Context, invoice domain.Invoice) error {
	if err := t.check(); err != nil {
		return err
	}
	if _, exists := t.s.invoicesByID[invoice.ID]; exists {
		return store.ErrConflict
	}
	if _, exists := t.s.invoiceBySale[invoice.SaleID]; exists {
		return store.ErrConflict
	}
	for _, existing := range t.s.invoicesByID {
		if existing.Number == invoice.Number {
			return store.ErrConflict
		}
	}
	t.s.invoicesByID[invoice.ID] = invoice
	t.s.invoiceBySale[invoice.SaleID] = invoice.ID
	t.record(func() {
		delete(t.s.invoicesByID, invoice.ID)
		delete(t.s.invoiceBySale, invoice.SaleID)
	})
	return nil
}

func (t *tx) DeleteInvoice(_ context.Context, id string) error {
	if err := t.check(); err != nil {
		return err
	}
	prev, ok := t.s.invoicesByID[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(t.s.invoicesByID, id)
	delete(t.s.invoiceBySale, prev.SaleID)
	t.record(func() {
		t.s.invoicesByID[id] = prev
		t.s.invoiceBySale[prev.SaleID] = id
	})
	return nil
}

func (t *tx) NextInvoiceSeq(_ context.Context, issueDate string) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	prev := t.s.invoiceSeqByDate[issueDate]
	next := prev + 1
	t.s.invoiceSeqByDate[issueDate] = next
	t.record(func() {
		if prev == 0 {
			delete(t.s.invoiceSeqByDate, issueDate)
			return
		}
		t.s.invoiceSeqByDate[issueDate] = prev
	})
	return next, nil
}

func (t *tx) InsertAuditLog(_ context.Context, entry domain.AuditLog) error {
	if err := t.check(); err != nil {
		return err
	}
	n := len(t.s.auditLogs)
	t.s.auditLogs = append(t.s.auditLogs, entry)
	t.record(func() { t.s.auditLogs = t.s.auditLogs[:n] })
	return nil
}
