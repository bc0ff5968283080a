package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"possettle/backend/internal/domain"
	"possettle/backend/internal/store"
	"possettle/backend/internal/xid"
)

// ShiftReader is satisfied by both store.Store and store.Tx.
type ShiftReader interface {
	GetShift(ctx context.Context, id string) (*domain.Shift, error)
	GetOpenShiftID(ctx context.Context, operatorID string) (string, error)
}

// ShiftLedger tracks the single open shift per operator and its cash, card
// and total accumulators. OPEN → CLOSED is the only transition.
type ShiftLedger struct {
	now func() time.Time
}

func NewShiftLedger() *ShiftLedger {
	return &ShiftLedger{now: time.Now}
}

func (l *ShiftLedger) Start(ctx context.Context, tx store.Tx, operatorID string, openingBalanceMinor int64) (*domain.Shift, error) {
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return nil, &domain.InvalidInputError{Field: "operator_id", Reason: "required"}
	}
	if openingBalanceMinor < 0 {
		return nil, &domain.InvalidInputError{Field: "opening_balance_minor", Reason: "must not be negative"}
	}

	existingID, err := tx.GetOpenShiftID(ctx, operatorID)
	switch {
	case err == nil:
		return nil, &domain.ShiftAlreadyOpenError{OperatorID: operatorID, ShiftID: existingID}
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	shift := domain.Shift{
		ID:                  xid.New("shift"),
		OperatorID:          operatorID,
		Status:              domain.ShiftStatusOpen,
		StartTime:           l.now().UTC(),
		OpeningBalanceMinor: openingBalanceMinor,
		SaleIDs:             []string{},
	}
	if err := tx.InsertShift(ctx, shift); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, &domain.ShiftAlreadyOpenError{OperatorID: operatorID}
		}
		return nil, err
	}
	return &shift, nil
}

// OpenShift returns the operator's open shift, or nil when there is none.
func (l *ShiftLedger) OpenShift(ctx context.Context, r ShiftReader, operatorID string) (*domain.Shift, error) {
	shiftID, err := r.GetOpenShiftID(ctx, operatorID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	shift, err := r.GetShift(ctx, shiftID)
	if err != nil {
		return nil, fmt.Errorf("open shift index for %s points at %s: %w", operatorID, shiftID, err)
	}
	if !shift.IsOpen() {
		return nil, fmt.Errorf("open shift index for %s points at %s shift %s", operatorID, shift.Status, shiftID)
	}
	return shift, nil
}

// ApplySale adds every payment to its accumulator (cash, card; other methods
// only count toward the total) and appends saleID.
func (l *ShiftLedger) ApplySale(ctx context.Context, tx store.Tx, shiftID string, payments []domain.PaymentEntry, totalMinor int64, saleID string) (*domain.Shift, error) {
	shift, err := l.load(ctx, tx, shiftID)
	if err != nil {
		return nil, err
	}
	if !shift.IsOpen() {
		return nil, &domain.ShiftClosedError{ShiftID: shiftID}
	}

	accumulate(shift, payments, totalMinor, 1)
	shift.SaleIDs = append(shift.SaleIDs, saleID)
	if err := tx.UpdateShift(ctx, *shift); err != nil {
		return nil, err
	}
	return shift, nil
}

// ReverseSale is the exact inverse of ApplySale. It is allowed on a closed
// shift and never reopens it; the figures sealed at close stay as reported.
func (l *ShiftLedger) ReverseSale(ctx context.Context, tx store.Tx, shiftID string, payments []domain.PaymentEntry, totalMinor int64, saleID string) (*domain.Shift, error) {
	shift, err := l.load(ctx, tx, shiftID)
	if err != nil {
		return nil, err
	}
	idx := -1
	for i, id := range shift.SaleIDs {
		if id == saleID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, &domain.SaleNotInShiftError{ShiftID: shiftID, SaleID: saleID}
	}

	accumulate(shift, payments, totalMinor, -1)
	shift.SaleIDs = append(shift.SaleIDs[:idx:idx], shift.SaleIDs[idx+1:]...)
	if err := tx.UpdateShift(ctx, *shift); err != nil {
		return nil, err
	}
	return shift, nil
}

// Close seals the shift. The discrepancy (counted − expected cash) is
// recorded for reporting and nothing is adjusted to absorb it.
func (l *ShiftLedger) Close(ctx context.Context, tx store.Tx, shiftID string, countedCashMinor int64, notes string) (*domain.Shift, error) {
	if countedCashMinor < 0 {
		return nil, &domain.InvalidInputError{Field: "counted_cash_minor", Reason: "must not be negative"}
	}
	shift, err := l.load(ctx, tx, shiftID)
	if err != nil {
		return nil, err
	}
	if !shift.IsOpen() {
		return nil, &domain.ShiftNotOpenError{ShiftID: shiftID, Status: shift.Status}
	}

	expected := shift.OpeningBalanceMinor + shift.CashSalesMinor
	discrepancy := countedCashMinor - expected
	end := l.now().UTC()
	counted := countedCashMinor

	shift.Status = domain.ShiftStatusClosed
	shift.EndTime = &end
	shift.ClosingBalanceMinor = &counted
	shift.ExpectedCashMinor = &expected
	shift.DiscrepancyMinor = &discrepancy
	shift.Notes = strings.TrimSpace(notes)
	if err := tx.UpdateShift(ctx, *shift); err != nil {
		return nil, err
	}
	return shift, nil
}

func (l *ShiftLedger) load(ctx context.Context, tx store.Tx, shiftID string) (*domain.Shift, error) {
	shift, err := tx.GetShift(ctx, shiftID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &domain.ShiftNotFoundError{ShiftID: shiftID}
	}
	if err != nil {
		return nil, err
	}
	return shift, nil
}

func accumulate(shift *domain.Shift, payments []domain.PaymentEntry, totalMinor int64, sign int64) {
	for _, p := range payments {
		switch p.Method {
		case domain.PaymentMethodCash:
			shift.CashSalesMinor += sign * p.AmountMinor
		case domain.PaymentMethodCard:
			shift.CardSalesMinor += sign * p.AmountMinor
		}
	}
	shift.TotalSalesMinor += sign * totalMinor
}
