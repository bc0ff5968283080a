package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possettle/backend/internal/domain"
	"possettle/backend/internal/lock"
	"possettle/backend/internal/store"
	"possettle/backend/internal/store/memory"
)

func newStoreWithProducts(t *testing.T, products ...domain.Product) *memory.Store {
	t.Helper()
	s := memory.New()
	require.NoError(t, s.WithTransaction(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for _, p := range products {
			if err := tx.InsertProduct(ctx, p); err != nil {
				return err
			}
		}
		return nil
	}))
	return s
}

func inTx(t *testing.T, s store.Store, fn store.TxFunc) error {
	t.Helper()
	return s.WithTransaction(context.Background(), fn)
}

func stockOf(t *testing.T, s store.Store, id string) int64 {
	t.Helper()
	p, err := s.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

func TestApplyDeltasIsAllOrNothing(t *testing.T) {
	s := newStoreWithProducts(t,
		domain.Product{ID: "a", Stock: 10},
		domain.Product{ID: "b", Stock: 1},
	)
	l := NewStockLedger(false)

	err := inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := l.ApplyDeltas(ctx, tx, []StockDelta{{ProductID: "a", Delta: -3}, {ProductID: "b", Delta: -2}}, domain.MovementSale, "sale-1")
		return err
	})
	var insufficient *domain.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "b", insufficient.ProductID)
	assert.Equal(t, int64(1), insufficient.Available)
	assert.Equal(t, int64(2), insufficient.Requested)

	assert.Equal(t, int64(10), stockOf(t, s, "a"))
	assert.Equal(t, int64(1), stockOf(t, s, "b"))
}

func TestApplyDeltasSumsDuplicateProducts(t *testing.T) {
	s := newStoreWithProducts(t, domain.Product{ID: "a", Stock: 3})
	l := NewStockLedger(false)

	err := inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := l.ApplyDeltas(ctx, tx, []StockDelta{{ProductID: "a", Delta: -2}, {ProductID: "a", Delta: -2}}, domain.MovementSale, "sale-1")
		return err
	})
	var insufficient *domain.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(4), insufficient.Requested)
	assert.Equal(t, int64(3), stockOf(t, s, "a"))
}

func TestApplyDeltasNegativeOverride(t *testing.T) {
	s := newStoreWithProducts(t, domain.Product{ID: "a", Stock: 1})
	l := NewStockLedger(true)

	require.NoError(t, inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := l.ApplyDelta(ctx, tx, "a", -4, domain.MovementSale, "sale-1")
		return err
	}))
	assert.Equal(t, int64(-3), stockOf(t, s, "a"))

	// Restocking a negative product is always allowed, even without the override.
	strict := NewStockLedger(false)
	require.NoError(t, inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := strict.ApplyDelta(ctx, tx, "a", 2, domain.MovementReturn, "sale-1")
		return err
	}))
	assert.Equal(t, int64(-1), stockOf(t, s, "a"))
}

func TestApplyDeltasJournalsMovements(t *testing.T) {
	s := newStoreWithProducts(t, domain.Product{ID: "a", Stock: 5})
	l := NewStockLedger(false)

	require.NoError(t, inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := l.ApplyDeltas(ctx, tx, []StockDelta{{ProductID: "a", Delta: -2}}, domain.MovementSale, "sale-1")
		return err
	}))

	movements, err := s.ListStockMovements(context.Background(), "a", 10)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, domain.MovementSale, movements[0].Type)
	assert.Equal(t, int64(-2), movements[0].Quantity)
	assert.Equal(t, int64(5), movements[0].PreviousStock)
	assert.Equal(t, int64(3), movements[0].NewStock)
	assert.Equal(t, "sale-1", movements[0].ReferenceID)
}

func TestApplyDeltasUnknownProduct(t *testing.T) {
	s := memory.New()
	err := inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := NewStockLedger(false).ApplyDelta(ctx, tx, "ghost", -1, domain.MovementSale, "")
		return err
	})
	var notFound *domain.ProductNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func startShift(t *testing.T, s store.Store, l *ShiftLedger, operatorID string, opening int64) *domain.Shift {
	t.Helper()
	var shift *domain.Shift
	require.NoError(t, inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		var err error
		shift, err = l.Start(ctx, tx, operatorID, opening)
		return err
	}))
	return shift
}

func TestStartShiftTwiceFails(t *testing.T) {
	s := memory.New()
	l := NewShiftLedger()
	first := startShift(t, s, l, "op-1", 10000)
	assert.Equal(t, domain.ShiftStatusOpen, first.Status)
	assert.Zero(t, first.CashSalesMinor)
	assert.Empty(t, first.SaleIDs)

	err := inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := l.Start(ctx, tx, "op-1", 0)
		return err
	})
	var already *domain.ShiftAlreadyOpenError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, first.ID, already.ShiftID)

	// A different operator is unaffected.
	startShift(t, s, l, "op-2", 0)
}

func TestOpenShiftLookup(t *testing.T) {
	s := memory.New()
	l := NewShiftLedger()

	none, err := l.OpenShift(context.Background(), s, "op-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	started := startShift(t, s, l, "op-1", 0)
	found, err := l.OpenShift(context.Background(), s, "op-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, started.ID, found.ID)
}

func TestApplyAndReverseSaleAreInverse(t *testing.T) {
	s := memory.New()
	l := NewShiftLedger()
	shift := startShift(t, s, l, "op-1", 10000)
	payments := []domain.PaymentEntry{
		{Method: domain.PaymentMethodCash, AmountMinor: 300},
		{Method: domain.PaymentMethodCard, AmountMinor: 200},
		{Method: domain.PaymentMethodOther, AmountMinor: 75},
	}

	require.NoError(t, inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		if _, err := l.ApplySale(ctx, tx, shift.ID, payments, 575, "sale-1"); err != nil {
			return err
		}
		_, err := l.ApplySale(ctx, tx, shift.ID, []domain.PaymentEntry{{Method: domain.PaymentMethodCash, AmountMinor: 100}}, 100, "sale-2")
		return err
	}))
	after, err := s.GetShift(context.Background(), shift.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(400), after.CashSalesMinor)
	assert.Equal(t, int64(200), after.CardSalesMinor)
	assert.Equal(t, int64(675), after.TotalSalesMinor)
	assert.Equal(t, []string{"sale-1", "sale-2"}, after.SaleIDs)

	require.NoError(t, inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := l.ReverseSale(ctx, tx, shift.ID, payments, 575, "sale-1")
		return err
	}))
	reversed, err := s.GetShift(context.Background(), shift.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), reversed.CashSalesMinor)
	assert.Zero(t, reversed.CardSalesMinor)
	assert.Equal(t, int64(100), reversed.TotalSalesMinor)
	assert.Equal(t, []string{"sale-2"}, reversed.SaleIDs)
}

func TestReverseSaleNotInShift(t *testing.T) {
	s := memory.New()
	l := NewShiftLedger()
	shift := startShift(t, s, l, "op-1", 0)

	err := inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := l.ReverseSale(ctx, tx, shift.ID, nil, 0, "sale-x")
		return err
	})
	var notIn *domain.SaleNotInShiftError
	assert.ErrorAs(t, err, &notIn)
}

func TestCloseShiftReportsDiscrepancy(t *testing.T) {
	s := memory.New()
	l := NewShiftLedger()
	shift := startShift(t, s, l, "op-1", 10000)

	var closed *domain.Shift
	require.NoError(t, inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		if _, err := l.ApplySale(ctx, tx, shift.ID, []domain.PaymentEntry{{Method: domain.PaymentMethodCash, AmountMinor: 575}}, 575, "sale-1"); err != nil {
			return err
		}
		var err error
		closed, err = l.Close(ctx, tx, shift.ID, 10500, " drawer short ")
		return err
	}))

	assert.Equal(t, domain.ShiftStatusClosed, closed.Status)
	require.NotNil(t, closed.ExpectedCashMinor)
	require.NotNil(t, closed.DiscrepancyMinor)
	require.NotNil(t, closed.ClosingBalanceMinor)
	require.NotNil(t, closed.EndTime)
	assert.Equal(t, int64(10575), *closed.ExpectedCashMinor)
	assert.Equal(t, int64(-75), *closed.DiscrepancyMinor)
	assert.Equal(t, int64(10500), *closed.ClosingBalanceMinor)
	assert.Equal(t, "drawer short", closed.Notes)
	// Reported, not corrected.
	assert.Equal(t, int64(575), closed.CashSalesMinor)

	open, err := l.OpenShift(context.Background(), s, "op-1")
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestClosedShiftRejectsSalesButAllowsReversal(t *testing.T) {
	s := memory.New()
	l := NewShiftLedger()
	shift := startShift(t, s, l, "op-1", 0)
	cash := []domain.PaymentEntry{{Method: domain.PaymentMethodCash, AmountMinor: 50}}

	require.NoError(t, inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		if _, err := l.ApplySale(ctx, tx, shift.ID, cash, 50, "sale-1"); err != nil {
			return err
		}
		_, err := l.Close(ctx, tx, shift.ID, 50, "")
		return err
	}))

	err := inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := l.ApplySale(ctx, tx, shift.ID, cash, 50, "sale-2")
		return err
	})
	var closedErr *domain.ShiftClosedError
	require.ErrorAs(t, err, &closedErr)

	err = inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := l.Close(ctx, tx, shift.ID, 50, "")
		return err
	})
	var notOpen *domain.ShiftNotOpenError
	require.ErrorAs(t, err, &notOpen)

	var reversed *domain.Shift
	require.NoError(t, inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		var err error
		reversed, err = l.ReverseSale(ctx, tx, shift.ID, cash, 50, "sale-1")
		return err
	}))
	assert.Equal(t, domain.ShiftStatusClosed, reversed.Status)
	assert.Zero(t, reversed.CashSalesMinor)
	assert.Equal(t, int64(0), *reversed.DiscrepancyMinor)
}

func TestShiftNotFound(t *testing.T) {
	s := memory.New()
	l := NewShiftLedger()
	err := inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := l.Close(ctx, tx, "missing", 0, "")
		return err
	})
	var notFound *domain.ShiftNotFoundError
	assert.ErrorAs(t, err, &notFound)

	err = inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		_, err := l.ApplySale(ctx, tx, "missing", nil, 0, "sale")
		return err
	})
	assert.True(t, errors.As(err, &notFound))
}

func TestSequencerNumbersPerDay(t *testing.T) {
	s := memory.New()
	seq := NewSequencer("INV", 4, lock.NewLocal())
	day1 := time.Date(2026, 10, 18, 23, 59, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Minute)

	var numbers []string
	require.NoError(t, inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		for _, at := range []time.Time{day1, day1, day2, day1} {
			n, err := seq.Next(ctx, tx, at)
			if err != nil {
				return err
			}
			numbers = append(numbers, n)
		}
		return nil
	}))
	assert.Equal(t, []string{
		"INV-20261018-0001",
		"INV-20261018-0002",
		"INV-20261019-0001",
		"INV-20261018-0003",
	}, numbers)
}

func TestSequencerDefaults(t *testing.T) {
	seq := NewSequencer(" ", 0, nil)
	assert.Equal(t, "INV-20260101-0042", seq.Format(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC), 42))
	assert.Equal(t, "2026-01-01", IssueDate(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)))
}
