package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"possettle/backend/internal/domain"
	"possettle/backend/internal/events"
	"possettle/backend/internal/store"
	"possettle/backend/internal/store/memory"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestService(t *testing.T, opts ...Option) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	svc := New(repo, Config{TaxRatePercent: decimal.NewFromInt(15)}, opts...)
	return svc, repo
}

func croissantCart() domain.Cart {
	return domain.Cart{Lines: []domain.CartLine{{ProductID: "prd-croissant", UnitPriceMinor: 250, Quantity: 2}}}
}

func openShift(t *testing.T, svc *Service, operatorID string, opening int64) *domain.Shift {
	t.Helper()
	shift, err := svc.StartShift(context.Background(), operatorID, opening)
	if err != nil {
		t.Fatalf("start shift: %v", err)
	}
	return shift
}

func stockOf(t *testing.T, repo *memory.Store, productID string) int64 {
	t.Helper()
	product, err := repo.GetProduct(context.Background(), productID)
	if err != nil {
		t.Fatalf("get product %s: %v", productID, err)
	}
	return product.Stock
}

func TestCommitRequiresOpenShift(t *testing.T) {
	svc, repo := newTestService(t)

	_, err := svc.Commit(context.Background(), CommitInput{
		Cart:       croissantCart(),
		Payments:   []domain.PaymentEntry{{Method: domain.PaymentMethodCash, AmountMinor: 575}},
		OperatorID: "cashier",
	})
	var noShift *domain.NoActiveShiftError
	if !errors.As(err, &noShift) {
		t.Fatalf("expected NoActiveShiftError, got %v", err)
	}
	if stockOf(t, repo, "prd-croissant") != 30 {
		t.Fatalf("stock changed without a shift")
	}
}

func TestCommitSplitPaymentUpdatesEverything(t *testing.T) {
	svc, repo := newTestService(t)
	shift := openShift(t, svc, "cashier", 10000)

	record, err := svc.Commit(context.Background(), CommitInput{
		Cart: croissantCart(),
		Payments: []domain.PaymentEntry{
			{Method: domain.PaymentMethodCash, AmountMinor: 300},
			{Method: domain.PaymentMethodCard, AmountMinor: 275, Reference: "auth-1"},
		},
		OperatorID: "cashier",
		CustomerID: "cust-7",
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	sale := record.Sale
	if sale.SubtotalMinor != 500 || sale.TaxMinor != 75 || sale.TotalMinor != 575 {
		t.Fatalf("unexpected totals %+v", sale)
	}
	if sale.ShiftID != shift.ID || sale.OperatorID != "cashier" || sale.CustomerID != "cust-7" {
		t.Fatalf("unexpected sale ownership %+v", sale)
	}
	if len(sale.Lines) != 1 || sale.Lines[0].Name != "Butter Croissant" || sale.Lines[0].LineTotalMinor != 500 {
		t.Fatalf("unexpected sale lines %+v", sale.Lines)
	}
	if record.Invoice.Number != "INV-20260314-0001" || record.Invoice.IssueDate != "2026-03-14" {
		t.Fatalf("unexpected invoice %+v", record.Invoice)
	}
	if record.Invoice.SaleID != sale.ID || record.Invoice.TotalMinor != 575 || record.Invoice.Status != domain.InvoiceStatusIssued {
		t.Fatalf("invoice not linked to sale: %+v", record.Invoice)
	}

	if got := stockOf(t, repo, "prd-croissant"); got != 28 {
		t.Fatalf("expected stock 28, got %d", got)
	}
	current, err := svc.GetShift(context.Background(), shift.ID)
	if err != nil {
		t.Fatalf("get shift: %v", err)
	}
	if current.CashSalesMinor != 300 || current.CardSalesMinor != 275 || current.TotalSalesMinor != 575 {
		t.Fatalf("unexpected shift accumulators %+v", current)
	}
	if !current.HasSale(sale.ID) {
		t.Fatalf("sale %s not recorded on shift", sale.ID)
	}

	movements, err := svc.ListStockMovements(context.Background(), "prd-croissant", 10)
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	if len(movements) != 1 || movements[0].Type != domain.MovementSale || movements[0].Quantity != -2 || movements[0].ReferenceID != sale.ID {
		t.Fatalf("unexpected movements %+v", movements)
	}

	fetched, err := svc.GetSale(context.Background(), sale.ID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if fetched.Invoice.Number != record.Invoice.Number {
		t.Fatalf("expected invoice %s on read, got %s", record.Invoice.Number, fetched.Invoice.Number)
	}
}

func TestCommitPaymentMismatchHasNoSideEffects(t *testing.T) {
	for _, tc := range []struct {
		name     string
		payments []domain.PaymentEntry
		short    int64
	}{
		{"under", []domain.PaymentEntry{{Method: domain.PaymentMethodCash, AmountMinor: 300}}, 275},
		{"over", []domain.PaymentEntry{{Method: domain.PaymentMethodCash, AmountMinor: 600}}, -25},
	} {
		t.Run(tc.name, func(t *testing.T) {
			svc, repo := newTestService(t)
			shift := openShift(t, svc, "cashier", 0)

			_, err := svc.Commit(context.Background(), CommitInput{Cart: croissantCart(), Payments: tc.payments, OperatorID: "cashier"})
			var mismatch *domain.PaymentMismatchError
			if !errors.As(err, &mismatch) {
				t.Fatalf("expected PaymentMismatchError, got %v", err)
			}
			if mismatch.ExpectedMinor != 575 || mismatch.Shortfall() != tc.short {
				t.Fatalf("unexpected mismatch %+v", mismatch)
			}

			if stockOf(t, repo, "prd-croissant") != 30 {
				t.Fatalf("stock changed on rejected sale")
			}
			current, _ := svc.GetShift(context.Background(), shift.ID)
			if current.TotalSalesMinor != 0 || len(current.SaleIDs) != 0 {
				t.Fatalf("shift changed on rejected sale: %+v", current)
			}
			sales, _ := svc.ListSales(context.Background(), store.SaleFilter{})
			if len(sales) != 0 {
				t.Fatalf("expected no sales, got %d", len(sales))
			}
		})
	}
}

func TestCommitRejectsInvalidCarts(t *testing.T) {
	svc, _ := newTestService(t)
	openShift(t, svc, "cashier", 0)

	cases := map[string]domain.Cart{
		"empty":             {},
		"zero quantity":     {Lines: []domain.CartLine{{ProductID: "prd-croissant", UnitPriceMinor: 250, Quantity: 0}}},
		"negative price":    {Lines: []domain.CartLine{{ProductID: "prd-croissant", UnitPriceMinor: -1, Quantity: 1}}},
		"negative discount": {Lines: croissantCart().Lines, DiscountMinor: -5},
	}
	for name, cart := range cases {
		_, err := svc.Commit(context.Background(), CommitInput{
			Cart:       cart,
			Payments:   []domain.PaymentEntry{{Method: domain.PaymentMethodCash, AmountMinor: 1}},
			OperatorID: "cashier",
		})
		var invalid *domain.InvalidCartError
		if !errors.As(err, &invalid) {
			t.Fatalf("%s: expected InvalidCartError, got %v", name, err)
		}
	}
}

func TestCommitInsufficientStockRollsBack(t *testing.T) {
	svc, repo := newTestService(t)
	openShift(t, svc, "cashier", 0)

	cart := domain.Cart{Lines: []domain.CartLine{
		{ProductID: "prd-croissant", UnitPriceMinor: 250, Quantity: 1},
		{ProductID: "prd-dark-chocolate", UnitPriceMinor: 1599, Quantity: 16},
	}}
	totals := int64(250 + 1599*16)
	tax := decimal.NewFromInt(totals).Mul(decimal.NewFromInt(15)).Shift(-2).Round(0).IntPart()

	_, err := svc.Commit(context.Background(), CommitInput{
		Cart:       cart,
		Payments:   []domain.PaymentEntry{{Method: domain.PaymentMethodCard, AmountMinor: totals + tax}},
		OperatorID: "cashier",
	})
	var insufficient *domain.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if insufficient.ProductID != "prd-dark-chocolate" || insufficient.Available != 15 || insufficient.Requested != 16 {
		t.Fatalf("unexpected error detail %+v", insufficient)
	}
	if stockOf(t, repo, "prd-croissant") != 30 || stockOf(t, repo, "prd-dark-chocolate") != 15 {
		t.Fatalf("partial stock change after rejected sale")
	}
}

func TestCommitAllowsNegativeStockWhenConfigured(t *testing.T) {
	repo := memory.NewSeeded()
	svc := New(repo, Config{AllowNegativeStock: true}, WithClock(func() time.Time { return fixedNow }))
	openShift(t, svc, "cashier", 0)

	_, err := svc.Commit(context.Background(), CommitInput{
		Cart:       domain.Cart{Lines: []domain.CartLine{{ProductID: "prd-dark-chocolate", UnitPriceMinor: 100, Quantity: 20}}},
		Payments:   []domain.PaymentEntry{{Method: domain.PaymentMethodCash, AmountMinor: 2000}},
		OperatorID: "cashier",
	})
	if err != nil {
		t.Fatalf("commit with override: %v", err)
	}
	if got := stockOf(t, repo, "prd-dark-chocolate"); got != -5 {
		t.Fatalf("expected stock -5, got %d", got)
	}
}

func TestCloseShiftReportsDiscrepancy(t *testing.T) {
	svc, _ := newTestService(t)
	shift := openShift(t, svc, "cashier", 10000)

	if _, err := svc.Commit(context.Background(), CommitInput{
		Cart:       croissantCart(),
		Payments:   []domain.PaymentEntry{{Method: domain.PaymentMethodCash, AmountMinor: 575}},
		OperatorID: "cashier",
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	closed, err := svc.CloseOpenShift(context.Background(), "cashier", 10500, "  drawer short  ")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.ID != shift.ID || closed.Status != domain.ShiftStatusClosed || closed.EndTime == nil {
		t.Fatalf("shift not sealed: %+v", closed)
	}
	if *closed.ExpectedCashMinor != 10575 || *closed.DiscrepancyMinor != -75 || *closed.ClosingBalanceMinor != 10500 {
		t.Fatalf("unexpected close figures %+v", closed)
	}
	if closed.Notes != "drawer short" {
		t.Fatalf("expected trimmed notes, got %q", closed.Notes)
	}

	open, err := svc.GetOpenShift(context.Background(), "cashier")
	if err != nil || open != nil {
		t.Fatalf("expected no open shift after close, got %+v, %v", open, err)
	}
	_, err = svc.CloseShift(context.Background(), shift.ID, "cashier", 1, "")
	var notOpen *domain.ShiftNotOpenError
	if !errors.As(err, &notOpen) {
		t.Fatalf("expected ShiftNotOpenError on second close, got %v", err)
	}
}

func TestStartShiftTwiceFails(t *testing.T) {
	svc, _ := newTestService(t)
	first := openShift(t, svc, "cashier", 0)

	_, err := svc.StartShift(context.Background(), "cashier", 500)
	var already *domain.ShiftAlreadyOpenError
	if !errors.As(err, &already) {
		t.Fatalf("expected ShiftAlreadyOpenError, got %v", err)
	}
	if already.ShiftID != first.ID {
		t.Fatalf("expected existing shift %s, got %s", first.ID, already.ShiftID)
	}
}

func TestCloseShiftOfAnotherOperatorRequiresCapability(t *testing.T) {
	svc, _ := newTestService(t)
	shift := openShift(t, svc, "admin", 0)

	_, err := svc.CloseShift(context.Background(), shift.ID, "cashier", 0, "")
	var forbidden *domain.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}

	cashierShift := openShift(t, svc, "cashier", 0)
	if _, err := svc.CloseShift(context.Background(), cashierShift.ID, "admin", 0, ""); err != nil {
		t.Fatalf("admin close: %v", err)
	}
}

func TestAdminCloseOfCashierShiftCompletes(t *testing.T) {
	svc, _ := newTestService(t)
	shift := openShift(t, svc, "cashier", 500)

	type result struct {
		shift *domain.Shift
		err   error
	}
	done := make(chan result, 1)
	go func() {
		closed, err := svc.CloseShift(context.Background(), shift.ID, "admin", 500, "closed by supervisor")
		done <- result{closed, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("admin close: %v", res.err)
		}
		if res.shift.IsOpen() || *res.shift.DiscrepancyMinor != 0 {
			t.Fatalf("unexpected closed shift %+v", res.shift)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("admin close of another operator's shift did not return")
	}
}

func TestReverseRestoresStockAndShift(t *testing.T) {
	svc, repo := newTestService(t)
	shift := openShift(t, svc, "cashier", 1000)
	before, _ := svc.GetShift(context.Background(), shift.ID)

	record, err := svc.Commit(context.Background(), CommitInput{
		Cart: croissantCart(),
		Payments: []domain.PaymentEntry{
			{Method: domain.PaymentMethodCash, AmountMinor: 300},
			{Method: domain.PaymentMethodCard, AmountMinor: 275},
		},
		OperatorID: "cashier",
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	reversed, err := svc.Reverse(context.Background(), record.Sale.ID, "admin", "customer returned")
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if reversed.Sale.ID != record.Sale.ID || reversed.Invoice.Number != record.Invoice.Number {
		t.Fatalf("unexpected reversed record %+v", reversed)
	}

	if got := stockOf(t, repo, "prd-croissant"); got != 30 {
		t.Fatalf("expected stock restored to 30, got %d", got)
	}
	after, _ := svc.GetShift(context.Background(), shift.ID)
	if after.CashSalesMinor != before.CashSalesMinor || after.CardSalesMinor != before.CardSalesMinor || after.TotalSalesMinor != before.TotalSalesMinor {
		t.Fatalf("shift not restored: before %+v after %+v", before, after)
	}
	if after.HasSale(record.Sale.ID) {
		t.Fatalf("reversed sale still listed on shift")
	}

	_, err = svc.GetSale(context.Background(), record.Sale.ID)
	var notFound *domain.SaleNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected SaleNotFoundError after reversal, got %v", err)
	}
	_, err = svc.Reverse(context.Background(), record.Sale.ID, "admin", "")
	if !errors.As(err, &notFound) {
		t.Fatalf("expected second reversal to fail with SaleNotFoundError, got %v", err)
	}

	movements, _ := svc.ListStockMovements(context.Background(), "prd-croissant", 10)
	if len(movements) != 2 || movements[0].Type != domain.MovementReturn || movements[0].Quantity != 2 {
		t.Fatalf("unexpected movement journal %+v", movements)
	}
}

func TestReverseOnClosedShiftKeepsSealedFigures(t *testing.T) {
	svc, _ := newTestService(t)
	shift := openShift(t, svc, "cashier", 10000)
	record, err := svc.Commit(context.Background(), CommitInput{
		Cart:       croissantCart(),
		Payments:   []domain.PaymentEntry{{Method: domain.PaymentMethodCash, AmountMinor: 575}},
		OperatorID: "cashier",
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := svc.CloseShift(context.Background(), shift.ID, "cashier", 10575, ""); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := svc.Reverse(context.Background(), record.Sale.ID, "admin", "audit correction"); err != nil {
		t.Fatalf("reverse on closed shift: %v", err)
	}
	after, _ := svc.GetShift(context.Background(), shift.ID)
	if after.CashSalesMinor != 0 || after.TotalSalesMinor != 0 {
		t.Fatalf("expected accumulators reversed, got %+v", after)
	}
	if *after.ExpectedCashMinor != 10575 || *after.DiscrepancyMinor != 0 || after.Status != domain.ShiftStatusClosed {
		t.Fatalf("sealed figures changed: %+v", after)
	}
}

func TestReverseRequiresCapability(t *testing.T) {
	svc, repo := newTestService(t)
	openShift(t, svc, "cashier", 0)
	record, err := svc.Commit(context.Background(), CommitInput{
		Cart:       croissantCart(),
		Payments:   []domain.PaymentEntry{{Method: domain.PaymentMethodCash, AmountMinor: 575}},
		OperatorID: "cashier",
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	_, err = svc.Reverse(context.Background(), record.Sale.ID, "cashier", "")
	var forbidden *domain.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	if forbidden.Capability != domain.CapabilityReverseSale {
		t.Fatalf("unexpected capability %q", forbidden.Capability)
	}
	if stockOf(t, repo, "prd-croissant") != 28 {
		t.Fatalf("forbidden reversal changed stock")
	}
}

type failingStore struct {
	*memory.Store
}

func (f failingStore) WithTransaction(ctx context.Context, fn store.TxFunc) error {
	return f.Store.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, failingTx{Tx: tx})
	})
}

type failingTx struct {
	store.Tx
}

func (failingTx) InsertInvoice(context.Context, domain.Invoice) error {
	return errors.New("disk full")
}

func TestCommitStorageFailureLeavesNoPartialState(t *testing.T) {
	repo := memory.NewSeeded()
	healthy := New(repo, Config{TaxRatePercent: decimal.NewFromInt(15)})
	shift := openShift(t, healthy, "cashier", 0)

	svc := New(failingStore{Store: repo}, Config{TaxRatePercent: decimal.NewFromInt(15)})
	_, err := svc.Commit(context.Background(), CommitInput{
		Cart:       croissantCart(),
		Payments:   []domain.PaymentEntry{{Method: domain.PaymentMethodCash, AmountMinor: 575}},
		OperatorID: "cashier",
	})
	var failed *domain.TransactionFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected TransactionFailedError, got %v", err)
	}
	if !strings.Contains(failed.Error(), "disk full") {
		t.Fatalf("expected cause in message, got %q", failed.Error())
	}

	if stockOf(t, repo, "prd-croissant") != 30 {
		t.Fatalf("stock not rolled back")
	}
	current, _ := repo.GetShift(context.Background(), shift.ID)
	if current.TotalSalesMinor != 0 || len(current.SaleIDs) != 0 {
		t.Fatalf("shift not rolled back: %+v", current)
	}
	sales, _ := repo.ListSales(context.Background(), store.SaleFilter{})
	if len(sales) != 0 {
		t.Fatalf("sale persisted after failure")
	}
	movements, _ := repo.ListStockMovements(context.Background(), "", 10)
	if len(movements) != 0 {
		t.Fatalf("movement journal not rolled back: %+v", movements)
	}
}

func TestConcurrentCommitsGetDistinctInvoiceNumbers(t *testing.T) {
	svc, repo := newTestService(t)
	const operators = 8
	for i := 0; i < operators; i++ {
		username := fmt.Sprintf("till-%d", i)
		if err := repo.CreateUser(context.Background(), domain.UserAccount{Username: username, Role: domain.RoleCashier, Active: true}); err != nil {
			t.Fatalf("create user: %v", err)
		}
		openShift(t, svc, username, 0)
	}

	var wg sync.WaitGroup
	numbers := make(chan string, operators*3)
	errs := make(chan error, operators*3)
	for i := 0; i < operators; i++ {
		wg.Add(1)
		go func(op string) {
			defer wg.Done()
			for j := 0; j < 3; j++ {
				record, err := svc.Commit(context.Background(), CommitInput{
					Cart:       domain.Cart{Lines: []domain.CartLine{{ProductID: "prd-mineral-water", UnitPriceMinor: 100, Quantity: 1}}},
					Payments:   []domain.PaymentEntry{{Method: domain.PaymentMethodCash, AmountMinor: 115}},
					OperatorID: op,
				})
				if err != nil {
					errs <- err
					continue
				}
				numbers <- record.Invoice.Number
			}
		}(fmt.Sprintf("till-%d", i))
	}
	wg.Wait()
	close(numbers)
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent commit: %v", err)
	}
	seen := make(map[string]bool)
	for n := range numbers {
		if seen[n] {
			t.Fatalf("duplicate invoice number %s", n)
		}
		seen[n] = true
	}
	if len(seen) != operators*3 {
		t.Fatalf("expected %d invoices, got %d", operators*3, len(seen))
	}
	for i := 1; i <= operators*3; i++ {
		if !seen[fmt.Sprintf("INV-20260314-%04d", i)] {
			t.Fatalf("missing invoice number %d", i)
		}
	}
	if got := stockOf(t, repo, "prd-mineral-water"); got != 200-operators*3 {
		t.Fatalf("expected stock %d, got %d", 200-operators*3, got)
	}
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	bus := events.NewBus()
	var mu sync.Mutex
	var kinds []events.Kind
	bus.Subscribe(func(_ context.Context, e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, e.Kind)
		return nil
	})
	svc, _ := newTestService(t, WithPublisher(bus))
	shift := openShift(t, svc, "cashier", 0)

	record, err := svc.Commit(context.Background(), CommitInput{
		Cart:       croissantCart(),
		Payments:   []domain.PaymentEntry{{Method: domain.PaymentMethodCash, AmountMinor: 575}},
		OperatorID: "cashier",
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := svc.Reverse(context.Background(), record.Sale.ID, "admin", ""); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if _, err := svc.CloseShift(context.Background(), shift.ID, "cashier", 0, ""); err != nil {
		t.Fatalf("close: %v", err)
	}

	want := []events.Kind{events.SaleCommitted, events.SaleReversed, events.ShiftClosed}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Fatalf("expected events %v, got %v", want, kinds)
	}
}

func TestFailingSubscriberDoesNotFailCommit(t *testing.T) {
	bus := events.NewBus()
	bus.Subscribe(func(context.Context, events.Event) error { return errors.New("receipt printer offline") })
	svc, _ := newTestService(t, WithPublisher(bus))
	openShift(t, svc, "cashier", 0)

	if _, err := svc.Commit(context.Background(), CommitInput{
		Cart:       croissantCart(),
		Payments:   []domain.PaymentEntry{{Method: domain.PaymentMethodCash, AmountMinor: 575}},
		OperatorID: "cashier",
	}); err != nil {
		t.Fatalf("commit should succeed despite subscriber failure: %v", err)
	}
}

func TestCheckoutUsesCatalogPrice(t *testing.T) {
	svc, _ := newTestService(t)
	openShift(t, svc, "cashier", 0)

	override := int64(200)
	record, err := svc.Checkout(context.Background(), "cashier", domain.CommitRequest{
		Items: []domain.CartItemInput{
			{ProductID: "prd-croissant", Quantity: 2},
			{ProductID: "prd-mineral-water", Quantity: 1, UnitPriceMinor: &override},
		},
		Payments: []domain.PaymentEntry{{Method: domain.PaymentMethodCash, AmountMinor: 805}},
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if record.Sale.SubtotalMinor != 700 || record.Sale.TotalMinor != 805 {
		t.Fatalf("unexpected totals %+v", record.Sale)
	}

	_, err = svc.Checkout(context.Background(), "cashier", domain.CommitRequest{
		Items:    []domain.CartItemInput{{ProductID: "prd-missing", Quantity: 1}},
		Payments: []domain.PaymentEntry{{Method: domain.PaymentMethodCash, AmountMinor: 1}},
	})
	var notFound *domain.ProductNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ProductNotFoundError, got %v", err)
	}
}

func TestCatalogManagementRequiresAdmin(t *testing.T) {
	svc, _ := newTestService(t)
	cashierCtx := WithActor(context.Background(), domain.Actor{Username: "cashier", Role: domain.RoleCashier})
	adminCtx := WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})

	_, err := svc.CreateProduct(cashierCtx, domain.ProductCreateRequest{Name: "Bagel", PriceMinor: 300})
	var forbidden *domain.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError for cashier, got %v", err)
	}

	product, err := svc.CreateProduct(adminCtx, domain.ProductCreateRequest{Name: " Bagel ", PriceMinor: 300, InitialStock: 12, LowStockThreshold: 4})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if product.Name != "Bagel" || product.Stock != 12 {
		t.Fatalf("unexpected product %+v", product)
	}

	price := int64(350)
	updated, err := svc.UpdateProduct(adminCtx, product.ID, domain.ProductUpdateRequest{PriceMinor: &price})
	if err != nil {
		t.Fatalf("update product: %v", err)
	}
	if updated.PriceMinor != 350 || updated.Stock != 12 {
		t.Fatalf("unexpected update %+v", updated)
	}

	_, err = svc.CreateProduct(adminCtx, domain.ProductCreateRequest{Name: "", PriceMinor: 1})
	var invalid *domain.InvalidInputError
	if !errors.As(err, &invalid) || invalid.Field != "name" {
		t.Fatalf("expected InvalidInputError on name, got %v", err)
	}

	logs, err := svc.ListAuditLogs(adminCtx, 10)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) != 2 || logs[0].Action != "product.update" || logs[0].Actor != "admin" {
		t.Fatalf("unexpected audit logs %+v", logs)
	}
	if _, err := svc.ListAuditLogs(cashierCtx, 10); !errors.As(err, &forbidden) {
		t.Fatalf("expected cashier audit read to be forbidden, got %v", err)
	}
}

func TestAdjustStockAndLowStockReport(t *testing.T) {
	svc, _ := newTestService(t)
	adminCtx := WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})

	_, err := svc.AdjustStock(adminCtx, "prd-dark-chocolate", domain.StockAdjustmentRequest{Delta: -11, Reason: "melted"})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	_, err = svc.AdjustStock(adminCtx, "prd-dark-chocolate", domain.StockAdjustmentRequest{Delta: -5, Reason: "count"})
	var insufficient *domain.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	_, err = svc.AdjustStock(adminCtx, "prd-dark-chocolate", domain.StockAdjustmentRequest{Delta: 0, Reason: "noop"})
	var invalid *domain.InvalidInputError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidInputError for zero delta, got %v", err)
	}

	low, err := svc.LowStockProducts(context.Background())
	if err != nil {
		t.Fatalf("low stock: %v", err)
	}
	if len(low) != 1 || low[0].ID != "prd-dark-chocolate" || low[0].Stock != 4 {
		t.Fatalf("unexpected low stock report %+v", low)
	}
}

func TestListShiftsScopesCashierToOwnShifts(t *testing.T) {
	svc, _ := newTestService(t)
	openShift(t, svc, "cashier", 0)
	openShift(t, svc, "admin", 0)

	mine, err := svc.ListShifts(context.Background(), "cashier", store.ShiftFilter{OperatorID: "admin"})
	if err != nil {
		t.Fatalf("list shifts: %v", err)
	}
	if len(mine) != 1 || mine[0].OperatorID != "cashier" {
		t.Fatalf("cashier saw %+v", mine)
	}
	all, err := svc.ListShifts(context.Background(), "admin", store.ShiftFilter{})
	if err != nil {
		t.Fatalf("list shifts: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected admin to see 2 shifts, got %d", len(all))
	}
}

func TestReverseRollsBackStockWhenShiftDoesNotHoldSale(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	shift := openShift(t, svc, "cashier", 0)

	record, err := svc.Commit(ctx, CommitInput{
		Cart:       croissantCart(),
		Payments:   []domain.PaymentEntry{{Method: domain.PaymentMethodCash, AmountMinor: 575}},
		OperatorID: "cashier",
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	stockAfterCommit := stockOf(t, repo, "prd-croissant")

	err = repo.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		current, err := tx.GetShift(ctx, shift.ID)
		if err != nil {
			return err
		}
		current.SaleIDs = nil
		return tx.UpdateShift(ctx, *current)
	})
	if err != nil {
		t.Fatalf("detach sale from shift: %v", err)
	}

	_, err = svc.Reverse(ctx, record.Sale.ID, "admin", "wrong item")
	var notInShift *domain.SaleNotInShiftError
	if !errors.As(err, &notInShift) {
		t.Fatalf("expected SaleNotInShiftError, got %v", err)
	}

	if got := stockOf(t, repo, "prd-croissant"); got != stockAfterCommit {
		t.Fatalf("expected stock %d after failed reversal, got %d", stockAfterCommit, got)
	}
	movements, err := repo.ListStockMovements(ctx, "prd-croissant", 50)
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	for _, m := range movements {
		if m.Type == domain.MovementReturn {
			t.Fatalf("unexpected return movement %+v", m)
		}
	}
	if _, err := svc.GetSale(ctx, record.Sale.ID); err != nil {
		t.Fatalf("sale should survive failed reversal: %v", err)
	}
}
