// Package ledger holds the three ledgers a sale touches: product stock, the
// operator's shift and the per-day invoice sequence. Every operation runs
// against a store.Tx and leaves commit or rollback to the caller.
package ledger

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"possettle/backend/internal/domain"
	"possettle/backend/internal/store"
	"possettle/backend/internal/xid"
)

type StockDelta struct {
	ProductID string
	Delta     int64
}

// StockLedger is the only writer of Product.Stock. The negative-stock
// override is enforced here and nowhere else.
type StockLedger struct {
	allowNegative bool
	now           func() time.Time
}

func NewStockLedger(allowNegative bool) *StockLedger {
	return &StockLedger{allowNegative: allowNegative, now: time.Now}
}

func (l *StockLedger) AllowsNegative() bool {
	return l.allowNegative
}

func (l *StockLedger) ApplyDelta(ctx context.Context, tx store.Tx, productID string, delta int64, movementType string, referenceID string) (*domain.Product, error) {
	updated, err := l.ApplyDeltas(ctx, tx, []StockDelta{{ProductID: productID, Delta: delta}}, movementType, referenceID)
	if err != nil {
		return nil, err
	}
	if len(updated) == 0 {
		return tx.GetProduct(ctx, productID)
	}
	return &updated[0], nil
}

// ApplyDeltas is all-or-nothing: every product is read and checked before
// any stock is written. Deltas for the same product are summed, and products
// are visited in id order so concurrent batches lock rows consistently.
func (l *StockLedger) ApplyDeltas(ctx context.Context, tx store.Tx, deltas []StockDelta, movementType string, referenceID string) ([]domain.Product, error) {
	merged, err := mergeDeltas(deltas)
	if err != nil {
		return nil, err
	}

	planned := make([]domain.Product, 0, len(merged))
	previous := make([]int64, 0, len(merged))
	for _, d := range merged {
		product, err := tx.GetProduct(ctx, d.ProductID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, &domain.ProductNotFoundError{ProductID: d.ProductID}
		}
		if err != nil {
			return nil, err
		}
		next := product.Stock + d.Delta
		if d.Delta < 0 && next < 0 && !l.allowNegative {
			return nil, &domain.InsufficientStockError{
				ProductID: d.ProductID,
				Available: product.Stock,
				Requested: -d.Delta,
			}
		}
		previous = append(previous, product.Stock)
		product.Stock = next
		planned = append(planned, *product)
	}

	now := l.now().UTC()
	for i, product := range planned {
		product.UpdatedAt = now
		if err := tx.UpdateProduct(ctx, product); err != nil {
			return nil, err
		}
		planned[i] = product
		movement := domain.StockMovement{
			ID:            xid.New("mv"),
			ProductID:     product.ID,
			Type:          movementType,
			Quantity:      product.Stock - previous[i],
			PreviousStock: previous[i],
			NewStock:      product.Stock,
			ReferenceID:   referenceID,
			CreatedAt:     now,
		}
		if err := tx.InsertStockMovement(ctx, movement); err != nil {
			return nil, err
		}
	}
	return planned, nil
}

func mergeDeltas(deltas []StockDelta) ([]StockDelta, error) {
	sums := make(map[string]int64, len(deltas))
	for _, d := range deltas {
		id := strings.TrimSpace(d.ProductID)
		if id == "" {
			return nil, &domain.InvalidInputError{Field: "product_id", Reason: "required"}
		}
		sums[id] += d.Delta
	}
	merged := make([]StockDelta, 0, len(sums))
	for id, delta := range sums {
		if delta == 0 {
			continue
		}
		merged = append(merged, StockDelta{ProductID: id, Delta: delta})
	}
	slices.SortFunc(merged, func(a, b StockDelta) int {
		return strings.Compare(a.ProductID, b.ProductID)
	})
	return merged, nil
}
