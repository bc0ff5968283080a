package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"possettle/backend/internal/domain"
	"possettle/backend/internal/store"
	"possettle/backend/internal/xid"
)

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.store.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	product, err := s.store.GetProduct(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &domain.ProductNotFoundError{ProductID: productID}
	}
	return product, err
}

// CreateProduct adds a catalog entry for the actor in ctx. Initial stock is
// booked through the stock journal as an adjustment.
func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (*domain.Product, error) {
	actor, err := s.requireActor(ctx, domain.CapabilityManageCatalog)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	switch {
	case name == "":
		return nil, &domain.InvalidInputError{Field: "name", Reason: "required"}
	case req.PriceMinor < 0:
		return nil, &domain.InvalidInputError{Field: "price_minor", Reason: "must not be negative"}
	case req.InitialStock < 0:
		return nil, &domain.InvalidInputError{Field: "initial_stock", Reason: "must not be negative"}
	case req.LowStockThreshold < 0:
		return nil, &domain.InvalidInputError{Field: "low_stock_threshold", Reason: "must not be negative"}
	}

	var created *domain.Product
	err = s.runTx(ctx, "create product", func(ctx context.Context, tx store.Tx) error {
		product := domain.Product{
			ID:                xid.New("prd"),
			Name:              name,
			PriceMinor:        req.PriceMinor,
			LowStockThreshold: req.LowStockThreshold,
			UpdatedAt:         s.now().UTC(),
		}
		if err := tx.InsertProduct(ctx, product); err != nil {
			return err
		}
		if req.InitialStock > 0 {
			stocked, err := s.stock.ApplyDelta(ctx, tx, product.ID, req.InitialStock, domain.MovementAdjustment, "initial")
			if err != nil {
				return err
			}
			product = *stocked
		}
		if err := tx.InsertAuditLog(ctx, s.auditEntry(ctx, actor.Username, "product.create", "product", product.ID,
			fmt.Sprintf("name=%q price=%d stock=%d", product.Name, product.PriceMinor, product.Stock))); err != nil {
			return err
		}
		created = &product
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateProduct changes name, price or threshold. Stock only moves through
// sales, reversals and AdjustStock.
func (s *Service) UpdateProduct(ctx context.Context, productID string, req domain.ProductUpdateRequest) (*domain.Product, error) {
	actor, err := s.requireActor(ctx, domain.CapabilityManageCatalog)
	if err != nil {
		return nil, err
	}
	if req.Name == nil && req.PriceMinor == nil && req.LowStockThreshold == nil {
		return nil, &domain.InvalidInputError{Field: "product", Reason: "no fields to update"}
	}

	var updated *domain.Product
	err = s.runTx(ctx, "update product", func(ctx context.Context, tx store.Tx) error {
		product, err := tx.GetProduct(ctx, productID)
		if errors.Is(err, store.ErrNotFound) {
			return &domain.ProductNotFoundError{ProductID: productID}
		}
		if err != nil {
			return err
		}

		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return &domain.InvalidInputError{Field: "name", Reason: "must not be empty"}
			}
			product.Name = name
		}
		if req.PriceMinor != nil {
			if *req.PriceMinor < 0 {
				return &domain.InvalidInputError{Field: "price_minor", Reason: "must not be negative"}
			}
			product.PriceMinor = *req.PriceMinor
		}
		if req.LowStockThreshold != nil {
			if *req.LowStockThreshold < 0 {
				return &domain.InvalidInputError{Field: "low_stock_threshold", Reason: "must not be negative"}
			}
			product.LowStockThreshold = *req.LowStockThreshold
		}
		product.UpdatedAt = s.now().UTC()

		if err := tx.UpdateProduct(ctx, *product); err != nil {
			return err
		}
		if err := tx.InsertAuditLog(ctx, s.auditEntry(ctx, actor.Username, "product.update", "product", product.ID,
			fmt.Sprintf("name=%q price=%d threshold=%d", product.Name, product.PriceMinor, product.LowStockThreshold))); err != nil {
			return err
		}
		updated = product
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AdjustStock applies a manual correction (restock, shrinkage, count fix).
func (s *Service) AdjustStock(ctx context.Context, productID string, req domain.StockAdjustmentRequest) (*domain.Product, error) {
	actor, err := s.requireActor(ctx, domain.CapabilityAdjustStock)
	if err != nil {
		return nil, err
	}
	if req.Delta == 0 {
		return nil, &domain.InvalidInputError{Field: "delta", Reason: "must not be zero"}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, &domain.InvalidInputError{Field: "reason", Reason: "required"}
	}

	var adjusted *domain.Product
	err = s.runTx(ctx, "adjust stock", func(ctx context.Context, tx store.Tx) error {
		reference := xid.New("adj")
		product, err := s.stock.ApplyDelta(ctx, tx, productID, req.Delta, domain.MovementAdjustment, reference)
		if err != nil {
			return err
		}
		if err := tx.InsertAuditLog(ctx, s.auditEntry(ctx, actor.Username, "stock.adjust", "product", product.ID,
			fmt.Sprintf("delta=%d stock=%d reason=%s", req.Delta, product.Stock, reason))); err != nil {
			return err
		}
		adjusted = product
		return nil
	})
	if err != nil {
		return nil, err
	}
	return adjusted, nil
}

// LowStockProducts lists products with a threshold set whose stock is at or
// below it.
func (s *Service) LowStockProducts(ctx context.Context) ([]domain.Product, error) {
	products, err := s.store.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	low := make([]domain.Product, 0)
	for _, p := range products {
		if p.LowStockThreshold > 0 && p.Stock <= p.LowStockThreshold {
			low = append(low, p)
		}
	}
	return low, nil
}

func (s *Service) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if productID != "" {
		if _, err := s.GetProduct(ctx, productID); err != nil {
			return nil, err
		}
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListStockMovements(ctx, productID, limit)
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if _, err := s.requireActor(ctx, domain.CapabilityReadAudit); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListAuditLogs(ctx, limit)
}
