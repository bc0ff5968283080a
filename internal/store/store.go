package store

import (
	"context"
	"errors"

	"possettle/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// TxFunc is a unit of work. Returning an error rolls back every write made
// through tx. It must read only through tx: collaborators that query the
// Store itself (authorizers, read accessors) must not be called inside it,
// since a backend may hold its write lock for the whole unit.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is the persistent-store contract: read accessors plus atomic
// multi-record read-modify-write through WithTransaction.
type Store interface {
	WithTransaction(ctx context.Context, fn TxFunc) error

	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error)

	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter SaleFilter) ([]domain.Sale, error)
	GetInvoiceBySale(ctx context.Context, saleID string) (*domain.Invoice, error)

	GetShift(ctx context.Context, id string) (*domain.Shift, error)
	GetOpenShiftID(ctx context.Context, operatorID string) (string, error)
	ListShifts(ctx context.Context, filter ShiftFilter) ([]domain.Shift, error)

	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Tx is the view of the store inside one unit of work. Reads of products and
// shifts lock the row until the unit of work ends.
type Tx interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	InsertProduct(ctx context.Context, product domain.Product) error
	UpdateProduct(ctx context.Context, product domain.Product) error
	InsertStockMovement(ctx context.Context, movement domain.StockMovement) error

	GetShift(ctx context.Context, id string) (*domain.Shift, error)
	GetOpenShiftID(ctx context.Context, operatorID string) (string, error)
	// InsertShift returns ErrConflict when the operator already has an open shift.
	InsertShift(ctx context.Context, shift domain.Shift) error
	UpdateShift(ctx context.Context, shift domain.Shift) error

	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	InsertSale(ctx context.Context, sale domain.Sale) error
	DeleteSale(ctx context.Context, id string) error

	GetInvoiceBySale(ctx context.Context, saleID string) (*domain.Invoice, error)
	InsertInvoice(ctx context.Context, invoice domain.Invoice) error
	DeleteInvoice(ctx context.Context, id string) error
	// NextInvoiceSeq increments and returns the per-day invoice counter.
	NextInvoiceSeq(ctx context.Context, issueDate string) (int64, error)

	InsertAuditLog(ctx context.Context, entry domain.AuditLog) error
}

type SaleFilter struct {
	ShiftID    string
	OperatorID string
	Limit      int
}

type ShiftFilter struct {
	OperatorID string
	Status     string
	Limit      int
}
