package domain

import "time"

const (
	ShiftStatusOpen   = "open"
	ShiftStatusClosed = "closed"

	PaymentMethodCash  = "cash"
	PaymentMethodCard  = "card"
	PaymentMethodOther = "other"

	InvoiceStatusIssued = "issued"

	MovementSale       = "sale"
	MovementReturn     = "return"
	MovementAdjustment = "adjustment"

	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

// Capabilities checked through the authorization collaborator.
const (
	CapabilityReverseSale   = "sale.reverse"
	CapabilityAdjustStock   = "stock.adjust"
	CapabilityManageCatalog = "catalog.manage"
	CapabilityReadAudit     = "audit.read"
	CapabilityReadAllShifts = "shift.read_all"
)

type Product struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	PriceMinor        int64     `json:"price_minor"`
	Stock             int64     `json:"stock"`
	LowStockThreshold int64     `json:"low_stock_threshold"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type ProductCreateRequest struct {
	Name              string `json:"name"`
	PriceMinor        int64  `json:"price_minor"`
	InitialStock      int64  `json:"initial_stock"`
	LowStockThreshold int64  `json:"low_stock_threshold"`
}

type ProductUpdateRequest struct {
	Name              *string `json:"name,omitempty"`
	PriceMinor        *int64  `json:"price_minor,omitempty"`
	LowStockThreshold *int64  `json:"low_stock_threshold,omitempty"`
}

type StockAdjustmentRequest struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

// StockMovement is one journal row per applied stock delta.
type StockMovement struct {
	ID            string    `json:"id"`
	ProductID     string    `json:"product_id"`
	Type          string    `json:"type"`
	Quantity      int64     `json:"quantity"`
	PreviousStock int64     `json:"previous_stock"`
	NewStock      int64     `json:"new_stock"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// CartLine carries the unit price captured when the item was added to the cart.
type CartLine struct {
	ProductID      string `json:"product_id"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
	Quantity       int64  `json:"quantity"`
}

type Cart struct {
	Lines         []CartLine `json:"lines"`
	DiscountMinor int64      `json:"discount_minor"`
}

// CartItemInput is a cart line as sent by a terminal. A nil price is captured
// from the catalog.
type CartItemInput struct {
	ProductID      string `json:"product_id"`
	UnitPriceMinor *int64 `json:"unit_price_minor,omitempty"`
	Quantity       int64  `json:"quantity"`
}

type PaymentEntry struct {
	Method      string `json:"method"`
	AmountMinor int64  `json:"amount_minor"`
	Reference   string `json:"reference,omitempty"`
}

type SaleLine struct {
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
	Quantity       int64  `json:"quantity"`
	LineTotalMinor int64  `json:"line_total_minor"`
}

type Sale struct {
	ID            string         `json:"id"`
	Lines         []SaleLine     `json:"lines"`
	SubtotalMinor int64          `json:"subtotal_minor"`
	DiscountMinor int64          `json:"discount_minor"`
	TaxMinor      int64          `json:"tax_minor"`
	TotalMinor    int64          `json:"total_minor"`
	Payments      []PaymentEntry `json:"payments"`
	OperatorID    string         `json:"operator_id"`
	CustomerID    string         `json:"customer_id,omitempty"`
	ShiftID       string         `json:"shift_id"`
	CreatedAt     time.Time      `json:"created_at"`
}

type Invoice struct {
	ID         string    `json:"id"`
	SaleID     string    `json:"sale_id"`
	Number     string    `json:"number"`
	IssueDate  string    `json:"issue_date"`
	TotalMinor int64     `json:"total_minor"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// SaleRecord is a sale together with its 1:1 invoice.
type SaleRecord struct {
	Sale    Sale    `json:"sale"`
	Invoice Invoice `json:"invoice"`
}

type CommitRequest struct {
	Items         []CartItemInput `json:"items"`
	DiscountMinor int64           `json:"discount_minor"`
	Payments      []PaymentEntry  `json:"payments"`
	CustomerID    string          `json:"customer_id,omitempty"`
}

type ReverseSaleRequest struct {
	Reason string `json:"reason"`
}

type Shift struct {
	ID                  string     `json:"id"`
	OperatorID          string     `json:"operator_id"`
	Status              string     `json:"status"`
	StartTime           time.Time  `json:"start_time"`
	EndTime             *time.Time `json:"end_time,omitempty"`
	OpeningBalanceMinor int64      `json:"opening_balance_minor"`
	ClosingBalanceMinor *int64     `json:"closing_balance_minor,omitempty"`
	CashSalesMinor      int64      `json:"cash_sales_minor"`
	CardSalesMinor      int64      `json:"card_sales_minor"`
	TotalSalesMinor     int64      `json:"total_sales_minor"`
	SaleIDs             []string   `json:"sale_ids"`
	ExpectedCashMinor   *int64     `json:"expected_cash_minor,omitempty"`
	DiscrepancyMinor    *int64     `json:"discrepancy_minor,omitempty"`
	Notes               string     `json:"notes,omitempty"`
}

func (s Shift) IsOpen() bool {
	return s.Status == ShiftStatusOpen
}

// HasSale reports whether saleID is recorded against the shift.
func (s Shift) HasSale(saleID string) bool {
	for _, id := range s.SaleIDs {
		if id == saleID {
			return true
		}
	}
	return false
}

type ShiftStartRequest struct {
	OpeningBalanceMinor int64 `json:"opening_balance_minor"`
}

type ShiftCloseRequest struct {
	CountedCashMinor int64  `json:"counted_cash_minor"`
	Notes            string `json:"notes,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
