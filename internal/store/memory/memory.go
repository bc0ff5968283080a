package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"possettle/backend/internal/domain"
	"possettle/backend/internal/store"
)

// Store keeps every collection in process memory. A single write lock is
// held for the whole of each unit of work, so no reader ever observes a
// partially applied commit.
type Store struct {
	mu               sync.RWMutex
	products         map[string]domain.Product
	movements        []domain.StockMovement
	salesByID        map[string]domain.Sale
	invoicesByID     map[string]domain.Invoice
	invoiceBySale    map[string]string
	invoiceSeqByDate map[string]int64
	shiftsByID       map[string]domain.Shift
	openShiftByOp    map[string]string
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:         make(map[string]domain.Product),
		movements:        make([]domain.StockMovement, 0, 128),
		salesByID:        make(map[string]domain.Sale),
		invoicesByID:     make(map[string]domain.Invoice),
		invoiceBySale:    make(map[string]string),
		invoiceSeqByDate: make(map[string]int64),
		shiftsByID:       make(map[string]domain.Shift),
		openShiftByOp:    make(map[string]string),
		auditLogs:        make([]domain.AuditLog, 0, 128),
		usersByUsername:  make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD.
// If unset, dev defaults are used with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with a demo catalog and the seed users.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	for _, p := range []domain.Product{
		{ID: "prd-coffee-beans", Name: "Coffee Beans 250g", PriceMinor: 8900, Stock: 40, LowStockThreshold: 5},
		{ID: "prd-green-tea", Name: "Green Tea 20 bags", PriceMinor: 3450, Stock: 60, LowStockThreshold: 10},
		{ID: "prd-oat-milk", Name: "Oat Milk 1L", PriceMinor: 2799, Stock: 24, LowStockThreshold: 6},
		{ID: "prd-croissant", Name: "Butter Croissant", PriceMinor: 250, Stock: 30, LowStockThreshold: 8},
		{ID: "prd-mineral-water", Name: "Mineral Water 600ml", PriceMinor: 120, Stock: 200, LowStockThreshold: 24},
		{ID: "prd-dark-chocolate", Name: "Dark Chocolate Bar", PriceMinor: 1599, Stock: 15, LowStockThreshold: 5},
	} {
		p.UpdatedAt = now
		s.products[p.ID] = p
	}
	s.usersByUsername = seedUsers()
	return s
}

// WithTransaction runs fn under the store's write lock. Any error returned by
// fn, a panic, or a context cancelled before the unit of work finishes
// replays the undo log and leaves every collection as it was.
func (s *Store) WithTransaction(ctx context.Context, fn store.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{s: s}
	committed := false
	defer func() {
		t.done = true
		if !committed {
			t.rollback()
		}
	}()

	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		result = append(result, p)
	}
	slices.SortFunc(result, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return result, nil
}

func (s *Store) ListStockMovements(_ context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockMovement, 0)
	for i := len(s.movements) - 1; i >= 0; i-- {
		m := s.movements[i]
		if productID != "" && m.ProductID != productID {
			continue
		}
		result = append(result, m)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cloned := cloneSale(sale)
	return &cloned, nil
}

func (s *Store) ListSales(_ context.Context, filter store.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0)
	for _, sale := range s.salesByID {
		if filter.ShiftID != "" && sale.ShiftID != filter.ShiftID {
			continue
		}
		if filter.OperatorID != "" && sale.OperatorID != filter.OperatorID {
			continue
		}
		result = append(result, cloneSale(sale))
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) GetInvoiceBySale(_ context.Context, saleID string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.invoiceBySale[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	inv := s.invoicesByID[id]
	return &inv, nil
}

func (s *Store) GetShift(_ context.Context, id string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shift, ok := s.shiftsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cloned := cloneShift(shift)
	return &cloned, nil
}

func (s *Store) GetOpenShiftID(_ context.Context, operatorID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.openShiftByOp[operatorID]
	if !ok {
		return "", store.ErrNotFound
	}
	return id, nil
}

func (s *Store) ListShifts(_ context.Context, filter store.ShiftFilter) ([]domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Shift, 0)
	for _, shift := range s.shiftsByID {
		if filter.OperatorID != "" && shift.OperatorID != filter.OperatorID {
			continue
		}
		if filter.Status != "" && shift.Status != filter.Status {
			continue
		}
		result = append(result, cloneShift(shift))
	}
	slices.SortFunc(result, func(a, b domain.Shift) int {
		return b.StartTime.Compare(a.StartTime)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		result = append(result, s.auditLogs[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrConflict
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		result = append(result, user)
	}
	slices.SortFunc(result, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return result, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(strings.TrimSpace(username))
	user, ok := s.usersByUsername[key]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[key] = user
	return nil
}

func cloneSale(src domain.Sale) domain.Sale {
	out := src
	out.Lines = slices.Clone(src.Lines)
	out.Payments = slices.Clone(src.Payments)
	return out
}

func cloneShift(src domain.Shift) domain.Shift {
	out := src
	out.SaleIDs = slices.Clone(src.SaleIDs)
	if out.SaleIDs == nil {
		out.SaleIDs = []string{}
	}
	if src.EndTime != nil {
		end := *src.EndTime
		out.EndTime = &end
	}
	out.ClosingBalanceMinor = cloneInt64(src.ClosingBalanceMinor)
	out.ExpectedCashMinor = cloneInt64(src.ExpectedCashMinor)
	out.DiscrepancyMinor = cloneInt64(src.DiscrepancyMinor)
	return out
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
