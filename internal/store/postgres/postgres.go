package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"possettle/backend/internal/domain"
	"possettle/backend/internal/store"
)

//go:embed schema.sql
var schema string

const maxTxAttempts = 3

type Store struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates missing tables and indexes. It is safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithTransaction runs fn in a serializable transaction. Serialization
// failures are retried with a fresh transaction; fn must therefore not keep
// state across attempts other than through its own return values.
func (s *Store) WithTransaction(ctx context.Context, fn store.TxFunc) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isSerializationFailure(err) {
			return err
		}
		log.Printf("[postgres] WARN: serialization failure (attempt %d/%d): %v", attempt, maxTxAttempts, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 20 * time.Millisecond):
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn store.TxFunc) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(ctx, &tx{q: pgTx}); err != nil {
		return err
	}
	return pgTx.Commit()
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return getProduct(ctx, s.db, id, false)
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, price_minor, stock, low_stock_threshold, updated_at
		FROM products
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.PriceMinor, &p.Stock, &p.LowStockThreshold, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.UpdatedAt = p.UpdatedAt.UTC()
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, movement_type, quantity, previous_stock, new_stock, reference_id, created_at
		FROM stock_movements
		WHERE ($1::text = '' OR product_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Type, &m.Quantity, &m.PreviousStock, &m.NewStock, &m.ReferenceID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return getSale(ctx, s.db, id)
}

func (s *Store) ListSales(ctx context.Context, filter store.SaleFilter) ([]domain.Sale, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE ($1::text = '' OR shift_id = $1) AND ($2::text = '' OR operator_id = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, filter.ShiftID, filter.OperatorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
	}
	return sales, rows.Err()
}

func (s *Store) GetInvoiceBySale(ctx context.Context, saleID string) (*domain.Invoice, error) {
	return getInvoiceBySale(ctx, s.db, saleID)
}

func (s *Store) GetShift(ctx context.Context, id string) (*domain.Shift, error) {
	return getShift(ctx, s.db, id, false)
}

func (s *Store) GetOpenShiftID(ctx context.Context, operatorID string) (string, error) {
	return getOpenShiftID(ctx, s.db, operatorID)
}

func (s *Store) ListShifts(ctx context.Context, filter store.ShiftFilter) ([]domain.Shift, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+shiftColumns+`
		FROM shifts
		WHERE ($1::text = '' OR operator_id = $1) AND ($2::text = '' OR status = $2)
		ORDER BY start_time DESC, id DESC
		LIMIT $3
	`, filter.OperatorID, filter.Status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	shifts := make([]domain.Shift, 0, limit)
	for rows.Next() {
		shift, err := scanShift(rows)
		if err != nil {
			return nil, err
		}
		shifts = append(shifts, *shift)
	}
	return shifts, rows.Err()
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.Actor, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrConflict
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username))).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrNotFound
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func getProduct(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Product, error) {
	query := `
		SELECT id, name, price_minor, stock, low_stock_threshold, updated_at
		FROM products
		WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var p domain.Product
	err := q.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.Name, &p.PriceMinor, &p.Stock, &p.LowStockThreshold, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

const saleColumns = `id, shift_id, operator_id, customer_id, lines, payments, subtotal_minor, discount_minor, tax_minor, total_minor, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSale(row rowScanner) (*domain.Sale, error) {
	var (
		sale     domain.Sale
		lines    []byte
		payments []byte
	)
	if err := row.Scan(&sale.ID, &sale.ShiftID, &sale.OperatorID, &sale.CustomerID, &lines, &payments,
		&sale.SubtotalMinor, &sale.DiscountMinor, &sale.TaxMinor, &sale.TotalMinor, &sale.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(lines, &sale.Lines); err != nil {
		return nil, fmt.Errorf("decode sale %s lines: %w", sale.ID, err)
	}
	if err := json.Unmarshal(payments, &sale.Payments); err != nil {
		return nil, fmt.Errorf("decode sale %s payments: %w", sale.ID, err)
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return &sale, nil
}

func getSale(ctx context.Context, q querier, id string) (*domain.Sale, error) {
	sale, err := scanSale(q.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return sale, nil
}

func getInvoiceBySale(ctx context.Context, q querier, saleID string) (*domain.Invoice, error) {
	var (
		invoice   domain.Invoice
		issueDate time.Time
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, sale_id, number, issue_date, total_minor, status, created_at
		FROM invoices
		WHERE sale_id = $1
	`, saleID).Scan(&invoice.ID, &invoice.SaleID, &invoice.Number, &issueDate, &invoice.TotalMinor, &invoice.Status, &invoice.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	invoice.IssueDate = issueDate.Format("2006-01-02")
	invoice.CreatedAt = invoice.CreatedAt.UTC()
	return &invoice, nil
}

const shiftColumns = `id, operator_id, status, start_time, end_time, opening_balance_minor, closing_balance_minor,
	cash_sales_minor, card_sales_minor, total_sales_minor, sale_ids, expected_cash_minor, discrepancy_minor, notes`

func scanShift(row rowScanner) (*domain.Shift, error) {
	var (
		shift       domain.Shift
		endTime     sql.NullTime
		closing     sql.NullInt64
		expected    sql.NullInt64
		discrepancy sql.NullInt64
		saleIDs     []byte
	)
	if err := row.Scan(&shift.ID, &shift.OperatorID, &shift.Status, &shift.StartTime, &endTime, &shift.OpeningBalanceMinor, &closing,
		&shift.CashSalesMinor, &shift.CardSalesMinor, &shift.TotalSalesMinor, &saleIDs, &expected, &discrepancy, &shift.Notes); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(saleIDs, &shift.SaleIDs); err != nil {
		return nil, fmt.Errorf("decode shift %s sale ids: %w", shift.ID, err)
	}
	if shift.SaleIDs == nil {
		shift.SaleIDs = []string{}
	}
	shift.StartTime = shift.StartTime.UTC()
	if endTime.Valid {
		end := endTime.Time.UTC()
		shift.EndTime = &end
	}
	shift.ClosingBalanceMinor = nullInt64Ptr(closing)
	shift.ExpectedCashMinor = nullInt64Ptr(expected)
	shift.DiscrepancyMinor = nullInt64Ptr(discrepancy)
	return &shift, nil
}

func getShift(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Shift, error) {
	query := `SELECT ` + shiftColumns + ` FROM shifts WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	shift, err := scanShift(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return shift, nil
}

func getOpenShiftID(ctx context.Context, q querier, operatorID string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, `
		SELECT id FROM shifts WHERE operator_id = $1 AND status = 'open'
	`, operatorID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", store.ErrNotFound
		}
		return "", err
	}
	return id, nil
}

func expectAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func nullInt64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	out := v.Int64
	return &out
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
