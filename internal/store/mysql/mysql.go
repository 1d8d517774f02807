package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"tillbook/backend/internal/domain"
	"tillbook/backend/internal/store"
)

const defaultLockTimeout = 5 * time.Second

type Store struct {
	db *sql.DB
}

type config struct {
	lockTimeout time.Duration
}

type Option func(*config)

// WithLockTimeout sets innodb_lock_wait_timeout on every connection. InnoDB
// counts whole seconds, so the value is rounded up to at least one second.
func WithLockTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.lockTimeout = d
		}
	}
}

func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg := config{lockTimeout: defaultLockTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	mysqlCfg, err := driver.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	mysqlCfg.ParseTime = true
	mysqlCfg.Loc = time.UTC
	if mysqlCfg.Params == nil {
		mysqlCfg.Params = map[string]string{}
	}
	mysqlCfg.Params["innodb_lock_wait_timeout"] = strconv.FormatInt(lockWaitSeconds(cfg.lockTimeout), 10)
	mysqlCfg.Params["time_zone"] = "'+00:00'"

	db, err := sql.Open("mysql", mysqlCfg.FormatDSN())
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

func lockWaitSeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WithinTx runs fn under READ COMMITTED, so a re-read after a duplicate-key
// error sees the row committed by the competing transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &mysqlTx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classifyError(err)
	}
	return nil
}

func (s *Store) CreateShop(ctx context.Context, shop domain.Shop) (*domain.Shop, error) {
	shop.Name = strings.TrimSpace(shop.Name)
	if shop.Name == "" || shop.InvoiceCounter < 0 {
		return nil, store.ErrInvalidInput
	}
	if shop.Language == "" {
		shop.Language = "en"
	}
	shop.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO shops (name, gstin, language, invoice_counter, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, shop.Name, shop.GSTIN, shop.Language, shop.InvoiceCounter, shop.CreatedAt)
	if err != nil {
		return nil, classifyError(err)
	}
	if shop.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return &shop, nil
}

func (s *Store) GetShop(ctx context.Context, shopID int64) (*domain.Shop, error) {
	var shop domain.Shop
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, gstin, language, invoice_counter, created_at
		FROM shops
		WHERE id = ?
	`, shopID).Scan(&shop.ID, &shop.Name, &shop.GSTIN, &shop.Language, &shop.InvoiceCounter, &shop.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &shop, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	product.Name = strings.TrimSpace(product.Name)
	if product.Name == "" || product.UnitPrice.IsNegative() || product.TaxRate.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	product.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO products (shop_id, name, unit_price, tax_rate, quantity, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, product.ShopID, product.Name, product.UnitPrice, product.TaxRate, product.Quantity, product.CreatedAt)
	if err != nil {
		if errorNumber(err) == erForeignKeyMissing {
			return nil, store.ErrNotFound
		}
		return nil, classifyError(err)
	}
	if product.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetProduct(ctx context.Context, shopID int64, productID int64) (*domain.Product, error) {
	product, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT id, shop_id, name, unit_price, tax_rate, quantity, created_at
		FROM products
		WHERE shop_id = ? AND id = ?
	`, shopID, productID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return product, nil
}

func (s *Store) ListProducts(ctx context.Context, shopID int64) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shop_id, name, unit_price, tax_rate, quantity, created_at
		FROM products
		WHERE shop_id = ?
		ORDER BY name
	`, shopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *product)
	}
	return products, rows.Err()
}

func (s *Store) GetInvoiceByNumber(ctx context.Context, shopID int64, number string) (*domain.Invoice, error) {
	invoice, err := scanInvoice(s.db.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE shop_id = ? AND number = ?
	`, shopID, number))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_id, product_id, product_name, quantity, unit_price, tax_rate, line_total
		FROM invoice_items
		WHERE invoice_id = ?
		ORDER BY id
	`, invoice.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invoice.Items = make([]domain.InvoiceItem, 0, 8)
	for rows.Next() {
		var item domain.InvoiceItem
		var productID sql.NullInt64
		if err := rows.Scan(&item.ID, &item.InvoiceID, &productID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.TaxRate, &item.LineTotal); err != nil {
			return nil, err
		}
		if productID.Valid {
			id := productID.Int64
			item.ProductID = &id
		}
		invoice.Items = append(invoice.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return invoice, nil
}

func (s *Store) ListInvoices(ctx context.Context, shopID int64, limit int) ([]domain.Invoice, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE shop_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, shopID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invoices := make([]domain.Invoice, 0, limit)
	for rows.Next() {
		invoice, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *invoice)
	}
	return invoices, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, shop_id, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, user.Username, user.Password, user.Role, user.ShopID, user.Active, user.CreatedAt, time.Now().UTC())
	if err != nil {
		if errorNumber(err) == erForeignKeyMissing {
			return store.ErrNotFound
		}
		return classifyError(err)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, shop_id, active, created_at
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
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.ShopID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = ?, updated_at = ?
		WHERE username = ?
	`, password, time.Now().UTC(), username)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type mysqlTx struct {
	tx *sql.Tx
}

func (t *mysqlTx) AdvanceInvoiceCounter(ctx context.Context, shopID int64) (int64, error) {
	var current int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT invoice_counter FROM shops WHERE id = ? FOR UPDATE
	`, shopID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, lockWaitError(err)
	}

	if _, err := t.tx.ExecContext(ctx, `
		UPDATE shops SET invoice_counter = invoice_counter + 1 WHERE id = ?
	`, shopID); err != nil {
		return 0, lockWaitError(err)
	}
	return current + 1, nil
}

func (t *mysqlTx) GetProducts(ctx context.Context, shopID int64, productIDs []int64) (map[int64]domain.Product, error) {
	result := make(map[int64]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}

	args := make([]any, 0, len(productIDs)+1)
	args = append(args, shopID)
	for _, id := range productIDs {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(productIDs)), ",")

	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, shop_id, name, unit_price, tax_rate, quantity, created_at
		FROM products
		WHERE shop_id = ? AND id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result[product.ID] = *product
	}
	return result, rows.Err()
}

func (t *mysqlTx) FindCustomerByContact(ctx context.Context, shopID int64, contact string) (*domain.Customer, error) {
	var customer domain.Customer
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, shop_id, name, contact, email, created_at
		FROM customers
		WHERE shop_id = ? AND contact = ?
	`, shopID, contact).Scan(&customer.ID, &customer.ShopID, &customer.Name, &customer.Contact, &customer.Email, &customer.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classifyError(err)
	}
	return &customer, nil
}

func (t *mysqlTx) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.Contact == "" {
		return nil, store.ErrInvalidInput
	}
	customer.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)

	// A duplicate key only rolls back this statement; the transaction stays usable.
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO customers (shop_id, name, contact, email, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, customer.ShopID, customer.Name, customer.Contact, customer.Email, customer.CreatedAt)
	if err != nil {
		return nil, classifyError(err)
	}
	if customer.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return &customer, nil
}

func (t *mysqlTx) CreateInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	if invoice.Number == "" {
		return nil, store.ErrInvalidInput
	}
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = time.Now().UTC()
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO invoices (
			shop_id, customer_id, customer_name, customer_contact, number, status, payment_mode,
			subtotal, tax_total, grand_total, total_amount, created_by, invoice_date, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		invoice.ShopID,
		nullInt64(invoice.CustomerID),
		invoice.CustomerName,
		invoice.CustomerContact,
		invoice.Number,
		invoice.Status,
		invoice.PaymentMode,
		invoice.Subtotal,
		invoice.TaxTotal,
		invoice.GrandTotal,
		invoice.TotalAmount,
		invoice.CreatedBy,
		invoice.InvoiceDate,
		invoice.CreatedAt,
	)
	if err != nil {
		return nil, classifyError(err)
	}
	if invoice.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	invoice.Items = nil
	return &invoice, nil
}

func (t *mysqlTx) CreateInvoiceItem(ctx context.Context, item domain.InvoiceItem) (*domain.InvoiceItem, error) {
	if item.Quantity < 1 {
		return nil, store.ErrInvalidInput
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO invoice_items (invoice_id, product_id, product_name, quantity, unit_price, tax_rate, line_total)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, item.InvoiceID, nullInt64(item.ProductID), item.ProductName, item.Quantity, item.UnitPrice, item.TaxRate, item.LineTotal)
	if err != nil {
		if errorNumber(err) == erForeignKeyMissing {
			return nil, store.ErrNotFound
		}
		return nil, classifyError(err)
	}
	if item.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return &item, nil
}

func (t *mysqlTx) FinalizeInvoice(ctx context.Context, invoiceID int64, totals domain.InvoiceTotals) error {
	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM invoices WHERE id = ?)`, invoiceID).Scan(&exists); err != nil {
		return classifyError(err)
	}
	if !exists {
		return store.ErrNotFound
	}

	_, err := t.tx.ExecContext(ctx, `
		UPDATE invoices
		SET subtotal = ?, tax_total = ?, grand_total = ?, total_amount = ?
		WHERE id = ?
	`, totals.Subtotal, totals.TaxTotal, totals.GrandTotal, totals.GrandTotal, invoiceID)
	if err != nil {
		return classifyError(err)
	}
	return nil
}

func (t *mysqlTx) DecrementStock(ctx context.Context, shopID int64, productID int64, qty int64, enforceFloor bool) (int64, error) {
	if qty < 1 {
		return 0, store.ErrInvalidInput
	}

	query := `UPDATE products SET quantity = quantity - ? WHERE id = ? AND shop_id = ?`
	args := []any{qty, productID, shopID}
	if enforceFloor {
		query += ` AND quantity >= ?`
		args = append(args, qty)
	}

	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classifyError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	var remaining int64
	err = t.tx.QueryRowContext(ctx, `
		SELECT quantity FROM products WHERE id = ? AND shop_id = ?
	`, productID, shopID).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, classifyError(err)
	}
	if affected == 0 {
		return 0, store.ErrInsufficientStock
	}
	return remaining, nil
}

const invoiceColumns = `id, shop_id, customer_id, customer_name, customer_contact, number, status, payment_mode,
		subtotal, tax_total, grand_total, total_amount, created_by, invoice_date, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var product domain.Product
	if err := row.Scan(&product.ID, &product.ShopID, &product.Name, &product.UnitPrice, &product.TaxRate, &product.Quantity, &product.CreatedAt); err != nil {
		return nil, err
	}
	return &product, nil
}

func scanInvoice(row rowScanner) (*domain.Invoice, error) {
	var invoice domain.Invoice
	var customerID sql.NullInt64
	err := row.Scan(
		&invoice.ID,
		&invoice.ShopID,
		&customerID,
		&invoice.CustomerName,
		&invoice.CustomerContact,
		&invoice.Number,
		&invoice.Status,
		&invoice.PaymentMode,
		&invoice.Subtotal,
		&invoice.TaxTotal,
		&invoice.GrandTotal,
		&invoice.TotalAmount,
		&invoice.CreatedBy,
		&invoice.InvoiceDate,
		&invoice.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if customerID.Valid {
		id := customerID.Int64
		invoice.CustomerID = &id
	}
	return &invoice, nil
}

const (
	erDuplicateEntry    = 1062
	erLockWaitTimeout   = 1205
	erLockDeadlock      = 1213
	erForeignKeyMissing = 1452
)

func errorNumber(err error) uint16 {
	var mysqlErr *driver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number
	}
	return 0
}

// lockWaitError reports a wait for the shop row that ended because the
// request context did as contention, the same as a lock timeout.
func lockWaitError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", store.ErrContention, err)
	}
	return classifyError(err)
}

func classifyError(err error) error {
	switch errorNumber(err) {
	case erDuplicateEntry:
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	case erLockWaitTimeout, erLockDeadlock:
		return fmt.Errorf("%w: %v", store.ErrContention, err)
	default:
		return err
	}
}

func nullInt64(val *int64) any {
	if val == nil {
		return nil
	}
	return *val
}
