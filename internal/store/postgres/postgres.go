package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tillbook/backend/internal/domain"
	"tillbook/backend/internal/store"
)

const defaultLockTimeout = 5 * time.Second

type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

type Option func(*Store)

// WithLockTimeout sets lock_timeout for every transaction opened by WithinTx.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func New(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
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

	s := &Store{db: db, lockTimeout: defaultLockTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WithinTx runs fn in a READ COMMITTED transaction so that a statement
// re-run after a unique-key conflict sees the row the other transaction
// committed. Row locks taken by fn are bounded by lock_timeout.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
	if _, err := sqlTx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
		return fmt.Errorf("set lock_timeout: %w", err)
	}

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
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

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO shops (name, gstin, language, invoice_counter, created_at)
		VALUES ($1,$2,$3,$4,now())
		RETURNING id, created_at
	`, shop.Name, shop.GSTIN, shop.Language, shop.InvoiceCounter).Scan(&shop.ID, &shop.CreatedAt)
	if err != nil {
		return nil, classifyError(err)
	}
	shop.CreatedAt = shop.CreatedAt.UTC()
	return &shop, nil
}

func (s *Store) GetShop(ctx context.Context, shopID int64) (*domain.Shop, error) {
	var shop domain.Shop
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, gstin, language, invoice_counter, created_at
		FROM shops
		WHERE id = $1
	`, shopID).Scan(&shop.ID, &shop.Name, &shop.GSTIN, &shop.Language, &shop.InvoiceCounter, &shop.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	shop.CreatedAt = shop.CreatedAt.UTC()
	return &shop, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	product.Name = strings.TrimSpace(product.Name)
	if product.Name == "" || product.UnitPrice.IsNegative() || product.TaxRate.IsNegative() {
		return nil, store.ErrInvalidInput
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO products (shop_id, name, unit_price, tax_rate, quantity, created_at)
		VALUES ($1,$2,$3,$4,$5,now())
		RETURNING id, created_at
	`, product.ShopID, product.Name, product.UnitPrice, product.TaxRate, product.Quantity).Scan(&product.ID, &product.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, classifyError(err)
	}
	product.CreatedAt = product.CreatedAt.UTC()
	return &product, nil
}

func (s *Store) GetProduct(ctx context.Context, shopID int64, productID int64) (*domain.Product, error) {
	product, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT id, shop_id, name, unit_price, tax_rate, quantity, created_at
		FROM products
		WHERE shop_id = $1 AND id = $2
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
		WHERE shop_id = $1
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetInvoiceByNumber(ctx context.Context, shopID int64, number string) (*domain.Invoice, error) {
	invoice, err := scanInvoice(s.db.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE shop_id = $1 AND number = $2
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
		WHERE invoice_id = $1
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
		WHERE shop_id = $1
		ORDER BY id DESC
		LIMIT $2
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return invoices, nil
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
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.Password, user.Role, user.ShopID, user.Active, user.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
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
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
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

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) AdvanceInvoiceCounter(ctx context.Context, shopID int64) (int64, error) {
	// The UPDATE holds the shop row lock until commit or rollback.
	var counter int64
	err := t.tx.QueryRowContext(ctx, `
		UPDATE shops
		SET invoice_counter = invoice_counter + 1
		WHERE id = $1
		RETURNING invoice_counter
	`, shopID).Scan(&counter)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, lockWaitError(err)
	}
	return counter, nil
}

func (t *pgTx) GetProducts(ctx context.Context, shopID int64, productIDs []int64) (map[int64]domain.Product, error) {
	result := make(map[int64]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, shop_id, name, unit_price, tax_rate, quantity, created_at
		FROM products
		WHERE shop_id = $1 AND id = ANY($2)
	`, shopID, productIDs)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (t *pgTx) FindCustomerByContact(ctx context.Context, shopID int64, contact string) (*domain.Customer, error) {
	var customer domain.Customer
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, shop_id, name, contact, email, created_at
		FROM customers
		WHERE shop_id = $1 AND contact = $2
	`, shopID, contact).Scan(&customer.ID, &customer.ShopID, &customer.Name, &customer.Contact, &customer.Email, &customer.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classifyError(err)
	}
	customer.CreatedAt = customer.CreatedAt.UTC()
	return &customer, nil
}

func (t *pgTx) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.Contact == "" {
		return nil, store.ErrInvalidInput
	}

	// DO NOTHING waits for a concurrent insert of the same key to finish and
	// then yields no row instead of aborting the transaction.
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO customers (shop_id, name, contact, email, created_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (shop_id, contact) DO NOTHING
		RETURNING id, created_at
	`, customer.ShopID, customer.Name, customer.Contact, customer.Email).Scan(&customer.ID, &customer.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrConflict
		}
		return nil, classifyError(err)
	}
	customer.CreatedAt = customer.CreatedAt.UTC()
	return &customer, nil
}

func (t *pgTx) CreateInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	if invoice.Number == "" {
		return nil, store.ErrInvalidInput
	}
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = time.Now().UTC()
	}

	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO invoices (
			shop_id, customer_id, customer_name, customer_contact, number, status, payment_mode,
			subtotal, tax_total, grand_total, total_amount, created_by, invoice_date, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING id
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
	).Scan(&invoice.ID)
	if err != nil {
		return nil, classifyError(err)
	}
	invoice.Items = nil
	return &invoice, nil
}

func (t *pgTx) CreateInvoiceItem(ctx context.Context, item domain.InvoiceItem) (*domain.InvoiceItem, error) {
	if item.Quantity < 1 {
		return nil, store.ErrInvalidInput
	}

	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO invoice_items (invoice_id, product_id, product_name, quantity, unit_price, tax_rate, line_total)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id
	`, item.InvoiceID, nullInt64(item.ProductID), item.ProductName, item.Quantity, item.UnitPrice, item.TaxRate, item.LineTotal).Scan(&item.ID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, classifyError(err)
	}
	return &item, nil
}

func (t *pgTx) FinalizeInvoice(ctx context.Context, invoiceID int64, totals domain.InvoiceTotals) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE invoices
		SET subtotal = $2, tax_total = $3, grand_total = $4, total_amount = $4
		WHERE id = $1
	`, invoiceID, totals.Subtotal, totals.TaxTotal, totals.GrandTotal)
	if err != nil {
		return classifyError(err)
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

func (t *pgTx) DecrementStock(ctx context.Context, shopID int64, productID int64, qty int64, enforceFloor bool) (int64, error) {
	if qty < 1 {
		return 0, store.ErrInvalidInput
	}

	query := `
		UPDATE products
		SET quantity = quantity - $1
		WHERE id = $2 AND shop_id = $3
		RETURNING quantity
	`
	if enforceFloor {
		query = `
			UPDATE products
			SET quantity = quantity - $1
			WHERE id = $2 AND shop_id = $3 AND quantity >= $1
			RETURNING quantity
		`
	}

	var remaining int64
	err := t.tx.QueryRowContext(ctx, query, qty, productID, shopID).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, classifyError(err)
	}
	if !enforceFloor {
		return 0, store.ErrNotFound
	}

	var exists bool
	if err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM products WHERE id = $1 AND shop_id = $2)
	`, productID, shopID).Scan(&exists); err != nil {
		return 0, classifyError(err)
	}
	if exists {
		return 0, store.ErrInsufficientStock
	}
	return 0, store.ErrNotFound
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
	product.CreatedAt = product.CreatedAt.UTC()
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
	invoice.InvoiceDate = invoice.InvoiceDate.UTC()
	invoice.CreatedAt = invoice.CreatedAt.UTC()
	return &invoice, nil
}

// classifyError maps lock and constraint failures onto store sentinels.
// lockWaitError reports a wait for the shop row that ended because the
// request context did as contention, the same as a lock timeout.
func lockWaitError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", store.ErrContention, err)
	}
	return classifyError(err)
}

func classifyError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.ConstraintName)
	case "55P03", "40P01", "40001":
		return fmt.Errorf("%w: %s", store.ErrContention, pgErr.Message)
	default:
		return err
	}
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullInt64(val *int64) any {
	if val == nil {
		return nil
	}
	return *val
}
