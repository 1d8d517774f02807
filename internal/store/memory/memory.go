package memory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"tillbook/backend/internal/domain"
	"tillbook/backend/internal/store"
)

const defaultLockTimeout = 5 * time.Second

var errTxClosed = errors.New("memory: transaction already finished")

type customerKey struct {
	shopID  int64
	contact string
}

type invoiceKey struct {
	shopID int64
	number string
}

// Store keeps everything in process. Commits for one shop are serialized by
// a per-shop lock that is held from the first shop-scoped write until the
// transaction finishes; writes stay private to the transaction until commit.
type Store struct {
	mu              sync.RWMutex
	lockTimeout     time.Duration
	shopLocks       map[int64]chan struct{}
	shops           map[int64]domain.Shop
	products        map[int64]domain.Product
	customers       map[int64]domain.Customer
	customerIndex   map[customerKey]int64
	invoices        map[int64]domain.Invoice
	invoiceIndex    map[invoiceKey]int64
	usersByUsername map[string]domain.UserAccount
	lastID          int64
}

type Option func(*Store)

// WithLockTimeout bounds how long a transaction waits for a shop lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		lockTimeout:     defaultLockTimeout,
		shopLocks:       make(map[int64]chan struct{}),
		shops:           make(map[int64]domain.Shop),
		products:        make(map[int64]domain.Product),
		customers:       make(map[int64]domain.Customer),
		customerIndex:   make(map[customerKey]int64),
		invoices:        make(map[int64]domain.Invoice),
		invoiceIndex:    make(map[invoiceKey]int64),
		usersByUsername: make(map[string]domain.UserAccount),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses a SQL database when DATABASE_URL is set).
func seedUsers(shopID int64) map[string]domain.UserAccount {
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
			ShopID:    shopID,
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

// NewSeeded returns a store with one demo shop, a small catalog and the
// admin/cashier accounts bound to that shop.
func NewSeeded(opts ...Option) *Store {
	s := New(opts...)
	ctx := context.Background()

	shop, err := s.CreateShop(ctx, domain.Shop{Name: "Main Kirana", Language: "en"})
	if err != nil {
		log.Fatalf("[memory-store] seed shop: %v", err)
	}

	catalog := []struct {
		name  string
		price string
		tax   string
		qty   int64
	}{
		{"Basmati Rice 1kg", "120.00", "5", 80},
		{"Toor Dal 1kg", "165.00", "5", 60},
		{"Sunflower Oil 1L", "145.50", "5", 40},
		{"Tea Leaves 250g", "110.00", "5", 50},
		{"Bath Soap", "38.00", "18", 120},
		{"Toothpaste 150g", "95.00", "18", 70},
		{"Biscuits Pack", "30.00", "18", 200},
		{"Milk 500ml", "28.00", "0", 90},
	}
	for _, item := range catalog {
		_, err := s.CreateProduct(ctx, domain.Product{
			ShopID:    shop.ID,
			Name:      item.name,
			UnitPrice: decimal.RequireFromString(item.price),
			TaxRate:   decimal.RequireFromString(item.tax),
			Quantity:  item.qty,
		})
		if err != nil {
			log.Fatalf("[memory-store] seed product %s: %v", item.name, err)
		}
	}

	s.mu.Lock()
	s.usersByUsername = seedUsers(shop.ID)
	s.mu.Unlock()
	return s
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx := &memTx{
		s:           s,
		held:        make(map[int64]chan struct{}),
		counters:    make(map[int64]int64),
		invoices:    make(map[int64]*domain.Invoice),
		stockDeltas: make(map[int64]int64),
	}
	defer func() {
		if p := recover(); p != nil {
			tx.finish(false)
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		tx.finish(false)
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.finish(false)
		return err
	}
	tx.finish(true)
	return nil
}

func (s *Store) CreateShop(_ context.Context, shop domain.Shop) (*domain.Shop, error) {
	shop.Name = strings.TrimSpace(shop.Name)
	if shop.Name == "" || shop.InvoiceCounter < 0 {
		return nil, store.ErrInvalidInput
	}
	if shop.Language == "" {
		shop.Language = "en"
	}
	if shop.CreatedAt.IsZero() {
		shop.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	shop.ID = s.nextIDLocked()
	s.shops[shop.ID] = shop
	created := shop
	return &created, nil
}

func (s *Store) GetShop(_ context.Context, shopID int64) (*domain.Shop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shop, ok := s.shops[shopID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &shop, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	product.Name = strings.TrimSpace(product.Name)
	if product.Name == "" || product.UnitPrice.IsNegative() || product.TaxRate.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shops[product.ShopID]; !ok {
		return nil, store.ErrNotFound
	}
	product.ID = s.nextIDLocked()
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) GetProduct(_ context.Context, shopID int64, productID int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[productID]
	if !ok || product.ShopID != shopID {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) ListProducts(_ context.Context, shopID int64) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, 32)
	for _, product := range s.products {
		if product.ShopID == shopID {
			products = append(products, product)
		}
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return cmpString(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetInvoiceByNumber(_ context.Context, shopID int64, number string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.invoiceIndex[invoiceKey{shopID: shopID, number: number}]
	if !ok {
		return nil, store.ErrNotFound
	}
	invoice := cloneInvoice(s.invoices[id])
	return &invoice, nil
}

func (s *Store) ListInvoices(_ context.Context, shopID int64, limit int) ([]domain.Invoice, error) {
	if limit < 1 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	invoices := make([]domain.Invoice, 0, limit)
	for _, invoice := range s.invoices {
		if invoice.ShopID == shopID {
			header := invoice
			header.Items = nil
			invoices = append(invoices, header)
		}
	}
	slices.SortFunc(invoices, func(a, b domain.Invoice) int {
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	if len(invoices) > limit {
		invoices = invoices[:limit]
	}
	return invoices, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// nextIDLocked hands out ids from one sequence; callers hold s.mu.
func (s *Store) nextIDLocked() int64 {
	s.lastID++
	return s.lastID
}

func (s *Store) nextID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextIDLocked()
}

func (s *Store) shopLock(shopID int64) (chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.shops[shopID]; !ok {
		return nil, false
	}
	ch, ok := s.shopLocks[shopID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.shopLocks[shopID] = ch
	}
	return ch, true
}

type memTx struct {
	s            *Store
	done         bool
	held         map[int64]chan struct{}
	counters     map[int64]int64
	customers    []domain.Customer
	invoices     map[int64]*domain.Invoice
	invoiceOrder []int64
	stockDeltas  map[int64]int64
}

func (t *memTx) lockShop(ctx context.Context, shopID int64) error {
	if t.done {
		return errTxClosed
	}
	if _, ok := t.held[shopID]; ok {
		return nil
	}
	ch, ok := t.s.shopLock(shopID)
	if !ok {
		return store.ErrNotFound
	}

	timer := time.NewTimer(t.s.lockTimeout)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		t.held[shopID] = ch
		return nil
	case <-timer.C:
		return fmt.Errorf("shop %d: %w", shopID, store.ErrContention)
	case <-ctx.Done():
		return fmt.Errorf("shop %d: %w: %v", shopID, store.ErrContention, ctx.Err())
	}
}

func (t *memTx) AdvanceInvoiceCounter(ctx context.Context, shopID int64) (int64, error) {
	if err := t.lockShop(ctx, shopID); err != nil {
		return 0, err
	}

	current, staged := t.counters[shopID]
	if !staged {
		t.s.mu.RLock()
		current = t.s.shops[shopID].InvoiceCounter
		t.s.mu.RUnlock()
	}
	next := current + 1
	t.counters[shopID] = next
	return next, nil
}

func (t *memTx) GetProducts(_ context.Context, shopID int64, productIDs []int64) (map[int64]domain.Product, error) {
	if t.done {
		return nil, errTxClosed
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	result := make(map[int64]domain.Product, len(productIDs))
	for _, id := range productIDs {
		product, ok := t.s.products[id]
		if !ok || product.ShopID != shopID {
			continue
		}
		product.Quantity -= t.stockDeltas[id]
		result[id] = product
	}
	return result, nil
}

func (t *memTx) FindCustomerByContact(ctx context.Context, shopID int64, contact string) (*domain.Customer, error) {
	if err := t.lockShop(ctx, shopID); err != nil {
		return nil, err
	}

	for _, customer := range t.customers {
		if customer.ShopID == shopID && customer.Contact == contact {
			found := customer
			return &found, nil
		}
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id, ok := t.s.customerIndex[customerKey{shopID: shopID, contact: contact}]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := t.s.customers[id]
	return &found, nil
}

func (t *memTx) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.Contact == "" {
		return nil, store.ErrInvalidInput
	}
	if _, err := t.FindCustomerByContact(ctx, customer.ShopID, customer.Contact); err == nil {
		return nil, store.ErrConflict
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	customer.ID = t.s.nextID()
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	t.customers = append(t.customers, customer)
	created := customer
	return &created, nil
}

func (t *memTx) CreateInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	if err := t.lockShop(ctx, invoice.ShopID); err != nil {
		return nil, err
	}
	if invoice.Number == "" {
		return nil, store.ErrInvalidInput
	}
	for _, staged := range t.invoices {
		if staged.ShopID == invoice.ShopID && staged.Number == invoice.Number {
			return nil, store.ErrConflict
		}
	}
	t.s.mu.RLock()
	_, exists := t.s.invoiceIndex[invoiceKey{shopID: invoice.ShopID, number: invoice.Number}]
	t.s.mu.RUnlock()
	if exists {
		return nil, store.ErrConflict
	}

	invoice.ID = t.s.nextID()
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = time.Now().UTC()
	}
	invoice.Items = nil
	staged := invoice
	t.invoices[invoice.ID] = &staged
	t.invoiceOrder = append(t.invoiceOrder, invoice.ID)
	created := invoice
	return &created, nil
}

func (t *memTx) CreateInvoiceItem(_ context.Context, item domain.InvoiceItem) (*domain.InvoiceItem, error) {
	if t.done {
		return nil, errTxClosed
	}
	invoice, ok := t.invoices[item.InvoiceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if item.Quantity < 1 {
		return nil, store.ErrInvalidInput
	}

	item.ID = t.s.nextID()
	invoice.Items = append(invoice.Items, item)
	created := item
	return &created, nil
}

func (t *memTx) FinalizeInvoice(_ context.Context, invoiceID int64, totals domain.InvoiceTotals) error {
	if t.done {
		return errTxClosed
	}
	invoice, ok := t.invoices[invoiceID]
	if !ok {
		return store.ErrNotFound
	}
	invoice.Subtotal = totals.Subtotal
	invoice.TaxTotal = totals.TaxTotal
	invoice.GrandTotal = totals.GrandTotal
	invoice.TotalAmount = totals.GrandTotal
	return nil
}

func (t *memTx) DecrementStock(ctx context.Context, shopID int64, productID int64, qty int64, enforceFloor bool) (int64, error) {
	if qty < 1 {
		return 0, store.ErrInvalidInput
	}
	// Every decrement of a shop's products runs under that shop's lock.
	if err := t.lockShop(ctx, shopID); err != nil {
		return 0, err
	}

	t.s.mu.RLock()
	product, ok := t.s.products[productID]
	t.s.mu.RUnlock()
	if !ok || product.ShopID != shopID {
		return 0, store.ErrNotFound
	}

	remaining := product.Quantity - t.stockDeltas[productID] - qty
	if enforceFloor && remaining < 0 {
		return 0, store.ErrInsufficientStock
	}
	t.stockDeltas[productID] += qty
	return remaining, nil
}

// finish publishes staged writes when commit is true, then releases every
// shop lock the transaction took.
func (t *memTx) finish(commit bool) {
	if t.done {
		return
	}
	t.done = true

	if commit {
		s := t.s
		s.mu.Lock()
		for shopID, counter := range t.counters {
			shop := s.shops[shopID]
			shop.InvoiceCounter = counter
			s.shops[shopID] = shop
		}
		for _, customer := range t.customers {
			s.customers[customer.ID] = customer
			s.customerIndex[customerKey{shopID: customer.ShopID, contact: customer.Contact}] = customer.ID
		}
		for _, id := range t.invoiceOrder {
			invoice := cloneInvoice(*t.invoices[id])
			s.invoices[id] = invoice
			s.invoiceIndex[invoiceKey{shopID: invoice.ShopID, number: invoice.Number}] = id
		}
		for productID, delta := range t.stockDeltas {
			product := s.products[productID]
			product.Quantity -= delta
			s.products[productID] = product
		}
		s.mu.Unlock()
	}

	for shopID, ch := range t.held {
		<-ch
		delete(t.held, shopID)
	}
}

func cmpString(a string, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cloneInvoice(src domain.Invoice) domain.Invoice {
	dst := src
	dst.Items = append([]domain.InvoiceItem(nil), src.Items...)
	if src.CustomerID != nil {
		id := *src.CustomerID
		dst.CustomerID = &id
	}
	return dst
}
