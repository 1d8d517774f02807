package store

import (
	"context"
	"errors"

	"tillbook/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrContention        = errors.New("lock wait timed out")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidInput      = errors.New("invalid input")
)

// Repository is the storage surface used by the service layer.
type Repository interface {
	// WithinTx runs fn inside one atomic, isolated transaction. The
	// transaction commits only when fn returns nil; any error or panic rolls
	// back every effect made through tx.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	CreateShop(ctx context.Context, shop domain.Shop) (*domain.Shop, error)
	GetShop(ctx context.Context, shopID int64) (*domain.Shop, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, shopID int64, productID int64) (*domain.Product, error)
	ListProducts(ctx context.Context, shopID int64) ([]domain.Product, error)
	GetInvoiceByNumber(ctx context.Context, shopID int64, number string) (*domain.Invoice, error)
	ListInvoices(ctx context.Context, shopID int64, limit int) ([]domain.Invoice, error)

	UserStore
}

// Tx is the transactional handle handed to Repository.WithinTx callbacks.
type Tx interface {
	// AdvanceInvoiceCounter locks the shop row until the transaction ends,
	// increments invoice_counter by one and returns the new value. It returns
	// ErrContention when the lock cannot be taken within the store's bounded
	// wait and ErrNotFound for an unknown shop.
	AdvanceInvoiceCounter(ctx context.Context, shopID int64) (int64, error)

	// GetProducts returns the requested products that belong to shopID.
	// Missing or foreign ids are simply absent from the map.
	GetProducts(ctx context.Context, shopID int64, productIDs []int64) (map[int64]domain.Product, error)

	FindCustomerByContact(ctx context.Context, shopID int64, contact string) (*domain.Customer, error)
	// CreateCustomer returns ErrConflict when (shop, contact) already exists.
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)

	CreateInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error)
	CreateInvoiceItem(ctx context.Context, item domain.InvoiceItem) (*domain.InvoiceItem, error)
	FinalizeInvoice(ctx context.Context, invoiceID int64, totals domain.InvoiceTotals) error

	// DecrementStock applies quantity -= qty as a relative update and returns
	// the remaining quantity. With enforceFloor it returns
	// ErrInsufficientStock instead of going below zero.
	DecrementStock(ctx context.Context, shopID int64, productID int64, qty int64, enforceFloor bool) (int64, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
