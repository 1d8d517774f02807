package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Shop struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	GSTIN          string    `json:"gstin,omitempty"`
	Language       string    `json:"language"`
	InvoiceCounter int64     `json:"invoice_counter"`
	CreatedAt      time.Time `json:"created_at"`
}

type Product struct {
	ID        int64           `json:"id"`
	ShopID    int64           `json:"shop_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	TaxRate   decimal.Decimal `json:"tax_rate"`
	Quantity  int64           `json:"quantity"`
	CreatedAt time.Time       `json:"created_at"`
}

type ProductCreateRequest struct {
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	TaxRate   decimal.Decimal `json:"tax_rate"`
	Quantity  int64           `json:"quantity"`
}

// Customer is unique per (ShopID, Contact).
type Customer struct {
	ID        int64     `json:"id"`
	ShopID    int64     `json:"shop_id"`
	Name      string    `json:"name"`
	Contact   string    `json:"contact"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type CustomerResolveRequest struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

type CustomerResolveResponse struct {
	Customer *Customer `json:"customer"`
}

// Invoice is immutable once committed. CustomerName and CustomerContact are
// the point-in-time billing label and are kept even when CustomerID is set.
type Invoice struct {
	ID              int64           `json:"id"`
	ShopID          int64           `json:"shop_id"`
	CustomerID      *int64          `json:"customer_id,omitempty"`
	CustomerName    string          `json:"customer_name"`
	CustomerContact string          `json:"customer_contact,omitempty"`
	Number          string          `json:"number"`
	Status          string          `json:"status"`
	PaymentMode     string          `json:"payment_mode"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	TaxTotal        decimal.Decimal `json:"tax_total"`
	GrandTotal      decimal.Decimal `json:"grand_total"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	CreatedBy       string          `json:"created_by"`
	InvoiceDate     time.Time       `json:"invoice_date"`
	CreatedAt       time.Time       `json:"created_at"`
	Items           []InvoiceItem   `json:"items"`
}

// InvoiceItem snapshots price, tax rate and product name at sale time.
// ProductID is nil once the product row has been deleted.
type InvoiceItem struct {
	ID          int64           `json:"id"`
	InvoiceID   int64           `json:"invoice_id"`
	ProductID   *int64          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
	LineTotal   decimal.Decimal `json:"line_total"`
}

type InvoiceTotals struct {
	Subtotal   decimal.Decimal
	TaxTotal   decimal.Decimal
	GrandTotal decimal.Decimal
}

// CartLine is one submitted line. TaxRatePercent nil means 0.
type CartLine struct {
	ProductID      int64            `json:"product_id"`
	Quantity       int64            `json:"quantity"`
	UnitPrice      decimal.Decimal  `json:"unit_price"`
	TaxRatePercent *decimal.Decimal `json:"tax_rate_percent,omitempty"`
}

type InvoiceCommitRequest struct {
	CustomerName    string     `json:"customer_name"`
	CustomerContact string     `json:"customer_contact"`
	PaymentMode     string     `json:"payment_mode"`
	Lines           []CartLine `json:"lines"`
}

type InvoiceResponse struct {
	Invoice Invoice `json:"invoice"`
}

type InvoiceListResponse struct {
	Invoices []Invoice `json:"invoices"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ShopID      int64  `json:"shop_id"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor is the authenticated caller. ShopID scopes every request.
type Actor struct {
	Username string
	Role     string
	ShopID   int64
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	ShopID    int64     `json:"shop_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	ShopID    int64
	Active    bool
	CreatedAt time.Time
}

// InvoiceStatusPaid is the only status a committed invoice carries.
const InvoiceStatusPaid = "PAID"

const (
	PaymentModeCash         = "cash"
	PaymentModeCard         = "card"
	PaymentModeUPI          = "upi"
	PaymentModeWallet       = "wallet"
	PaymentModeBankTransfer = "bank_transfer"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

const WalkInCustomerName = "Walk-in"
