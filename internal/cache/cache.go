package cache

import (
	"context"
	"strconv"
	"time"

	"tillbook/backend/internal/domain"
)

// InvoiceCache holds committed invoices. Invoices never change after commit,
// so entries only expire.
type InvoiceCache interface {
	Get(ctx context.Context, key string) (*domain.Invoice, bool, error)
	Set(ctx context.Context, key string, value *domain.Invoice, ttl time.Duration) error
}

func InvoiceKey(shopID int64, number string) string {
	return "invoice:" + strconv.FormatInt(shopID, 10) + ":" + number
}

type NoopInvoiceCache struct{}

func (NoopInvoiceCache) Get(_ context.Context, _ string) (*domain.Invoice, bool, error) {
	return nil, false, nil
}

func (NoopInvoiceCache) Set(_ context.Context, _ string, _ *domain.Invoice, _ time.Duration) error {
	return nil
}
