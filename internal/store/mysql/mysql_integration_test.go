package mysql

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	driver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"tillbook/backend/internal/domain"
	"tillbook/backend/internal/service"
	"tillbook/backend/internal/store"
)

func newIntegrationStore(t *testing.T) (*Store, domain.Shop) {
	t.Helper()
	dsn := os.Getenv("TILLBOOK_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("set TILLBOOK_TEST_MYSQL_DSN to run mysql integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, dsn, WithLockTimeout(10*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	require.NoError(t, s.Migrate(ctx))

	shop, err := s.CreateShop(ctx, domain.Shop{Name: fmt.Sprintf("IT Shop %d", time.Now().UnixNano())})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(context.Background(), `DELETE FROM shops WHERE id = ?`, shop.ID)
	})
	return s, *shop
}

func TestLockWaitSecondsRoundsUp(t *testing.T) {
	assert.EqualValues(t, 1, lockWaitSeconds(200*time.Millisecond))
	assert.EqualValues(t, 5, lockWaitSeconds(5*time.Second))
	assert.EqualValues(t, 6, lockWaitSeconds(5001*time.Millisecond))
}

func TestLockWaitErrorTreatsCancellationAsContention(t *testing.T) {
	assert.ErrorIs(t, lockWaitError(context.Canceled), store.ErrContention)
	assert.ErrorIs(t, lockWaitError(fmt.Errorf("scan: %w", context.DeadlineExceeded)), store.ErrContention)
	assert.ErrorIs(t, lockWaitError(&driver.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}), store.ErrContention)

	other := fmt.Errorf("connection reset")
	assert.Equal(t, other, lockWaitError(other))
}

func TestCommitInvoiceAgainstMySQL(t *testing.T) {
	s, shop := newIntegrationStore(t)
	product, err := s.CreateProduct(context.Background(), domain.Product{
		ShopID:    shop.ID,
		Name:      "Masala Chai 100g",
		UnitPrice: decimal.RequireFromString("100.00"),
		TaxRate:   decimal.NewFromInt(5),
		Quantity:  50,
	})
	require.NoError(t, err)

	svc := service.New(s, nil, service.Options{})
	ctx := service.WithActor(context.Background(), domain.Actor{Username: "it-cashier", Role: domain.RoleCashier, ShopID: shop.ID})
	rate := decimal.NewFromInt(5)

	var g errgroup.Group
	for i := 0; i < 6; i++ {
		g.Go(func() error {
			_, err := svc.CommitInvoice(ctx, domain.InvoiceCommitRequest{
				CustomerName:    "Lakshmi",
				CustomerContact: "9000022222",
				PaymentMode:     domain.PaymentModeCard,
				Lines: []domain.CartLine{{
					ProductID:      product.ID,
					Quantity:       3,
					UnitPrice:      decimal.RequireFromString("100.00"),
					TaxRatePercent: &rate,
				}},
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	invoices, err := s.ListInvoices(context.Background(), shop.ID, 10)
	require.NoError(t, err)
	require.Len(t, invoices, 6)
	seen := map[string]bool{}
	for _, invoice := range invoices {
		assert.False(t, seen[invoice.Number])
		seen[invoice.Number] = true
		assert.True(t, invoice.GrandTotal.Equal(decimal.NewFromInt(315)))
		require.NotNil(t, invoice.CustomerID)
		assert.Equal(t, *invoices[0].CustomerID, *invoice.CustomerID)
	}
	for i := 1; i <= 6; i++ {
		assert.True(t, seen[fmt.Sprintf("INV-%d-%d", shop.ID, i)])
	}

	got, err := s.GetProduct(context.Background(), shop.ID, product.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 32, got.Quantity)
}

func TestCreateCustomerDuplicateIsConflict(t *testing.T) {
	s, shop := newIntegrationStore(t)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.CreateCustomer(ctx, domain.Customer{ShopID: shop.ID, Name: "Anil", Contact: "777"}); err != nil {
			return err
		}
		_, err := tx.CreateCustomer(ctx, domain.Customer{ShopID: shop.ID, Name: "Anil", Contact: "777"})
		require.ErrorIs(t, err, store.ErrConflict)

		found, err := tx.FindCustomerByContact(ctx, shop.ID, "777")
		require.NoError(t, err)
		assert.Equal(t, "Anil", found.Name)
		return nil
	})
	require.NoError(t, err)
}
