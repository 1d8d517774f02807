package postgres

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"tillbook/backend/internal/domain"
	"tillbook/backend/internal/service"
	"tillbook/backend/internal/store"
)

func newIntegrationStore(t *testing.T, lockTimeout time.Duration) (*Store, domain.Shop) {
	t.Helper()
	databaseURL := os.Getenv("TILLBOOK_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set TILLBOOK_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL, WithLockTimeout(lockTimeout))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	require.NoError(t, s.Migrate(ctx))

	shop, err := s.CreateShop(ctx, domain.Shop{Name: fmt.Sprintf("IT Shop %d", time.Now().UnixNano())})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(context.Background(), `DELETE FROM shops WHERE id = $1`, shop.ID)
	})
	return s, *shop
}

func actorFor(shopID int64) context.Context {
	return service.WithActor(context.Background(), domain.Actor{Username: "it-cashier", Role: domain.RoleCashier, ShopID: shopID})
}

func TestLockWaitErrorTreatsCancellationAsContention(t *testing.T) {
	assert.ErrorIs(t, lockWaitError(context.Canceled), store.ErrContention)
	assert.ErrorIs(t, lockWaitError(fmt.Errorf("scan: %w", context.DeadlineExceeded)), store.ErrContention)
	assert.ErrorIs(t, lockWaitError(&pgconn.PgError{Code: "55P03", Message: "canceling statement due to lock timeout"}), store.ErrContention)

	other := fmt.Errorf("connection reset")
	assert.Equal(t, other, lockWaitError(other))
}

func TestCommitInvoiceConcurrentNumbering(t *testing.T) {
	s, shop := newIntegrationStore(t, 10*time.Second)
	product, err := s.CreateProduct(context.Background(), domain.Product{
		ShopID:    shop.ID,
		Name:      "Atta 5kg",
		UnitPrice: decimal.RequireFromString("245.00"),
		TaxRate:   decimal.NewFromInt(5),
		Quantity:  100,
	})
	require.NoError(t, err)

	svc := service.New(s, nil, service.Options{})
	ctx := actorFor(shop.ID)
	rate := decimal.NewFromInt(5)

	const commits = 12
	var (
		mu      sync.Mutex
		numbers []string
	)
	var g errgroup.Group
	for i := 0; i < commits; i++ {
		g.Go(func() error {
			invoice, err := svc.CommitInvoice(ctx, domain.InvoiceCommitRequest{
				CustomerContact: "9000011111",
				Lines: []domain.CartLine{{
					ProductID:      product.ID,
					Quantity:       2,
					UnitPrice:      decimal.RequireFromString("245.00"),
					TaxRatePercent: &rate,
				}},
			})
			if err != nil {
				return err
			}
			mu.Lock()
			numbers = append(numbers, invoice.Number)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	want := make([]string, 0, commits)
	for i := 1; i <= commits; i++ {
		want = append(want, fmt.Sprintf("INV-%d-%d", shop.ID, i))
	}
	sort.Strings(want)
	sort.Strings(numbers)
	assert.Equal(t, want, numbers)

	got, err := s.GetProduct(context.Background(), shop.ID, product.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 100-2*commits, got.Quantity)

	var customers int
	require.NoError(t, s.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM customers WHERE shop_id = $1`, shop.ID).Scan(&customers))
	assert.Equal(t, 1, customers)

	invoice, err := s.GetInvoiceByNumber(context.Background(), shop.ID, fmt.Sprintf("INV-%d-1", shop.ID))
	require.NoError(t, err)
	require.Len(t, invoice.Items, 1)
	assert.True(t, invoice.Subtotal.Equal(decimal.RequireFromString("490")))
	assert.True(t, invoice.TaxTotal.Equal(decimal.RequireFromString("24.5")))
	assert.True(t, invoice.GrandTotal.Equal(invoice.TotalAmount))
}

func TestAdvanceInvoiceCounterTimesOutUnderLock(t *testing.T) {
	s, shop := newIntegrationStore(t, 300*time.Millisecond)
	ctx := context.Background()

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.AdvanceInvoiceCounter(ctx, shop.ID); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.AdvanceInvoiceCounter(ctx, shop.ID)
		return err
	})
	assert.ErrorIs(t, err, store.ErrContention)

	close(release)
	require.NoError(t, <-done)

	got, err := s.GetShop(ctx, shop.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.InvoiceCounter)
}

func TestDecrementStockFloorRollsBack(t *testing.T) {
	s, shop := newIntegrationStore(t, time.Second)
	ctx := context.Background()
	product, err := s.CreateProduct(ctx, domain.Product{
		ShopID:    shop.ID,
		Name:      "Paneer 200g",
		UnitPrice: decimal.RequireFromString("90.00"),
		Quantity:  1,
	})
	require.NoError(t, err)

	err = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.AdvanceInvoiceCounter(ctx, shop.ID); err != nil {
			return err
		}
		_, err := tx.DecrementStock(ctx, shop.ID, product.ID, 2, true)
		return err
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	got, err := s.GetProduct(ctx, shop.ID, product.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Quantity)
	gotShop, err := s.GetShop(ctx, shop.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, gotShop.InvoiceCounter)
}
