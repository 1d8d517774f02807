package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tillbook/backend/internal/domain"
	"tillbook/backend/internal/store"
)

func newShop(t *testing.T, s *Store, name string) *domain.Shop {
	t.Helper()
	shop, err := s.CreateShop(context.Background(), domain.Shop{Name: name})
	require.NoError(t, err)
	return shop
}

func newProduct(t *testing.T, s *Store, shopID int64, qty int64) *domain.Product {
	t.Helper()
	product, err := s.CreateProduct(context.Background(), domain.Product{
		ShopID:    shopID,
		Name:      "Sugar 1kg",
		UnitPrice: decimal.NewFromInt(48),
		Quantity:  qty,
	})
	require.NoError(t, err)
	return product
}

func TestWithinTxRollbackDiscardsWrites(t *testing.T) {
	s := New()
	shop := newShop(t, s, "Corner Store")
	product := newProduct(t, s, shop.ID, 10)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		counter, err := tx.AdvanceInvoiceCounter(ctx, shop.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 1, counter)

		_, err = tx.CreateCustomer(ctx, domain.Customer{ShopID: shop.ID, Name: "Asha", Contact: "98450"})
		require.NoError(t, err)
		_, err = tx.CreateInvoice(ctx, domain.Invoice{ShopID: shop.ID, Number: "INV-1-1"})
		require.NoError(t, err)
		_, err = tx.DecrementStock(ctx, shop.ID, product.ID, 4, false)
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetShop(ctx, shop.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, got.InvoiceCounter)

	p, err := s.GetProduct(ctx, shop.ID, product.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 10, p.Quantity)

	_, err = s.GetInvoiceByNumber(ctx, shop.ID, "INV-1-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.FindCustomerByContact(ctx, shop.ID, "98450")
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWithinTxPanicReleasesShopLock(t *testing.T) {
	s := New(WithLockTimeout(50 * time.Millisecond))
	shop := newShop(t, s, "Corner Store")
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.AdvanceInvoiceCounter(ctx, shop.ID); err != nil {
				return err
			}
			panic("handler bug")
		})
	})

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.AdvanceInvoiceCounter(ctx, shop.ID)
		return err
	})
	require.NoError(t, err)

	got, err := s.GetShop(ctx, shop.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.InvoiceCounter)
}

func TestShopLockWaitIsBounded(t *testing.T) {
	s := New(WithLockTimeout(50 * time.Millisecond))
	shop := newShop(t, s, "Corner Store")
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

func TestShopLocksAreIndependent(t *testing.T) {
	s := New(WithLockTimeout(50 * time.Millisecond))
	first := newShop(t, s, "First")
	second := newShop(t, s, "Second")
	ctx := context.Background()

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.AdvanceInvoiceCounter(ctx, first.ID); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		counter, err := tx.AdvanceInvoiceCounter(ctx, second.ID)
		assert.EqualValues(t, 1, counter)
		return err
	})
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
}

func TestDecrementStockFloor(t *testing.T) {
	s := New()
	shop := newShop(t, s, "Corner Store")
	product := newProduct(t, s, shop.ID, 3)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		remaining, err := tx.DecrementStock(ctx, shop.ID, product.ID, 2, true)
		require.NoError(t, err)
		assert.EqualValues(t, 1, remaining)

		_, err = tx.DecrementStock(ctx, shop.ID, product.ID, 2, true)
		return err
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	p, err := s.GetProduct(ctx, shop.ID, product.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, p.Quantity)

	err = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		remaining, err := tx.DecrementStock(ctx, shop.ID, product.ID, 5, false)
		assert.EqualValues(t, -2, remaining)
		return err
	})
	require.NoError(t, err)

	p, err = s.GetProduct(ctx, shop.ID, product.ID)
	require.NoError(t, err)
	assert.EqualValues(t, -2, p.Quantity)
}

func TestDecrementStockRejectsForeignProduct(t *testing.T) {
	s := New()
	first := newShop(t, s, "First")
	second := newShop(t, s, "Second")
	product := newProduct(t, s, second.ID, 5)

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.DecrementStock(ctx, first.ID, product.ID, 1, false)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateCustomerConflictsOnContact(t *testing.T) {
	s := New()
	shop := newShop(t, s, "Corner Store")
	other := newShop(t, s, "Other Store")
	ctx := context.Background()

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.CreateCustomer(ctx, domain.Customer{ShopID: shop.ID, Name: "Ravi", Contact: "555"})
		return err
	})
	require.NoError(t, err)

	err = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.CreateCustomer(ctx, domain.Customer{ShopID: shop.ID, Name: "Ravi K", Contact: "555"})
		return err
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	err = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.CreateCustomer(ctx, domain.Customer{ShopID: other.ID, Name: "Ravi", Contact: "555"})
		return err
	})
	assert.NoError(t, err)
}

func TestGetProductsSkipsForeignIDs(t *testing.T) {
	s := New()
	first := newShop(t, s, "First")
	second := newShop(t, s, "Second")
	own := newProduct(t, s, first.ID, 5)
	foreign := newProduct(t, s, second.ID, 5)

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		products, err := tx.GetProducts(ctx, first.ID, []int64{own.ID, foreign.ID, 9999})
		require.NoError(t, err)
		assert.Len(t, products, 1)
		assert.Contains(t, products, own.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestNewSeededBindsUsersToShop(t *testing.T) {
	s := NewSeeded()
	users, err := s.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	for _, user := range users {
		assert.NotZero(t, user.ShopID)
		assert.NotEqual(t, "admin123", user.Password)
	}

	products, err := s.ListProducts(context.Background(), users[0].ShopID)
	require.NoError(t, err)
	assert.NotEmpty(t, products)
}
