package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"tillbook/backend/internal/cache"
	"tillbook/backend/internal/domain"
	"tillbook/backend/internal/pricing"
	"tillbook/backend/internal/store"
)

const defaultInvoiceCacheTTL = 10 * time.Minute

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	// EnforceStockFloor rejects sales that would take quantity on hand below
	// zero. Off by default, which allows backorders.
	EnforceStockFloor bool
	InvoiceCacheTTL   time.Duration
}

type Service struct {
	repo     store.Repository
	invoices cache.InvoiceCache
	opts     Options
}

func New(repo store.Repository, invoiceCache cache.InvoiceCache, opts Options) *Service {
	if invoiceCache == nil {
		invoiceCache = cache.NoopInvoiceCache{}
	}
	if opts.InvoiceCacheTTL <= 0 {
		opts.InvoiceCacheTTL = defaultInvoiceCacheTTL
	}

	return &Service{
		repo:     repo,
		invoices: invoiceCache,
		opts:     opts,
	}
}

func (s *Service) CreateShop(ctx context.Context, shop domain.Shop) (domain.Shop, error) {
	shop.Name = strings.TrimSpace(shop.Name)
	if shop.Name == "" {
		return domain.Shop{}, invalidField("name", "is required")
	}
	if shop.InvoiceCounter < 0 {
		return domain.Shop{}, invalidField("invoice_counter", "must not be negative")
	}

	created, err := s.repo.CreateShop(ctx, shop)
	if err != nil {
		return domain.Shop{}, fmt.Errorf("create shop: %w", err)
	}
	return *created, nil
}

func (s *Service) GetShop(ctx context.Context) (domain.Shop, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Shop{}, err
	}
	shop, err := s.repo.GetShop(ctx, actor.ShopID)
	if err != nil {
		return domain.Shop{}, err
	}
	return *shop, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListProducts(ctx, actor.ShopID)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	if actor.Role != domain.RoleAdmin {
		return domain.Product{}, ErrForbidden
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Product{}, invalidField("name", "is required")
	}
	// Pricing a single unit applies the same price and tax rules a sale will.
	if _, err := pricing.PriceLine(req.UnitPrice, 1, req.TaxRate); err != nil {
		var inputErr *pricing.InputError
		if errors.As(err, &inputErr) {
			field := inputErr.Field
			if field == "tax_rate_percent" {
				field = "tax_rate"
			}
			return domain.Product{}, invalidField(field, inputErr.Reason)
		}
		return domain.Product{}, err
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ShopID:    actor.ShopID,
		Name:      req.Name,
		UnitPrice: req.UnitPrice,
		TaxRate:   req.TaxRate,
		Quantity:  req.Quantity,
	})
	if err != nil {
		return domain.Product{}, fmt.Errorf("create product: %w", err)
	}
	log.Printf("[service] product created shop=%d id=%d by=%s", created.ShopID, created.ID, actor.Username)
	return *created, nil
}

// ResolveCustomer runs the get-or-create on its own. A nil customer with a
// nil error means a walk-in sale.
func (s *Service) ResolveCustomer(ctx context.Context, req domain.CustomerResolveRequest) (*domain.Customer, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	name := normalizeCustomerName(req.Name)
	contact := strings.TrimSpace(req.Contact)
	if contact == "" {
		return nil, nil
	}

	var customer *domain.Customer
	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		resolved, err := resolveCustomer(ctx, tx, actor.ShopID, name, contact)
		if err != nil {
			return err
		}
		customer = resolved
		return nil
	})
	if err != nil {
		return nil, classifyTxError("resolve customer", err)
	}
	return customer, nil
}

// GetInvoice reads a committed invoice, from cache when possible.
func (s *Service) GetInvoice(ctx context.Context, number string) (domain.Invoice, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}
	number = strings.TrimSpace(number)
	if number == "" {
		return domain.Invoice{}, invalidField("number", "is required")
	}

	key := cache.InvoiceKey(actor.ShopID, number)
	if cached, ok, err := s.invoices.Get(ctx, key); err != nil {
		log.Printf("[service] WARN: invoice cache read failed key=%s: %v", key, err)
	} else if ok {
		return *cached, nil
	}

	invoice, err := s.repo.GetInvoiceByNumber(ctx, actor.ShopID, number)
	if err != nil {
		return domain.Invoice{}, err
	}
	s.cacheInvoice(ctx, invoice)
	return *invoice, nil
}

func (s *Service) ListInvoices(ctx context.Context, limit int) ([]domain.Invoice, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return s.repo.ListInvoices(ctx, actor.ShopID, limit)
}

func (s *Service) cacheInvoice(ctx context.Context, invoice *domain.Invoice) {
	key := cache.InvoiceKey(invoice.ShopID, invoice.Number)
	if err := s.invoices.Set(ctx, key, invoice, s.opts.InvoiceCacheTTL); err != nil {
		log.Printf("[service] WARN: invoice cache write failed key=%s: %v", key, err)
	}
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.ShopID < 1 {
		return domain.Actor{}, ErrUnauthenticated
	}
	return actor, nil
}

func normalizeCustomerName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.WalkInCustomerName
	}
	return name
}
