package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tillbook/backend/internal/domain"
	"tillbook/backend/internal/pricing"
	"tillbook/backend/internal/store"
)

// FormatInvoiceNumber renders the external invoice number. Receipts and
// accounting exports parse this shape, so it must not change.
func FormatInvoiceNumber(shopID int64, counter int64) string {
	return "INV-" + strconv.FormatInt(shopID, 10) + "-" + strconv.FormatInt(counter, 10)
}

type pricedLine struct {
	domain.CartLine
	taxRate decimal.Decimal
	result  pricing.LineResult
}

// CommitInvoice turns a cart into a committed invoice for the actor's shop.
// Number assignment, customer resolution, line items, stock decrements and
// final totals all happen in one transaction: the caller gets a complete
// invoice or an error with nothing persisted.
func (s *Service) CommitInvoice(ctx context.Context, req domain.InvoiceCommitRequest) (domain.Invoice, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}

	customerName := normalizeCustomerName(req.CustomerName)
	customerContact := strings.TrimSpace(req.CustomerContact)
	paymentMode := strings.ToLower(strings.TrimSpace(req.PaymentMode))
	if paymentMode == "" {
		paymentMode = domain.PaymentModeCash
	}
	if !isSupportedPaymentMode(paymentMode) {
		return domain.Invoice{}, invalidField("payment_mode", "is not supported")
	}

	lines, err := priceLines(req.Lines)
	if err != nil {
		return domain.Invoice{}, err
	}
	productIDs := make([]int64, 0, len(lines))
	seen := make(map[int64]struct{}, len(lines))
	for _, line := range lines {
		if _, ok := seen[line.ProductID]; ok {
			continue
		}
		seen[line.ProductID] = struct{}{}
		productIDs = append(productIDs, line.ProductID)
	}

	now := time.Now().UTC()
	var committed domain.Invoice
	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		products, err := tx.GetProducts(ctx, actor.ShopID, productIDs)
		if err != nil {
			return fmt.Errorf("load products: %w", err)
		}
		for i, line := range lines {
			if _, ok := products[line.ProductID]; !ok {
				return invalidLine(i, "product_id", "does not exist in this shop")
			}
		}

		counter, err := tx.AdvanceInvoiceCounter(ctx, actor.ShopID)
		if errors.Is(err, store.ErrNotFound) {
			return invalidField("shop_id", "does not exist")
		}
		if err != nil {
			return fmt.Errorf("advance invoice counter: %w", err)
		}

		customer, err := resolveCustomer(ctx, tx, actor.ShopID, customerName, customerContact)
		if err != nil {
			return err
		}

		invoice, err := tx.CreateInvoice(ctx, domain.Invoice{
			ShopID:          actor.ShopID,
			CustomerID:      customerID(customer),
			CustomerName:    customerName,
			CustomerContact: customerContact,
			Number:          FormatInvoiceNumber(actor.ShopID, counter),
			Status:          domain.InvoiceStatusPaid,
			PaymentMode:     paymentMode,
			Subtotal:        decimal.Zero,
			TaxTotal:        decimal.Zero,
			GrandTotal:      decimal.Zero,
			TotalAmount:     decimal.Zero,
			CreatedBy:       actor.Username,
			InvoiceDate:     time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
			CreatedAt:       now,
		})
		if err != nil {
			return fmt.Errorf("create invoice: %w", err)
		}

		var acc pricing.Accumulator
		items := make([]domain.InvoiceItem, 0, len(lines))
		for _, line := range lines {
			productID := line.ProductID
			item, err := tx.CreateInvoiceItem(ctx, domain.InvoiceItem{
				InvoiceID:   invoice.ID,
				ProductID:   &productID,
				ProductName: products[productID].Name,
				Quantity:    line.Quantity,
				UnitPrice:   line.UnitPrice,
				TaxRate:     line.taxRate,
				LineTotal:   line.result.Total,
			})
			if err != nil {
				return fmt.Errorf("create invoice item: %w", err)
			}
			if _, err := tx.DecrementStock(ctx, actor.ShopID, productID, line.Quantity, s.opts.EnforceStockFloor); err != nil {
				return fmt.Errorf("decrement stock for product %d: %w", productID, err)
			}
			acc.Add(line.result)
			items = append(items, *item)
		}

		totals := acc.Totals()
		final := domain.InvoiceTotals{
			Subtotal:   totals.Subtotal,
			TaxTotal:   totals.TaxTotal,
			GrandTotal: totals.GrandTotal,
		}
		if err := tx.FinalizeInvoice(ctx, invoice.ID, final); err != nil {
			return fmt.Errorf("finalize invoice totals: %w", err)
		}

		invoice.Subtotal = final.Subtotal
		invoice.TaxTotal = final.TaxTotal
		invoice.GrandTotal = final.GrandTotal
		invoice.TotalAmount = final.GrandTotal
		invoice.Items = items
		committed = *invoice
		return nil
	})
	if err != nil {
		return domain.Invoice{}, classifyTxError("commit invoice", err)
	}

	s.cacheInvoice(ctx, &committed)
	log.Printf("[service] invoice committed shop=%d number=%s grand_total=%s lines=%d by=%s",
		committed.ShopID, committed.Number, committed.GrandTotal.StringFixed(pricing.MoneyScale), len(committed.Items), actor.Username)
	return committed, nil
}

// priceLines validates every line before any transaction is opened.
func priceLines(cart []domain.CartLine) ([]pricedLine, error) {
	if len(cart) == 0 {
		return nil, invalidField("lines", "must contain at least one line")
	}

	lines := make([]pricedLine, 0, len(cart))
	cartTotal := decimal.Zero
	for i, line := range cart {
		if line.ProductID < 1 {
			return nil, invalidLine(i, "product_id", "is required")
		}
		taxRate := decimal.Zero
		if line.TaxRatePercent != nil {
			taxRate = *line.TaxRatePercent
		}
		result, err := pricing.PriceLine(line.UnitPrice, line.Quantity, taxRate)
		if err != nil {
			var inputErr *pricing.InputError
			if errors.As(err, &inputErr) {
				return nil, invalidLine(i, inputErr.Field, inputErr.Reason)
			}
			return nil, err
		}
		cartTotal = cartTotal.Add(result.Total)
		if cartTotal.GreaterThan(pricing.MaxAmount) {
			return nil, invalidLine(i, "line_total", "makes the invoice total exceed "+pricing.MaxAmount.StringFixed(pricing.MoneyScale))
		}
		lines = append(lines, pricedLine{CartLine: line, taxRate: taxRate, result: result})
	}
	return lines, nil
}

// resolveCustomer is the get-or-create against the unique (shop, contact)
// key. Losing a creation race surfaces as store.ErrConflict and is answered
// by reading the winner's row.
func resolveCustomer(ctx context.Context, tx store.Tx, shopID int64, name string, contact string) (*domain.Customer, error) {
	if contact == "" {
		return nil, nil
	}

	existing, err := tx.FindCustomerByContact(ctx, shopID, contact)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("find customer: %w", err)
	}

	created, err := tx.CreateCustomer(ctx, domain.Customer{
		ShopID:  shopID,
		Name:    name,
		Contact: contact,
	})
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("create customer: %w", err)
	}

	existing, err = tx.FindCustomerByContact(ctx, shopID, contact)
	if err != nil {
		return nil, fmt.Errorf("refetch customer after conflict: %w", err)
	}
	return existing, nil
}

// classifyTxError maps whatever aborted a transaction onto exactly one
// caller-facing error kind.
func classifyTxError(op string, err error) error {
	var validationErr *ValidationError
	switch {
	case errors.As(err, &validationErr):
		return validationErr
	case errors.Is(err, store.ErrContention):
		return fmt.Errorf("%s: %w", op, ErrResourceContention)
	case errors.Is(err, store.ErrInsufficientStock):
		return fmt.Errorf("%s: %w: %v", op, ErrInsufficientStock, err)
	default:
		return &PersistenceError{Op: op, Err: err}
	}
}

func customerID(customer *domain.Customer) *int64 {
	if customer == nil {
		return nil
	}
	id := customer.ID
	return &id
}

func isSupportedPaymentMode(mode string) bool {
	switch mode {
	case domain.PaymentModeCash, domain.PaymentModeCard, domain.PaymentModeUPI,
		domain.PaymentModeWallet, domain.PaymentModeBankTransfer:
		return true
	default:
		return false
	}
}
