// Package inventory reserves and releases per-variant stock. Variants are
// embedded in the product record, so every change is a read-modify-write
// of the whole collection while the product row is locked.
package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/gitshopapp/ordercore/internal/models"
	"github.com/gitshopapp/ordercore/internal/store"
)

var (
	ErrVariantNotFound   = errors.New("variant not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
)

// StockError carries the variant and the stock observed when a
// reservation was refused.
type StockError struct {
	ProductID int64
	Variant   models.VariantSelector
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("product %d variant %s: requested %d, available %d", e.ProductID, e.Variant, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error {
	return ErrInsufficientStock
}

type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Reserve decrements stock for the matching variant and returns the locked
// product as it was written. Nothing is written on error.
func (l *Ledger) Reserve(ctx context.Context, tx store.ProductTx, productID int64, sel models.VariantSelector, qty int) (*models.Product, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}

	product, err := tx.GetProductForUpdate(ctx, productID)
	if err != nil {
		return nil, err
	}

	variants := product.Variants.Clone()
	idx, ok := variants.Find(sel)
	if !ok {
		return nil, fmt.Errorf("product %d variant %s: %w", productID, sel, ErrVariantNotFound)
	}
	if variants[idx].Stock < qty {
		return nil, &StockError{
			ProductID: productID,
			Variant:   sel,
			Requested: qty,
			Available: variants[idx].Stock,
		}
	}
	variants[idx].Stock -= qty

	if err := tx.UpdateVariants(ctx, productID, variants); err != nil {
		return nil, fmt.Errorf("failed to update variants for product %d: %w", productID, err)
	}
	product.Variants = variants
	return product, nil
}

// Release adds qty back to the matching variant. It does not check what
// was previously reserved; callers gate releases through order state.
func (l *Ledger) Release(ctx context.Context, tx store.ProductTx, productID int64, sel models.VariantSelector, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	product, err := tx.GetProductForUpdate(ctx, productID)
	if err != nil {
		return err
	}

	variants := product.Variants.Clone()
	idx, ok := variants.Find(sel)
	if !ok {
		return fmt.Errorf("product %d variant %s: %w", productID, sel, ErrVariantNotFound)
	}
	variants[idx].Stock += qty

	if err := tx.UpdateVariants(ctx, productID, variants); err != nil {
		return fmt.Errorf("failed to update variants for product %d: %w", productID, err)
	}
	return nil
}

// Available returns the current stock of a variant without locking.
func (l *Ledger) Available(ctx context.Context, tx store.ProductTx, productID int64, sel models.VariantSelector) (int, error) {
	product, err := tx.GetProduct(ctx, productID)
	if err != nil {
		return 0, err
	}
	idx, ok := product.Variants.Find(sel)
	if !ok {
		return 0, fmt.Errorf("product %d variant %s: %w", productID, sel, ErrVariantNotFound)
	}
	return product.Variants[idx].Stock, nil
}
