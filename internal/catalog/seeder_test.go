package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/gitshopapp/ordercore/internal/store"
)

func TestSeederApply(t *testing.T) {
	t.Parallel()

	seed, err := NewParser().Parse([]byte(sampleSeed))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	st := store.NewMemoryStore()
	result, err := NewSeeder(st).Apply(t.Context(), seed)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.Users != 2 || result.Products != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}

	err = st.InTx(t.Context(), func(ctx context.Context, tx store.Tx) error {
		product, err := tx.GetProduct(ctx, 11)
		if err != nil {
			return err
		}
		if len(product.Variants) != 1 || product.Variants[0].Size != "42" || product.Variants[0].Stock != 5 {
			t.Fatalf("unexpected variants: %+v", product.Variants)
		}

		userID, err := tx.FindUserIDByEmail(ctx, "CLIENT@example.com")
		if err != nil {
			return err
		}
		if userID != 2 {
			t.Fatalf("expected user 2, got %d", userID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
}

func TestSeederApplyRejectsInvalidSeed(t *testing.T) {
	t.Parallel()

	seed := &Seed{Products: []ProductConfig{{ID: 5, Name: ""}}}
	st := store.NewMemoryStore()

	if _, err := NewSeeder(st).Apply(t.Context(), seed); err == nil {
		t.Fatal("expected validation error")
	}

	err := st.InTx(t.Context(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetProduct(ctx, 5)
		return err
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected nothing written, got %v", err)
	}
}
