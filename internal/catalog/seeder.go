package catalog

import (
	"context"
	"fmt"

	"github.com/gitshopapp/ordercore/internal/store"
)

// SeedResult counts the rows written by Apply.
type SeedResult struct {
	Users    int
	Products int
}

// Seeder validates a seed document and upserts it in one transaction.
type Seeder struct {
	store     store.Store
	validator *Validator
}

func NewSeeder(st store.Store) *Seeder {
	return &Seeder{store: st, validator: NewValidator()}
}

// Apply replaces stock levels for every listed variant. Products and users
// absent from the seed are left untouched.
func (s *Seeder) Apply(ctx context.Context, seed *Seed) (SeedResult, error) {
	if err := s.validator.Validate(seed); err != nil {
		return SeedResult{}, err
	}

	var result SeedResult
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		result = SeedResult{}
		for i := range seed.Users {
			user := seed.Users[i]
			if err := tx.UpsertUser(ctx, &user); err != nil {
				return fmt.Errorf("failed to upsert user %d: %w", user.ID, err)
			}
			result.Users++
		}
		for _, product := range seed.Products {
			if err := tx.UpsertProduct(ctx, product.Product()); err != nil {
				return fmt.Errorf("failed to upsert product %d: %w", product.ID, err)
			}
			result.Products++
		}
		return nil
	})
	if err != nil {
		return SeedResult{}, err
	}
	return result, nil
}
