package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gitshopapp/ordercore/internal/models"
	"github.com/gitshopapp/ordercore/internal/store"
)

const productColumns = `id, name, price_cents, variants, updated_at`

func (t *pgTx) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	return t.getProduct(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
}

func (t *pgTx) GetProductForUpdate(ctx context.Context, id int64) (*models.Product, error) {
	return t.getProduct(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) getProduct(ctx context.Context, query string, id int64) (*models.Product, error) {
	var (
		product      models.Product
		variantsJSON []byte
	)
	err := t.tx.QueryRow(ctx, query, id).Scan(
		&product.ID,
		&product.Name,
		&product.PriceCents,
		&variantsJSON,
		&product.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("product %d", id))
	}
	if len(variantsJSON) > 0 {
		if err := json.Unmarshal(variantsJSON, &product.Variants); err != nil {
			return nil, fmt.Errorf("failed to decode variants for product %d: %w", id, err)
		}
	}
	return &product, nil
}

func (t *pgTx) UpdateVariants(ctx context.Context, productID int64, variants models.Variants) error {
	if variants == nil {
		variants = models.Variants{}
	}
	variantsJSON, err := json.Marshal(variants)
	if err != nil {
		return err
	}

	cmdTag, err := t.tx.Exec(ctx, `UPDATE products SET variants = $1, updated_at = NOW() WHERE id = $2`, variantsJSON, productID)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("product %d: %w", productID, store.ErrNotFound)
	}
	return nil
}

func (t *pgTx) UpsertProduct(ctx context.Context, product *models.Product) error {
	variants := product.Variants
	if variants == nil {
		variants = models.Variants{}
	}
	variantsJSON, err := json.Marshal(variants)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO products (id, name, price_cents, variants, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, price_cents = EXCLUDED.price_cents,
		    variants = EXCLUDED.variants, updated_at = NOW()
		RETURNING updated_at
	`
	if err := t.tx.QueryRow(ctx, query, product.ID, product.Name, product.PriceCents, variantsJSON).Scan(&product.UpdatedAt); err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `SELECT setval(pg_get_serial_sequence('products', 'id'), GREATEST((SELECT MAX(id) FROM products), 1))`)
	return err
}

func (t *pgTx) UpsertUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, email, is_admin)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, is_admin = EXCLUDED.is_admin
	`
	if _, err := t.tx.Exec(ctx, query, user.ID, strings.TrimSpace(user.Email), user.IsAdmin); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `SELECT setval(pg_get_serial_sequence('users', 'id'), GREATEST((SELECT MAX(id) FROM users), 1))`)
	return err
}

func (t *pgTx) FindUserIDByEmail(ctx context.Context, email string) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `SELECT id FROM users WHERE lower(email) = lower($1)`, strings.TrimSpace(email)).Scan(&id)
	if err != nil {
		return 0, notFound(err, fmt.Sprintf("user %q", email))
	}
	return id, nil
}
