package catalog

import (
	"fmt"
	"net/mail"
	"strings"
)

type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

func (v *Validator) Validate(seed *Seed) error {
	if seed == nil {
		return fmt.Errorf("seed is required")
	}

	if len(seed.Products) == 0 {
		return fmt.Errorf("at least one product is required")
	}

	productIDs := make(map[int64]bool)
	for i, product := range seed.Products {
		if err := v.validateProduct(&product); err != nil {
			return fmt.Errorf("product %d validation failed: %w", i, err)
		}

		if productIDs[product.ID] {
			return fmt.Errorf("duplicate product id: %d", product.ID)
		}
		productIDs[product.ID] = true
	}

	userIDs := make(map[int64]bool)
	emails := make(map[string]bool)
	for i, user := range seed.Users {
		if user.ID <= 0 {
			return fmt.Errorf("user %d: id must be positive", i)
		}
		if _, err := mail.ParseAddress(user.Email); err != nil {
			return fmt.Errorf("user %d: invalid email %q", i, user.Email)
		}
		email := strings.ToLower(strings.TrimSpace(user.Email))
		if userIDs[user.ID] {
			return fmt.Errorf("duplicate user id: %d", user.ID)
		}
		if emails[email] {
			return fmt.Errorf("duplicate user email: %s", email)
		}
		userIDs[user.ID] = true
		emails[email] = true
	}

	return nil
}

func (v *Validator) validateProduct(product *ProductConfig) error {
	if product.ID <= 0 {
		return fmt.Errorf("product id must be positive")
	}

	if strings.TrimSpace(product.Name) == "" {
		return fmt.Errorf("product name is required")
	}

	if product.PriceCents < 0 {
		return fmt.Errorf("product price must be zero or positive")
	}

	seen := make(map[string]bool)
	for i, variant := range product.Variants {
		size := strings.TrimSpace(variant.SizeString())
		color := strings.TrimSpace(variant.Color)
		if size == "" || color == "" {
			return fmt.Errorf("variant %d: size and color are required", i)
		}
		if variant.Stock < 0 {
			return fmt.Errorf("variant %d: stock must be zero or positive", i)
		}

		key := size + "/" + strings.ToLower(color)
		if seen[key] {
			return fmt.Errorf("duplicate variant %s/%s", size, color)
		}
		seen[key] = true
	}

	return nil
}
