package catalog

// Package catalog provides seed catalog parsing, validation and pricing.

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gitshopapp/ordercore/internal/models"
)

// Seed is the YAML document loaded by the seed command.
type Seed struct {
	Currency string          `yaml:"currency"`
	Users    []models.User   `yaml:"users"`
	Products []ProductConfig `yaml:"products"`
}

type ProductConfig struct {
	ID         int64           `yaml:"id"`
	Name       string          `yaml:"name"`
	PriceCents int64           `yaml:"price_cents"`
	Variants   []VariantConfig `yaml:"variants"`
}

// VariantConfig keeps size as a YAML scalar so that numeric sizes such as
// 42 and string sizes such as M are both accepted.
type VariantConfig struct {
	Size  yaml.Node `yaml:"size"`
	Color string    `yaml:"color"`
	Stock int       `yaml:"stock"`
}

func (v VariantConfig) SizeString() string {
	return v.Size.Value
}

func (p ProductConfig) Product() *models.Product {
	variants := make(models.Variants, 0, len(p.Variants))
	for _, v := range p.Variants {
		variants = append(variants, models.Variant{
			Size:  v.SizeString(),
			Color: v.Color,
			Stock: v.Stock,
		})
	}
	return &models.Product{
		ID:         p.ID,
		Name:       p.Name,
		PriceCents: p.PriceCents,
		Variants:   variants,
	}
}

type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

func (p *Parser) Parse(content []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(content, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &seed, nil
}

func (p *Parser) ParseFile(path string) (*Seed, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return p.Parse(content)
}
