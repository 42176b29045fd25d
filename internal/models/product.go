package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidVariant is returned when a variant payload cannot be decoded
// into a size/color pair.
var ErrInvalidVariant = errors.New("invalid variant")

type Product struct {
	ID         int64     `json:"id" yaml:"id"`
	Name       string    `json:"name" yaml:"name"`
	PriceCents int64     `json:"price_cents" yaml:"price_cents"`
	Variants   Variants  `json:"variants" yaml:"variants"`
	UpdatedAt  time.Time `json:"updated_at" yaml:"-"`
}

func (p *Product) Clone() *Product {
	if p == nil {
		return nil
	}
	cloned := *p
	cloned.Variants = p.Variants.Clone()
	return &cloned
}

// Variant is one stock-keeping unit of a product. Stock never drops below
// zero; only the inventory ledger mutates it.
type Variant struct {
	Size  string `json:"size" yaml:"size"`
	Color string `json:"color" yaml:"color"`
	Stock int    `json:"stock" yaml:"stock"`
}

func (v *Variant) UnmarshalJSON(data []byte) error {
	var raw struct {
		Size  json.RawMessage `json:"size"`
		Color string          `json:"color"`
		Stock int             `json:"stock"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidVariant, err)
	}
	size, err := decodeSize(raw.Size)
	if err != nil {
		return err
	}
	v.Size = size
	v.Color = raw.Color
	v.Stock = raw.Stock
	return nil
}

func (v Variant) Matches(sel VariantSelector) bool {
	return v.Size == sel.Size && strings.EqualFold(v.Color, sel.Color)
}

type Variants []Variant

// Find returns the index of the first variant matching sel.
func (vs Variants) Find(sel VariantSelector) (int, bool) {
	for i, v := range vs {
		if v.Matches(sel) {
			return i, true
		}
	}
	return -1, false
}

func (vs Variants) Clone() Variants {
	if vs == nil {
		return nil
	}
	out := make(Variants, len(vs))
	copy(out, vs)
	return out
}

// VariantSelector identifies a variant within a product. Size compares
// exactly after normalisation to a string, color case-insensitively.
type VariantSelector struct {
	Size  string `json:"size"`
	Color string `json:"color"`
}

func (s VariantSelector) String() string {
	return s.Size + "/" + s.Color
}

// UnmarshalJSON accepts the selector as an object or as a JSON string that
// itself holds the object. Size may be a string or a number.
func (s *VariantSelector) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("%w: empty payload", ErrInvalidVariant)
	}

	if data[0] == '"' {
		var encoded string
		if err := json.Unmarshal(data, &encoded); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidVariant, err)
		}
		return s.UnmarshalJSON([]byte(encoded))
	}

	var raw struct {
		Size  json.RawMessage `json:"size"`
		Color *string         `json:"color"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidVariant, err)
	}
	if raw.Color == nil {
		return fmt.Errorf("%w: color is required", ErrInvalidVariant)
	}
	size, err := decodeSize(raw.Size)
	if err != nil {
		return err
	}
	if size == "" {
		return fmt.Errorf("%w: size is required", ErrInvalidVariant)
	}

	s.Size = size
	s.Color = strings.TrimSpace(*raw.Color)
	return nil
}

// ParseVariantSelector decodes a loosely typed variant payload.
func ParseVariantSelector(data []byte) (VariantSelector, error) {
	var sel VariantSelector
	if err := sel.UnmarshalJSON(data); err != nil {
		return VariantSelector{}, err
	}
	return sel, nil
}

func decodeSize(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var size string
		if err := json.Unmarshal(raw, &size); err != nil {
			return "", fmt.Errorf("%w: size: %v", ErrInvalidVariant, err)
		}
		return strings.TrimSpace(size), nil
	}

	var number json.Number
	if err := json.Unmarshal(raw, &number); err != nil {
		return "", fmt.Errorf("%w: size must be a string or number", ErrInvalidVariant)
	}
	if f, err := number.Float64(); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	return number.String(), nil
}
