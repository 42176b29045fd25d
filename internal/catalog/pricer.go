package catalog

import (
	"github.com/gitshopapp/ordercore/internal/models"
)

// Shipping fees in cents, waived above the listed subtotal threshold.
const (
	standardShippingCents  = 800
	standardFreeAboveCents = 5000
	expressShippingCents   = 1500
	expressFreeAboveCents  = 10000
	pickupShippingCents    = 0
)

// Line is one priced order line.
type Line struct {
	UnitPriceCents int64
	Quantity       int
}

type Totals struct {
	SubtotalCents int64
	ShippingCents int64
	TotalCents    int64
}

// Pricer applies the single additive policy: subtotal plus a shipping fee.
type Pricer struct{}

func NewPricer() *Pricer {
	return &Pricer{}
}

func (p *Pricer) ComputeSubtotal(lines []Line) int64 {
	var subtotal int64
	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		subtotal += line.UnitPriceCents * int64(line.Quantity)
	}
	return subtotal
}

func (p *Pricer) GetShippingCents(method models.ShippingMethod, subtotalCents int64) int64 {
	switch method {
	case models.ShippingPickup:
		return pickupShippingCents
	case models.ShippingExpress:
		if subtotalCents > expressFreeAboveCents {
			return 0
		}
		return expressShippingCents
	default:
		if subtotalCents > standardFreeAboveCents {
			return 0
		}
		return standardShippingCents
	}
}

func (p *Pricer) Compute(method models.ShippingMethod, lines []Line) Totals {
	subtotal := p.ComputeSubtotal(lines)
	shipping := p.GetShippingCents(method, subtotal)
	return Totals{
		SubtotalCents: subtotal,
		ShippingCents: shipping,
		TotalCents:    subtotal + shipping,
	}
}
