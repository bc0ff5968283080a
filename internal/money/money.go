// Package money computes sale totals in integer minor currency units.
package money

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"possettle/backend/internal/domain"
)

var hundred = decimal.NewFromInt(100)

type Totals struct {
	SubtotalMinor int64 `json:"subtotal_minor"`
	DiscountMinor int64 `json:"discount_minor"`
	TaxableMinor  int64 `json:"taxable_minor"`
	TaxMinor      int64 `json:"tax_minor"`
	TotalMinor    int64 `json:"total_minor"`
}

// ParseRate parses a flat tax rate given in percent, e.g. "15" or "7.5".
func ParseRate(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	rate, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid tax rate %q: %w", raw, err)
	}
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return decimal.Zero, fmt.Errorf("tax rate %s out of range 0..100", rate)
	}
	return rate, nil
}

// Compute returns subtotal, clamped discount, tax and total for the cart.
// Discounts above the subtotal are clamped silently.
func Compute(lines []domain.CartLine, discountMinor int64, ratePercent decimal.Decimal) (Totals, error) {
	if len(lines) == 0 {
		return Totals{}, &domain.InvalidCartError{Reason: "cart is empty"}
	}
	if discountMinor < 0 {
		return Totals{}, &domain.InvalidCartError{Reason: fmt.Sprintf("discount %d is negative", discountMinor)}
	}
	if ratePercent.IsNegative() {
		return Totals{}, &domain.InvalidCartError{Reason: "tax rate is negative"}
	}

	var subtotal int64
	for _, line := range lines {
		lineTotal, err := LineTotal(line)
		if err != nil {
			return Totals{}, err
		}
		if subtotal > math.MaxInt64-lineTotal {
			return Totals{}, &domain.InvalidCartError{Reason: "cart total overflows"}
		}
		subtotal += lineTotal
	}

	discount := min(discountMinor, subtotal)
	taxable := subtotal - discount
	tax := Tax(taxable, ratePercent)
	if taxable > math.MaxInt64-tax {
		return Totals{}, &domain.InvalidCartError{Reason: "cart total overflows"}
	}

	return Totals{
		SubtotalMinor: subtotal,
		DiscountMinor: discount,
		TaxableMinor:  taxable,
		TaxMinor:      tax,
		TotalMinor:    taxable + tax,
	}, nil
}

// LineTotal validates a single line and returns unit price × quantity.
func LineTotal(line domain.CartLine) (int64, error) {
	if strings.TrimSpace(line.ProductID) == "" {
		return 0, &domain.InvalidCartError{Reason: "product id required"}
	}
	if line.Quantity <= 0 {
		return 0, &domain.InvalidCartError{ProductID: line.ProductID, Reason: fmt.Sprintf("quantity %d must be positive", line.Quantity)}
	}
	if line.UnitPriceMinor < 0 {
		return 0, &domain.InvalidCartError{ProductID: line.ProductID, Reason: fmt.Sprintf("unit price %d is negative", line.UnitPriceMinor)}
	}
	if line.UnitPriceMinor > 0 && line.Quantity > math.MaxInt64/line.UnitPriceMinor {
		return 0, &domain.InvalidCartError{ProductID: line.ProductID, Reason: "line total overflows"}
	}
	return line.UnitPriceMinor * line.Quantity, nil
}

// Tax rounds taxable × rate / 100 half away from zero to a whole minor unit.
func Tax(taxableMinor int64, ratePercent decimal.Decimal) int64 {
	if taxableMinor == 0 || ratePercent.IsZero() {
		return 0
	}
	return decimal.NewFromInt(taxableMinor).Mul(ratePercent).Shift(-2).Round(0).IntPart()
}

// ValidatePayments checks every entry and returns their sum.
func ValidatePayments(payments []domain.PaymentEntry) (int64, error) {
	if len(payments) == 0 {
		return 0, &domain.InvalidCartError{Reason: "at least one payment is required"}
	}
	var sum int64
	for i, payment := range payments {
		switch payment.Method {
		case domain.PaymentMethodCash, domain.PaymentMethodCard, domain.PaymentMethodOther:
		default:
			return 0, &domain.InvalidCartError{Reason: fmt.Sprintf("payment %d: unsupported method %q", i+1, payment.Method)}
		}
		if payment.AmountMinor <= 0 {
			return 0, &domain.InvalidCartError{Reason: fmt.Sprintf("payment %d: amount must be positive", i+1)}
		}
		if sum > math.MaxInt64-payment.AmountMinor {
			return 0, &domain.InvalidCartError{Reason: "payments total overflows"}
		}
		sum += payment.AmountMinor
	}
	return sum, nil
}
