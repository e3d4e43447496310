package promotion

import (
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Discount computes the amount p takes off an order with the given subtotal
// when remaining is what is left after earlier promotions. The result is
// never negative and never exceeds remaining.
func Discount(p *Promotion, subtotal, remaining decimal.Decimal) (decimal.Decimal, error) {
	var amount decimal.Decimal
	switch p.Kind {
	case KindPercentage:
		amount = subtotal.Mul(p.Value).Div(hundred).Round(2)
	case KindFixedAmount:
		amount = p.Value.Round(2)
	case KindFreeShipping:
		return decimal.Zero, nil
	default:
		return decimal.Zero, errors.Errorf("unsupported promotion kind: %q", p.Kind)
	}
	amount = decimal.Min(amount, remaining)
	return floorAtZero(amount), nil
}

// Subtotal returns the sum of price * quantity across items.
func Subtotal(items []Item) decimal.Decimal {
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return sum
}

// check returns the reason p cannot apply to the cart, or "" when it can.
func check(p *Promotion, items []Item, subtotal decimal.Decimal, now time.Time) RejectReason {
	if !p.Active {
		return ReasonInactive
	}
	if now.Before(p.StartsAt) {
		return ReasonNotStarted
	}
	if p.EndsAt != nil && now.After(*p.EndsAt) {
		return ReasonExpired
	}
	if p.UsageLimit > 0 && p.UsageCount >= p.UsageLimit {
		return ReasonUsageExceeded
	}
	if p.MinimumSpend.IsPositive() && subtotal.LessThan(p.MinimumSpend) {
		return ReasonMinimumSpend
	}
	if !inScope(p, items) {
		return ReasonOutOfScope
	}
	return ""
}

// inScope reports whether at least one item matches the category and brand
// restrictions of p. Empty restriction lists match everything.
func inScope(p *Promotion, items []Item) bool {
	if len(p.CategoryIDs) == 0 && len(p.BrandIDs) == 0 {
		return true
	}
	for _, item := range items {
		if len(p.CategoryIDs) > 0 && !slices.Contains(p.CategoryIDs, item.Category) {
			continue
		}
		if len(p.BrandIDs) > 0 && !slices.Contains(p.BrandIDs, item.Brand) {
			continue
		}
		return true
	}
	return false
}

func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
