package promotion

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestDiscount(t *testing.T) {
	tests := []struct {
		name        string
		promo       *Promotion
		subtotal    decimal.Decimal
		remaining   decimal.Decimal
		want        decimal.Decimal
		wantErrText string
	}{
		{
			name:      "percentage 10% of 200",
			promo:     &Promotion{Kind: KindPercentage, Value: d("10")},
			subtotal:  d("200"),
			remaining: d("200"),
			want:      d("20"),
		},
		{
			name:      "percentage rounds to cents",
			promo:     &Promotion{Kind: KindPercentage, Value: d("15")},
			subtotal:  d("99.99"),
			remaining: d("99.99"),
			want:      d("15"),
		},
		{
			name:      "percentage capped at remaining",
			promo:     &Promotion{Kind: KindPercentage, Value: d("50")},
			subtotal:  d("100"),
			remaining: d("30"),
			want:      d("30"),
		},
		{
			name:      "fixed below subtotal",
			promo:     &Promotion{Kind: KindFixedAmount, Value: d("50")},
			subtotal:  d("400"),
			remaining: d("400"),
			want:      d("50"),
		},
		{
			name:      "fixed capped at remaining",
			promo:     &Promotion{Kind: KindFixedAmount, Value: d("500")},
			subtotal:  d("400"),
			remaining: d("120"),
			want:      d("120"),
		},
		{
			name:      "nothing remaining",
			promo:     &Promotion{Kind: KindFixedAmount, Value: d("10")},
			subtotal:  d("400"),
			remaining: d("0"),
			want:      d("0"),
		},
		{
			name:      "free shipping takes nothing off the subtotal",
			promo:     &Promotion{Kind: KindFreeShipping},
			subtotal:  d("400"),
			remaining: d("400"),
			want:      d("0"),
		},
		{
			name:        "unknown kind",
			promo:       &Promotion{Kind: "bogo"},
			subtotal:    d("400"),
			remaining:   d("400"),
			wantErrText: `unsupported promotion kind: "bogo"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Discount(tt.promo, tt.subtotal, tt.remaining)
			if tt.wantErrText != "" {
				require.EqualError(t, err, tt.wantErrText)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestCheck(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	items := []Item{{ProductID: "p1", Category: "women", Brand: "dior", Price: d("300"), Quantity: 1}}

	tests := []struct {
		name  string
		promo Promotion
		want  RejectReason
	}{
		{name: "eligible", promo: Promotion{Active: true, StartsAt: past}},
		{name: "inactive", promo: Promotion{StartsAt: past}, want: ReasonInactive},
		{name: "not started", promo: Promotion{Active: true, StartsAt: future}, want: ReasonNotStarted},
		{name: "expired", promo: Promotion{Active: true, StartsAt: past, EndsAt: &past}, want: ReasonExpired},
		{name: "open ended", promo: Promotion{Active: true, StartsAt: past, EndsAt: &future}},
		{
			name:  "usage exhausted",
			promo: Promotion{Active: true, StartsAt: past, UsageLimit: 5, UsageCount: 5},
			want:  ReasonUsageExceeded,
		},
		{
			name:  "minimum spend not met",
			promo: Promotion{Active: true, StartsAt: past, MinimumSpend: d("500")},
			want:  ReasonMinimumSpend,
		},
		{
			name:  "category matches",
			promo: Promotion{Active: true, StartsAt: past, CategoryIDs: []string{"men", "women"}},
		},
		{
			name:  "brand does not match",
			promo: Promotion{Active: true, StartsAt: past, BrandIDs: []string{"chanel"}},
			want:  ReasonOutOfScope,
		},
		{
			name:  "category and brand must match the same item",
			promo: Promotion{Active: true, StartsAt: past, CategoryIDs: []string{"women"}, BrandIDs: []string{"chanel"}},
			want:  ReasonOutOfScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, check(&tt.promo, items, Subtotal(items), now))
		})
	}
}
