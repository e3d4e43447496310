package promotion

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Kind enumerates the supported promotion strategies.
type Kind string

const (
	// KindPercentage takes a percentage of the subtotal.
	KindPercentage Kind = "percentage"
	// KindFixedAmount takes a fixed amount, capped at the remaining subtotal.
	KindFixedAmount Kind = "fixed_amount"
	// KindFreeShipping waives the delivery fee.
	KindFreeShipping Kind = "free_shipping"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPercentage, KindFixedAmount, KindFreeShipping:
		return true
	default:
		return false
	}
}

// ErrNotFound is returned by Repository.FindByCode for unknown codes.
var ErrNotFound = errors.New("promotion not found")

// RejectReason explains why a promotion code was not accepted.
type RejectReason string

const (
	ReasonUnknown       RejectReason = "unknown"
	ReasonInactive      RejectReason = "inactive"
	ReasonNotStarted    RejectReason = "not_started"
	ReasonExpired       RejectReason = "expired"
	ReasonMinimumSpend  RejectReason = "minimum_spend"
	ReasonOutOfScope    RejectReason = "out_of_scope"
	ReasonUsageExceeded RejectReason = "usage_limit_reached"
)

// CodeRejectedError is returned when a supplied code cannot be applied.
// It is distinct from an evaluation with no applicable promotions.
type CodeRejectedError struct {
	Code   string
	Reason RejectReason
}

func (e *CodeRejectedError) Error() string {
	return fmt.Sprintf("promotion code %q rejected: %s", e.Code, e.Reason)
}

// Message returns a customer-facing description of the rejection.
func (e *CodeRejectedError) Message() string {
	switch e.Reason {
	case ReasonUnknown:
		return "This promo code does not exist."
	case ReasonNotStarted:
		return "This promo code is not active yet."
	case ReasonExpired:
		return "This promo code has expired."
	case ReasonMinimumSpend:
		return "Your order does not meet the minimum spend for this promo code."
	case ReasonOutOfScope:
		return "This promo code does not apply to the items in your cart."
	case ReasonUsageExceeded:
		return "This promo code has reached its usage limit."
	default:
		return "This promo code is no longer active."
	}
}

// Promotion is a stored discount rule.
type Promotion struct {
	ID          string
	Name        string
	Description string
	// Code is empty for automatic promotions.
	Code         string
	Kind         Kind
	Value        decimal.Decimal
	MinimumSpend decimal.Decimal
	CategoryIDs  []string
	BrandIDs     []string
	Priority     int
	Exclusive    bool
	StartsAt     time.Time
	EndsAt       *time.Time
	UsageLimit   int
	UsageCount   int
	Active       bool
}

// Automatic reports whether the promotion applies without a code.
func (p *Promotion) Automatic() bool {
	return p.Code == ""
}

// Applied is the outcome of applying one promotion to a cart.
type Applied struct {
	PromotionID string
	Name        string
	Kind        Kind
	Discount    decimal.Decimal
	Code        string
}

// Evaluation is the result of Evaluator.Evaluate.
type Evaluation struct {
	Applied       []Applied
	TotalDiscount decimal.Decimal
	FreeShipping  bool
}

// Item is a cart line as seen by the evaluator.
type Item struct {
	ProductID string
	Category  string
	Brand     string
	Price     decimal.Decimal
	Quantity  int
}

// Repository is the promotion store.
type Repository interface {
	// ListAutomatic returns active promotions without a code.
	ListAutomatic(ctx context.Context) ([]Promotion, error)
	// FindByCode looks a code up case-insensitively. Returns ErrNotFound.
	FindByCode(ctx context.Context, code string) (*Promotion, error)
	IncrementUsage(ctx context.Context, id string) error
}
