package promotion

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Options control how code promotions combine with automatic ones.
type Options struct {
	// AllowCodeStacking adds a valid code on top of the automatic
	// promotions. When false the code replaces them.
	AllowCodeStacking bool
}

// Evaluator computes the discounts that apply to a cart.
type Evaluator struct {
	repo Repository
	opts Options
	now  func() time.Time
}

// NewEvaluator creates an Evaluator backed by the given store.
func NewEvaluator(repo Repository, opts Options) *Evaluator {
	return &Evaluator{repo: repo, opts: opts, now: time.Now}
}

// Evaluate applies the matching automatic promotions in ascending priority
// and then the optional code. A supplied code that cannot be applied yields
// a *CodeRejectedError.
func (e *Evaluator) Evaluate(ctx context.Context, items []Item, subtotal decimal.Decimal, code string) (*Evaluation, error) {
	now := e.now()

	codePromo, err := e.resolveCode(ctx, code, items, subtotal, now)
	if err != nil {
		return nil, err
	}

	ev := &Evaluation{TotalDiscount: decimal.Zero}
	remaining := subtotal

	apply := func(p *Promotion, keepZero bool) error {
		amount, err := Discount(p, subtotal, remaining)
		if err != nil {
			return err
		}
		if amount.IsZero() && p.Kind != KindFreeShipping && !keepZero {
			return nil
		}
		ev.Applied = append(ev.Applied, Applied{
			PromotionID: p.ID,
			Name:        p.Name,
			Kind:        p.Kind,
			Discount:    amount,
			Code:        p.Code,
		})
		ev.TotalDiscount = ev.TotalDiscount.Add(amount)
		remaining = remaining.Sub(amount)
		if p.Kind == KindFreeShipping {
			ev.FreeShipping = true
		}
		return nil
	}

	skipAutomatic := codePromo != nil && (codePromo.Exclusive || !e.opts.AllowCodeStacking)
	if !skipAutomatic {
		autos, err := e.repo.ListAutomatic(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "list automatic promotions")
		}
		slices.SortStableFunc(autos, func(a, b Promotion) int {
			return cmp.Compare(a.Priority, b.Priority)
		})

		for i := range autos {
			p := &autos[i]
			if check(p, items, subtotal, now) != "" {
				continue
			}
			if p.Exclusive {
				if len(ev.Applied) > 0 {
					continue
				}
				if err := apply(p, false); err != nil {
					return nil, err
				}
				break
			}
			if err := apply(p, false); err != nil {
				return nil, err
			}
		}
	}

	if codePromo != nil {
		if err := apply(codePromo, true); err != nil {
			return nil, err
		}
	}

	return ev, nil
}

func (e *Evaluator) resolveCode(
	ctx context.Context,
	code string,
	items []Item,
	subtotal decimal.Decimal,
	now time.Time,
) (*Promotion, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, nil
	}

	p, err := e.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &CodeRejectedError{Code: code, Reason: ReasonUnknown}
		}
		return nil, errors.Wrap(err, "lookup promotion code")
	}
	if reason := check(p, items, subtotal, now); reason != "" {
		return nil, &CodeRejectedError{Code: code, Reason: reason}
	}
	return p, nil
}

// RecordUsage increments the usage counter of every applied promotion.
// All promotions are attempted; the first failure is returned.
func (e *Evaluator) RecordUsage(ctx context.Context, ev *Evaluation) error {
	if ev == nil {
		return nil
	}
	var first error
	for _, a := range ev.Applied {
		if err := e.repo.IncrementUsage(ctx, a.PromotionID); err != nil && first == nil {
			first = errors.Wrapf(err, "increment usage of %s", a.PromotionID)
		}
	}
	return first
}
