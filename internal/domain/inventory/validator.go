// Package inventory revalidates client-held cart lines against the catalog.
package inventory

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/oasis-checkout/internal/domain/product"
)

const defaultConcurrency = 8

// Line is a cart line as submitted by the client. UnitPrice is the price the
// client saw and may be stale.
type Line struct {
	ProductID string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
}

// ValidLine is a line that passed validation, priced from the catalog.
type ValidLine struct {
	Line      Line
	Product   product.Product
	UnitPrice decimal.Decimal
}

// LineTotal returns quantity * authoritative unit price.
func (l ValidLine) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Line.Quantity))).Round(2)
}

// ProductUnavailableError means the product no longer exists or could not be
// looked up.
type ProductUnavailableError struct {
	ProductID string
	Cause     error
}

func (e *ProductUnavailableError) Error() string {
	return fmt.Sprintf("product %s unavailable: %v", e.ProductID, e.Cause)
}

func (e *ProductUnavailableError) Unwrap() error { return e.Cause }

// PriceMismatchError means the catalog price differs from the cart snapshot.
type PriceMismatchError struct {
	ProductID string
	Snapshot  decimal.Decimal
	Current   decimal.Decimal
}

func (e *PriceMismatchError) Error() string {
	return fmt.Sprintf("product %s price changed from %s to %s", e.ProductID, e.Snapshot, e.Current)
}

// InsufficientStockError means the catalog holds fewer units than requested.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("product %s has %d in stock, %d requested", e.ProductID, e.Available, e.Requested)
}

// Rejection is a line that failed validation.
type Rejection struct {
	Line Line
	Err  error
}

// Label is the customer-facing name of the rejected item.
func (r Rejection) Label() string {
	name := r.Line.Name
	if name == "" {
		name = r.Line.ProductID
	}
	var (
		priceErr *PriceMismatchError
		stockErr *InsufficientStockError
	)
	switch {
	case errors.As(r.Err, &priceErr):
		return name + " (price changed)"
	case errors.As(r.Err, &stockErr):
		return name + " (insufficient stock)"
	default:
		return name
	}
}

// Reason is a short machine-readable rejection category.
func (r Rejection) Reason() string {
	var (
		priceErr *PriceMismatchError
		stockErr *InsufficientStockError
	)
	switch {
	case errors.As(r.Err, &priceErr):
		return "price_mismatch"
	case errors.As(r.Err, &stockErr):
		return "insufficient_stock"
	default:
		return "unavailable"
	}
}

// Result partitions the submitted lines.
type Result struct {
	Valid   []ValidLine
	Invalid []Rejection
}

// InvalidNames returns the labels of all rejected lines in submission order.
func (r *Result) InvalidNames() []string {
	names := make([]string, len(r.Invalid))
	for i, rej := range r.Invalid {
		names[i] = rej.Label()
	}
	return names
}

// Validator checks cart lines against the catalog.
type Validator struct {
	catalog     product.Repository
	concurrency int
}

// NewValidator creates a Validator that performs at most concurrency catalog
// lookups at a time.
func NewValidator(catalog product.Repository, concurrency int) *Validator {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Validator{catalog: catalog, concurrency: concurrency}
}

type lookup struct {
	product *product.Product
	err     error
}

// Validate partitions lines into valid and invalid. Lines repeating the same
// product draw from a shared stock count in submission order. The returned
// error is non-nil only when ctx is done.
func (v *Validator) Validate(ctx context.Context, lines []Line) (*Result, error) {
	ids := make([]string, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, l := range lines {
		if _, ok := index[l.ProductID]; ok {
			continue
		}
		index[l.ProductID] = len(ids)
		ids = append(ids, l.ProductID)
	}

	lookups := make([]lookup, len(ids))
	var g errgroup.Group
	g.SetLimit(v.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			p, err := v.catalog.GetByID(ctx, id)
			lookups[i] = lookup{product: p, err: err}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "validate lines")
	}

	lg := zctx.From(ctx)
	res := &Result{}
	reserved := make(map[string]int, len(ids))
	for _, l := range lines {
		lk := lookups[index[l.ProductID]]
		if lk.err != nil || lk.product == nil {
			cause := lk.err
			if cause == nil {
				cause = product.ErrNotFound
			}
			if !errors.Is(cause, product.ErrNotFound) {
				lg.Warn("Catalog lookup failed",
					zap.String("product_id", l.ProductID),
					zap.Error(cause),
				)
			}
			res.Invalid = append(res.Invalid, Rejection{
				Line: l,
				Err:  &ProductUnavailableError{ProductID: l.ProductID, Cause: cause},
			})
			continue
		}

		p := lk.product
		if !p.Price.Equal(l.UnitPrice) {
			res.Invalid = append(res.Invalid, Rejection{
				Line: l,
				Err:  &PriceMismatchError{ProductID: p.ID, Snapshot: l.UnitPrice, Current: p.Price},
			})
			continue
		}

		available := p.Stock - reserved[p.ID]
		if available < l.Quantity {
			res.Invalid = append(res.Invalid, Rejection{
				Line: l,
				Err:  &InsufficientStockError{ProductID: p.ID, Requested: l.Quantity, Available: available},
			})
			continue
		}
		reserved[p.ID] += l.Quantity

		res.Valid = append(res.Valid, ValidLine{Line: l, Product: *p, UnitPrice: p.Price})
	}

	return res, nil
}
