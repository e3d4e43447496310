package order

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/oasis-checkout/internal/domain/inventory"
	"github.com/xenking/oasis-checkout/internal/domain/product"
)

// WriterOptions tune how stock is adjusted on commit.
type WriterOptions struct {
	// StrictStock guards each decrement with stock >= quantity and excludes
	// the line when the guard fails. When false, decrements are
	// unconditional and failures are only logged, so oversell is possible.
	StrictStock bool
}

// CommitResult describes what Commit persisted.
type CommitResult struct {
	Lines    []Line
	Excluded []inventory.Rejection
}

// Writer persists orders and their lines.
type Writer struct {
	orders  Repository
	catalog product.Repository
	guard   *Guard
	opts    WriterOptions
}

// NewWriter creates a Writer. The guard decides whether idempotency keys are
// written.
func NewWriter(orders Repository, catalog product.Repository, guard *Guard, opts WriterOptions) *Writer {
	return &Writer{orders: orders, catalog: catalog, guard: guard, opts: opts}
}

// CreateDraft inserts o. If another order already holds o's idempotency key,
// nothing is written and that order is returned instead; it may itself still
// be a draft. If the store lacks the key column, the insert is retried
// without it.
func (w *Writer) CreateDraft(ctx context.Context, o *Order) (existing *Order, err error) {
	lg := zctx.From(ctx)

	withKey := o.IdempotencyKey != "" && w.guard.Enabled(ctx)
	if !withKey {
		if err := w.orders.Create(ctx, o, false); err != nil {
			return nil, errors.Wrapf(err, "create order %s", o.OrderNumber)
		}
		return nil, nil
	}

	err = w.orders.Create(ctx, o, true)
	switch {
	case err == nil:
		return nil, nil
	case errors.Is(err, ErrDuplicateKey):
		prior, findErr := w.orders.FindByIdempotencyKey(ctx, o.IdempotencyKey)
		if findErr != nil {
			return nil, errors.Wrap(findErr, "load order for duplicate key")
		}
		lg.Info("Concurrent duplicate submission resolved",
			zap.String("order_number", prior.OrderNumber),
		)
		return prior, nil
	case errors.Is(err, ErrSchemaDrift):
		lg.Warn("Idempotency key column missing, creating order without it",
			zap.String("order_number", o.OrderNumber),
		)
		w.guard.disable()
		if err := w.orders.Create(ctx, o, false); err != nil {
			return nil, errors.Wrapf(err, "create order %s without key", o.OrderNumber)
		}
		return nil, nil
	default:
		return nil, errors.Wrapf(err, "create order %s", o.OrderNumber)
	}
}

// Commit writes a line per valid cart line and adjusts stock. A line whose
// write fails is excluded without undoing the lines already written.
func (w *Writer) Commit(ctx context.Context, o *Order, valid []inventory.ValidLine) *CommitResult {
	lg := zctx.From(ctx).With(zap.String("order_number", o.OrderNumber))
	res := &CommitResult{}

	for _, vl := range valid {
		qty := vl.Line.Quantity
		decremented := false

		if w.opts.StrictStock {
			err := w.catalog.DecrementStock(ctx, vl.Product.ID, qty, true)
			if errors.Is(err, product.ErrStockConflict) {
				lg.Info("Stock taken by a concurrent order, excluding line",
					zap.String("product_id", vl.Product.ID),
				)
				res.Excluded = append(res.Excluded, inventory.Rejection{
					Line: vl.Line,
					Err:  &inventory.InsufficientStockError{ProductID: vl.Product.ID, Requested: qty},
				})
				continue
			}
			if err != nil {
				lg.Warn("Stock decrement failed", zap.String("product_id", vl.Product.ID), zap.Error(err))
			}
			decremented = err == nil
		}

		line := Line{
			OrderID:      o.ID,
			ProductID:    vl.Product.ID,
			ProductName:  vl.Product.Name,
			ProductBrand: vl.Product.Brand,
			Quantity:     qty,
			UnitPrice:    vl.UnitPrice,
			LineTotal:    vl.LineTotal(),
		}
		if err := w.orders.AddLine(ctx, &line); err != nil {
			lg.Error("Order line write failed, excluding line",
				zap.String("product_id", vl.Product.ID),
				zap.Error(err),
			)
			if decremented {
				w.restoreStock(ctx, vl.Product.ID, qty)
			}
			res.Excluded = append(res.Excluded, inventory.Rejection{
				Line: vl.Line,
				Err:  &inventory.ProductUnavailableError{ProductID: vl.Product.ID, Cause: err},
			})
			continue
		}

		if !w.opts.StrictStock {
			if err := w.catalog.DecrementStock(ctx, vl.Product.ID, qty, false); err != nil {
				lg.Warn("Stock decrement failed", zap.String("product_id", vl.Product.ID), zap.Error(err))
			}
		}

		res.Lines = append(res.Lines, line)
	}

	o.Lines = res.Lines
	return res
}

func (w *Writer) restoreStock(ctx context.Context, id string, qty int) {
	if err := w.catalog.RestoreStock(ctx, id, qty); err != nil {
		zctx.From(ctx).Error("Stock not restored for unwritten line",
			zap.String("product_id", id),
			zap.Int("quantity", qty),
			zap.Error(err),
		)
	}
}

// Finalize persists the order's totals and applied promotions and moves a
// draft to pending payment. On failure the order keeps its previous status.
func (w *Writer) Finalize(ctx context.Context, o *Order) error {
	prev := o.Status
	if o.Status == StatusDraft {
		o.Status = StatusPendingPayment
	}
	if err := w.orders.UpdateTotals(ctx, o); err != nil {
		o.Status = prev
		return errors.Wrapf(err, "update totals of %s", o.OrderNumber)
	}
	return nil
}

// Discard deletes a draft order that ended up with no lines.
func (w *Writer) Discard(ctx context.Context, o *Order) error {
	if err := w.orders.Delete(ctx, o.ID); err != nil {
		return errors.Wrapf(err, "delete draft %s", o.OrderNumber)
	}
	return nil
}
