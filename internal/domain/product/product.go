package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested product does not exist.
	ErrNotFound = errors.New("product not found")
	// ErrStockConflict is returned by a guarded decrement when the row no
	// longer holds enough stock for the requested quantity.
	ErrStockConflict = errors.New("stock changed concurrently")
)

// Product is the authoritative catalog record used to revalidate cart lines.
type Product struct {
	ID       string
	Name     string
	Brand    string
	Category string
	Price    decimal.Decimal
	Stock    int
}

// Repository is the catalog collaborator consumed by checkout.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Product, error)
	// DecrementStock subtracts qty from the product's stock. When guarded is
	// true the write only succeeds if stock >= qty, otherwise it returns
	// ErrStockConflict.
	DecrementStock(ctx context.Context, id string, qty int, guarded bool) error
	// RestoreStock adds back qty taken by a decrement whose line was not
	// written.
	RestoreStock(ctx context.Context, id string, qty int) error
}
