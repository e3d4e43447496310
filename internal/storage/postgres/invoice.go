package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/oasis-checkout/internal/domain/invoice"
)

const (
	createInvoiceSQL = `INSERT INTO invoices (id, order_id, invoice_number, amount, storage_ref, content_type, document, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	findInvoiceByOrderSQL = `SELECT id, order_id, invoice_number, amount, storage_ref, content_type, document, status, created_at
		FROM invoices WHERE order_id = $1`
)

var _ invoice.Repository = (*InvoiceRepository)(nil)

// InvoiceRepository implements invoice.Repository backed by PostgreSQL.
type InvoiceRepository struct {
	pool *pgxpool.Pool
}

// NewInvoiceRepository returns an InvoiceRepository that uses the given pool.
func NewInvoiceRepository(pool *pgxpool.Pool) *InvoiceRepository {
	return &InvoiceRepository{pool: pool}
}

// Create stores a rendered invoice. An order holds at most one invoice.
func (r *InvoiceRepository) Create(ctx context.Context, inv *invoice.Invoice) error {
	_, err := r.pool.Exec(ctx, createInvoiceSQL,
		inv.ID, inv.OrderID, inv.Number, inv.Amount, inv.StorageRef, inv.ContentType, inv.Document, inv.Status, inv.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return invoice.ErrAlreadyExists
		}
		return fmt.Errorf("creating invoice %q: %w", inv.Number, err)
	}
	return nil
}

// FindByOrderID returns the invoice stored for an order.
func (r *InvoiceRepository) FindByOrderID(ctx context.Context, orderID string) (*invoice.Invoice, error) {
	rows, err := r.pool.Query(ctx, findInvoiceByOrderSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("finding invoice of order %q: %w", orderID, err)
	}

	inv, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (invoice.Invoice, error) {
		var inv invoice.Invoice
		err := row.Scan(&inv.ID, &inv.OrderID, &inv.Number, &inv.Amount, &inv.StorageRef,
			&inv.ContentType, &inv.Document, &inv.Status, &inv.CreatedAt)
		return inv, err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, invoice.ErrNotFound
		}
		return nil, fmt.Errorf("finding invoice of order %q: %w", orderID, err)
	}
	return &inv, nil
}
