package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/oasis-checkout/internal/domain/notify"
)

const (
	beginEmailLogSQL = `INSERT INTO email_logs (id, order_id, recipient, subject, template, attempt, status, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $8)`

	finishEmailLogSQL = `UPDATE email_logs SET status = $2, error = $3, updated_at = now() WHERE id = $1`
)

var _ notify.Log = (*EmailLogRepository)(nil)

// EmailLogRepository records delivery attempts in the email_logs table.
type EmailLogRepository struct {
	pool *pgxpool.Pool
}

// NewEmailLogRepository returns an EmailLogRepository that uses the given pool.
func NewEmailLogRepository(pool *pgxpool.Pool) *EmailLogRepository {
	return &EmailLogRepository{pool: pool}
}

// Begin stores a pending entry and assigns its ID.
func (r *EmailLogRepository) Begin(ctx context.Context, e *notify.LogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := r.pool.Exec(ctx, beginEmailLogSQL,
		e.ID, e.OrderID, e.Recipient, e.Subject, e.Template, e.Attempt, string(e.Status), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating email log for %q: %w", e.Recipient, err)
	}
	return nil
}

// Finish records the outcome of an attempt.
func (r *EmailLogRepository) Finish(ctx context.Context, id string, status notify.Outcome, errMsg string) error {
	if _, err := r.pool.Exec(ctx, finishEmailLogSQL, id, string(status), errMsg); err != nil {
		return fmt.Errorf("finishing email log %q: %w", id, err)
	}
	return nil
}
