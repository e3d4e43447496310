package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/oasis-checkout/internal/domain/promotion"
)

const (
	promotionColumns = `id, name, description, COALESCE(code, ''), kind, value, minimum_spend,
		category_ids, brand_ids, priority, exclusive, starts_at, ends_at,
		usage_limit, usage_count, active`

	listAutomaticSQL = `SELECT ` + promotionColumns + `
		FROM promotions WHERE code IS NULL AND active = TRUE
		ORDER BY priority, id`

	getPromotionByCodeSQL = `SELECT ` + promotionColumns + `
		FROM promotions WHERE UPPER(code) = UPPER($1)`

	incrementUsageSQL = `UPDATE promotions SET usage_count = usage_count + 1 WHERE id = $1`

	listPromotionCodesSQL = `SELECT UPPER(code) FROM promotions WHERE code IS NOT NULL`

	promotionCodeExistsSQL = `SELECT EXISTS (SELECT 1 FROM promotions WHERE UPPER(code) = UPPER($1))`

	upsertPromotionSQL = `INSERT INTO promotions (id, name, description, code, kind, value, minimum_spend,
			category_ids, brand_ids, priority, exclusive, starts_at, ends_at, usage_limit, active)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			code = EXCLUDED.code,
			kind = EXCLUDED.kind,
			value = EXCLUDED.value,
			minimum_spend = EXCLUDED.minimum_spend,
			category_ids = EXCLUDED.category_ids,
			brand_ids = EXCLUDED.brand_ids,
			priority = EXCLUDED.priority,
			exclusive = EXCLUDED.exclusive,
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at,
			usage_limit = EXCLUDED.usage_limit,
			active = EXCLUDED.active`
)

var _ promotion.Repository = (*PromotionRepository)(nil)

// PromotionRepository implements promotion.Repository backed by PostgreSQL.
type PromotionRepository struct {
	pool *pgxpool.Pool
}

// NewPromotionRepository returns a PromotionRepository that uses the given pool.
func NewPromotionRepository(pool *pgxpool.Pool) *PromotionRepository {
	return &PromotionRepository{pool: pool}
}

// ListAutomatic returns the active promotions that apply without a code.
func (r *PromotionRepository) ListAutomatic(ctx context.Context) ([]promotion.Promotion, error) {
	rows, err := r.pool.Query(ctx, listAutomaticSQL)
	if err != nil {
		return nil, fmt.Errorf("listing automatic promotions: %w", err)
	}
	return pgx.CollectRows(rows, scanPromotion)
}

// FindByCode looks up a promotion by its code (case-insensitive), whether
// active or not, so that the evaluator can report why it does not apply.
func (r *PromotionRepository) FindByCode(ctx context.Context, code string) (*promotion.Promotion, error) {
	rows, err := r.pool.Query(ctx, getPromotionByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding promotion by code %q: %w", code, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanPromotion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, promotion.ErrNotFound
		}
		return nil, fmt.Errorf("finding promotion by code %q: %w", code, err)
	}
	return &p, nil
}

// IncrementUsage atomically increments the usage counter of a promotion.
func (r *PromotionRepository) IncrementUsage(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, incrementUsageSQL, id)
	if err != nil {
		return fmt.Errorf("incrementing usage of promotion %q: %w", id, err)
	}
	return nil
}

// ListCodes returns every stored code upper-cased.
func (r *PromotionRepository) ListCodes(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, listPromotionCodesSQL)
	if err != nil {
		return nil, fmt.Errorf("listing promotion codes: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// CodeExists reports whether a promotion already uses code.
func (r *PromotionRepository) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, promotionCodeExistsSQL, code).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking promotion code %q: %w", code, err)
	}
	return exists, nil
}

// Upsert inserts or replaces a promotion. Used by the seeder and importer.
func (r *PromotionRepository) Upsert(ctx context.Context, p promotion.Promotion) error {
	categories, brands := p.CategoryIDs, p.BrandIDs
	if categories == nil {
		categories = []string{}
	}
	if brands == nil {
		brands = []string{}
	}
	_, err := r.pool.Exec(ctx, upsertPromotionSQL,
		p.ID, p.Name, p.Description, p.Code, string(p.Kind), p.Value, p.MinimumSpend,
		categories, brands, p.Priority, p.Exclusive, p.StartsAt, p.EndsAt, p.UsageLimit, p.Active,
	)
	if err != nil {
		return fmt.Errorf("upserting promotion %q: %w", p.ID, err)
	}
	return nil
}

func scanPromotion(row pgx.CollectableRow) (promotion.Promotion, error) {
	var (
		p    promotion.Promotion
		kind string
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.Code, &kind, &p.Value, &p.MinimumSpend,
		&p.CategoryIDs, &p.BrandIDs, &p.Priority, &p.Exclusive, &p.StartsAt, &p.EndsAt,
		&p.UsageLimit, &p.UsageCount, &p.Active,
	)
	p.Kind = promotion.Kind(kind)
	return p, err
}
