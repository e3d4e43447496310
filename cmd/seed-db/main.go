package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/oasis-checkout/internal/domain/product"
	"github.com/xenking/oasis-checkout/internal/domain/promotion"
	"github.com/xenking/oasis-checkout/internal/storage/postgres"
)

type productJSON struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Brand    string          `json:"brand"`
	Category string          `json:"category"`
	Price    decimal.Decimal `json:"price"`
	Stock    int             `json:"stock"`
}

type promotionJSON struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	Code         string           `json:"code"`
	Kind         promotion.Kind   `json:"kind"`
	Value        decimal.Decimal  `json:"value"`
	MinimumSpend *decimal.Decimal `json:"minimumSpend"`
	CategoryIDs  []string         `json:"categoryIds"`
	BrandIDs     []string         `json:"brandIds"`
	Priority     int              `json:"priority"`
	Exclusive    bool             `json:"exclusive"`
	StartsAt     *time.Time       `json:"startsAt"`
	EndsAt       *time.Time       `json:"endsAt"`
	UsageLimit   int              `json:"usageLimit"`
	Active       *bool            `json:"active"`
}

func main() {
	var (
		databaseURL    string
		productsFile   string
		promotionsFile string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	flag.StringVar(&promotionsFile, "promotions-file", "db/seed/promotions.json", "path to promotions JSON file")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, productsFile, promotionsFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, productsFile, promotionsFile string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedProducts(ctx, postgres.NewProductRepository(pool), productsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}
	if err := seedPromotions(ctx, postgres.NewPromotionRepository(pool), promotionsFile); err != nil {
		return errors.Wrap(err, "seed promotions")
	}
	return nil
}

func readJSON(path string, v any) error {
	slog.Info("reading seed file", slog.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	return nil
}

func seedProducts(ctx context.Context, repo *postgres.ProductRepository, path string) error {
	var products []productJSON
	if err := readJSON(path, &products); err != nil {
		return err
	}

	slog.Info("upserting products", slog.Int("count", len(products)))

	for _, p := range products {
		if err := repo.Upsert(ctx, product.Product{
			ID:       p.ID,
			Name:     p.Name,
			Brand:    p.Brand,
			Category: p.Category,
			Price:    p.Price,
			Stock:    p.Stock,
		}); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}

		slog.Info("upserted product", slog.String("id", p.ID), slog.String("name", p.Name))
	}
	return nil
}

func seedPromotions(ctx context.Context, repo *postgres.PromotionRepository, path string) error {
	var promos []promotionJSON
	if err := readJSON(path, &promos); err != nil {
		return err
	}

	slog.Info("upserting promotions", slog.Int("count", len(promos)))

	now := time.Now()
	for _, p := range promos {
		if !p.Kind.Valid() {
			return errors.Errorf("promotion %s: unknown kind %q", p.ID, p.Kind)
		}
		promo := promotion.Promotion{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Code:        p.Code,
			Kind:        p.Kind,
			Value:       p.Value,
			CategoryIDs: p.CategoryIDs,
			BrandIDs:    p.BrandIDs,
			Priority:    p.Priority,
			Exclusive:   p.Exclusive,
			StartsAt:    now,
			EndsAt:      p.EndsAt,
			UsageLimit:  p.UsageLimit,
			Active:      true,
		}
		if p.MinimumSpend != nil {
			promo.MinimumSpend = *p.MinimumSpend
		}
		if p.StartsAt != nil {
			promo.StartsAt = *p.StartsAt
		}
		if p.Active != nil {
			promo.Active = *p.Active
		}

		if err := repo.Upsert(ctx, promo); err != nil {
			return errors.Wrapf(err, "upsert promotion %s", p.ID)
		}

		slog.Info("upserted promotion",
			slog.String("id", p.ID),
			slog.String("code", p.Code),
			slog.String("kind", string(p.Kind)),
		)
	}
	return nil
}
