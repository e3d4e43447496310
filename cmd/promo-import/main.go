package main

import (
	"context"
	"encoding/csv"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/oasis-checkout/internal/domain/promotion"
	"github.com/xenking/oasis-checkout/internal/storage/postgres"
)

const (
	bloomMinCapacity = 10_000
	bloomFPR         = 0.001
	progressEvery    = 1_000
)

// row is one parsed line: code,kind,value,minimum_spend,name.
type row struct {
	Code         string
	Kind         promotion.Kind
	Value        decimal.Decimal
	MinimumSpend decimal.Decimal
	Name         string
}

func main() {
	var (
		pattern     string
		databaseURL string
		workers     int
		dryRun      bool
	)

	flag.StringVar(&pattern, "files", "data/promotions-*.csv.gz", "glob of gzipped CSV files")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&workers, "workers", 8, "concurrent database writers")
	flag.BoolVar(&dryRun, "dry-run", false, "parse and filter without writing")
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

	if err := run(ctx, pattern, databaseURL, workers, dryRun); err != nil {
		slog.Error("promotion import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("promotion import completed successfully")
}

func run(ctx context.Context, pattern, databaseURL string, workers int, dryRun bool) error {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return errors.Wrapf(err, "glob %s", pattern)
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %s", pattern)
	}

	slog.Info("parsing files", slog.Int("files", len(files)))

	rows, err := parseFiles(ctx, files)
	if err != nil {
		return errors.Wrap(err, "parse files")
	}

	slog.Info("unique codes parsed", slog.Int("count", len(rows)))

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	repo := postgres.NewPromotionRepository(pool)

	existing, err := repo.ListCodes(ctx)
	if err != nil {
		return errors.Wrap(err, "list stored codes")
	}
	filter := newCodeFilter(existing)

	slog.Info("stored codes loaded", slog.Int("count", len(existing)))

	return importRows(ctx, repo, filter, rows, workers, dryRun)
}

// parseFiles reads every file concurrently. When a code repeats, the row
// from the later file in the list wins.
func parseFiles(ctx context.Context, files []string) ([]row, error) {
	perFile := make([][]row, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			rows, err := parseFile(ctx, path)
			if err != nil {
				return err
			}
			perFile[i] = rows

			slog.Info("file parsed", slog.String("path", path), slog.Int("rows", len(rows)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	index := make(map[string]int)
	var out []row
	for _, rows := range perFile {
		for _, r := range rows {
			if i, ok := index[r.Code]; ok {
				out[i] = r
				continue
			}
			index[r.Code] = len(out)
			out = append(out, r)
		}
	}
	return out, nil
}

func parseFile(ctx context.Context, path string) ([]row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	rows, err := readRows(ctx, gz)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return rows, nil
}

// readRows parses CSV records, skipping an optional header line.
func readRows(ctx context.Context, r io.Reader) ([]row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var rows []row
	for line := 1; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "code") {
			continue
		}
		r, err := parseRecord(rec)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		rows = append(rows, r)
	}
}

func parseRecord(rec []string) (row, error) {
	if len(rec) < 3 {
		return row{}, errors.Errorf("expected at least 3 fields, got %d", len(rec))
	}
	field := func(i int) string {
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	r := row{
		Code: strings.ToUpper(field(0)),
		Kind: promotion.Kind(strings.ToLower(field(1))),
		Name: field(4),
	}
	if r.Code == "" {
		return row{}, errors.New("empty code")
	}
	if !r.Kind.Valid() {
		return row{}, errors.Errorf("code %s: unknown kind %q", r.Code, r.Kind)
	}

	var err error
	if r.Value, err = decimal.NewFromString(field(2)); err != nil {
		return row{}, errors.Wrapf(err, "code %s: value", r.Code)
	}
	if r.Value.IsNegative() || (r.Kind == promotion.KindPercentage && r.Value.GreaterThan(decimal.NewFromInt(100))) {
		return row{}, errors.Errorf("code %s: value %s out of range", r.Code, r.Value)
	}
	if s := field(3); s != "" {
		if r.MinimumSpend, err = decimal.NewFromString(s); err != nil {
			return row{}, errors.Wrapf(err, "code %s: minimum spend", r.Code)
		}
	}
	if r.Name == "" {
		r.Name = "Promo code " + r.Code
	}
	return r, nil
}

func newCodeFilter(codes []string) *bloom.BloomFilter {
	filter := bloom.NewWithEstimates(uint(max(len(codes), bloomMinCapacity)), bloomFPR)
	for _, c := range codes {
		filter.AddString(strings.ToUpper(c))
	}
	return filter
}

type codeStore interface {
	CodeExists(ctx context.Context, code string) (bool, error)
	Upsert(ctx context.Context, p promotion.Promotion) error
}

// importRows inserts codes that are not stored yet. A bloom miss proves the
// code is new; a hit is confirmed with an exact lookup.
func importRows(ctx context.Context, store codeStore, filter *bloom.BloomFilter, rows []row, workers int, dryRun bool) error {
	var (
		written, skipped, confirmed atomic.Int64
		mu                          sync.Mutex
	)
	now := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for _, r := range rows {
		g.Go(func() error {
			mu.Lock()
			maybeStored := filter.TestString(r.Code)
			mu.Unlock()

			if maybeStored {
				confirmed.Add(1)
				exists, err := store.CodeExists(ctx, r.Code)
				if err != nil {
					return errors.Wrapf(err, "check code %s", r.Code)
				}
				if exists {
					skipped.Add(1)
					return nil
				}
			}
			if dryRun {
				written.Add(1)
				return nil
			}

			if err := store.Upsert(ctx, promotion.Promotion{
				ID:           "import-" + strings.ToLower(r.Code),
				Name:         r.Name,
				Code:         r.Code,
				Kind:         r.Kind,
				Value:        r.Value,
				MinimumSpend: r.MinimumSpend,
				StartsAt:     now,
				Active:       true,
			}); err != nil {
				return errors.Wrapf(err, "upsert code %s", r.Code)
			}

			mu.Lock()
			filter.AddString(r.Code)
			mu.Unlock()

			if n := written.Add(1); n%progressEvery == 0 {
				slog.Info("write progress", slog.Int64("written", n), slog.Int("total", len(rows)))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("import finished",
		slog.Int64("written", written.Load()),
		slog.Int64("skipped", skipped.Load()),
		slog.Int64("bloom_hits", confirmed.Load()),
		slog.Bool("dry_run", dryRun),
	)
	return nil
}
