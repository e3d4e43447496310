package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/oasis-checkout/internal/domain/checkout"
	"github.com/xenking/oasis-checkout/internal/domain/fulfillment"
	"github.com/xenking/oasis-checkout/internal/domain/identity"
	"github.com/xenking/oasis-checkout/internal/domain/inventory"
	"github.com/xenking/oasis-checkout/internal/domain/invoice"
	"github.com/xenking/oasis-checkout/internal/domain/notify"
	"github.com/xenking/oasis-checkout/internal/domain/order"
	"github.com/xenking/oasis-checkout/internal/domain/promotion"
	"github.com/xenking/oasis-checkout/internal/handler"
	"github.com/xenking/oasis-checkout/internal/mail"
	"github.com/xenking/oasis-checkout/internal/storage/postgres"
	"github.com/xenking/oasis-checkout/internal/storage/redis"
	"github.com/xenking/oasis-checkout/pkg/health"
	"github.com/xenking/oasis-checkout/pkg/httpmiddleware"
)

const serviceName = "oasis-checkout"

// Run creates all dependencies, starts the HTTP server and the background
// workers, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.New()
	healthSvc.Add(health.Check{Name: "postgres", Kind: health.Readiness, Timeout: 5 * time.Second, Func: health.PingCheck(pool)})
	healthSvc.Add(health.Check{Name: "goroutines", Kind: health.Liveness, Func: health.GoroutineCountCheck(10000)})

	// Redis is optional: without it retries are not scheduled and rate
	// limits are per instance.
	var (
		rdb   *goredis.Client
		queue *redis.RetryQueue
	)
	if cfg.RedisURL != "" {
		rdb, err = redis.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return errors.Wrap(err, "connect redis")
		}
		defer func() { _ = rdb.Close() }()

		queue = redis.NewRetryQueue(rdb, cfg.Notify.QueueKey)
		healthSvc.Add(health.Check{Name: "redis", Kind: health.Readiness, Timeout: 2 * time.Second, Func: health.RedisCheck(rdb)})
	} else {
		lg.Warn("Redis not configured, notification retries disabled")
	}

	svc, err := newServices(ctx, lg, cfg, pool, queue, m.MeterProvider(), m.TracerProvider())
	if err != nil {
		return err
	}
	router := chi.NewRouter()
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	router.Mount("/api", svc.api)
	routeFinder := httpmiddleware.RouteFinder(handler.RouteFinder(router))

	g, ctx := errgroup.WithContext(ctx)

	var limiter httpmiddleware.Limiter
	if rdb != nil {
		limiter = httpmiddleware.NewRedisLimiter(rdb, "oasis:ratelimit:", cfg.RateLimit.Max, cfg.RateLimit.Window)
	} else {
		mem := httpmiddleware.NewMemoryLimiter(cfg.RateLimit.Max, cfg.RateLimit.Window)
		g.Go(func() error {
			mem.Run(ctx)
			return nil
		})
		limiter = mem
	}

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Recovery(),
			httpmiddleware.RequestID(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", httpmiddleware.HeaderRequestID},
				ExposeHeaders:    []string{httpmiddleware.HeaderRequestID},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimit(httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}, limiter),
			httpmiddleware.Instrument(serviceName, routeFinder, m.MeterProvider(), m.TracerProvider()),
			httpmiddleware.LogRequests(routeFinder),
		),
	}

	g.Go(func() error {
		return healthSvc.Run(ctx, 10*time.Second)
	})
	if queue != nil {
		worker := notify.NewRetryWorker(svc.dispatcher, queue, cfg.Notify.RetryInterval)
		g.Go(func() error {
			worker.Run(ctx)
			return nil
		})
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	g.Go(func() error {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		healthSvc.SetReady(true)
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}

type services struct {
	api        chi.Router
	dispatcher *notify.Dispatcher
}

// newServices wires the domain over the store and returns the /api router.
// queue may be nil.
func newServices(
	ctx context.Context,
	lg *zap.Logger,
	cfg *Config,
	pool *pgxpool.Pool,
	queue *redis.RetryQueue,
	mp metric.MeterProvider,
	tp trace.TracerProvider,
) (*services, error) {
	pricing, err := cfg.Pricing.Parse()
	if err != nil {
		return nil, errors.Wrap(err, "parse pricing")
	}

	// Repositories.
	products := postgres.NewProductRepository(pool)
	promotions := postgres.NewPromotionRepository(pool)
	orders := postgres.NewOrderRepository(pool)
	invoices := postgres.NewInvoiceRepository(pool)
	emailLog := postgres.NewEmailLogRepository(pool)

	// Notifications.
	transport := mail.NewTransport(cfg.SMTP)
	if cfg.SMTP.Configured() {
		if err := transport.Ping(ctx); err != nil {
			lg.Warn("SMTP server unreachable, confirmations will be retried", zap.Error(err))
		}
	} else {
		lg.Warn("SMTP not configured, confirmation emails will be skipped")
	}
	var retries notify.RetryQueue
	if queue != nil {
		retries = queue
	}
	dispatcher := notify.NewDispatcher(transport, emailLog, retries, notify.Options{
		MaxAttempts:   cfg.Notify.MaxAttempts,
		Backoff:       cfg.Notify.Backoff,
		MeterProvider: mp,
	})

	// Fulfillment: invoice + confirmation after commit.
	company := cfg.Company.Invoice()
	renderer := invoice.NewService(invoice.NewPDFRenderer(company), company)
	emails, err := fulfillment.NewEmails(company)
	if err != nil {
		return nil, errors.Wrap(err, "parse email templates")
	}
	fulfiller := fulfillment.NewSubscriber(renderer, invoices, dispatcher, emails)

	// Checkout.
	guard := order.NewGuard(orders)
	evaluator := promotion.NewEvaluator(promotions, promotion.Options{
		AllowCodeStacking: cfg.Promotions.AllowCodeStacking,
	})
	checkoutSvc, err := checkout.NewService(checkout.Deps{
		Identity:       identity.NewResolver(cfg.Auth.JWTSecret, cfg.Checkout.AllowGuest),
		Guard:          guard,
		Writer:         order.NewWriter(orders, products, guard, order.WriterOptions{StrictStock: cfg.Checkout.StrictStock}),
		Validator:      inventory.NewValidator(products, cfg.Checkout.ValidationConcurrency),
		Promotions:     evaluator,
		Events:         checkout.NewPublisher(fulfiller),
		MeterProvider:  mp,
		TracerProvider: tp,
	}, checkout.Options{
		AllowPartialFulfillment: cfg.Checkout.AllowPartialFulfillment,
		IdempotencyWindow:       cfg.Checkout.IdempotencyWindow,
		InProgressWait:          cfg.Checkout.InProgressWait,
		Pricing:                 pricing,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create checkout service")
	}

	return &services{
		api:        handler.NewHandler(checkoutSvc, evaluator, orders, fulfiller).Routes(),
		dispatcher: dispatcher,
	}, nil
}
