package app

import (
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/oasis-checkout/internal/domain/checkout"
	"github.com/xenking/oasis-checkout/internal/domain/invoice"
	"github.com/xenking/oasis-checkout/internal/mail"
)

// Config holds the complete application configuration, loadable from
// environment variables (OASIS_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (OASIS_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	RedisURL    string `usage:"Redis URL for the notification retry queue and shared rate limits (OASIS_REDIS_URL or REDIS_URL)" flag:"redis-url"`
	Checkout    CheckoutConfig
	Pricing     PricingConfig
	Promotions  PromotionsConfig
	Company     CompanyConfig
	SMTP        mail.Config
	Notify      NotifyConfig
	Auth        AuthConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// CheckoutConfig holds the checkout policies.
type CheckoutConfig struct {
	AllowGuest              bool          `default:"true" usage:"Allow checkout without a bearer token" flag:"allow-guest"`
	AllowPartialFulfillment bool          `default:"true" usage:"Commit the valid subset of a cart with unavailable items"`
	IdempotencyWindow       time.Duration `default:"10m" usage:"Window within which identical submissions are duplicates"`
	StrictStock             bool          `default:"false" usage:"Exclude lines whose guarded stock decrement fails"`
	ValidationConcurrency   int           `default:"8" usage:"Concurrent product lookups per checkout"`
	InProgressWait          time.Duration `default:"5s" usage:"How long a duplicate submission waits for the original to commit"`
}

// PricingConfig holds monetary settings as decimal strings.
type PricingConfig struct {
	DeliveryFee           string `default:"150" usage:"Flat delivery fee"`
	FreeShippingThreshold string `default:"1000" usage:"Subtotal above which delivery is free"`
	Currency              string `default:"ZAR" usage:"ISO currency code"`
}

// Parse converts the settings into checkout pricing.
func (c PricingConfig) Parse() (checkout.Pricing, error) {
	fee, err := decimal.NewFromString(c.DeliveryFee)
	if err != nil {
		return checkout.Pricing{}, errors.Wrapf(err, "delivery fee %q", c.DeliveryFee)
	}
	threshold, err := decimal.NewFromString(c.FreeShippingThreshold)
	if err != nil {
		return checkout.Pricing{}, errors.Wrapf(err, "free shipping threshold %q", c.FreeShippingThreshold)
	}
	if fee.IsNegative() || threshold.IsNegative() {
		return checkout.Pricing{}, errors.New("pricing amounts must not be negative")
	}
	return checkout.Pricing{DeliveryFee: fee, FreeShippingThreshold: threshold}, nil
}

// PromotionsConfig holds promotion policies.
type PromotionsConfig struct {
	AllowCodeStacking bool `default:"true" usage:"Add a promo code on top of automatic promotions"`
}

// CompanyConfig is printed on invoices and emails.
type CompanyConfig struct {
	Name               string `default:"Perfume Oasis"`
	Tagline            string `default:"Luxury fragrances, delivered"`
	RegistrationNumber string
	Address            string `default:"Cape Town, South Africa"`
	Email              string `default:"orders@perfumeoasis.co.za"`
	Phone              string
	Website            string `default:"https://perfumeoasis.co.za"`
	CurrencySymbol     string `default:"R"`
	BankName           string `default:"First National Bank"`
	AccountName        string `default:"Perfume Oasis (Pty) Ltd"`
	AccountNumber      string `default:"62859471234"`
	BranchCode         string `default:"250655"`
}

func (c CompanyConfig) validate() error {
	required := []struct{ name, value string }{
		{"bank name", c.BankName},
		{"account name", c.AccountName},
		{"account number", c.AccountNumber},
		{"branch code", c.BranchCode},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return errors.Errorf("%s is required for payment instructions", f.name)
		}
	}
	return nil
}

// Invoice returns the invoice issuer.
func (c CompanyConfig) Invoice() invoice.Company {
	return invoice.Company{
		Name:               c.Name,
		Tagline:            c.Tagline,
		RegistrationNumber: c.RegistrationNumber,
		Address:            c.Address,
		Email:              c.Email,
		Phone:              c.Phone,
		Website:            c.Website,
		CurrencySymbol:     c.CurrencySymbol,
		Bank: invoice.BankDetails{
			BankName:      c.BankName,
			AccountName:   c.AccountName,
			AccountNumber: c.AccountNumber,
			BranchCode:    c.BranchCode,
		},
	}
}

// NotifyConfig controls notification retries.
type NotifyConfig struct {
	MaxAttempts   int           `default:"4" usage:"Delivery attempts per message including the first"`
	Backoff       time.Duration `default:"30s" usage:"Delay before the first retry, doubled after each failure"`
	RetryInterval time.Duration `default:"10s" usage:"Retry queue poll interval"`
	QueueKey      string        `default:"oasis:notify:retry" usage:"Redis key of the retry queue"`
}

// AuthConfig holds identity settings.
type AuthConfig struct {
	JWTSecret string `usage:"HMAC secret of customer bearer tokens (OASIS_AUTH_JWT_SECRET)" flag:"jwt-secret"`
}

// RateLimitConfig controls the per-client rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "OASIS",
		Files:     []string{"config.yaml", "/etc/oasis/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set OASIS_DATABASE_URL or DATABASE_URL")
	}
	if _, err := c.Pricing.Parse(); err != nil {
		return errors.Wrap(err, "pricing")
	}
	if err := c.Company.validate(); err != nil {
		return errors.Wrap(err, "company")
	}
	if !c.Checkout.AllowGuest && c.Auth.JWTSecret == "" {
		return errors.New("guest checkout is disabled but no JWT secret is set")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL, REDIS_URL and PORT to the OASIS_-prefixed
// configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.RedisURL == "" {
		c.RedisURL = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
