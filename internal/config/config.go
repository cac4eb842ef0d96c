package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Idempotency fallback modes applied when the idempotency store is missing or unreachable.
const (
	FallbackReject = "reject"
	FallbackBypass = "bypass"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string

	FrontendBaseURL        string
	IdentityProviderDomain string

	IdempotencyFallback       string
	IdempotencyTTL            time.Duration
	ReleaseOnHardeningFailure bool
	WebhookBodyLimit          int64
	WebhookRateLimit          string

	ProviderTimeout       time.Duration
	ProviderRetryAttempts int
	ProviderRetryBase     time.Duration
	ProviderRetryJitter   float64
	CircuitMinRequests    int
	CircuitFailureRatio   float64
	CircuitOpenFor        time.Duration
	ReconcileQueue        string
	ReconcileMaxRetry     int
	ReconcileRetryBase    time.Duration
	ReconcileLockTTL      time.Duration
	WorkerConcurrency     int

	Paddle    PaddleConfig
	Easypaisa EasypaisaConfig
	JazzCash  JazzCashConfig
}

// Hardening lists optional defence-in-depth checks for a provider's webhook.
type Hardening struct {
	AllowedIPs   []string
	SecretHeader string
	Secret       string
}

// PaddleConfig carries the global card processor credentials.
type PaddleConfig struct {
	VendorID       string
	VendorAuthCode string
	PublicKey      string
	APIBaseURL     string
	AllowUnsigned  bool
	Webhook        Hardening
}

// EasypaisaConfig carries the local mobile-money credentials.
type EasypaisaConfig struct {
	StoreID     string
	HashKey     string
	CheckoutURL string
	Webhook     Hardening
}

// JazzCashConfig carries the second mobile-money provider credentials.
type JazzCashConfig struct {
	MerchantID    string
	Password      string
	IntegritySalt string
	CheckoutURL   string
	Webhook       Hardening
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:                 valueOrDefault(k.String("APP_ENV"), "development"),
		Port:                   valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:            k.String("DATABASE_URL"),
		RedisURL:               k.String("REDIS_URL"),
		CORSAllowedOrigins:     splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		FrontendBaseURL:        strings.TrimRight(strings.TrimSpace(k.String("FRONTEND_BASE_URL")), "/"),
		IdentityProviderDomain: strings.TrimSpace(k.String("IDENTITY_PROVIDER_DOMAIN")),

		IdempotencyFallback:       strings.ToLower(strings.TrimSpace(k.String("PAYMENT_IDEMPOTENCY_FALLBACK"))),
		IdempotencyTTL:            parseDuration(k.String("PAYMENT_IDEMPOTENCY_TTL"), "24h"),
		ReleaseOnHardeningFailure: parseBool(k.String("PAYMENT_WEBHOOK_RELEASE_ON_HARDENING_FAILURE")),
		WebhookBodyLimit:          int64(atoiDefault(k.String("PAYMENT_WEBHOOK_BODY_LIMIT"), 1<<20)),
		WebhookRateLimit:          valueOrDefault(k.String("PAYMENT_WEBHOOK_RATE_LIMIT"), "600-M"),

		ProviderTimeout:       parseDuration(k.String("PAYMENT_PROVIDER_TIMEOUT"), "10s"),
		ProviderRetryAttempts: atoiDefault(k.String("PAYMENT_PROVIDER_RETRY_ATTEMPTS"), 2),
		ProviderRetryBase:     parseDuration(k.String("PAYMENT_PROVIDER_RETRY_BASE"), "200ms"),
		ProviderRetryJitter:   parseFloat(k.String("PAYMENT_PROVIDER_RETRY_JITTER"), 0.2),
		CircuitMinRequests:    atoiDefault(k.String("CIRCUIT_PROVIDER_MIN_REQUESTS"), 10),
		CircuitFailureRatio:   parseFloat(k.String("CIRCUIT_PROVIDER_FAILURE_RATIO"), 0.5),
		CircuitOpenFor:        parseDuration(k.String("CIRCUIT_PROVIDER_OPEN_FOR"), "30s"),
		ReconcileQueue:        valueOrDefault(k.String("RECONCILE_QUEUE"), "reconcile"),
		ReconcileMaxRetry:     atoiDefault(k.String("RECONCILE_MAX_RETRY"), 5),
		ReconcileRetryBase:    parseDuration(k.String("RECONCILE_RETRY_BASE"), "5s"),
		ReconcileLockTTL:      parseDuration(k.String("RECONCILE_LOCK_TTL"), "30s"),
		WorkerConcurrency:     atoiDefault(k.String("WORKER_CONCURRENCY"), 4),

		Paddle: PaddleConfig{
			VendorID:       strings.TrimSpace(k.String("PADDLE_VENDOR_ID")),
			VendorAuthCode: strings.TrimSpace(k.String("PADDLE_VENDOR_AUTH_CODE")),
			PublicKey:      k.String("PADDLE_PUBLIC_KEY"),
			APIBaseURL:     valueOrDefault(k.String("PADDLE_API_BASE_URL"), "https://vendors.paddle.com"),
			AllowUnsigned:  parseBool(k.String("PADDLE_ALLOW_UNSIGNED")),
			Webhook:        loadHardening(k, "PADDLE"),
		},
		Easypaisa: EasypaisaConfig{
			StoreID:     strings.TrimSpace(k.String("EASYPAISA_STORE_ID")),
			HashKey:     k.String("EASYPAISA_HASH_KEY"),
			CheckoutURL: valueOrDefault(k.String("EASYPAISA_CHECKOUT_URL"), "https://easypay.easypaisa.com.pk/easypay/Index.jsf"),
			Webhook:     loadHardening(k, "EASYPAISA"),
		},
		JazzCash: JazzCashConfig{
			MerchantID:    strings.TrimSpace(k.String("JAZZCASH_MERCHANT_ID")),
			Password:      k.String("JAZZCASH_PASSWORD"),
			IntegritySalt: k.String("JAZZCASH_INTEGRITY_SALT"),
			CheckoutURL:   valueOrDefault(k.String("JAZZCASH_CHECKOUT_URL"), "https://payments.jazzcash.com.pk/CustomerPortal/transactionmanagement/merchantform/"),
			Webhook:       loadHardening(k, "JAZZCASH"),
		},
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	switch cfg.IdempotencyFallback {
	case FallbackReject, FallbackBypass:
	case "":
		return nil, errors.New("PAYMENT_IDEMPOTENCY_FALLBACK is required (reject or bypass)")
	default:
		return nil, fmt.Errorf("PAYMENT_IDEMPOTENCY_FALLBACK must be reject or bypass, got %q", cfg.IdempotencyFallback)
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// IsProduction reports whether the service runs with production defaults.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func loadHardening(k *koanf.Koanf, prefix string) Hardening {
	return Hardening{
		AllowedIPs:   splitAndTrim(k.String(prefix + "_WEBHOOK_ALLOWED_IPS")),
		SecretHeader: strings.TrimSpace(k.String(prefix + "_WEBHOOK_SECRET_HEADER")),
		Secret:       k.String(prefix + "_WEBHOOK_SECRET"),
	}
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func atoiDefault(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
