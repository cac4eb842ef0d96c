package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-payments/internal/app"
	"github.com/noah-isme/backend-payments/internal/billing"
	"github.com/noah-isme/backend-payments/internal/common"
	"github.com/noah-isme/backend-payments/internal/config"
	"github.com/noah-isme/backend-payments/internal/health"
	"github.com/noah-isme/backend-payments/internal/idempotency"
	"github.com/noah-isme/backend-payments/internal/obs"
	"github.com/noah-isme/backend-payments/internal/payment"
	"github.com/noah-isme/backend-payments/internal/ratelimit"
	"github.com/noah-isme/backend-payments/internal/resilience"
	"github.com/noah-isme/backend-payments/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Str("component", "api").Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "payments")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "payments-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := app.NewPool(startCtx, cfg.DatabaseURL, "payments-api")
	if err != nil {
		logger.Fatal().Err(err).Msg("database")
	}
	defer pool.Close()
	if envBool("DB_AUTO_MIGRATE", true) {
		if err := app.RunMigrations(cfg.DatabaseURL, billing.Migrations, "migrations", logger); err != nil {
			logger.Fatal().Err(err).Msg("migrate ledger schema")
		}
	}

	redisClient, err := app.NewRedis(startCtx, cfg.RedisURL, metricsEnabled, logger)
	if err != nil {
		// The idempotency fallback decides what webhooks do without Redis.
		logger.Error().Err(err).Str("fallback", cfg.IdempotencyFallback).Msg("redis unavailable")
		redisClient = nil
	}
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}()
	} else if cfg.IdempotencyFallback == config.FallbackBypass {
		logger.Warn().Msg("running without idempotency store: duplicate webhooks will be processed")
	}

	var idemStore idempotency.Store
	if redisClient != nil {
		idemStore = idempotency.NewRedisStore(redisClient)
	}

	ledger := billing.NewLedger(pool)
	billingSvc := &billing.Service{Ledger: ledger}
	if redisClient != nil {
		redisOpt, err := app.AsynqRedis(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("reconcile queue")
		}
		taskClient := asynq.NewClient(redisOpt)
		defer func() {
			if err := taskClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close task client")
			}
		}()
		billingSvc.Queue = &billing.AsyncReconciler{Client: taskClient, Queue: cfg.ReconcileQueue, MaxRetry: cfg.ReconcileMaxRetry}
	}

	registry := payment.NewRegistry(
		payment.NewPaddle(payment.PaddleConfig{
			VendorID:       cfg.Paddle.VendorID,
			VendorAuthCode: cfg.Paddle.VendorAuthCode,
			PublicKeyPEM:   cfg.Paddle.PublicKey,
			APIBaseURL:     cfg.Paddle.APIBaseURL,
			AllowUnsigned:  cfg.Paddle.AllowUnsigned,
		}, providerClient(cfg, payment.Paddle, logger), logger),
		payment.NewEasypaisa(payment.EasypaisaConfig{
			StoreID:     cfg.Easypaisa.StoreID,
			HashKey:     cfg.Easypaisa.HashKey,
			CheckoutURL: cfg.Easypaisa.CheckoutURL,
		}),
		payment.NewJazzCash(payment.JazzCashConfig{
			MerchantID:    cfg.JazzCash.MerchantID,
			Password:      cfg.JazzCash.Password,
			IntegritySalt: cfg.JazzCash.IntegritySalt,
			CheckoutURL:   cfg.JazzCash.CheckoutURL,
		}),
	)
	if cfg.Easypaisa.HashKey == "" {
		logger.Warn().Str("provider", string(payment.Easypaisa)).Msg("no hash key configured: webhooks accepted in sandbox mode")
	}

	pipeline := &payment.Pipeline{
		Registry: registry,
		Store:    idemStore,
		Billing:  billingSvc,
		Hardening: map[payment.ProviderName]payment.HardeningPolicy{
			payment.Paddle:    hardening(cfg.Paddle.Webhook),
			payment.Easypaisa: hardening(cfg.Easypaisa.Webhook),
			payment.JazzCash:  hardening(cfg.JazzCash.Webhook),
		},
		Fallback:                  payment.FallbackMode(cfg.IdempotencyFallback),
		ClaimTTL:                  cfg.IdempotencyTTL,
		ReleaseOnHardeningFailure: cfg.ReleaseOnHardeningFailure,
		Logger:                    logger.With().Str("component", "webhook").Logger(),
	}
	paymentHandler := &payment.Handler{
		Dispatcher: &payment.Dispatcher{Registry: registry, Timeout: cfg.ProviderTimeout, Logger: logger},
		Selector:   payment.DefaultSelector(),
	}
	returnHandler := &payment.ReturnHandler{
		Registry:               registry,
		Reconciler:             billingSvc,
		FrontendBaseURL:        cfg.FrontendBaseURL,
		AllowedOrigins:         cfg.CORSAllowedOrigins,
		IdentityProviderDomain: cfg.IdentityProviderDomain,
		Logger:                 logger,
	}

	var limiterClient redis.UniversalClient
	if redisClient != nil {
		limiterClient = redisClient
	}
	webhookLimiter, err := ratelimit.New(cfg.WebhookRateLimit, limiterClient, "")
	if err != nil {
		logger.Fatal().Err(err).Msg("webhook rate limiter")
	}
	webhookRate := ratelimit.Handler{
		Limiter: webhookLimiter,
		Key:     ratelimit.ClientIPKey("webhook"),
		OnError: func(err error) { logger.Warn().Err(err).Msg("webhook rate limiter unavailable") },
	}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{Enable: true, EnableHSTS: cfg.IsProduction()}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key", "X-Request-ID", payment.CountryHeader},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	healthHandler := health.Handler{
		Checker:       health.Probes{DB: pool, Redis: limiterClient},
		RedisOptional: cfg.IdempotencyFallback == config.FallbackBypass,
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)
	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/payments", func(p chi.Router) {
		p.With(common.Idem{Store: idemStore, TTL: cfg.IdempotencyTTL}.Middleware).Post("/create", paymentHandler.Create)
		p.Get("/recommend", paymentHandler.Recommend)
		p.With(webhookRate.Middleware, security.BodyLimit{Max: cfg.WebhookBodyLimit}.Middleware).
			Post("/webhook/{provider}", pipeline.Handle)
		p.Method(http.MethodGet, "/return/{provider}", returnHandler)
		p.Method(http.MethodPost, "/return/{provider}", returnHandler)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Strs("providers", providerNames(registry)).Msg("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	case <-ctx.Done():
		health.SetReady(false)
		logger.Info().Msg("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), envDuration("SHUTDOWN_TIMEOUT", 15*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown")
		}
		logger.Info().Msg("server stopped")
	}
}

// providerClient wraps outbound provider calls in a per-provider breaker.
func providerClient(cfg *config.Config, provider payment.ProviderName, logger zerolog.Logger) resilience.HTTPClient {
	return resilience.HTTPClient{
		Client: resilience.NewTracedClient(),
		Breaker: resilience.NewBreaker(resilience.BreakerSettings{
			Target:       string(provider),
			MinRequests:  uint32(max(cfg.CircuitMinRequests, 1)),
			FailureRatio: cfg.CircuitFailureRatio,
			OpenFor:      cfg.CircuitOpenFor,
			Logger:       logger,
		}),
		Target:      string(provider),
		BaseBackoff: cfg.ProviderRetryBase,
		MaxAttempts: cfg.ProviderRetryAttempts,
		Jitter:      cfg.ProviderRetryJitter,
		Timeout:     cfg.ProviderTimeout,
	}
}

func hardening(h config.Hardening) payment.HardeningPolicy {
	return payment.HardeningPolicy{AllowedIPs: h.AllowedIPs, SecretHeader: h.SecretHeader, Secret: h.Secret}
}

func providerNames(reg *payment.Registry) []string {
	names := reg.Names()
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, string(n))
	}
	return out
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(envOrDefault(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func envFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(envOrDefault(key, ""), 64)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(envOrDefault(key, ""))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
