package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/backend-payments/internal/app"
	"github.com/noah-isme/backend-payments/internal/billing"
	"github.com/noah-isme/backend-payments/internal/config"
	"github.com/noah-isme/backend-payments/internal/lock"
	"github.com/noah-isme/backend-payments/internal/obs"
	"github.com/noah-isme/backend-payments/internal/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "payments"), nil)

	if envBool("OBS_ENABLE_TRACING", true) {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "payments-worker",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: 1.0,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := app.NewPool(ctx, cfg.DatabaseURL, "payments-worker")
	if err != nil {
		logger.Fatal().Err(err).Msg("database")
	}
	defer pool.Close()

	redisClient, err := app.NewRedis(ctx, cfg.RedisURL, false, logger)
	if err != nil || redisClient == nil {
		logger.Fatal().Err(err).Msg("redis is required by the reconcile worker")
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	redisOpt, err := app.AsynqRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("reconcile queue")
	}

	worker := &billing.ReconcileWorker{
		Ledger:  billing.NewLedger(pool),
		Locker:  lock.Locker{R: redisClient, MaxWait: 2 * time.Second},
		LockTTL: cfg.ReconcileLockTTL,
		Logger:  logger,
	}
	mux := asynq.NewServeMux()
	worker.Register(mux)

	retryBase := cfg.ReconcileRetryBase
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: max(cfg.WorkerConcurrency, 1),
		Queues:      map[string]int{cfg.ReconcileQueue: 1},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return resilience.Backoff(retryBase, n+1, 0.2)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			if errors.Is(err, asynq.SkipRetry) {
				logger.Error().Err(err).Str("task", task.Type()).Msg("reconcile task dropped")
			}
		}),
		Logger:          obs.AsynqLogger{Logger: logger},
		ShutdownTimeout: 10 * time.Second,
	})

	if addr := envOrDefault("WORKER_METRICS_ADDR", ":9091"); addr != "off" {
		metricsSrv := &http.Server{Addr: addr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("worker metrics server")
			}
		}()
		defer func() { _ = metricsSrv.Close() }()
	}

	logger.Info().Str("queue", cfg.ReconcileQueue).Int("concurrency", cfg.WorkerConcurrency).Msg("worker starting")
	// Run blocks until SIGTERM or SIGINT.
	if err := srv.Run(mux); err != nil {
		logger.Error().Err(err).Msg("worker stopped with error")
		return
	}
	logger.Info().Msg("worker shutdown complete")
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
