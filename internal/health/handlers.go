package health

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/backend-payments/internal/common"
)

// ErrNotConfigured marks an optional dependency that was never wired.
var ErrNotConfigured = errors.New("not configured")

var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady flips readiness; the server clears it when shutdown begins so load
// balancers drain traffic before connections close.
func SetReady(v bool) { ready.Store(v) }

// Checker represents dependencies that can be probed for readiness.
type Checker interface {
	PingDB(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// Probes pings the ledger database and the idempotency Redis. Redis is
// optional: without it webhooks follow the configured fallback mode.
type Probes struct {
	DB    *pgxpool.Pool
	Redis redis.UniversalClient
}

func (p Probes) PingDB(ctx context.Context, timeout time.Duration) error {
	if p.DB == nil {
		return ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.DB.Ping(ctx)
}

func (p Probes) PingRedis(ctx context.Context, timeout time.Duration) error {
	if p.Redis == nil {
		return ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Redis.Ping(ctx).Err()
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Checker       Checker
	RedisOptional bool
	DBTimeout     time.Duration
	RedisTimeout  time.Duration
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	common.Status(w, http.StatusOK, "ok")
}

// Ready reports readiness based on dependency probes.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !ready.Load() {
		common.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	if h.Checker == nil {
		common.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	ctx := r.Context()
	status := map[string]string{"status": "ok", "db": "ok", "redis": "ok"}
	healthy := true
	if err := h.Checker.PingDB(ctx, timeoutOr(h.DBTimeout, 500*time.Millisecond)); err != nil {
		status["db"] = err.Error()
		healthy = false
	}
	if err := h.Checker.PingRedis(ctx, timeoutOr(h.RedisTimeout, 300*time.Millisecond)); err != nil {
		status["redis"] = err.Error()
		if !(h.RedisOptional && errors.Is(err, ErrNotConfigured)) {
			healthy = false
		}
	}
	code := http.StatusOK
	if !healthy {
		status["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	common.JSON(w, code, status)
}

func timeoutOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
