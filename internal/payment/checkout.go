package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-payments/internal/obs"
)

// DefaultProviderTimeout bounds CreateCheckout when no timeout is configured.
const DefaultProviderTimeout = 10 * time.Second

// Dispatcher resolves an adapter and runs CreateCheckout under a deadline.
type Dispatcher struct {
	Registry *Registry
	Timeout  time.Duration
	Logger   zerolog.Logger
}

// Create never panics and never returns a zero result with a nil error: every
// failure is carried in CheckoutResult.Err.
func (d *Dispatcher) Create(ctx context.Context, provider string, req CheckoutRequest) CheckoutResult {
	adapter, err := d.Registry.Get(provider)
	if err != nil {
		obs.CountCheckout("unknown", "unknown_provider")
		return CheckoutResult{Err: err}
	}
	name := adapter.Name()
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan CheckoutResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				d.Logger.Error().Str("provider", string(name)).Interface("panic", rec).Msg("checkout adapter panicked")
				done <- checkoutFailed(ErrUpstream, "%s adapter failed", name)
			}
		}()
		done <- adapter.CreateCheckout(ctx, req)
	}()

	var res CheckoutResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = CheckoutResult{Err: ctx.Err()}
	}
	if res.Err != nil && errors.Is(res.Err, context.DeadlineExceeded) {
		res = CheckoutResult{Err: fmt.Errorf("%w: %s provider timeout after %s", ErrUpstream, name, timeout)}
	}
	if res.Err == nil && res.CheckoutURL == "" {
		res = checkoutFailed(ErrUpstream, "%s returned no checkout url", name)
	}
	obs.CountCheckout(string(name), checkoutOutcome(res.Err))
	if res.Err != nil {
		d.Logger.Warn().Err(res.Err).Str("provider", string(name)).Msg("checkout creation failed")
	}
	return res
}

func checkoutOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	default:
		return "upstream_error"
	}
}
