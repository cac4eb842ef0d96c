package resilience

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ErrOpenCircuit is returned when the breaker refuses a call.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// BreakerSettings configures a failure-ratio breaker around one upstream.
type BreakerSettings struct {
	Target       string
	MinRequests  uint32
	FailureRatio float64
	OpenFor      time.Duration
	// HalfOpenProbes bounds the calls let through while half-open.
	HalfOpenProbes uint32
	Logger         zerolog.Logger
}

// Breaker is a gobreaker circuit breaker that reports its state to Prometheus
// and logs every transition.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	target string
}

// NewBreaker builds a breaker that trips once MinRequests calls were observed in
// the current window and the failure ratio reaches FailureRatio.
func NewBreaker(s BreakerSettings) *Breaker {
	target := strings.TrimSpace(s.Target)
	if target == "" {
		target = "default"
	}
	if s.MinRequests == 0 {
		s.MinRequests = 1
	}
	if s.FailureRatio <= 0 || s.FailureRatio > 1 {
		s.FailureRatio = 0.5
	}
	if s.OpenFor <= 0 {
		s.OpenFor = 30 * time.Second
	}
	if s.HalfOpenProbes == 0 {
		s.HalfOpenProbes = 1
	}
	logger := s.Logger
	b := &Breaker{target: target}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: s.HalfOpenProbes,
		Timeout:     s.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= s.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about upstream health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			recordTransition(name, from, to)
			logger.Info().Str("target", name).Str("from_state", from.String()).Str("to_state", to.String()).Msg("breaker_transition")
		},
	})
	BreakerState.WithLabelValues(target).Set(stateGaugeValue(gobreaker.StateClosed))
	return b
}

// Execute runs fn through the breaker. ErrOpenCircuit is returned without calling
// fn while the breaker is open or its half-open probe budget is spent.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpenCircuit
	}
	return err
}

// State reports the breaker state as closed, open or half-open.
func (b *Breaker) State() string { return b.cb.State().String() }

// Target returns the label the breaker reports under.
func (b *Breaker) Target() string { return b.target }

// Backoff returns an exponential backoff duration for the provided attempt.
// Jitter is a fraction of the delay, e.g. 0.2 for twenty percent.
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if jitterPct <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * float64(d) * jitterPct
	return d + time.Duration(delta)
}

func recordTransition(target string, from, to gobreaker.State) {
	BreakerState.WithLabelValues(target).Set(stateGaugeValue(to))
	BreakerTransitions.WithLabelValues(target, from.String(), to.String()).Inc()
	if to == gobreaker.StateOpen {
		BreakerOpenedTotal.WithLabelValues(target).Inc()
	}
}

func stateGaugeValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return -1
	}
}
