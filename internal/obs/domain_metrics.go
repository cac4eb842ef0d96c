package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentWebhookTotal counts inbound payment webhook outcomes.
	PaymentWebhookTotal *prometheus.CounterVec
	// PaymentCheckoutTotal counts checkout creation outcomes per provider.
	PaymentCheckoutTotal *prometheus.CounterVec
	// PaymentProviderLatency records outbound provider call latency in milliseconds.
	PaymentProviderLatency *prometheus.HistogramVec
	// IdempotencyStoreErrors counts idempotency store failures by fallback decision.
	IdempotencyStoreErrors *prometheus.CounterVec
	// ReconcileJobsTotal counts reconciliation job outcomes in the worker.
	ReconcileJobsTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers payment collectors. Later
// calls are no-ops.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentWebhookTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by outcome.",
		}, []string{"provider", "result"}))
		PaymentCheckoutTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_checkout_total",
			Help:      "Count of checkout creation attempts by outcome.",
		}, []string{"provider", "result"}))
		PaymentProviderLatency = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_provider_duration_ms",
			Help:      "Latency of outbound payment provider calls in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"provider", "result"}))
		IdempotencyStoreErrors = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_idempotency_store_errors_total",
			Help:      "Idempotency store failures by applied fallback.",
		}, []string{"provider", "fallback"}))
		ReconcileJobsTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_jobs_total",
			Help:      "Reconciliation job outcomes.",
		}, []string{"provider", "result"}))
	})
}

// The helpers below are no-ops until MustRegisterDomainMetrics runs.

// CountWebhook increments the webhook outcome counter when registered.
func CountWebhook(provider, result string) {
	if PaymentWebhookTotal != nil {
		PaymentWebhookTotal.WithLabelValues(provider, result).Inc()
	}
}

// CountCheckout increments the checkout outcome counter when registered.
func CountCheckout(provider, result string) {
	if PaymentCheckoutTotal != nil {
		PaymentCheckoutTotal.WithLabelValues(provider, result).Inc()
	}
}

// ObserveProvider records one outbound provider call.
func ObserveProvider(provider, result string, ms float64) {
	if PaymentProviderLatency != nil {
		PaymentProviderLatency.WithLabelValues(provider, result).Observe(ms)
	}
}

// CountIdempotencyError records a store failure and the fallback taken.
func CountIdempotencyError(provider, fallback string) {
	if IdempotencyStoreErrors != nil {
		IdempotencyStoreErrors.WithLabelValues(provider, fallback).Inc()
	}
}

// CountReconcile records a reconciliation job outcome.
func CountReconcile(provider, result string) {
	if ReconcileJobsTotal != nil {
		ReconcileJobsTotal.WithLabelValues(provider, result).Inc()
	}
}
