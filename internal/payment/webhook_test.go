package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-payments/internal/common"
	"github.com/noah-isme/backend-payments/internal/idempotency"
	"github.com/noah-isme/backend-payments/internal/payment"
)

type recordingBilling struct {
	mu         sync.Mutex
	entries    []payment.NormalizedEvent
	reconciled []string
	createErr  error
	reconErr   error
}

func (b *recordingBilling) CreateEntry(_ context.Context, evt payment.NormalizedEvent) (payment.EntryRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return payment.EntryRef{}, b.createErr
	}
	b.entries = append(b.entries, evt)
	return payment.EntryRef{ID: "entry-1"}, nil
}

func (b *recordingBilling) ReconcileByProviderTx(_ context.Context, _ payment.ProviderName, txID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconciled = append(b.reconciled, txID)
	return b.reconErr
}

func (b *recordingBilling) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

type failingStore struct{}

func (failingStore) SetIfNotExists(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func (failingStore) Release(context.Context, string, string) error { return nil }

func newPipeline(billing payment.Billing, store idempotency.Store) *payment.Pipeline {
	return &payment.Pipeline{
		Registry: payment.NewRegistry(
			payment.NewPaddle(payment.PaddleConfig{AllowUnsigned: true}, nil, zerolog.Nop()),
			payment.NewEasypaisa(payment.EasypaisaConfig{HashKey: "hash-key"}),
			payment.NewJazzCash(payment.JazzCashConfig{}),
		),
		Store:    store,
		Billing:  billing,
		Fallback: payment.FallbackReject,
		Logger:   zerolog.Nop(),
		Now:      func() time.Time { return fixedNow },
	}
}

func router(p *payment.Pipeline) http.Handler {
	r := chi.NewRouter()
	r.Post("/payments/webhook/{provider}", p.Handle)
	return r
}

type delivery struct {
	provider    string
	contentType string
	body        []byte
	headers     map[string]string
	remoteAddr  string
}

func send(t *testing.T, h http.Handler, d delivery) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/payments/webhook/"+d.provider, bytes.NewReader(d.body))
	ct := d.contentType
	if ct == "" {
		ct = "application/json"
	}
	req.Header.Set("Content-Type", ct)
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}
	if d.remoteAddr != "" {
		req.RemoteAddr = d.remoteAddr
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func statusOf(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out["status"]
}

func errorOf(t *testing.T, rr *httptest.ResponseRecorder) common.ErrorBody {
	t.Helper()
	var out struct {
		Error common.ErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out.Error
}

func easypaisaDelivery(body string) delivery {
	raw := []byte(body)
	return delivery{
		provider: "easypaisa",
		body:     raw,
		headers:  map[string]string{payment.EasypaisaSignatureHeader: common.HMACSHA256Hex([]byte("hash-key"), raw)},
	}
}

func TestWebhookDuplicateDeliveryIsIgnored(t *testing.T) {
	billing := &recordingBilling{}
	h := router(newPipeline(billing, idempotency.NewMemoryStore()))
	d := delivery{
		provider:    "paddle",
		contentType: "application/x-www-form-urlencoded",
		body:        []byte("alert_id=42&alert_name=payment_succeeded&sale_gross=10.00&currency=USD"),
	}

	first := send(t, h, d)
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, "ok", statusOf(t, first))
	require.Equal(t, 1, billing.count())
	require.Equal(t, "42", billing.entries[0].ProviderTransactionID)
	require.Equal(t, "succeeded", billing.entries[0].Status)
	require.Equal(t, []string{"42"}, billing.reconciled)

	second := send(t, h, d)
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "ignored", statusOf(t, second))
	require.Equal(t, 1, billing.count())
}

func TestWebhookConcurrentDeliveriesIngestOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	billing := &recordingBilling{}
	h := router(newPipeline(billing, idempotency.NewRedisStore(client)))
	d := easypaisaDelivery(`{"event_id":"evt-9","transactionId":"EP-9","amount":"250.0","status":"paid"}`)

	const n = 12
	statuses := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rr := send(t, h, d)
			if rr.Code != http.StatusOK {
				statuses <- "http error"
				return
			}
			var out map[string]string
			_ = json.Unmarshal(rr.Body.Bytes(), &out)
			statuses <- out["status"]
		}()
	}
	wg.Wait()
	close(statuses)

	counts := map[string]int{}
	for s := range statuses {
		counts[s]++
	}
	require.Equal(t, map[string]int{"ok": 1, "ignored": n - 1}, counts)
	require.Equal(t, 1, billing.count())
	require.Equal(t, 24*time.Hour, mr.TTL("payment_event:easypaisa:evt-9"))
}

func TestWebhookUnknownProvider(t *testing.T) {
	billing := &recordingBilling{}
	rr := send(t, router(newPipeline(billing, idempotency.NewMemoryStore())), delivery{provider: "stripe", body: []byte(`{}`)})
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "UNKNOWN_PROVIDER", errorOf(t, rr).Code)
	require.Zero(t, billing.count())
}

func TestWebhookVerificationFailureKeepsClaim(t *testing.T) {
	billing := &recordingBilling{}
	h := router(newPipeline(billing, idempotency.NewMemoryStore()))
	d := easypaisaDelivery(`{"event_id":"evt-1","amount":"10"}`)
	d.headers[payment.EasypaisaSignatureHeader] = common.HMACSHA256Hex([]byte("wrong"), d.body)

	rr := send(t, h, d)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	body := errorOf(t, rr)
	require.Equal(t, "VERIFICATION_FAILED", body.Code)
	require.Equal(t, map[string]any{"reason": "signature mismatch"}, body.Details)
	require.NotContains(t, rr.Body.String(), "hash-key")
	require.Zero(t, billing.count())

	retry := send(t, h, easypaisaDelivery(`{"event_id":"evt-1","amount":"10"}`))
	require.Equal(t, "ignored", statusOf(t, retry))
	require.Zero(t, billing.count())
}

func TestWebhookJazzCashIsRejectedUntilVerificationExists(t *testing.T) {
	billing := &recordingBilling{}
	rr := send(t, router(newPipeline(billing, idempotency.NewMemoryStore())), delivery{
		provider:    "jazzcash",
		contentType: "application/x-www-form-urlencoded",
		body:        []byte("pp_TxnRefNo=T1&pp_ResponseCode=000"),
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, map[string]any{"reason": "signature verification not implemented"}, errorOf(t, rr).Details)
	require.Zero(t, billing.count())
}

func TestWebhookHardening(t *testing.T) {
	policy := payment.HardeningPolicy{AllowedIPs: []string{"203.0.113.0/24"}, SecretHeader: "X-Relay-Secret", Secret: "s3cret"}
	body := `{"event_id":"evt-h","status":"paid"}`

	t.Run("ip rejected and claim kept", func(t *testing.T) {
		billing := &recordingBilling{}
		p := newPipeline(billing, idempotency.NewMemoryStore())
		p.Hardening = map[payment.ProviderName]payment.HardeningPolicy{payment.Easypaisa: policy}
		h := router(p)

		d := easypaisaDelivery(body)
		d.headers["X-Relay-Secret"] = "s3cret"
		d.headers["X-Forwarded-For"] = "198.51.100.7, 203.0.113.9"
		rr := send(t, h, d)
		require.Equal(t, http.StatusForbidden, rr.Code)
		require.Equal(t, "HARDENING_FAILED", errorOf(t, rr).Code)

		d.headers["X-Forwarded-For"] = "203.0.113.9"
		require.Equal(t, "ignored", statusOf(t, send(t, h, d)))
		require.Zero(t, billing.count())
	})

	t.Run("release on failure lets the retry through", func(t *testing.T) {
		billing := &recordingBilling{}
		p := newPipeline(billing, idempotency.NewMemoryStore())
		p.Hardening = map[payment.ProviderName]payment.HardeningPolicy{payment.Easypaisa: policy}
		p.ReleaseOnHardeningFailure = true
		h := router(p)

		d := easypaisaDelivery(body)
		d.remoteAddr = "203.0.113.20:4431"
		d.headers["X-Relay-Secret"] = "guess"
		require.Equal(t, http.StatusForbidden, send(t, h, d).Code)

		d.headers["X-Relay-Secret"] = "s3cret"
		rr := send(t, h, d)
		require.Equal(t, http.StatusOK, rr.Code)
		require.Equal(t, "ok", statusOf(t, rr))
		require.Equal(t, 1, billing.count())
	})

	t.Run("providers without policy never get 403", func(t *testing.T) {
		billing := &recordingBilling{}
		p := newPipeline(billing, idempotency.NewMemoryStore())
		p.Hardening = map[payment.ProviderName]payment.HardeningPolicy{payment.Paddle: policy}
		d := easypaisaDelivery(body)
		d.remoteAddr = "192.0.2.55:1000"
		rr := send(t, router(p), d)
		require.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestWebhookDispatchFailureKeepsClaim(t *testing.T) {
	billing := &recordingBilling{createErr: errors.New("ledger down")}
	h := router(newPipeline(billing, idempotency.NewMemoryStore()))
	d := easypaisaDelivery(`{"event_id":"evt-d","transactionId":"EP-d"}`)

	rr := send(t, h, d)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Equal(t, "DISPATCH_FAILED", errorOf(t, rr).Code)
	require.NotContains(t, rr.Body.String(), "ledger down")

	billing.createErr = nil
	require.Equal(t, "ignored", statusOf(t, send(t, h, d)))
	require.Zero(t, billing.count())
}

func TestWebhookReconcileErrorIsSwallowed(t *testing.T) {
	billing := &recordingBilling{reconErr: errors.New("queue full")}
	rr := send(t, router(newPipeline(billing, idempotency.NewMemoryStore())), easypaisaDelivery(`{"transactionId":"EP-r"}`))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, []string{"EP-r"}, billing.reconciled)
}

func TestWebhookSkipsReconcileWithoutTransactionID(t *testing.T) {
	billing := &recordingBilling{}
	rr := send(t, router(newPipeline(billing, idempotency.NewMemoryStore())), easypaisaDelivery(`{"event_id":"only-event"}`))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, billing.count())
	require.Empty(t, billing.reconciled)
}

func TestWebhookStoreFallback(t *testing.T) {
	d := easypaisaDelivery(`{"event_id":"evt-s"}`)

	t.Run("reject without store", func(t *testing.T) {
		billing := &recordingBilling{}
		rr := send(t, router(newPipeline(billing, nil)), d)
		require.Equal(t, http.StatusInternalServerError, rr.Code)
		require.Equal(t, "IDEMPOTENCY_UNAVAILABLE", errorOf(t, rr).Code)
		require.Zero(t, billing.count())
	})

	t.Run("reject on store error", func(t *testing.T) {
		billing := &recordingBilling{}
		rr := send(t, router(newPipeline(billing, failingStore{})), d)
		require.Equal(t, http.StatusInternalServerError, rr.Code)
		require.NotContains(t, rr.Body.String(), "connection refused")
	})

	t.Run("bypass processes every delivery", func(t *testing.T) {
		billing := &recordingBilling{}
		p := newPipeline(billing, failingStore{})
		p.Fallback = payment.FallbackBypass
		h := router(p)
		require.Equal(t, "ok", statusOf(t, send(t, h, d)))
		require.Equal(t, "ok", statusOf(t, send(t, h, d)))
		require.Equal(t, 2, billing.count())
	})

	t.Run("bypass still honours a healthy store", func(t *testing.T) {
		billing := &recordingBilling{}
		p := newPipeline(billing, idempotency.NewMemoryStore())
		p.Fallback = payment.FallbackBypass
		h := router(p)
		require.Equal(t, "ok", statusOf(t, send(t, h, d)))
		require.Equal(t, "ignored", statusOf(t, send(t, h, d)))
	})
}

func TestWebhookMalformedJSONStillVerifies(t *testing.T) {
	billing := &recordingBilling{}
	rr := send(t, router(newPipeline(billing, idempotency.NewMemoryStore())), easypaisaDelivery(`{"event_id":`))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, billing.count())
	require.Equal(t, "USD", billing.entries[0].Currency)
}

func TestWebhookFormEncodedEasypaisa(t *testing.T) {
	billing := &recordingBilling{}
	d := easypaisaDelivery("transactionId=EP-f&amount=99.5&status=PAID")
	d.contentType = "application/x-www-form-urlencoded"
	rr := send(t, router(newPipeline(billing, idempotency.NewMemoryStore())), d)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "EP-f", billing.entries[0].ProviderTransactionID)
	require.Equal(t, "succeeded", billing.entries[0].Status)
	require.Equal(t, "99.5", billing.entries[0].Amount.String())
}
