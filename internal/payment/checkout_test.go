package payment_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-payments/internal/payment"
)

// stubAdapter stands in for a provider whose checkout behaviour a test controls.
type stubAdapter struct {
	name     payment.ProviderName
	checkout func(ctx context.Context, req payment.CheckoutRequest) payment.CheckoutResult
}

func (s stubAdapter) Name() payment.ProviderName { return s.name }

func (s stubAdapter) CreateCheckout(ctx context.Context, req payment.CheckoutRequest) payment.CheckoutResult {
	return s.checkout(ctx, req)
}

func (s stubAdapter) VerifyWebhook(map[string]any, []byte, http.Header) payment.VerificationResult {
	return payment.VerificationResult{OK: true}
}

func (s stubAdapter) Fields() payment.EventFields { return payment.EventFields{} }

var checkoutReq = payment.CheckoutRequest{Title: "Pro", Price: decimal.NewFromInt(10)}

func TestDispatcherUnknownProvider(t *testing.T) {
	d := &payment.Dispatcher{Registry: payment.NewRegistry(), Logger: zerolog.Nop()}
	res := d.Create(context.Background(), "paddle", checkoutReq)
	require.ErrorIs(t, res.Err, payment.ErrUnknownProvider)

	res = d.Create(context.Background(), "bitcoin", checkoutReq)
	require.ErrorIs(t, res.Err, payment.ErrUnknownProvider)
}

func TestDispatcherTimeoutBecomesUpstreamError(t *testing.T) {
	slow := stubAdapter{name: payment.Paddle, checkout: func(ctx context.Context, _ payment.CheckoutRequest) payment.CheckoutResult {
		<-ctx.Done()
		return payment.CheckoutResult{Err: ctx.Err()}
	}}
	d := &payment.Dispatcher{Registry: payment.NewRegistry(slow), Timeout: 20 * time.Millisecond, Logger: zerolog.Nop()}

	res := d.Create(context.Background(), "paddle", checkoutReq)
	require.ErrorIs(t, res.Err, payment.ErrUpstream)
	require.Contains(t, res.Err.Error(), "timeout")
}

func TestDispatcherBoundsAdaptersIgnoringContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := stubAdapter{name: payment.Paddle, checkout: func(context.Context, payment.CheckoutRequest) payment.CheckoutResult {
		<-release
		return payment.CheckoutResult{CheckoutURL: "late"}
	}}
	d := &payment.Dispatcher{Registry: payment.NewRegistry(stuck), Timeout: 20 * time.Millisecond, Logger: zerolog.Nop()}

	res := d.Create(context.Background(), "paddle", checkoutReq)
	require.ErrorIs(t, res.Err, payment.ErrUpstream)
}

func TestDispatcherRecoversAdapterPanic(t *testing.T) {
	broken := stubAdapter{name: payment.Paddle, checkout: func(context.Context, payment.CheckoutRequest) payment.CheckoutResult {
		panic("nil map")
	}}
	d := &payment.Dispatcher{Registry: payment.NewRegistry(broken), Logger: zerolog.Nop()}
	res := d.Create(context.Background(), "paddle", checkoutReq)
	require.ErrorIs(t, res.Err, payment.ErrUpstream)
}

func TestCreateCheckoutEndpoint(t *testing.T) {
	ok := stubAdapter{name: payment.Paddle, checkout: func(_ context.Context, req payment.CheckoutRequest) payment.CheckoutResult {
		if req.Title != "Pro" || !req.Price.Equal(decimal.RequireFromString("19.99")) {
			return payment.CheckoutResult{Err: payment.ErrInvalidRequest}
		}
		return payment.CheckoutResult{CheckoutURL: "https://pay.example/abc", TransactionID: "tx-1"}
	}}
	h := &payment.Handler{Dispatcher: &payment.Dispatcher{
		Registry: payment.NewRegistry(ok, payment.NewEasypaisa(payment.EasypaisaConfig{})),
		Logger:   zerolog.Nop(),
	}}

	cases := []struct {
		name string
		body string
		code int
		want string
	}{
		{name: "ok", body: `{"provider":"PADDLE","title":"Pro","price":19.99}`, code: http.StatusOK,
			want: `{"status":"ok","provider":"paddle","checkoutUrl":"https://pay.example/abc","transactionId":"tx-1"}`},
		{name: "unknown provider", body: `{"provider":"stripe","title":"Pro","price":1}`, code: http.StatusBadRequest,
			want: `{"error":{"code":"UNKNOWN_PROVIDER","message":"unknown provider"}}`},
		{name: "missing credentials", body: `{"provider":"easypaisa","title":"Pro","price":1}`, code: http.StatusInternalServerError,
			want: `{"error":{"code":"PROVIDER_NOT_CONFIGURED","message":"provider is not configured"}}`},
		{name: "bad json", body: `{`, code: http.StatusBadRequest,
			want: `{"error":{"code":"BAD_REQUEST","message":"invalid body"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.Create(rr, httptest.NewRequest(http.MethodPost, "/payments/create", bytes.NewBufferString(tc.body)))
			require.Equal(t, tc.code, rr.Code)
			require.JSONEq(t, tc.want, rr.Body.String())
		})
	}
}

func TestRegistryNames(t *testing.T) {
	reg := payment.NewRegistry(payment.NewJazzCash(payment.JazzCashConfig{}), payment.NewEasypaisa(payment.EasypaisaConfig{}))
	require.Equal(t, []payment.ProviderName{payment.Easypaisa, payment.JazzCash}, reg.Names())

	a, err := reg.Get(" EasyPaisa ")
	require.NoError(t, err)
	require.Equal(t, payment.Easypaisa, a.Name())
}
