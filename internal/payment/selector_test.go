package payment_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-payments/internal/payment"
)

func TestDetectCountry(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{name: "override wins", headers: map[string]string{"X-Country": " PK ", "Accept-Language": "en-US"}, want: "pk"},
		{name: "override other", headers: map[string]string{"X-Country": "DE", "Accept-Language": "ur"}, want: "de"},
		{name: "urdu", headers: map[string]string{"Accept-Language": "ur"}, want: "pk"},
		{name: "urdu india", headers: map[string]string{"Accept-Language": "ur-IN"}, want: "pk"},
		{name: "english pakistan", headers: map[string]string{"Accept-Language": "en-US;q=0.8, en-PK"}, want: "pk"},
		{name: "english", headers: map[string]string{"Accept-Language": "en-US,en;q=0.9"}, want: "us"},
		{name: "garbage", headers: map[string]string{"Accept-Language": "???"}, want: "us"},
		{name: "nothing", headers: nil, want: "us"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tc.headers {
				h.Set(k, v)
			}
			require.Equal(t, tc.want, payment.DetectCountry(h))
		})
	}
}

func TestRecommendRoutesPakistanToLocalProvider(t *testing.T) {
	sel := payment.DefaultSelector()
	for _, currency := range []string{"USD", "EUR", ""} {
		rec := sel.Recommend("pk", decimal.NewFromInt(1000), currency)
		require.Equal(t, payment.Easypaisa, rec.Primary)
		require.Equal(t, payment.Paddle, rec.Secondary)
		require.Equal(t, "PKR", rec.Currency)
		require.True(t, rec.Price.Equal(decimal.NewFromInt(1000)))
	}
}

func TestRecommendDefaultsToGlobalProvider(t *testing.T) {
	sel := payment.DefaultSelector()

	rec := sel.Recommend("us", decimal.NewFromInt(25), "eur")
	require.Equal(t, payment.Paddle, rec.Primary)
	require.Equal(t, payment.Easypaisa, rec.Secondary)
	require.Equal(t, "EUR", rec.Currency)

	rec = sel.Recommend("us", decimal.NewFromInt(25), "")
	require.Equal(t, "USD", rec.Currency)
}

func TestRecommendEndpoint(t *testing.T) {
	h := &payment.Handler{Selector: payment.DefaultSelector()}

	req := httptest.NewRequest(http.MethodGet, "/payments/recommend?amount=1000&currency=USD", nil)
	req.Header.Set("X-Country", "pk")
	rr := httptest.NewRecorder()
	h.Recommend(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"primary":"easypaisa","secondary":"paddle","currency":"PKR","price":1000}`, rr.Body.String())

	rr = httptest.NewRecorder()
	h.Recommend(rr, httptest.NewRequest(http.MethodGet, "/payments/recommend?amount=abc&currency=GBP", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"primary":"paddle","secondary":"easypaisa","currency":"GBP","price":0}`, rr.Body.String())
}
