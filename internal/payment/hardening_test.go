package payment_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-payments/internal/payment"
)

func TestHardeningPolicyCheck(t *testing.T) {
	policy := payment.HardeningPolicy{AllowedIPs: []string{"10.1.2.3", "2001:db8::/32"}}
	cases := []struct {
		name   string
		remote string
		xff    string
		ok     bool
	}{
		{name: "exact", remote: "10.1.2.3:5000", ok: true},
		{name: "ipv6 prefix", remote: "[2001:db8::1]:443", ok: true},
		{name: "forwarded first hop wins", remote: "10.1.2.3:5000", xff: "192.0.2.9, 10.1.2.3", ok: false},
		{name: "forwarded allowed", remote: "172.16.0.1:80", xff: "10.1.2.3", ok: true},
		{name: "mapped ipv4", remote: "[::ffff:10.1.2.3]:80", ok: true},
		{name: "garbage", remote: "unix-socket", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			err := policy.Check(req)
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, payment.ErrHardening)
		})
	}
}

func TestHardeningSecretHeader(t *testing.T) {
	policy := payment.HardeningPolicy{Secret: "s3cret"}
	require.True(t, policy.Enabled())

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	require.ErrorIs(t, policy.Check(req), payment.ErrHardening)

	req.Header.Set(payment.DefaultSecretHeader, "s3cret")
	require.NoError(t, policy.Check(req))

	require.False(t, payment.HardeningPolicy{SecretHeader: "X-Only-Name"}.Enabled())
}
