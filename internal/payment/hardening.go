package payment

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/netip"
	"strings"

	"github.com/noah-isme/backend-payments/internal/common"
)

// DefaultSecretHeader is used when a shared secret is configured without a header name.
const DefaultSecretHeader = "X-Webhook-Secret"

// HardeningPolicy holds optional checks applied after signature verification.
// A zero policy accepts everything.
type HardeningPolicy struct {
	// AllowedIPs holds addresses or CIDR prefixes.
	AllowedIPs   []string
	SecretHeader string
	Secret       string
}

// Enabled reports whether the policy can reject anything.
func (p HardeningPolicy) Enabled() bool {
	return len(p.AllowedIPs) > 0 || p.Secret != ""
}

// Check returns an ErrHardening-wrapped error when r fails the policy. The
// client address is the first X-Forwarded-For hop, else the socket peer.
func (p HardeningPolicy) Check(r *http.Request) error {
	if len(p.AllowedIPs) > 0 {
		ip := common.ClientIP(r)
		if !ipAllowed(p.AllowedIPs, ip) {
			return fmt.Errorf("%w: source %s not allowlisted", ErrHardening, ip)
		}
	}
	if p.Secret != "" {
		header := p.SecretHeader
		if header == "" {
			header = DefaultSecretHeader
		}
		got := r.Header.Get(header)
		if subtle.ConstantTimeCompare([]byte(got), []byte(p.Secret)) != 1 {
			return fmt.Errorf("%w: shared secret mismatch", ErrHardening)
		}
	}
	return nil
}

func ipAllowed(allowed []string, raw string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range allowed {
		if strings.Contains(entry, "/") {
			if prefix, err := netip.ParsePrefix(entry); err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		if candidate, err := netip.ParseAddr(entry); err == nil && candidate.Unmap() == addr {
			return true
		}
	}
	return false
}
