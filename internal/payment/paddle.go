package payment

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/rs/zerolog"
)

// HTTPDoer is the outbound client used for provider APIs. resilience.HTTPClient satisfies it.
type HTTPDoer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// PaddleConfig holds vendor credentials for Paddle Classic.
type PaddleConfig struct {
	VendorID       string
	VendorAuthCode string
	PublicKeyPEM   string
	APIBaseURL     string
	// AllowUnsigned accepts webhooks without a configured public key. Never enable in production.
	AllowUnsigned bool
}

// PaddleAdapter implements hosted checkout and RSA-signed alerts for Paddle Classic.
type PaddleAdapter struct {
	cfg       PaddleConfig
	client    HTTPDoer
	publicKey *rsa.PublicKey
	keyErr    error
}

// NewPaddle parses the public key once. A malformed key is not fatal at startup
// but makes every webhook verification fail.
func NewPaddle(cfg PaddleConfig, client HTTPDoer, logger zerolog.Logger) *PaddleAdapter {
	p := &PaddleAdapter{cfg: cfg, client: client}
	if pem := strings.TrimSpace(cfg.PublicKeyPEM); pem != "" {
		p.publicKey, p.keyErr = parseRSAPublicKey(pem)
		if p.keyErr != nil {
			logger.Error().Err(p.keyErr).Str("provider", string(Paddle)).Msg("paddle public key rejected")
		}
	} else if cfg.AllowUnsigned {
		logger.Warn().Str("provider", string(Paddle)).Msg("paddle webhooks accepted without signature verification")
	}
	return p
}

func (p *PaddleAdapter) Name() ProviderName { return Paddle }

func (p *PaddleAdapter) Fields() EventFields {
	return EventFields{
		// alert_name is the event kind shared by every alert of that kind, so it
		// is not a usable identity on its own.
		Identity: []string{"alert_id", "event_id", "order_id"},
		// passthrough is the reference minted by CreateCheckout. Paddle echoes it
		// on every alert and CreateCheckout appends it to the return URL, so the
		// checkout, the ledger and the return redirect agree on one id.
		TransactionID:     []string{"passthrough", "order_id", "checkout_id", "subscription_payment_id", "alert_id"},
		Amount:            []string{"sale_gross", "gross_refund", "amount"},
		Currency:          []string{"currency", "balance_currency"},
		Status:            []string{"alert_name", "status"},
		Type:              []string{"alert_name"},
		Timestamp:         []string{"event_time"},
		ReturnTransaction: []string{"passthrough", "checkout", "checkout_id", "order_id", "p_order_id"},
		ReturnStatus:      []string{"status", "state"},
		StatusMap: map[string]string{
			"payment_succeeded":              StatusSucceeded,
			"subscription_payment_succeeded": StatusSucceeded,
			"fulfillment":                    StatusSucceeded,
			"active":                         StatusSucceeded,
			"completed":                      StatusSucceeded,
			"success":                        StatusSucceeded,
			"payment_refunded":               StatusRefunded,
			"subscription_payment_refunded":  StatusRefunded,
			"subscription_payment_failed":    StatusFailed,
			"payment_dispute_created":        StatusFailed,
			"past_due":                       StatusFailed,
			"deleted":                        StatusFailed,
			"trialing":                       StatusPending,
			"paused":                         StatusPending,
		},
		TypeMap: map[string]string{
			"payment_refunded":              "refund",
			"subscription_payment_refunded": "refund",
			"payment_dispute_created":       "dispute",
			"payment_dispute_closed":        "dispute",
		},
	}
}

type paddlePayLink struct {
	Success  bool `json:"success"`
	Response struct {
		URL string `json:"url"`
	} `json:"response"`
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateCheckout generates a pay link. The passthrough reference doubles as the transaction id.
func (p *PaddleAdapter) CreateCheckout(ctx context.Context, req CheckoutRequest) CheckoutResult {
	if strings.TrimSpace(p.cfg.VendorID) == "" || strings.TrimSpace(p.cfg.VendorAuthCode) == "" {
		return checkoutFailed(ErrNotConfigured, "paddle vendor credentials missing")
	}
	if err := req.Validate(); err != nil {
		return CheckoutResult{Err: err}
	}
	if p.client == nil {
		return checkoutFailed(ErrNotConfigured, "paddle http client missing")
	}
	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = DefaultCurrency
	}
	ref := uuid.NewString()
	form := url.Values{}
	form.Set("vendor_id", p.cfg.VendorID)
	form.Set("vendor_auth_code", p.cfg.VendorAuthCode)
	form.Set("title", req.Title)
	form.Set("prices[0]", currency+":"+req.Price.StringFixed(2))
	form.Set("passthrough", ref)
	if req.CustomerEmail != "" {
		form.Set("customer_email", req.CustomerEmail)
	}
	if req.ReturnURL != "" {
		returnURL, err := withQueryParam(req.ReturnURL, "passthrough", ref)
		if err != nil {
			return checkoutFailed(ErrInvalidRequest, "return url: %v", err)
		}
		form.Set("return_url", returnURL)
	}

	base := strings.TrimRight(p.cfg.APIBaseURL, "/")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/2.0/product/generate_pay_link", strings.NewReader(form.Encode()))
	if err != nil {
		return checkoutFailed(ErrUpstream, "build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(ctx, httpReq)
	if err != nil {
		return CheckoutResult{Err: fmt.Errorf("%w: paddle: %w", ErrUpstream, err)}
	}
	defer resp.Body.Close()

	var out paddlePayLink
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return checkoutFailed(ErrUpstream, "paddle responded %d with unreadable body", resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest || !out.Success {
		msg := out.Error.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return checkoutFailed(ErrUpstream, "paddle: %s", msg)
	}
	if out.Response.URL == "" {
		return checkoutFailed(ErrUpstream, "paddle returned no checkout url")
	}
	return CheckoutResult{CheckoutURL: out.Response.URL, TransactionID: ref}
}

// VerifyWebhook checks p_signature over the PHP-serialised, key-sorted payload
// using RSA PKCS#1 v1.5 with SHA-1.
func (p *PaddleAdapter) VerifyWebhook(body map[string]any, _ []byte, _ http.Header) VerificationResult {
	if p.publicKey == nil {
		switch {
		case p.keyErr != nil:
			return rejected("public key invalid")
		case p.cfg.AllowUnsigned:
			return verified("unsigned mode")
		default:
			return rejected("public key not configured")
		}
	}
	encoded := fieldString(body["p_signature"])
	if encoded == "" {
		return rejected("missing p_signature")
	}
	sig, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return rejected("malformed p_signature")
	}
	digest := sha1.Sum([]byte(paddleSerialize(body)))
	if err := rsa.VerifyPKCS1v15(p.publicKey, crypto.SHA1, digest[:], sig); err != nil {
		return rejected("signature mismatch")
	}
	return verified("")
}

// paddleSerialize renders every field except p_signature as a PHP serialised
// array of strings with keys in byte order.
func paddleSerialize(body map[string]any) string {
	keys := make([]string, 0, len(body))
	for k := range body {
		if k != "p_signature" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("a:")
	b.WriteString(strconv.Itoa(len(keys)))
	b.WriteString(":{")
	for _, k := range keys {
		writePHPString(&b, k)
		writePHPString(&b, fieldRaw(body[k]))
	}
	b.WriteString("}")
	return b.String()
}

func writePHPString(b *strings.Builder, s string) {
	fmt.Fprintf(b, "s:%d:\"%s\";", len(s), s)
}

// withQueryParam sets key=value on raw, keeping its other query parameters.
func withQueryParam(raw, key, value string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func parseRSAPublicKey(pem string) (*rsa.PublicKey, error) {
	// Keys supplied through env files often carry escaped newlines.
	pem = strings.ReplaceAll(pem, `\n`, "\n")
	key, err := jwk.ParseKey([]byte(pem), jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("parse paddle public key: %w", err)
	}
	var raw interface{}
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("extract paddle public key: %w", err)
	}
	pub, ok := raw.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("paddle public key is not RSA")
	}
	return pub, nil
}
