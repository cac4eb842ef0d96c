package payment

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-payments/internal/common"
)

// EasypaisaSignatureHeader carries the hex HMAC of the raw webhook body.
const EasypaisaSignatureHeader = "X-Easypaisa-Signature"

// EasypaisaConfig holds store credentials. An empty HashKey puts webhooks in sandbox mode.
type EasypaisaConfig struct {
	StoreID     string
	HashKey     string
	CheckoutURL string
}

// EasypaisaAdapter builds hosted-checkout redirects and verifies HMAC-signed callbacks.
type EasypaisaAdapter struct {
	cfg EasypaisaConfig
}

func NewEasypaisa(cfg EasypaisaConfig) *EasypaisaAdapter {
	return &EasypaisaAdapter{cfg: cfg}
}

func (e *EasypaisaAdapter) Name() ProviderName { return Easypaisa }

func (e *EasypaisaAdapter) Fields() EventFields {
	return EventFields{
		Identity:          []string{"event_id", "transactionId", "orderRefNum", "order_id"},
		TransactionID:     []string{"transactionId", "orderRefNum", "order_id"},
		Amount:            []string{"amount", "transactionAmount"},
		Currency:          []string{"currency"},
		Status:            []string{"status", "transactionStatus"},
		Type:              []string{"type"},
		Timestamp:         []string{"transactionDateTime", "paidDatetime", "timestamp"},
		ReturnTransaction: []string{"orderRefNumber", "orderRefNum", "transactionId"},
		ReturnStatus:      []string{"status", "success"},
		StatusMap: map[string]string{
			"paid":      StatusSucceeded,
			"success":   StatusSucceeded,
			"true":      StatusSucceeded,
			"completed": StatusSucceeded,
			"0000":      StatusSucceeded,
			"pending":   StatusPending,
			"initiated": StatusPending,
			"failed":    StatusFailed,
			"false":     StatusFailed,
			"declined":  StatusFailed,
			"expired":   StatusFailed,
			"reversed":  StatusRefunded,
			"refunded":  StatusRefunded,
		},
	}
}

// CreateCheckout returns the hosted-checkout URL. merchantHashedReq is the hex
// HMAC-SHA256 of the sorted query string under the hash key.
func (e *EasypaisaAdapter) CreateCheckout(_ context.Context, req CheckoutRequest) CheckoutResult {
	if strings.TrimSpace(e.cfg.StoreID) == "" || e.cfg.HashKey == "" {
		return checkoutFailed(ErrNotConfigured, "easypaisa store credentials missing")
	}
	if err := req.Validate(); err != nil {
		return CheckoutResult{Err: err}
	}
	if req.Currency != "" && !strings.EqualFold(req.Currency, "PKR") {
		return checkoutFailed(ErrInvalidRequest, "easypaisa only settles PKR")
	}
	ref := uuid.NewString()
	params := url.Values{}
	params.Set("storeId", e.cfg.StoreID)
	params.Set("amount", req.Price.StringFixed(1))
	params.Set("orderRefNum", ref)
	params.Set("autoRedirect", "1")
	if req.ReturnURL != "" {
		params.Set("postBackURL", req.ReturnURL)
	}
	if req.CustomerEmail != "" {
		params.Set("emailAddr", req.CustomerEmail)
	}
	unsigned, err := url.QueryUnescape(params.Encode())
	if err != nil {
		return checkoutFailed(ErrInvalidRequest, "encode checkout params: %v", err)
	}
	params.Set("merchantHashedReq", common.HMACSHA256Hex([]byte(e.cfg.HashKey), []byte(unsigned)))

	return CheckoutResult{CheckoutURL: e.cfg.CheckoutURL + "?" + params.Encode(), TransactionID: ref}
}

// VerifyWebhook checks the signature header against the HMAC of the raw body.
// Without the header it falls back to the signature body field, which is an
// HMAC of easypaisaSignedFields. Without a hash key every callback passes with
// reason "sandbox".
func (e *EasypaisaAdapter) VerifyWebhook(body map[string]any, raw []byte, headers http.Header) VerificationResult {
	if e.cfg.HashKey == "" {
		return verified("sandbox")
	}
	provided := strings.TrimSpace(headers.Get(EasypaisaSignatureHeader))
	signed := raw
	if provided == "" {
		provided = fieldString(body["signature"])
		signed = []byte(easypaisaSignedFields(body))
	}
	if provided == "" {
		return rejected("missing signature")
	}
	if !common.EqualHex(common.HMACSHA256Hex([]byte(e.cfg.HashKey), signed), provided) {
		return rejected("signature mismatch")
	}
	return verified("")
}

// easypaisaSignedFields renders every field except signature as key=value
// pairs sorted by key and joined with "&", the same shape as merchantHashedReq.
func easypaisaSignedFields(body map[string]any) string {
	keys := make([]string, 0, len(body))
	for k := range body {
		if k != "signature" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+fieldRaw(body[k]))
	}
	return strings.Join(pairs, "&")
}
