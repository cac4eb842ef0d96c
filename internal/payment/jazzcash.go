package payment

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-payments/internal/common"
)

const jazzCashTimeLayout = "20060102150405"

// JazzCashConfig holds merchant credentials for the page-redirection flow.
type JazzCashConfig struct {
	MerchantID    string
	Password      string
	IntegritySalt string
	CheckoutURL   string
}

// JazzCashAdapter builds signed hosted-checkout URLs. Callback verification is
// not available yet, so every webhook is rejected as not implemented.
type JazzCashAdapter struct {
	cfg JazzCashConfig
	now func() time.Time
}

func NewJazzCash(cfg JazzCashConfig) *JazzCashAdapter {
	return &JazzCashAdapter{cfg: cfg, now: time.Now}
}

func (j *JazzCashAdapter) Name() ProviderName { return JazzCash }

func (j *JazzCashAdapter) Fields() EventFields {
	return EventFields{
		Identity:          []string{"event_id", "pp_TxnRefNo", "order_id"},
		TransactionID:     []string{"pp_TxnRefNo", "pp_RetreivalReferenceNo"},
		Amount:            []string{"pp_Amount"},
		AmountExponent:    -2,
		Currency:          []string{"pp_TxnCurrency"},
		Status:            []string{"pp_ResponseCode"},
		Type:              []string{"pp_TxnType"},
		TypeMap:           map[string]string{},
		Timestamp:         []string{"pp_TxnDateTime"},
		ReturnTransaction: []string{"pp_TxnRefNo"},
		ReturnStatus:      []string{"pp_ResponseCode"},
		StatusMap: map[string]string{
			"000": StatusSucceeded,
			"121": StatusSucceeded,
			"124": StatusPending,
			"157": StatusPending,
			"199": StatusFailed,
			"999": StatusFailed,
		},
	}
}

// CreateCheckout returns the hosted form URL with pp_SecureHash over the
// sorted non-empty pp_ fields.
func (j *JazzCashAdapter) CreateCheckout(_ context.Context, req CheckoutRequest) CheckoutResult {
	if strings.TrimSpace(j.cfg.MerchantID) == "" || j.cfg.Password == "" || j.cfg.IntegritySalt == "" {
		return checkoutFailed(ErrNotConfigured, "jazzcash merchant credentials missing")
	}
	if err := req.Validate(); err != nil {
		return CheckoutResult{Err: err}
	}
	if req.Currency != "" && !strings.EqualFold(req.Currency, "PKR") {
		return checkoutFailed(ErrInvalidRequest, "jazzcash only settles PKR")
	}
	now := j.now()
	ref := "T" + now.Format(jazzCashTimeLayout) + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:5])
	fields := map[string]string{
		"pp_Version":           "1.1",
		"pp_TxnType":           "MWALLET",
		"pp_Language":          "EN",
		"pp_MerchantID":        j.cfg.MerchantID,
		"pp_Password":          j.cfg.Password,
		"pp_TxnRefNo":          ref,
		"pp_Amount":            req.Price.Shift(2).Round(0).String(),
		"pp_TxnCurrency":       "PKR",
		"pp_TxnDateTime":       now.Format(jazzCashTimeLayout),
		"pp_TxnExpiryDateTime": now.Add(time.Hour).Format(jazzCashTimeLayout),
		"pp_BillReference":     "billRef",
		"pp_Description":       req.Title,
		"pp_ReturnURL":         req.ReturnURL,
	}
	fields["pp_SecureHash"] = jazzCashSecureHash(j.cfg.IntegritySalt, fields)

	params := url.Values{}
	for k, v := range fields {
		if v != "" {
			params.Set(k, v)
		}
	}
	return CheckoutResult{CheckoutURL: j.cfg.CheckoutURL + "?" + params.Encode(), TransactionID: ref}
}

// VerifyWebhook never reports OK until callback hashing is implemented.
func (j *JazzCashAdapter) VerifyWebhook(map[string]any, []byte, http.Header) VerificationResult {
	return VerificationResult{NotImplemented: true, Reason: "signature verification not implemented"}
}

func jazzCashSecureHash(salt string, fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if strings.HasPrefix(k, "pp_") && k != "pp_SecureHash" && v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, salt)
	for _, k := range keys {
		parts = append(parts, fields[k])
	}
	return strings.ToUpper(common.HMACSHA256Hex([]byte(salt), []byte(strings.Join(parts, "&"))))
}
