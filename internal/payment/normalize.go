package payment

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Normalised event defaults applied when the provider omits a field.
const (
	DefaultEventType = "charge"
	DefaultCurrency  = "USD"
	StatusPending    = "pending"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusRefunded   = "refunded"
)

// NormalizedEvent is the only shape handed to billing.
type NormalizedEvent struct {
	Provider              ProviderName    `json:"provider"`
	ProviderTransactionID string          `json:"providerTransactionId,omitempty"`
	Type                  string          `json:"type"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	Status                string          `json:"status"`
	Timestamp             string          `json:"timestamp"`
	RawMetadata           map[string]any  `json:"rawMetadata,omitempty"`
}

// signature material is dropped from RawMetadata before it is persisted.
var redactedFields = map[string]struct{}{
	"p_signature":   {},
	"signature":     {},
	"pp_SecureHash": {},
	"pp_Password":   {},
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"20060102150405",
	"2006-01-02",
}

// Normalize maps a provider payload onto NormalizedEvent. It never fails: missing
// or malformed fields take their documented defaults.
func Normalize(provider ProviderName, fields EventFields, body map[string]any, now time.Time) NormalizedEvent {
	evt := NormalizedEvent{
		Provider: provider,
		Type:     DefaultEventType,
		Amount:   decimal.Zero,
		Currency: DefaultCurrency,
		Status:   StatusPending,
	}
	evt.ProviderTransactionID, _ = lookup(body, fields.TransactionID)
	if t, ok := lookup(body, fields.Type); ok {
		evt.Type = normalizeType(fields.TypeMap, t)
	}
	if raw, ok := lookup(body, fields.Amount); ok {
		if amt, err := decimal.NewFromString(raw); err == nil {
			evt.Amount = amt.Shift(fields.AmountExponent)
		}
	}
	// Anything that is not an ISO 4217 shaped code keeps the default; the
	// payload value survives in RawMetadata.
	if cur, ok := lookup(body, fields.Currency); ok && isCurrencyCode(cur) {
		evt.Currency = strings.ToUpper(cur)
	}
	if raw, ok := lookup(body, fields.Status); ok {
		evt.Status = normalizeStatus(fields.StatusMap, raw)
	}
	ts := now
	if raw, ok := lookup(body, fields.Timestamp); ok {
		if parsed, ok := parseTimestamp(raw); ok {
			ts = parsed
		}
	}
	evt.Timestamp = ts.UTC().Format(time.RFC3339)

	if len(body) > 0 {
		evt.RawMetadata = make(map[string]any, len(body))
		for k, v := range body {
			if _, skip := redactedFields[k]; !skip {
				evt.RawMetadata[k] = v
			}
		}
	}
	return evt
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i] | 0x20
		if c < 'a' || c > 'z' {
			return false
		}
	}
	return true
}

func normalizeStatus(mapping map[string]string, raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if mapped, ok := mapping[key]; ok {
		return mapped
	}
	return key
}

func normalizeType(mapping map[string]string, raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if mapping == nil {
		return key
	}
	if mapped, ok := mapping[key]; ok {
		return mapped
	}
	return DefaultEventType
}

func parseTimestamp(raw string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0), true
	}
	return time.Time{}, false
}
