package payment

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/noah-isme/backend-payments/internal/common"
)

// IdempotencyKey is the claim key for one logical event.
func IdempotencyKey(provider ProviderName, identity string) string {
	return fmt.Sprintf("payment_event:%s:%s", provider, identity)
}

// EventIdentity returns the first non-empty identity field of body. When none is
// present it falls back to "sha256:" plus the digest of the body re-encoded as
// JSON with sorted keys.
//
// The fallback only deduplicates deliveries whose decoded content is identical.
// Key order and whitespace do not matter, but a provider that changes number
// spelling ("10" vs "10.0"), value types, or adds a per-delivery field such as a
// retry timestamp produces a new identity for the same logical event. Providers
// should be configured with identity fields so the fallback is never reached.
func EventIdentity(fields EventFields, body map[string]any) string {
	if id, ok := lookup(body, fields.Identity); ok {
		return id
	}
	canonical, err := json.Marshal(body)
	if err != nil {
		canonical = []byte(fmt.Sprint(body))
	}
	return "sha256:" + common.Sha256Hex(string(canonical))
}

// lookup returns the first key in keys whose value in body is non-empty.
func lookup(body map[string]any, keys []string) (string, bool) {
	for _, key := range keys {
		if s := fieldString(body[key]); s != "" {
			return s, true
		}
	}
	return "", false
}

// fieldString flattens JSON and form values into a trimmed string. Multi-valued
// form fields yield their first value.
func fieldString(v any) string {
	return strings.TrimSpace(fieldRaw(v))
}

// fieldRaw is fieldString without trimming, for signature input.
func fieldRaw(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []string:
		if len(t) > 0 {
			return t[0]
		}
		return ""
	case []any:
		if len(t) > 0 {
			return fieldRaw(t[0])
		}
		return ""
	case map[string]any:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
