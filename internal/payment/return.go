package payment

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-payments/internal/common"
)

// Reconciler requests reconciliation of one provider transaction.
type Reconciler interface {
	ReconcileByProviderTx(ctx context.Context, provider ProviderName, txID string) error
}

// ReturnHandler turns a provider's browser redirect into a redirect to the frontend result page.
type ReturnHandler struct {
	Registry               *Registry
	Reconciler             Reconciler
	FrontendBaseURL        string
	AllowedOrigins         []string
	IdentityProviderDomain string
	Logger                 zerolog.Logger
}

// ReturnSummary is rendered when no frontend base can be resolved.
type ReturnSummary struct {
	Provider ProviderName `json:"provider"`
	Status   string       `json:"status"`
	Order    string       `json:"order"`
	Message  string       `json:"message"`
}

// ServeHTTP handles GET and POST /payments/return/{provider}.
func (h *ReturnHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	adapter, err := h.Registry.Get(chi.URLParam(r, "provider"))
	if err != nil {
		common.JSONError(w, http.StatusNotFound, "UNKNOWN_PROVIDER", "unknown provider", nil)
		return
	}
	name := adapter.Name()
	// Malformed bodies still leave the query string usable.
	_ = r.ParseForm()
	params := make(map[string]any, len(r.Form))
	for k, v := range r.Form {
		params[k] = v
	}
	fields := adapter.Fields()
	txID, _ := lookup(params, fields.ReturnTransaction)
	status := "unknown"
	if raw, ok := lookup(params, fields.ReturnStatus); ok {
		status = normalizeStatus(fields.StatusMap, raw)
	}

	if txID != "" && h.Reconciler != nil {
		if err := h.Reconciler.ReconcileByProviderTx(r.Context(), name, txID); err != nil {
			h.Logger.Warn().Err(err).Str("provider", string(name)).Str("transaction_id", txID).Msg("reconcile on return failed")
		}
	}

	base := h.frontendBase(r)
	if base == "" {
		common.JSON(w, http.StatusOK, ReturnSummary{
			Provider: name,
			Status:   status,
			Order:    txID,
			Message:  "no frontend configured; complete the payment flow manually",
		})
		return
	}
	target := base + "/payments/result?provider=" + url.QueryEscape(string(name)) +
		"&status=" + url.QueryEscape(status) +
		"&order=" + url.QueryEscape(txID)
	http.Redirect(w, r, target, http.StatusFound)
}

// frontendBase picks the configured base, then Origin, then the Referer's
// origin, then the identity provider domain. Origin and Referer must be in
// AllowedOrigins when that list is set.
func (h *ReturnHandler) frontendBase(r *http.Request) string {
	if base := strings.TrimRight(strings.TrimSpace(h.FrontendBaseURL), "/"); base != "" {
		return base
	}
	if origin := originOf(r.Header.Get("Origin")); origin != "" && h.originAllowed(origin) {
		return origin
	}
	if origin := originOf(r.Header.Get("Referer")); origin != "" && h.originAllowed(origin) {
		return origin
	}
	if domain := strings.TrimSpace(h.IdentityProviderDomain); domain != "" {
		domain = strings.TrimPrefix(strings.TrimPrefix(domain, "https://"), "http://")
		return "https://" + strings.TrimRight(domain, "/")
	}
	return ""
}

func (h *ReturnHandler) originAllowed(origin string) bool {
	if len(h.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return true
		}
	}
	return false
}

// originOf reduces an absolute http(s) URL to scheme://host.
func originOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
