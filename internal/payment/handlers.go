package payment

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-payments/internal/common"
)

// Handler exposes checkout creation and provider recommendation.
type Handler struct {
	Dispatcher *Dispatcher
	Selector   Selector
}

type createReq struct {
	Provider string `json:"provider"`
	CheckoutRequest
}

type createResp struct {
	Status        string       `json:"status"`
	Provider      ProviderName `json:"provider"`
	CheckoutURL   string       `json:"checkoutUrl"`
	TransactionID string       `json:"transactionId,omitempty"`
}

// Create serves POST /payments/create.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	res := h.Dispatcher.Create(r.Context(), req.Provider, req.CheckoutRequest)
	if res.Err != nil {
		common.WriteError(w, checkoutError(res.Err))
		return
	}
	name, _ := ParseProviderName(req.Provider)
	common.JSON(w, http.StatusOK, createResp{
		Status:        "ok",
		Provider:      name,
		CheckoutURL:   res.CheckoutURL,
		TransactionID: res.TransactionID,
	})
}

func checkoutError(err error) *common.AppError {
	switch {
	case errors.Is(err, ErrUnknownProvider):
		return common.NewAppError("UNKNOWN_PROVIDER", "unknown provider", http.StatusBadRequest, err)
	case errors.Is(err, ErrInvalidRequest):
		return common.NewAppError("INVALID_REQUEST", err.Error(), http.StatusBadRequest, err)
	case errors.Is(err, ErrNotConfigured):
		return common.NewAppError("PROVIDER_NOT_CONFIGURED", "provider is not configured", http.StatusInternalServerError, err)
	case errors.Is(err, ErrUpstream):
		return common.NewAppError("CHECKOUT_FAILED", err.Error(), http.StatusInternalServerError, err)
	default:
		return common.NewAppError("INTERNAL", "internal error", http.StatusInternalServerError, err)
	}
}

// Recommend serves GET /payments/recommend. It never fails; an unparsable amount counts as zero.
func (h *Handler) Recommend(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		amount = decimal.Zero
	}
	common.JSON(w, http.StatusOK, h.Selector.Recommend(DetectCountry(r.Header), amount, q.Get("currency")))
}
