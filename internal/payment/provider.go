package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	validator "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ProviderName identifies a payment provider and is the routing key for every endpoint.
type ProviderName string

const (
	Paddle    ProviderName = "paddle"
	Easypaisa ProviderName = "easypaisa"
	JazzCash  ProviderName = "jazzcash"
)

// Error kinds. Adapters and the pipeline wrap these so handlers can map them to HTTP statuses.
var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrNotConfigured   = errors.New("provider not configured")
	ErrInvalidRequest  = errors.New("invalid checkout request")
	ErrUpstream        = errors.New("provider request failed")
	ErrVerification    = errors.New("webhook verification failed")
	ErrHardening       = errors.New("webhook rejected by provider policy")
	ErrDispatch        = errors.New("billing dispatch failed")
)

// ParseProviderName normalises s and rejects anything outside the known set.
func ParseProviderName(s string) (ProviderName, error) {
	name := ProviderName(strings.ToLower(strings.TrimSpace(s)))
	switch name {
	case Paddle, Easypaisa, JazzCash:
		return name, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}

// CheckoutRequest is the provider-independent input to CreateCheckout.
type CheckoutRequest struct {
	Title         string          `json:"title" validate:"required,max=200"`
	Price         decimal.Decimal `json:"price"`
	Currency      string          `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	CustomerEmail string          `json:"customerEmail" validate:"omitempty,email"`
	ReturnURL     string          `json:"returnUrl" validate:"omitempty,url"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the request before any provider call is attempted.
func (r CheckoutRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %s", ErrInvalidRequest, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !r.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", ErrInvalidRequest)
	}
	return nil
}

// CheckoutResult is returned as data, never as a panic. Err == nil means the checkout was created.
type CheckoutResult struct {
	CheckoutURL   string
	TransactionID string
	Err           error
}

// OK reports whether the checkout succeeded.
func (r CheckoutResult) OK() bool { return r.Err == nil }

func checkoutFailed(kind error, format string, args ...any) CheckoutResult {
	return CheckoutResult{Err: fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))}
}

// VerificationResult is an adapter's verdict on a webhook. OK=false is a hard rejection.
type VerificationResult struct {
	OK             bool
	Reason         string
	NotImplemented bool
}

func verified(reason string) VerificationResult { return VerificationResult{OK: true, Reason: reason} }

func rejected(reason string) VerificationResult { return VerificationResult{Reason: reason} }

// EventFields lists the payload fields a provider uses for each normalised attribute,
// in order of preference.
type EventFields struct {
	Identity      []string
	TransactionID []string
	Amount        []string
	Currency      []string
	Status        []string
	Type          []string
	Timestamp     []string

	ReturnTransaction []string
	ReturnStatus      []string

	// StatusMap translates lower-cased provider statuses into normalised ones.
	StatusMap map[string]string
	// TypeMap, when set, translates the Type field. Unmapped values fall back to the default type.
	TypeMap map[string]string
	// AmountExponent shifts the parsed amount, e.g. -2 for amounts sent in minor units.
	AmountExponent int32
}

// Adapter is the contract every provider implements. VerifyWebhook must not
// mutate its arguments.
type Adapter interface {
	Name() ProviderName
	CreateCheckout(ctx context.Context, req CheckoutRequest) CheckoutResult
	VerifyWebhook(body map[string]any, raw []byte, headers http.Header) VerificationResult
	Fields() EventFields
}

// Envelope carries one inbound webhook through the pipeline. Raw is kept
// byte-for-byte since signatures are computed over it.
type Envelope struct {
	Provider ProviderName
	Raw      []byte
	Body     map[string]any
	Headers  http.Header
}
