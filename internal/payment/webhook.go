package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/backend-payments/internal/common"
	"github.com/noah-isme/backend-payments/internal/idempotency"
	"github.com/noah-isme/backend-payments/internal/obs"
)

// EntryRef identifies a ledger entry created by billing.
type EntryRef struct {
	ID string `json:"id"`
}

// Billing is the ledger collaborator. ReconcileByProviderTx is best-effort:
// callers log and drop its errors.
type Billing interface {
	CreateEntry(ctx context.Context, evt NormalizedEvent) (EntryRef, error)
	ReconcileByProviderTx(ctx context.Context, provider ProviderName, txID string) error
}

// FallbackMode decides what happens when the idempotency store is missing or failing.
type FallbackMode string

const (
	// FallbackReject refuses webhooks, keeping at-most-once processing.
	FallbackReject FallbackMode = "reject"
	// FallbackBypass processes webhooks without a claim.
	FallbackBypass FallbackMode = "bypass"
)

// Outcome is the acknowledgement sent to the provider.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeIgnored Outcome = "ignored"
)

const (
	claimValue      = "claimed"
	DefaultClaimTTL = 24 * time.Hour
)

// Pipeline ingests provider webhooks exactly once per logical event. The claim
// in the idempotency store is taken before verification and is only released
// for hardening failures when ReleaseOnHardeningFailure is set.
type Pipeline struct {
	Registry                  *Registry
	Store                     idempotency.Store
	Billing                   Billing
	Hardening                 map[ProviderName]HardeningPolicy
	Fallback                  FallbackMode
	ClaimTTL                  time.Duration
	ReleaseOnHardeningFailure bool
	Logger                    zerolog.Logger
	Now                       func() time.Time
}

// Handle serves POST /payments/webhook/{provider}.
func (p *Pipeline) Handle(w http.ResponseWriter, r *http.Request) {
	outcome, err := p.Ingest(r, chi.URLParam(r, "provider"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.Status(w, http.StatusOK, string(outcome))
}

// Ingest runs one delivery through resolve, decode, claim, verify, harden,
// normalise and dispatch. Returned errors are *common.AppError values.
func (p *Pipeline) Ingest(r *http.Request, providerParam string) (outcome Outcome, err error) {
	ctx, span := otel.Tracer("payment.webhook").Start(r.Context(), "payment.webhook.ingest")
	defer span.End()

	logger := p.Logger.With().Str("provider", providerParam).Str("request_id", middleware.GetReqID(ctx)).Logger()
	// The path parameter is caller controlled, so unknown names share one label.
	label, result := "unknown", "ok"
	defer func() {
		obs.CountWebhook(label, result)
		span.SetAttributes(attribute.String("payment.provider", label), attribute.String("payment.webhook.result", result))
		if err != nil && result != "verification_failed" && result != "hardening_failed" {
			span.SetStatus(codes.Error, result)
		}
	}()

	adapter, err := p.Registry.Get(providerParam)
	if err != nil {
		result = "unknown_provider"
		return "", common.NewAppError("UNKNOWN_PROVIDER", "unknown provider", http.StatusNotFound, err)
	}
	name := adapter.Name()
	label = string(name)

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		result = "bad_request"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", common.NewAppError("PAYLOAD_TOO_LARGE", "payload too large", http.StatusRequestEntityTooLarge, err)
		}
		return "", common.NewAppError("INVALID_BODY", "unable to read payload", http.StatusBadRequest, err)
	}
	env := Envelope{Provider: name, Raw: raw, Body: DecodeBody(r.Header.Get("Content-Type"), raw), Headers: r.Header.Clone()}

	fields := adapter.Fields()
	identity := EventIdentity(fields, env.Body)
	key := IdempotencyKey(name, identity)
	logger = logger.With().Str("event_identity", identity).Logger()

	claim, err := p.claim(ctx, name, key, logger)
	switch {
	case err != nil:
		result = "store_unavailable"
		logger.Error().Err(err).Msg("idempotency store unavailable, rejecting webhook")
		return "", common.NewAppError("IDEMPOTENCY_UNAVAILABLE", "webhook temporarily unavailable", http.StatusInternalServerError, err)
	case claim == claimDuplicate:
		result = "duplicate"
		logger.Info().Msg("duplicate webhook ignored")
		return OutcomeIgnored, nil
	}

	verdict := adapter.VerifyWebhook(env.Body, env.Raw, env.Headers)
	if !verdict.OK {
		result = "verification_failed"
		logger.Warn().Str("reason", verdict.Reason).Bool("not_implemented", verdict.NotImplemented).Msg("webhook verification failed")
		appErr := common.NewAppError("VERIFICATION_FAILED", "webhook verification failed", http.StatusBadRequest, ErrVerification)
		appErr.Details = map[string]string{"reason": verdict.Reason}
		return "", appErr
	}

	if policy, ok := p.Hardening[name]; ok && policy.Enabled() {
		if herr := policy.Check(r); herr != nil {
			result = "hardening_failed"
			logger.Warn().Err(herr).Msg("webhook rejected by hardening policy")
			if p.ReleaseOnHardeningFailure && claim == claimOwned {
				if rerr := p.Store.Release(context.WithoutCancel(ctx), key, claimValue); rerr != nil {
					logger.Error().Err(rerr).Msg("release idempotency claim")
				}
			}
			return "", common.NewAppError("HARDENING_FAILED", "webhook rejected", http.StatusForbidden, herr)
		}
	}

	evt := Normalize(name, fields, env.Body, p.now())
	if err := p.dispatch(ctx, evt, logger); err != nil {
		result = "dispatch_failed"
		span.RecordError(err)
		return "", common.NewAppError("DISPATCH_FAILED", "webhook processing failed", http.StatusInternalServerError, err)
	}
	return OutcomeOK, nil
}

type claimState int

const (
	claimOwned claimState = iota
	claimDuplicate
	// claimSkipped means the store was unusable and FallbackBypass let the delivery through.
	claimSkipped
)

// claim takes the idempotency key for this delivery. Store problems become an
// error under FallbackReject and claimSkipped under FallbackBypass.
func (p *Pipeline) claim(ctx context.Context, provider ProviderName, key string, logger zerolog.Logger) (claimState, error) {
	var err error
	if p.Store == nil {
		err = idempotency.ErrUnavailable
	} else {
		ttl := p.ClaimTTL
		if ttl <= 0 {
			ttl = DefaultClaimTTL
		}
		var ok bool
		ok, err = p.Store.SetIfNotExists(ctx, key, claimValue, ttl)
		if err == nil {
			if ok {
				return claimOwned, nil
			}
			return claimDuplicate, nil
		}
	}
	if p.bypassing() {
		obs.CountIdempotencyError(string(provider), string(FallbackBypass))
		logger.Warn().Err(err).Msg("idempotency store unusable, processing without claim")
		return claimSkipped, nil
	}
	obs.CountIdempotencyError(string(provider), string(FallbackReject))
	return claimSkipped, err
}

func (p *Pipeline) bypassing() bool { return p.Fallback == FallbackBypass }

// dispatch writes the ledger entry and then asks billing to reconcile. The claim
// stands whatever happens here; failed entries are investigated by hand.
func (p *Pipeline) dispatch(ctx context.Context, evt NormalizedEvent, logger zerolog.Logger) error {
	if p.Billing == nil {
		return errors.Join(ErrDispatch, errors.New("billing not configured"))
	}
	ref, err := p.Billing.CreateEntry(ctx, evt)
	if err != nil {
		logger.Error().Err(err).Str("transaction_id", evt.ProviderTransactionID).Msg("billing create entry failed")
		return errors.Join(ErrDispatch, err)
	}
	logger.Info().Str("entry_id", ref.ID).Str("status", evt.Status).Str("transaction_id", evt.ProviderTransactionID).Msg("payment event recorded")
	if evt.ProviderTransactionID != "" {
		if err := p.Billing.ReconcileByProviderTx(ctx, evt.Provider, evt.ProviderTransactionID); err != nil {
			logger.Warn().Err(err).Str("transaction_id", evt.ProviderTransactionID).Msg("reconcile after webhook failed")
		}
	}
	return nil
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// DecodeBody parses raw by content type. Unknown types are tried as JSON; any
// parse failure yields an empty map so verification still runs.
func DecodeBody(contentType string, raw []byte) map[string]any {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case "application/x-www-form-urlencoded":
		// ParseQuery keeps every pair it could read before an error.
		values, _ := url.ParseQuery(string(raw))
		out := make(map[string]any, len(values))
		for k, v := range values {
			if len(v) == 1 {
				out[k] = v[0]
			} else {
				out[k] = v
			}
		}
		return out
	default:
		return decodeJSONObject(raw)
	}
}

func decodeJSONObject(raw []byte) map[string]any {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}
