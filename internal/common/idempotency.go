package common

import (
	"context"
	"net/http"
	"time"
)

// IdemStore is the claim primitive required by Idem.
type IdemStore interface {
	SetIfNotExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// Idem provides an Idempotency-Key middleware for write endpoints.
type Idem struct {
	Store IdemStore
	TTL   time.Duration
}

// Middleware enforces idempotency semantics for write endpoints. Requests without the header pass through.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Idempotency-Key")
		if header == "" || i.Store == nil {
			next.ServeHTTP(w, r)
			return
		}
		ttl := i.TTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		ok, err := i.Store.SetIfNotExists(r.Context(), "idem:"+Sha256Hex(header), "locked", ttl)
		if err != nil {
			JSONError(w, http.StatusInternalServerError, "INTERNAL", "idempotency store error", nil)
			return
		}
		if !ok {
			JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "duplicate request", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
