package security

import (
	"net/http"

	"github.com/noah-isme/backend-payments/internal/common"
)

// BodyLimit caps request payloads. Bodies with a declared length over Max are
// refused up front; streamed bodies fail on read with *http.MaxBytesError.
type BodyLimit struct {
	Max int64
}

// Middleware applies the limit to the request body.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.Max <= 0 || r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > b.Max {
			common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "payload too large", nil)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, b.Max)
		next.ServeHTTP(w, r)
	})
}
