package obs

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// routeOf resolves the route label once routing has completed. chi fills its
// route context in place, so reading it after next.ServeHTTP sees the match.
func routeOf(r *http.Request, fallback string) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return fallback
}
