package monitoring

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Middleware records per-endpoint request counts and response times into
// the monitor. The chi route pattern is used as the endpoint label so
// /api/v1/stocks/{symbol} stays one series instead of one per symbol.
func Middleware(monitor *Monitor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			endpoint := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					endpoint = pattern
				}
			}

			monitor.RecordRequest(r.Method, endpoint, time.Since(start), ww.Status() < 500)
		})
	}
}
