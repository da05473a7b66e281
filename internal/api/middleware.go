package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/adtruth/server/internal/logging"
	"github.com/adtruth/server/internal/metrics"
)

const (
	apiKeyHeader = "X-API-Key"
	apiKeyQuery  = "apiKey"
)

type ctxKey int

const siteCtxKey ctxKey = iota

// requestLogger logs one line per request and records request metrics by
// route pattern, so path parameters do not explode label cardinality.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		elapsed := time.Since(start)
		metrics.RecordAPIRequest(r.Method, route, status, elapsed)

		ev := logging.Info()
		if status >= http.StatusInternalServerError {
			ev = logging.Warn()
		}
		ev.Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", elapsed).
			Msg("request")
	})
}

// apiKey reads the key from the header, falling back to the query string
// used by beacon-style submissions that cannot set headers.
func apiKey(r *http.Request) string {
	if k := r.Header.Get(apiKeyHeader); k != "" {
		return k
	}
	return r.URL.Query().Get(apiKeyQuery)
}

func keyByAPIKey(r *http.Request) (string, error) {
	return apiKey(r), nil
}

// authenticate resolves the caller's site. With no keys configured every
// caller shares DefaultSite.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		site := DefaultSite
		if len(s.sites) > 0 {
			key := apiKey(r)
			if key == "" {
				respondError(w, http.StatusUnauthorized, "missing API key")
				return
			}
			site = SiteID(key)
			if _, ok := s.sites[site]; !ok {
				respondError(w, http.StatusUnauthorized, "unknown API key")
				return
			}
		}
		ctx := context.WithValue(r.Context(), siteCtxKey, site)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func siteFrom(ctx context.Context) string {
	if site, ok := ctx.Value(siteCtxKey).(string); ok {
		return site
	}
	return DefaultSite
}

// clientIP returns the remote address without its port. middleware.RealIP
// has already applied X-Real-IP / X-Forwarded-For.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
