package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// corsPolicy lets browser builds of the app call the /v1 sync and insight
// routes. Operator endpoints (/healthz, /metricz) never get CORS headers.
// Clients authenticate with a bearer key, not cookies, so credentials are
// never allowed and "*" can be answered literally.
type corsPolicy struct {
	anyOrigin bool
	origins   map[string]bool
	maxAge    string
}

// newCORSPolicy compiles cors_allowed_origins. Origins are compared without
// case or a trailing slash. It returns nil when no origin is configured.
func newCORSPolicy(origins []string, maxAge time.Duration) *corsPolicy {
	p := &corsPolicy{origins: make(map[string]bool)}
	for _, o := range origins {
		o = normalizeOrigin(o)
		switch o {
		case "":
		case "*":
			p.anyOrigin = true
		default:
			p.origins[o] = true
		}
	}
	if !p.anyOrigin && len(p.origins) == 0 {
		return nil
	}
	if maxAge > 0 {
		p.maxAge = strconv.Itoa(int(maxAge / time.Second))
	}
	return p
}

func normalizeOrigin(o string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(o)), "/")
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or
// "" when it is not allowed.
func (p *corsPolicy) allowOrigin(origin string) string {
	if p.anyOrigin {
		return "*"
	}
	if p.origins[normalizeOrigin(origin)] {
		return origin
	}
	return ""
}

// wrap answers preflights for the API routes and decorates their responses.
// A nil policy passes every request through.
func (p *corsPolicy) wrap(next http.Handler) http.Handler {
	if p == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		if !p.anyOrigin {
			h.Add("Vary", "Origin")
		}
		allow := p.allowOrigin(origin)
		if allow == "" {
			next.ServeHTTP(w, r)
			return
		}
		h.Set("Access-Control-Allow-Origin", allow)

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST")
			// X-Request-ID lets a client correlate retries of a push.
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			if p.maxAge != "" {
				h.Set("Access-Control-Max-Age", p.maxAge)
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		h.Set("Access-Control-Expose-Headers", "X-Request-ID")
		next.ServeHTTP(w, r)
	})
}
