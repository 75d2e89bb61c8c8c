package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/briacore/custody/internal/api/models"
	"github.com/briacore/custody/internal/config"
	"github.com/briacore/custody/internal/profile"
	"github.com/briacore/custody/internal/store"
)

type profileContextKey struct{}

// ProfileFromContext returns the authenticated profile a request carries
// after passing APIKeyAuth.
func ProfileFromContext(ctx context.Context) (profile.Profile, bool) {
	p, ok := ctx.Value(profileContextKey{}).(profile.Profile)
	return p, ok
}

// APIKeyAuth checks the x-bria-api-key header against the profiles table
// and attaches the matched profile to the request context. Unlike the
// browser-facing HostCheck/CORS/CSRF trio this replaces, every caller of
// this API is a server-to-server client authenticated by possession of a
// key, not a cookie or an Origin header.
func APIKeyAuth(db *store.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("x-bria-api-key")
			if key == "" {
				writeAuthError(w, "missing x-bria-api-key header")
				return
			}

			p, err := profile.Authenticate(r.Context(), db.Conn(), key)
			if err != nil {
				// Same response whether the key is malformed or simply
				// unknown, so an error-shape side channel can't tell them
				// apart.
				writeAuthError(w, "invalid api key")
				return
			}

			ctx := context.WithValue(r.Context(), profileContextKey{}, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, message string) {
	writeMiddlewareError(w, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

func writeMiddlewareError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.APIError{
		Error: models.APIErrorDetail{Code: code, Message: message},
	})
}

// ipLimiter hands out one token-bucket rate.Limiter per client IP, created
// lazily on first use. Buckets for IPs that stop sending requests are never
// evicted — acceptable at the traffic a custody operator's own profiles
// generate against a private API, not an internet-facing service.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func (l *ipLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(config.APIRateLimitPerSec), config.APIRateLimitBurst)
		l.limiters[ip] = lim
	}
	return lim
}

// RateLimit throttles requests per client IP using golang.org/x/time/rate.
func RateLimit(next http.Handler) http.Handler {
	limiter := &ipLimiter{limiters: make(map[string]*rate.Limiter)}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.get(clientIP(r)).Allow() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
