package api

import (
	"net/http"

	"golang.org/x/time/rate"
)

// NewWriteLimiter creates the limiter shared by all mutating requests.
func NewWriteLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
}

// LimitWrites rejects mutating requests once limiter is exhausted. Reads
// pass through untouched.
func LimitWrites(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
			default:
				if !limiter.Allow() {
					w.Header().Set("Retry-After", "1")
					httpError(w, http.StatusTooManyRequests, "rate_limit_error", "too many write requests")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
