package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/carenet/escrow/internal/ratelimit"
	"github.com/carenet/escrow/internal/respond"
)

// RateLimitOptions configures one rate-limited call site.
type RateLimitOptions struct {
	Operation string
	Rule      ratelimit.Rule
	// FailClosed rejects requests when the counter store is unavailable.
	// Otherwise they are let through and the failure is logged.
	FailClosed bool
}

// RateLimit counts each request against the caller's bucket before any other
// work happens. Callers are keyed by principal when one is present, else by
// client IP.
func RateLimit(l *ratelimit.Limiter, opts RateLimitOptions, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ratelimit.Key{Operation: opts.Operation, Identifier: callerID(r)}
			d, err := l.Allow(r.Context(), key, opts.Rule)
			if err != nil {
				logger.Error("rate limiter unavailable",
					"operation", opts.Operation, "fail_closed", opts.FailClosed,
					"request_id", RequestIDFromCtx(r.Context()), "error", err)
				if opts.FailClosed {
					respond.Fail(w, http.StatusServiceUnavailable, "RATE_LIMITER_UNAVAILABLE", "rate limiter unavailable, retry later", true)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if !d.Allowed {
				h.Set("Retry-After", strconv.Itoa(int(d.RetryAfter(l.Now()).Seconds())))
				respond.Fail(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", true)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func callerID(r *http.Request) string {
	if p := PrincipalFromCtx(r.Context()); p != nil {
		return "principal:" + p.ID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
