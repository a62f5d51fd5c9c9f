package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sakif/qaplanet/internal/auth"
	"github.com/sakif/qaplanet/internal/metrics"
	"github.com/sakif/qaplanet/internal/rate"
	"go.uber.org/zap"
)

type RateLimitConfig struct {
	// Name scopes the counters, so limits on different routes do not share
	// a budget.
	Name   string
	Limit  int
	Window time.Duration
}

// RateLimit allows cfg.Limit requests per caller per window. The caller is
// the authenticated user when there is one, else the client IP, so mount it
// after RequireAuth. A limit of zero or less disables the middleware.
func RateLimit(l rate.Limiter, cfg RateLimitConfig, c *metrics.Collector, logger *zap.Logger) func(http.Handler) http.Handler {
	limitStr := strconv.Itoa(cfg.Limit)

	return func(next http.Handler) http.Handler {
		if cfg.Limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := cfg.Name + ":" + callerKey(r)

			ok, reset := l.Allow(r.Context(), key, cfg.Limit, cfg.Window)
			w.Header().Set("X-RateLimit-Limit", limitStr)
			if !ok {
				retry := int(math.Ceil(reset.Seconds()))
				if retry < 1 {
					retry = 1
				}
				if c != nil {
					c.RateLimited.WithLabelValues(cfg.Name).Inc()
				}
				logger.Warn("rate limit exceeded",
					zap.String("limit", cfg.Name),
					zap.String("caller", key),
				)

				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "rate_limited",
					"message": "too many requests, slow down",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func callerKey(r *http.Request) string {
	if userID, ok := auth.UserIDFromContext(r.Context()); ok {
		return "user:" + userID
	}
	// RealIP has already rewritten RemoteAddr from proxy headers.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
