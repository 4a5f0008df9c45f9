package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/branchsync/common/logger"
	"github.com/lyzr/branchsync/common/ratelimit"
)

// Limiter counts requests per key
type Limiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (*ratelimit.Result, error)
}

// RateLimit rejects a caller's requests beyond limit per window with 429.
// Callers are told apart by X-Branch-ID, falling back to the client IP.
// The request is let through when the limiter itself fails.
func RateLimit(limiter Limiter, scope string, limit int64, window time.Duration, log *logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			caller := c.Request().Header.Get("X-Branch-ID")
			if caller == "" {
				caller = c.RealIP()
			}

			result, err := limiter.Allow(c.Request().Context(), scope+":"+caller, limit, window)
			if err != nil {
				log.Warn("rate limiter unavailable, allowing request", "scope", scope, "error", err)
				return next(c)
			}
			if !result.Allowed {
				c.Response().Header().Set("Retry-After", strconv.FormatInt(result.RetryAfterSeconds, 10))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded for "+caller)
			}
			return next(c)
		}
	}
}
