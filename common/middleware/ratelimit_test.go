package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/branchsync/common/logger"
	"github.com/lyzr/branchsync/common/ratelimit"
	"github.com/lyzr/branchsync/common/redis/redistest"
	"github.com/stretchr/testify/assert"
)

type countingLimiter struct {
	counts map[string]int64
	err    error
}

func (l *countingLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (*ratelimit.Result, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.counts[key]++
	if l.counts[key] > limit {
		return &ratelimit.Result{CurrentCount: l.counts[key], Limit: limit, RetryAfterSeconds: 7}, nil
	}
	return &ratelimit.Result{Allowed: true, CurrentCount: l.counts[key], Limit: limit}, nil
}

func newLimitedEcho(l Limiter) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(logger.Discard())
	e.POST("/x", func(c echo.Context) error {
		return c.NoContent(http.StatusCreated)
	}, RateLimit(l, "publish", 2, time.Minute, logger.Discard()))
	return e
}

func post(e *echo.Echo, branchID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set("X-Branch-ID", branchID)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_PerBranch(t *testing.T) {
	l := &countingLimiter{counts: map[string]int64{}}
	e := newLimitedEcho(l)

	assert.Equal(t, http.StatusCreated, post(e, "branch-a").Code)
	assert.Equal(t, http.StatusCreated, post(e, "branch-a").Code)

	rec := post(e, "branch-a")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "7", rec.Header().Get("Retry-After"))

	// other callers have their own window
	assert.Equal(t, http.StatusCreated, post(e, "branch-b").Code)
	assert.EqualValues(t, 3, l.counts["publish:branch-a"])
}

func TestRateLimit_FailsOpen(t *testing.T) {
	e := newLimitedEcho(&countingLimiter{err: errors.New("redis down")})
	assert.Equal(t, http.StatusCreated, post(e, "branch-a").Code)
}

func TestRateLimit_RedisWindow(t *testing.T) {
	server, client := redistest.New(t)
	e := newLimitedEcho(ratelimit.NewRateLimiter(client, logger.Discard()))

	assert.Equal(t, http.StatusCreated, post(e, "branch-a").Code)
	assert.Equal(t, http.StatusCreated, post(e, "branch-a").Code)

	rec := post(e, "branch-a")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusCreated, post(e, "branch-b").Code)

	server.FastForward(time.Minute)
	assert.Equal(t, http.StatusCreated, post(e, "branch-a").Code)
}

func TestRateLimit_RedisDownFailsOpen(t *testing.T) {
	server, client := redistest.New(t)
	e := newLimitedEcho(ratelimit.NewRateLimiter(client, logger.Discard()))
	server.Close()

	assert.Equal(t, http.StatusCreated, post(e, "branch-a").Code)
}
