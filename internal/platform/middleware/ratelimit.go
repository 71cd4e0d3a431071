package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RateLimitConfig sizes a per-caller token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// ExpiresIn drops idle buckets. Zero uses the echo store default.
	ExpiresIn time.Duration
	// Skipper exempts requests from this limiter.
	Skipper echomw.Skipper
}

// DefaultRateLimitConfig is the budget for authenticated API traffic.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
		ExpiresIn:         3 * time.Minute,
	}
}

// IntakeRateLimitConfig is the tighter budget for intake submissions, which
// accept anonymous callers. Every other route is skipped.
func IntakeRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 0.5,
		BurstSize:         10,
		ExpiresIn:         10 * time.Minute,
		Skipper:           func(c echo.Context) bool { return !isIntakeSubmission(c) },
	}
}

func isIntakeSubmission(c echo.Context) bool {
	return c.Request().Method == http.MethodPost &&
		strings.HasSuffix(strings.TrimSuffix(c.Request().URL.Path, "/"), "/consultations")
}

// RateLimitKey buckets callers by client IP within the resolved business so
// one business cannot exhaust another's budget.
func RateLimitKey(c echo.Context) (string, error) {
	key := c.RealIP()
	if bid, ok := c.Get("business_id").(string); ok && bid != "" {
		key = bid + ":" + key
	}
	return key, nil
}

// RateLimit throttles requests with echo's in-memory limiter store. Denied
// requests get 429 with Retry-After.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(cfg.RequestsPerSecond),
		Burst:     cfg.BurstSize,
		ExpiresIn: cfg.ExpiresIn,
	})
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)
	retryAfter := strconv.Itoa(retryAfterSeconds(cfg.RequestsPerSecond))

	skipper := cfg.Skipper
	if skipper == nil {
		skipper = echomw.DefaultSkipper
	}

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Skipper:             skipper,
		Store:               store,
		IdentifierExtractor: RateLimitKey,
		BeforeFunc: func(c echo.Context) {
			c.Response().Header().Set("X-RateLimit-Limit", limit)
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			c.Response().Header().Set("Retry-After", retryAfter)
			c.Response().Header().Set("X-RateLimit-Remaining", "0")
			return echo.NewHTTPError(http.StatusTooManyRequests, map[string]string{
				"code":    "rate_limited",
				"message": "rate limit exceeded",
			})
		},
	})
}

// retryAfterSeconds is the time for one token to refill, at least a second.
func retryAfterSeconds(perSecond float64) int {
	if perSecond <= 0 {
		return 1
	}
	return int(math.Max(1, math.Ceil(1/perSecond)))
}
