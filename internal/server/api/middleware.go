package api

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

const (
	visitorCacheSize = 10000
	visitorTTL       = 10 * time.Minute
)

// RateLimiter is a per-IP token-bucket rate limiter. Idle visitors are
// evicted after visitorTTL.
type RateLimiter struct {
	visitors *expirable.LRU[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

// NewRateLimiter creates a rate limiter with the given rate (requests/sec) and burst size.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		visitors: expirable.NewLRU[string, *rate.Limiter](visitorCacheSize, nil, visitorTTL),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *RateLimiter) limiter(ip string) *rate.Limiter {
	limiter, ok := rl.visitors.Get(ip)
	if !ok {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.visitors.Add(ip, limiter)
	}
	return limiter
}

// Middleware returns an echo middleware function that enforces rate limits.
func (rl *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			reservation := rl.limiter(ip).Reserve()

			if !reservation.OK() || reservation.Delay() > 0 {
				retry := reservation.Delay()
				reservation.Cancel()

				slog.Warn("rate limit exceeded", "ip", ip)
				if reservation.OK() {
					c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
				}
				return c.JSON(http.StatusTooManyRequests, echo.Map{
					"error": "rate limit exceeded, try again later",
				})
			}
			return next(c)
		}
	}
}

// RequestLogger logs one line per request. Share ids must not appear in
// request logs, so the route pattern is logged instead of the path.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"route", c.Path(),
				"status", res.Status,
				"latency_ms", time.Since(start).Milliseconds(),
				"ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if org := req.Header.Get(HeaderOrganizationID); org != "" {
				attrs = append(attrs, "organization_id", org)
			}
			slog.Info("request", attrs...)

			return err
		}
	}
}
