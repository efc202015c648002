package api

import (
	"net/http"

	"sharekeeper/internal/server/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, HeaderUserID, HeaderOrganizationID},
	}))
	e.Use(RequestLogger())

	// Share creation and public viewing are rate-limited per IP
	limiter := NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	// Health, stats & metrics
	e.GET("/health", handler.HandleHealth)
	e.GET("/api/stats", handler.HandleStats)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Reclamation trigger
	e.GET("/api/cron/cleanup-shares", handler.HandleCleanupShares)

	// Public
	e.GET("/s/:shareId", handler.HandleViewShare, limiter.Middleware())
	e.GET("/og/:key", handler.HandleImage)

	// Shares
	shares := e.Group("/api/shares")
	shares.POST("", handler.HandleCreateShare, limiter.Middleware())
	shares.GET("", handler.HandleListShares)
	shares.PATCH("/:shareId", handler.HandleRenameShare)
	shares.POST("/:shareId/renew", handler.HandleRenewShare)
	shares.DELETE("/:shareId", handler.HandleDeleteShare)
	shares.PUT("/:shareId/og-image", handler.HandleAttachImage)

	// Usage
	e.GET("/api/usage/shares", handler.HandleUsage)

	return e
}
