package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// HandleCleanupShares handles GET /api/cron/cleanup-shares.
// When a cron secret is configured the caller must send it as a bearer token.
func (h *Handler) HandleCleanupShares(c echo.Context) error {
	if !h.cronAuthorized(c.Request().Header.Get(echo.HeaderAuthorization)) {
		slog.Warn("unauthorized cleanup trigger", "ip", c.RealIP())
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "Unauthorized"})
	}

	// A dropped connection must not abort the job halfway through.
	ctx := context.WithoutCancel(c.Request().Context())

	report, err := h.cleanup.Run(ctx)
	if err != nil {
		slog.Error("share cleanup failed", "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error":   "Cleanup failed",
			"details": err.Error(),
		})
	}

	slog.Info("share cleanup complete", "summary", report.String())
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "Share cleanup completed: " + report.String(),
	})
}

func (h *Handler) cronAuthorized(header string) bool {
	if h.cfg.CronSecret == "" {
		return true
	}
	want := "Bearer " + h.cfg.CronSecret
	return subtle.ConstantTimeCompare([]byte(header), []byte(want)) == 1
}
