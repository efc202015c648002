package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"sharekeeper/internal/server/apperr"
	"sharekeeper/internal/server/cleanup"
	"sharekeeper/internal/server/config"
	"sharekeeper/internal/server/service"
	"sharekeeper/internal/server/storage"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
)

const (
	HeaderUserID         = "X-User-ID"
	HeaderOrganizationID = "X-Organization-ID"
)

// Shares is the share business logic the handlers drive.
type Shares interface {
	Create(ctx context.Context, owner service.Owner, input service.CreateInput) (*service.ShareView, error)
	View(ctx context.Context, shareID string) (*service.ShareView, error)
	List(ctx context.Context, owner service.Owner) ([]*service.ShareView, error)
	Rename(ctx context.Context, owner service.Owner, shareID string, title *string) (*service.ShareView, error)
	Renew(ctx context.Context, owner service.Owner, shareID string) (*service.ShareView, error)
	Delete(ctx context.Context, owner service.Owner, shareID string) error
	AttachImage(ctx context.Context, owner service.Owner, shareID string, data []byte) (*service.ShareView, error)
	Usage(ctx context.Context, owner service.Owner) (*service.UsageReport, error)
	Stats(ctx context.Context) (*service.StatsReport, error)
}

// Cleanup runs the share reclamation job.
type Cleanup interface {
	Run(ctx context.Context) (cleanup.Report, error)
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler contains the HTTP handlers for the share API.
type Handler struct {
	shares  Shares
	cleanup Cleanup
	images  storage.BlobStore
	db      HealthChecker
	cfg     *config.Config
}

// NewHandler creates a new handler with the given dependencies.
func NewHandler(shares Shares, cleanup Cleanup, images storage.BlobStore, db HealthChecker, cfg *config.Config) *Handler {
	return &Handler{shares: shares, cleanup: cleanup, images: images, db: db, cfg: cfg}
}

func ownerFrom(c echo.Context) service.Owner {
	return service.Owner{
		UserID:         c.Request().Header.Get(HeaderUserID),
		OrganizationID: c.Request().Header.Get(HeaderOrganizationID),
	}
}

// HandleCreateShare handles POST /api/shares.
func (h *Handler) HandleCreateShare(c echo.Context) error {
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, int64(h.cfg.Shares.MaxPayloadBytes)*2)

	var input service.CreateInput
	if err := c.Bind(&input); err != nil {
		return writeError(c, apperr.BadRequest("invalid request body"))
	}

	view, err := h.shares.Create(req.Context(), ownerFrom(c), input)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, view)
}

// HandleViewShare handles GET /s/:shareId.
func (h *Handler) HandleViewShare(c echo.Context) error {
	view, err := h.shares.View(c.Request().Context(), c.Param("shareId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// HandleListShares handles GET /api/shares.
func (h *Handler) HandleListShares(c echo.Context) error {
	views, err := h.shares.List(c.Request().Context(), ownerFrom(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"shares": views})
}

type renameRequest struct {
	Title *string `json:"title"`
}

// HandleRenameShare handles PATCH /api/shares/:shareId.
func (h *Handler) HandleRenameShare(c echo.Context) error {
	var body renameRequest
	if err := c.Bind(&body); err != nil {
		return writeError(c, apperr.BadRequest("invalid request body"))
	}

	view, err := h.shares.Rename(c.Request().Context(), ownerFrom(c), c.Param("shareId"), body.Title)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// HandleRenewShare handles POST /api/shares/:shareId/renew.
func (h *Handler) HandleRenewShare(c echo.Context) error {
	view, err := h.shares.Renew(c.Request().Context(), ownerFrom(c), c.Param("shareId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// HandleDeleteShare handles DELETE /api/shares/:shareId.
func (h *Handler) HandleDeleteShare(c echo.Context) error {
	if err := h.shares.Delete(c.Request().Context(), ownerFrom(c), c.Param("shareId")); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "share deleted successfully"})
}

// HandleAttachImage handles PUT /api/shares/:shareId/og-image.
// The request body is the raw WebP image.
func (h *Handler) HandleAttachImage(c echo.Context) error {
	req := c.Request()
	data, err := io.ReadAll(io.LimitReader(req.Body, h.cfg.Shares.MaxImageBytes+1))
	if err != nil {
		return writeError(c, apperr.BadRequest("failed to read image"))
	}

	view, err := h.shares.AttachImage(req.Context(), ownerFrom(c), c.Param("shareId"), data)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// HandleImage handles GET /og/:key and serves a stored preview image.
func (h *Handler) HandleImage(c echo.Context) error {
	key := c.Param("key")
	if _, ok := storage.ShareIDFromKey(key); !ok {
		return writeError(c, apperr.NotFound("image not found"))
	}

	data, err := h.images.Get(c.Request().Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return writeError(c, apperr.NotFound("image not found"))
		}
		return writeError(c, apperr.Internal("failed to read image", err))
	}

	c.Response().Header().Set("Cache-Control", "public, max-age=3600")
	return c.Blob(http.StatusOK, storage.ImageContentType, data)
}

// HandleUsage handles GET /api/usage/shares.
func (h *Handler) HandleUsage(c echo.Context) error {
	report, err := h.shares.Usage(c.Request().Context(), ownerFrom(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.db.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// HandleStats handles GET /api/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.shares.Stats(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"total_shares":      stats.TotalShares,
		"active_shares":     stats.ActiveShares,
		"expired_shares":    stats.ExpiredShares,
		"anonymous_shares":  stats.AnonymousShares,
		"total_views":       stats.TotalViews,
		"images":            stats.Images,
		"image_bytes":       stats.ImageBytes,
		"image_bytes_human": humanize.Bytes(uint64(stats.ImageBytes)),
	})
}

// writeError renders err through the apperr kind table. Internal causes are
// logged and never sent to the client.
func writeError(c echo.Context, err error) error {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		req := c.Request()
		slog.Error("request failed",
			"method", req.Method,
			"route", c.Path(),
			"error", err,
		)
	}
	return c.JSON(kind.Status(), echo.Map{"error": apperr.PublicMessage(err)})
}
