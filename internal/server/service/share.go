package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	"sharekeeper/internal/server/apperr"
	"sharekeeper/internal/server/config"
	"sharekeeper/internal/server/database"
	"sharekeeper/internal/server/storage"
	"sharekeeper/internal/server/usage"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// maxIDAttempts bounds share id generation retries on collision.
const maxIDAttempts = 5

// Repository is the persistence the share service needs. *database.Repository
// implements it, including when bound to a transaction.
type Repository interface {
	usage.Store

	ShareIDExists(ctx context.Context, shareID string) (bool, error)
	CreateShare(ctx context.Context, share *database.Share) error
	GetShare(ctx context.Context, shareID string) (*database.Share, error)
	ListSharesByOrganization(ctx context.Context, organizationID string) ([]*database.Share, error)
	RenameShare(ctx context.Context, id uuid.UUID, title *string) error
	RenewShare(ctx context.Context, id uuid.UUID, expiresAt time.Time) error
	SetShareImage(ctx context.Context, id uuid.UUID, imageURL string) error
	LockShare(ctx context.Context, id uuid.UUID) (isExpired bool, err error)
	DeleteShare(ctx context.Context, id uuid.UUID) (wasExpired bool, err error)
	IncrementViewCount(ctx context.Context, shareID string) error
	CountActiveShares(ctx context.Context, organizationID string) (int64, error)
	GetStats(ctx context.Context) (*database.Stats, error)
}

// TxFunc runs fn with a Repository bound to a single transaction.
type TxFunc func(ctx context.Context, fn func(Repository) error) error

func repositoryTx(repo *database.Repository) TxFunc {
	return func(ctx context.Context, fn func(Repository) error) error {
		return repo.InTx(ctx, func(tx *database.Repository) error {
			return fn(tx)
		})
	}
}

// Owner identifies the caller. Both fields are set for workspace callers and
// both are empty for anonymous ones.
type Owner struct {
	UserID         string
	OrganizationID string
}

func (o Owner) IsWorkspace() bool {
	return o.UserID != "" && o.OrganizationID != ""
}

func (o Owner) validate() error {
	if (o.UserID == "") != (o.OrganizationID == "") {
		return apperr.BadRequest("user and organization must be provided together")
	}
	return nil
}

func (o Owner) requireWorkspace() error {
	if err := o.validate(); err != nil {
		return err
	}
	if !o.IsWorkspace() {
		return apperr.Unauthorized("workspace identity required")
	}
	return nil
}

// CreateInput is the body of a share creation request.
type CreateInput struct {
	Type       database.ShareType `json:"type" validate:"required,share_type"`
	Title      *string            `json:"title" validate:"omitempty,max=200"`
	WebsiteURL string             `json:"website_url" validate:"required,url,max=2048"`
	Data       json.RawMessage    `json:"data"`
}

// ShareView is the client representation of a share.
type ShareView struct {
	ShareID    string             `json:"share_id"`
	URL        string             `json:"url"`
	Type       database.ShareType `json:"type"`
	Title      *string            `json:"title,omitempty"`
	WebsiteURL string             `json:"website_url"`
	OGImageURL *string            `json:"og_image_url,omitempty"`
	ViewCount  int                `json:"view_count"`
	Workspace  bool               `json:"workspace"`
	CreatedAt  time.Time          `json:"created_at"`
	ExpiresAt  time.Time          `json:"expires_at"`
	IsExpired  bool               `json:"is_expired"`
	Data       json.RawMessage    `json:"data,omitempty"`
}

// UsageReport is an organization's share usage against its plan limit.
type UsageReport struct {
	Metric       database.UsageMetric `json:"metric"`
	CurrentUsage int64                `json:"current_usage"`
	Limit        *int64               `json:"limit"`
	Status       usage.Status         `json:"status"`
	Percentage   float64              `json:"percentage"`
}

// StatsReport holds aggregate share and preview-image statistics.
type StatsReport struct {
	database.Stats
	Images     int
	ImageBytes int64
}

// ShareService contains the business logic for shares.
type ShareService struct {
	repo     Repository
	tx       TxFunc
	images   storage.BlobStore
	cfg      *config.Config
	validate *validator.Validate
	now      func() time.Time
}

// NewShareService creates a new share service.
func NewShareService(repo *database.Repository, images storage.BlobStore, cfg *config.Config) *ShareService {
	return newShareService(repo, repositoryTx(repo), images, cfg)
}

func newShareService(repo Repository, tx TxFunc, images storage.BlobStore, cfg *config.Config) *ShareService {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("share_type", func(fl validator.FieldLevel) bool {
		return database.ShareType(fl.Field().String()).Valid()
	})

	return &ShareService{
		repo:     repo,
		tx:       tx,
		images:   images,
		cfg:      cfg,
		validate: v,
		now:      time.Now,
	}
}

// Create validates and stores a new share. Workspace shares count against the
// organization's plan limit, checked against a freshly resynced counter.
func (s *ShareService) Create(ctx context.Context, owner Owner, input CreateInput) (*ShareView, error) {
	if err := owner.validate(); err != nil {
		return nil, err
	}
	if err := s.validateStruct(input); err != nil {
		return nil, err
	}
	if err := validatePayload(input.Data, s.cfg.Shares.MaxPayloadBytes, s.cfg.Shares.MaxPayloadDepth); err != nil {
		return nil, err
	}

	shareID, err := s.newShareID(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	share := &database.Share{
		ID:         uuid.New(),
		ShareID:    shareID,
		Type:       input.Type,
		Title:      input.Title,
		WebsiteURL: input.WebsiteURL,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.Shares.AnonymousTTL),
		Payload:    input.Data,
	}

	if !owner.IsWorkspace() {
		if err := s.repo.CreateShare(ctx, share); err != nil {
			return nil, apperr.Internal("failed to create share", err)
		}
		slog.Info("anonymous share created", "share_id", shareID, "type", share.Type)
		return s.view(share), nil
	}

	share.UserID = &owner.UserID
	share.OrganizationID = &owner.OrganizationID
	share.ExpiresAt = now.Add(s.cfg.Shares.WorkspaceTTL)

	err = s.tx(ctx, func(repo Repository) error {
		if err := s.reserveSlot(ctx, repo, owner.OrganizationID); err != nil {
			return err
		}
		if err := repo.CreateShare(ctx, share); err != nil {
			return apperr.Internal("failed to create share", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("workspace share created",
		"share_id", shareID,
		"type", share.Type,
		"organization_id", owner.OrganizationID,
	)
	return s.view(share), nil
}

// reserveSlot resyncs the organization's counter, rejects the request when the
// plan limit is reached, and otherwise counts one more active share. It must
// run inside the transaction that activates the share.
func (s *ShareService) reserveSlot(ctx context.Context, repo Repository, organizationID string) error {
	ledger := usage.NewLedger(repo)

	active, err := repo.CountActiveShares(ctx, organizationID)
	if err != nil {
		return apperr.Internal("failed to count active shares", err)
	}
	if err := ledger.Resync(ctx, organizationID, database.MetricShares, active); err != nil {
		return apperr.Internal("failed to resync usage", err)
	}

	limit := s.cfg.Plan.ShareLimitPtr()
	if usage.CheckThreshold(active, limit).Status == usage.StatusBlocked {
		return apperr.TooManyRequests(fmt.Sprintf("share limit of %d reached", *limit))
	}

	if err := ledger.Increment(ctx, organizationID, database.MetricShares); err != nil {
		return apperr.Internal("failed to increment usage", err)
	}
	return nil
}

// View returns a share with its payload for public display and counts the view.
func (s *ShareService) View(ctx context.Context, shareID string) (*ShareView, error) {
	share, err := s.getShare(ctx, shareID)
	if err != nil {
		return nil, err
	}

	if share.IsExpired || s.now().After(share.ExpiresAt) {
		return nil, apperr.Gone("share has expired")
	}

	// Best-effort, a failed counter update never blocks the read.
	if err := s.repo.IncrementViewCount(ctx, shareID); err != nil {
		slog.Error("failed to increment view count", "share_id", shareID, "error", err)
	} else {
		share.ViewCount++
	}

	v := s.view(share)
	v.Data = share.Payload
	return v, nil
}

// List returns the organization's shares, newest first.
func (s *ShareService) List(ctx context.Context, owner Owner) ([]*ShareView, error) {
	if err := owner.requireWorkspace(); err != nil {
		return nil, err
	}

	shares, err := s.repo.ListSharesByOrganization(ctx, owner.OrganizationID)
	if err != nil {
		return nil, apperr.Internal("failed to list shares", err)
	}

	views := make([]*ShareView, 0, len(shares))
	for _, share := range shares {
		views = append(views, s.view(share))
	}
	return views, nil
}

// Rename sets or clears a share's title.
func (s *ShareService) Rename(ctx context.Context, owner Owner, shareID string, title *string) (*ShareView, error) {
	if title != nil {
		trimmed := strings.TrimSpace(*title)
		if utf8.RuneCountInString(trimmed) > 200 {
			return nil, apperr.BadRequest("title must be at most 200 characters")
		}
		title = &trimmed
		if trimmed == "" {
			title = nil
		}
	}

	share, err := s.ownedShare(ctx, owner, shareID)
	if err != nil {
		return nil, err
	}

	if err := s.repo.RenameShare(ctx, share.ID, title); err != nil {
		return nil, s.mapRepoError("failed to rename share", err)
	}
	share.Title = title
	return s.view(share), nil
}

// Renew pushes a share's expiry out by the workspace TTL. A share that was
// already flagged expired becomes active again and counts against the plan.
func (s *ShareService) Renew(ctx context.Context, owner Owner, shareID string) (*ShareView, error) {
	share, err := s.ownedShare(ctx, owner, shareID)
	if err != nil {
		return nil, err
	}

	expiresAt := s.now().UTC().Add(s.cfg.Shares.WorkspaceTTL)

	// A sweep may have flagged the share since ownedShare read it.
	var reactivated bool
	err = s.tx(ctx, func(repo Repository) error {
		flagged, err := repo.LockShare(ctx, share.ID)
		if err != nil {
			return s.mapRepoError("failed to lock share", err)
		}
		if flagged {
			if err := s.reserveSlot(ctx, repo, owner.OrganizationID); err != nil {
				return err
			}
		}
		if err := repo.RenewShare(ctx, share.ID, expiresAt); err != nil {
			return s.mapRepoError("failed to renew share", err)
		}
		reactivated = flagged
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("share renewed", "share_id", shareID, "reactivated", reactivated, "expires_at", expiresAt)

	share.ExpiresAt = expiresAt
	share.IsExpired = false
	return s.view(share), nil
}

// Delete removes a share. An active workspace share gives its usage back;
// the preview image is removed best-effort after the row is gone.
func (s *ShareService) Delete(ctx context.Context, owner Owner, shareID string) error {
	share, err := s.ownedShare(ctx, owner, shareID)
	if err != nil {
		return err
	}

	err = s.tx(ctx, func(repo Repository) error {
		wasExpired, err := repo.DeleteShare(ctx, share.ID)
		if err != nil {
			return s.mapRepoError("failed to delete share", err)
		}
		if wasExpired {
			return nil
		}
		if err := usage.NewLedger(repo).Decrement(ctx, owner.OrganizationID, database.MetricShares); err != nil {
			return apperr.Internal("failed to decrement usage", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if share.OGImageURL != nil {
		// Left for the orphan collector if this fails.
		if err := s.images.Delete(ctx, storage.ImageKey(share.ShareID)); err != nil {
			slog.Error("failed to delete preview image", "share_id", shareID, "error", err)
		}
	}

	slog.Info("share deleted", "share_id", shareID, "organization_id", owner.OrganizationID)
	return nil
}

// AttachImage stores a WebP preview image for a share and records its URL.
// Workspace shares require their owner; anonymous shares accept one image.
func (s *ShareService) AttachImage(ctx context.Context, owner Owner, shareID string, data []byte) (*ShareView, error) {
	if err := owner.validate(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, apperr.BadRequest("image is required")
	}
	if int64(len(data)) > s.cfg.Shares.MaxImageBytes {
		return nil, apperr.BadRequest("image exceeds %d bytes", s.cfg.Shares.MaxImageBytes)
	}
	if mtype := mimetype.Detect(data); !mtype.Is(storage.ImageContentType) {
		return nil, apperr.BadRequest("image must be %s, got %s", storage.ImageContentType, mtype.String())
	}

	share, err := s.getShare(ctx, shareID)
	if err != nil {
		return nil, err
	}

	switch {
	case share.IsWorkspace():
		if !owner.IsWorkspace() || *share.OrganizationID != owner.OrganizationID {
			return nil, apperr.NotFound("share not found")
		}
	case share.OGImageURL != nil:
		return nil, apperr.Forbidden("anonymous share already has a preview image")
	}

	if share.IsExpired || s.now().After(share.ExpiresAt) {
		return nil, apperr.Gone("share has expired")
	}

	key := storage.ImageKey(share.ShareID)
	if err := s.images.Put(ctx, key, data, storage.ImageContentType); err != nil {
		return nil, apperr.Internal("failed to store preview image", err)
	}

	imageURL := strings.TrimRight(s.cfg.Storage.PublicURL, "/") + "/" + key
	if err := s.repo.SetShareImage(ctx, share.ID, imageURL); err != nil {
		return nil, s.mapRepoError("failed to record preview image", err)
	}

	slog.Info("preview image attached", "share_id", shareID, "bytes", len(data))

	share.OGImageURL = &imageURL
	return s.view(share), nil
}

// Usage reports the organization's share usage after resyncing the counter.
func (s *ShareService) Usage(ctx context.Context, owner Owner) (*UsageReport, error) {
	if err := owner.requireWorkspace(); err != nil {
		return nil, err
	}

	var current int64
	err := s.tx(ctx, func(repo Repository) error {
		active, err := repo.CountActiveShares(ctx, owner.OrganizationID)
		if err != nil {
			return apperr.Internal("failed to count active shares", err)
		}
		ledger := usage.NewLedger(repo)
		if err := ledger.Resync(ctx, owner.OrganizationID, database.MetricShares, active); err != nil {
			return apperr.Internal("failed to resync usage", err)
		}
		u, err := ledger.GetUsage(ctx, owner.OrganizationID, database.MetricShares)
		if err != nil {
			return apperr.Internal("failed to read usage", err)
		}
		current = u.CurrentUsage
		return nil
	})
	if err != nil {
		return nil, err
	}

	limit := s.cfg.Plan.ShareLimitPtr()
	threshold := usage.CheckThreshold(current, limit)
	return &UsageReport{
		Metric:       database.MetricShares,
		CurrentUsage: current,
		Limit:        limit,
		Status:       threshold.Status,
		Percentage:   threshold.Percentage,
	}, nil
}

// Stats returns aggregate statistics. Image totals are best-effort.
func (s *ShareService) Stats(ctx context.Context) (*StatsReport, error) {
	stats, err := s.repo.GetStats(ctx)
	if err != nil {
		return nil, apperr.Internal("failed to get stats", err)
	}

	report := &StatsReport{Stats: *stats}

	objects, err := s.images.List(ctx)
	if err != nil {
		slog.Warn("failed to list preview images for stats", "error", err)
		return report, nil
	}
	report.Images = len(objects)
	for _, obj := range objects {
		report.ImageBytes += obj.Size
	}
	return report, nil
}

// --- Helpers ---

func (s *ShareService) newShareID(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := generateSecureToken(s.cfg.Shares.IDLength)
		if err != nil {
			return "", apperr.Internal("failed to generate share id", err)
		}
		exists, err := s.repo.ShareIDExists(ctx, id)
		if err != nil {
			return "", apperr.Internal("failed to check share id", err)
		}
		if !exists {
			return id, nil
		}
		slog.Warn("share id collision", "attempt", attempt+1)
	}
	return "", apperr.Internal("failed to generate share id", errors.New("too many collisions"))
}

func (s *ShareService) getShare(ctx context.Context, shareID string) (*database.Share, error) {
	share, err := s.repo.GetShare(ctx, shareID)
	if err != nil {
		return nil, s.mapRepoError("failed to get share", err)
	}
	return share, nil
}

// ownedShare loads a share the workspace owner's organization holds. Shares of
// other organizations, and anonymous shares, are reported as not found.
func (s *ShareService) ownedShare(ctx context.Context, owner Owner, shareID string) (*database.Share, error) {
	if err := owner.requireWorkspace(); err != nil {
		return nil, err
	}
	share, err := s.getShare(ctx, shareID)
	if err != nil {
		return nil, err
	}
	if !share.IsWorkspace() || *share.OrganizationID != owner.OrganizationID {
		return nil, apperr.NotFound("share not found")
	}
	return share, nil
}

func (s *ShareService) mapRepoError(msg string, err error) error {
	var appErr *apperr.Error
	switch {
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, database.ErrShareNotFound):
		return apperr.NotFound("share not found")
	default:
		return apperr.Internal(msg, err)
	}
}

func (s *ShareService) validateStruct(input any) error {
	err := s.validate.Struct(input)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Internal("failed to validate request", err)
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return apperr.BadRequest("invalid fields: %s", strings.Join(fields, ", "))
}

func (s *ShareService) view(share *database.Share) *ShareView {
	return &ShareView{
		ShareID:    share.ShareID,
		URL:        strings.TrimRight(s.cfg.BaseURL, "/") + "/s/" + share.ShareID,
		Type:       share.Type,
		Title:      share.Title,
		WebsiteURL: share.WebsiteURL,
		OGImageURL: share.OGImageURL,
		ViewCount:  share.ViewCount,
		Workspace:  share.IsWorkspace(),
		CreatedAt:  share.CreatedAt,
		ExpiresAt:  share.ExpiresAt,
		IsExpired:  share.IsExpired,
	}
}
