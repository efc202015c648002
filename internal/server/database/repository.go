package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrShareNotFound = errors.New("share not found")
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides share and usage-counter persistence. A Repository
// returned by InTx is bound to that transaction.
type Repository struct {
	db *DB
	q  DBTX
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db, q: db.Pool}
}

// InTx runs fn inside a transaction. Calls on an already transaction-bound
// repository join the outer transaction.
func (r *Repository) InTx(ctx context.Context, fn func(*Repository) error) error {
	if _, ok := r.q.(pgx.Tx); ok {
		return fn(r)
	}
	return pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		return fn(&Repository{db: r.db, q: tx})
	})
}

const shareColumns = `
	s.id, s.share_id, s.type, s.title, s.website_url, s.share_og_image_url,
	s.view_count, s.user_id, s.organization_id, s.created_at, s.expires_at, s.is_expired`

type scanner interface {
	Scan(dest ...any) error
}

func scanShare(row scanner, extra ...any) (*Share, error) {
	share := &Share{}
	dest := []any{
		&share.ID,
		&share.ShareID,
		&share.Type,
		&share.Title,
		&share.WebsiteURL,
		&share.OGImageURL,
		&share.ViewCount,
		&share.UserID,
		&share.OrganizationID,
		&share.CreatedAt,
		&share.ExpiresAt,
		&share.IsExpired,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return share, nil
}

func collectShares(rows pgx.Rows) ([]*Share, error) {
	defer rows.Close()

	var shares []*Share
	for rows.Next() {
		share, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		shares = append(shares, share)
	}
	return shares, rows.Err()
}

// CreateShare inserts a share and its payload row.
func (r *Repository) CreateShare(ctx context.Context, share *Share) error {
	return r.InTx(ctx, func(tx *Repository) error {
		_, err := tx.q.Exec(ctx, `
			INSERT INTO shares (
				id, share_id, type, title, website_url, share_og_image_url,
				view_count, user_id, organization_id, created_at, expires_at, is_expired
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`,
			share.ID,
			share.ShareID,
			share.Type,
			share.Title,
			share.WebsiteURL,
			share.OGImageURL,
			share.ViewCount,
			share.UserID,
			share.OrganizationID,
			share.CreatedAt,
			share.ExpiresAt,
			share.IsExpired,
		)
		if err != nil {
			return fmt.Errorf("failed to create share: %w", err)
		}

		_, err = tx.q.Exec(ctx,
			"INSERT INTO share_payloads (share_id, type, data) VALUES ($1, $2, $3)",
			share.ID, share.Type, []byte(share.Payload))
		if err != nil {
			return fmt.Errorf("failed to create share payload: %w", err)
		}
		return nil
	})
}

// ShareIDExists reports whether a public share id is already taken.
func (r *Repository) ShareIDExists(ctx context.Context, shareID string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM shares WHERE share_id = $1)", shareID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check share id: %w", err)
	}
	return exists, nil
}

// GetShare retrieves a share and its payload by public share id.
func (r *Repository) GetShare(ctx context.Context, shareID string) (*Share, error) {
	var payload []byte
	share, err := scanShare(r.q.QueryRow(ctx, `
		SELECT `+shareColumns+`, p.data
		FROM shares s
		LEFT JOIN share_payloads p ON p.share_id = s.id
		WHERE s.share_id = $1
	`, shareID), &payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrShareNotFound
		}
		return nil, fmt.Errorf("failed to get share: %w", err)
	}
	share.Payload = payload
	return share, nil
}

// ListSharesByOrganization returns an organization's shares, newest first.
func (r *Repository) ListSharesByOrganization(ctx context.Context, organizationID string) ([]*Share, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+shareColumns+`
		FROM shares s
		WHERE s.organization_id = $1
		ORDER BY s.created_at DESC
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list shares: %w", err)
	}
	return collectShares(rows)
}

// RenameShare updates a share's title.
func (r *Repository) RenameShare(ctx context.Context, id uuid.UUID, title *string) error {
	return r.execOne(ctx, "failed to rename share",
		"UPDATE shares SET title = $1 WHERE id = $2", title, id)
}

// RenewShare moves a share's expiry and clears its expired flag.
func (r *Repository) RenewShare(ctx context.Context, id uuid.UUID, expiresAt time.Time) error {
	return r.execOne(ctx, "failed to renew share",
		"UPDATE shares SET expires_at = $1, is_expired = FALSE WHERE id = $2", expiresAt, id)
}

// SetShareImage records the public URL of a share's preview image.
func (r *Repository) SetShareImage(ctx context.Context, id uuid.UUID, imageURL string) error {
	return r.execOne(ctx, "failed to set share image",
		"UPDATE shares SET share_og_image_url = $1 WHERE id = $2", imageURL, id)
}

// LockShare takes a row lock on a share for the rest of the transaction and
// returns its current expired flag. Outside a transaction the lock is released
// immediately.
func (r *Repository) LockShare(ctx context.Context, id uuid.UUID) (isExpired bool, err error) {
	err = r.q.QueryRow(ctx, "SELECT is_expired FROM shares WHERE id = $1 FOR UPDATE", id).Scan(&isExpired)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrShareNotFound
		}
		return false, fmt.Errorf("failed to lock share: %w", err)
	}
	return isExpired, nil
}

// DeleteShare removes a share and reports whether it was flagged expired at
// the moment of deletion. Its payload row cascades.
func (r *Repository) DeleteShare(ctx context.Context, id uuid.UUID) (wasExpired bool, err error) {
	err = r.q.QueryRow(ctx, "DELETE FROM shares WHERE id = $1 RETURNING is_expired", id).Scan(&wasExpired)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrShareNotFound
		}
		return false, fmt.Errorf("failed to delete share: %w", err)
	}
	return wasExpired, nil
}

// IncrementViewCount atomically increments the view counter.
func (r *Repository) IncrementViewCount(ctx context.Context, shareID string) error {
	return r.execOne(ctx, "failed to increment view count",
		"UPDATE shares SET view_count = view_count + 1 WHERE share_id = $1", shareID)
}

func (r *Repository) execOne(ctx context.Context, msg string, sql string, args ...any) error {
	tag, err := r.q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", msg, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrShareNotFound
	}
	return nil
}

// CountActiveShares counts an organization's workspace shares not flagged expired.
func (r *Repository) CountActiveShares(ctx context.Context, organizationID string) (int64, error) {
	var count int64
	err := r.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM shares
		WHERE organization_id = $1 AND user_id IS NOT NULL AND is_expired = FALSE
	`, organizationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active shares: %w", err)
	}
	return count, nil
}

// ExpiredWorkspaceCounts returns, per organization, how many workspace shares
// expired before now and are not yet flagged.
func (r *Repository) ExpiredWorkspaceCounts(ctx context.Context, now time.Time) (map[string]int, error) {
	rows, err := r.q.Query(ctx, `
		SELECT organization_id, COUNT(*)
		FROM shares
		WHERE expires_at < $1
		  AND user_id IS NOT NULL
		  AND organization_id IS NOT NULL
		  AND is_expired = FALSE
		GROUP BY organization_id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to count expired workspace shares: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var orgID string
		var count int
		if err := rows.Scan(&orgID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan expired workspace count: %w", err)
		}
		counts[orgID] = count
	}
	return counts, rows.Err()
}

// MarkWorkspaceSharesExpired flags every expired, unflagged workspace share.
func (r *Repository) MarkWorkspaceSharesExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE shares SET is_expired = TRUE
		WHERE expires_at < $1
		  AND user_id IS NOT NULL
		  AND organization_id IS NOT NULL
		  AND is_expired = FALSE
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to flag expired shares: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListExpiredAnonymousShares returns anonymous shares that expired before now.
func (r *Repository) ListExpiredAnonymousShares(ctx context.Context, now time.Time) ([]*Share, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+shareColumns+`
		FROM shares s
		WHERE s.expires_at < $1 AND s.user_id IS NULL AND s.organization_id IS NULL
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired anonymous shares: %w", err)
	}
	return collectShares(rows)
}

// DeleteExpiredAnonymousShares removes anonymous shares that expired before now.
func (r *Repository) DeleteExpiredAnonymousShares(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.q.Exec(ctx, `
		DELETE FROM shares
		WHERE expires_at < $1 AND user_id IS NULL AND organization_id IS NULL
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired anonymous shares: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListMalformedOwnership returns share ids that have exactly one of user and
// organization set.
func (r *Repository) ListMalformedOwnership(ctx context.Context) ([]string, error) {
	return r.queryStrings(ctx, "failed to query malformed shares", `
		SELECT share_id FROM shares
		WHERE (user_id IS NULL) <> (organization_id IS NULL)
	`)
}

// ListShareIDs returns every public share id regardless of expiry state.
func (r *Repository) ListShareIDs(ctx context.Context) ([]string, error) {
	return r.queryStrings(ctx, "failed to list share ids", "SELECT share_id FROM shares")
}

func (r *Repository) queryStrings(ctx context.Context, msg string, sql string, args ...any) ([]string, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", msg, err)
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", msg, err)
	}
	return values, nil
}

// GetStats returns aggregate share statistics.
func (r *Repository) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := r.q.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE is_expired = FALSE AND expires_at > NOW()),
			COUNT(*) FILTER (WHERE is_expired = TRUE),
			COUNT(*) FILTER (WHERE user_id IS NULL),
			COALESCE(SUM(view_count), 0)
		FROM shares
	`).Scan(
		&stats.TotalShares,
		&stats.ActiveShares,
		&stats.ExpiredShares,
		&stats.AnonymousShares,
		&stats.TotalViews,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}
