package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"sharekeeper/internal/server/database"
	"sharekeeper/internal/server/metrics"
	"sharekeeper/internal/server/storage"
)

// ShareStore is the share persistence the sweeper needs.
type ShareStore interface {
	ListMalformedOwnership(ctx context.Context) ([]string, error)
	ExpiredWorkspaceCounts(ctx context.Context, now time.Time) (map[string]int, error)
	MarkWorkspaceSharesExpired(ctx context.Context, now time.Time) (int64, error)
	ListExpiredAnonymousShares(ctx context.Context, now time.Time) ([]*database.Share, error)
	DeleteExpiredAnonymousShares(ctx context.Context, now time.Time) (int64, error)
}

// Decrementer lowers a usage counter by one. *usage.Ledger implements it.
type Decrementer interface {
	Decrement(ctx context.Context, organizationID string, metric database.UsageMetric) error
}

// Locker serializes sweeps across instances. *database.AdvisoryLock implements it.
type Locker interface {
	TryLock(ctx context.Context) (unlock func(), ok bool, err error)
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Skipped           bool
	Malformed         []string
	Flagged           int64
	Decremented       int
	DecrementFailures int
	ImagesDeleted     int
	ImageFailures     int
	Deleted           int64
}

// Sweeper flags expired workspace shares and deletes expired anonymous ones.
type Sweeper struct {
	shares ShareStore
	ledger Decrementer
	images storage.BlobStore
	lock   Locker
	now    func() time.Time
}

// NewSweeper creates a sweeper. lock may be nil when the caller already
// guarantees sweeps never overlap.
func NewSweeper(shares ShareStore, ledger Decrementer, images storage.BlobStore, lock Locker) *Sweeper {
	return &Sweeper{
		shares: shares,
		ledger: ledger,
		images: images,
		lock:   lock,
		now:    time.Now,
	}
}

// Sweep runs one expiry pass. Only the flag update and the share queries
// abort the pass; usage and image cleanup failures are logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	if s.lock != nil {
		unlock, ok, err := s.lock.TryLock(ctx)
		if err != nil {
			return result, err
		}
		if !ok {
			slog.Info("sweep already running elsewhere, skipping")
			result.Skipped = true
			return result, nil
		}
		defer unlock()
	}

	now := s.now().UTC()

	malformed, err := s.shares.ListMalformedOwnership(ctx)
	if err != nil {
		slog.Error("failed to check share ownership integrity", "error", err)
	} else {
		metrics.MalformedShares.Set(float64(len(malformed)))
		if len(malformed) > 0 {
			slog.Warn("shares with partial ownership are skipped by the sweep",
				"count", len(malformed),
				"share_ids", malformed,
			)
		}
		result.Malformed = malformed
	}

	counts, err := s.shares.ExpiredWorkspaceCounts(ctx, now)
	if err != nil {
		return result, err
	}

	flagged, err := s.shares.MarkWorkspaceSharesExpired(ctx, now)
	if err != nil {
		return result, err
	}
	result.Flagged = flagged
	metrics.SharesFlaggedExpired.Add(float64(flagged))

	s.decrementUsage(ctx, counts, &result)

	anonymous, err := s.shares.ListExpiredAnonymousShares(ctx, now)
	if err != nil {
		return result, err
	}
	if len(anonymous) == 0 {
		slog.Info("sweep complete",
			"flagged", result.Flagged,
			"decremented", result.Decremented,
			"decrement_failures", result.DecrementFailures,
		)
		return result, nil
	}

	for _, share := range anonymous {
		if share.OGImageURL == nil {
			continue
		}
		key := storage.ImageKey(share.ShareID)
		if err := s.images.Delete(ctx, key); err != nil {
			slog.Error("failed to delete preview image",
				"share_id", share.ShareID,
				"key", key,
				"error", err,
			)
			result.ImageFailures++
			metrics.ImageDeleteFailures.Inc()
			continue
		}
		result.ImagesDeleted++
		metrics.ImagesDeleted.Inc()
	}

	deleted, err := s.shares.DeleteExpiredAnonymousShares(ctx, now)
	if err != nil {
		return result, err
	}
	result.Deleted = deleted
	metrics.SharesDeleted.Add(float64(deleted))

	slog.Info("sweep complete",
		"flagged", result.Flagged,
		"decremented", result.Decremented,
		"decrement_failures", result.DecrementFailures,
		"anonymous_deleted", result.Deleted,
		"images_deleted", result.ImagesDeleted,
		"image_failures", result.ImageFailures,
	)
	return result, nil
}

// decrementUsage lowers each organization's counter once per newly flagged
// share. The first failure abandons that organization; resync corrects the
// remainder later.
func (s *Sweeper) decrementUsage(ctx context.Context, counts map[string]int, result *SweepResult) {
	orgs := make([]string, 0, len(counts))
	for org := range counts {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)

	for _, org := range orgs {
		count := counts[org]
		for i := 0; i < count; i++ {
			if err := s.ledger.Decrement(ctx, org, database.MetricShares); err != nil {
				slog.Error("failed to decrement share usage",
					"organization_id", org,
					"remaining", count-i,
					"error", err,
				)
				result.DecrementFailures++
				metrics.UsageDecrementFailures.Inc()
				break
			}
			result.Decremented++
		}
	}
}

func (r SweepResult) String() string {
	if r.Skipped {
		return "sweep skipped"
	}
	return fmt.Sprintf("flagged %d workspace shares, deleted %d anonymous shares", r.Flagged, r.Deleted)
}
