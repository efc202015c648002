package cleanup

import (
	"context"
	"fmt"
	"log/slog"

	"sharekeeper/internal/server/metrics"
	"sharekeeper/internal/server/storage"

	"github.com/dustin/go-humanize"
)

// ShareIDLister lists every share id currently stored.
type ShareIDLister interface {
	ListShareIDs(ctx context.Context) ([]string, error)
}

// CollectResult summarizes one orphan collection pass.
type CollectResult struct {
	Listed         int
	Orphaned       int
	Deleted        int
	ReclaimedBytes int64
}

// Collector deletes preview images whose share no longer exists.
type Collector struct {
	shares ShareIDLister
	images storage.BlobStore
}

func NewCollector(shares ShareIDLister, images storage.BlobStore) *Collector {
	return &Collector{shares: shares, images: images}
}

// Collect removes orphaned images. Flagged-expired shares still own their
// image, so every share id counts as valid. Listing failures abort the pass;
// per-object delete failures do not.
func (c *Collector) Collect(ctx context.Context) (CollectResult, error) {
	var result CollectResult

	objects, err := c.images.List(ctx)
	if err != nil {
		return result, err
	}
	result.Listed = len(objects)
	if len(objects) == 0 {
		slog.Info("no preview images stored")
		return result, nil
	}

	shareIDs, err := c.shares.ListShareIDs(ctx)
	if err != nil {
		return result, err
	}

	valid := make(map[string]struct{}, len(shareIDs))
	for _, id := range shareIDs {
		valid[storage.ImageKey(id)] = struct{}{}
	}

	var orphans []storage.Object
	for _, obj := range objects {
		if _, ok := valid[obj.Key]; !ok {
			orphans = append(orphans, obj)
		}
	}
	result.Orphaned = len(orphans)
	if len(orphans) == 0 {
		slog.Info("no orphaned preview images", "listed", len(objects))
		return result, nil
	}

	slog.Info("deleting orphaned preview images", "orphaned", len(orphans), "listed", len(objects))

	for _, obj := range orphans {
		if err := c.images.Delete(ctx, obj.Key); err != nil {
			slog.Error("failed to delete orphaned image", "key", obj.Key, "error", err)
			metrics.ImageDeleteFailures.Inc()
			continue
		}
		result.Deleted++
		result.ReclaimedBytes += obj.Size
		metrics.ImagesDeleted.Inc()
	}

	slog.Info("orphan collection complete",
		"deleted", result.Deleted,
		"attempted", result.Orphaned,
		"reclaimed", humanize.Bytes(uint64(result.ReclaimedBytes)),
	)
	return result, nil
}

func (r CollectResult) String() string {
	return fmt.Sprintf("deleted %d of %d orphaned images", r.Deleted, r.Orphaned)
}
