// Package cleaner removes message bodies that no message references any more.
//
// Expunging a message only queues its body in pending_deletions. The
// worker wakes up periodically, picks the entries that have waited longer
// than the grace period and deletes each body from storage and from the
// local cache, re-checking in the same database transaction that no new
// delivery has started using the content again.
package cleaner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/logger"
	"github.com/migadu/maildrop/pkg/metrics"
)

// BatchSize bounds the number of bodies handled per sweep.
const BatchSize = 500

// DatabaseManager defines the database operations required by the cleaner.
type DatabaseManager interface {
	ListPendingDeletions(ctx context.Context, gracePeriod time.Duration, limit int) ([]string, error)
	PurgeContentHash(ctx context.Context, contentHash string, remove func(context.Context) error) (bool, error)
}

// BlobDeleter is implemented by storage.FileStorage and storage.S3Storage.
type BlobDeleter interface {
	Delete(ctx context.Context, key string) error
}

// CacheManager is implemented by cache.Cache.
type CacheManager interface {
	Delete(contentHash string) error
}

type CleanupWorker struct {
	db          DatabaseManager
	blobs       BlobDeleter
	cache       CacheManager
	interval    time.Duration
	gracePeriod time.Duration
	stopCh      chan struct{}
}

// New creates a CleanupWorker. cache may be nil.
func New(db DatabaseManager, blobs BlobDeleter, cache CacheManager, interval, gracePeriod time.Duration) *CleanupWorker {
	return &CleanupWorker{
		db:          db,
		blobs:       blobs,
		cache:       cache,
		interval:    interval,
		gracePeriod: gracePeriod,
		stopCh:      make(chan struct{}),
	}
}

// Start runs a sweep every interval until ctx is done or Stop is called.
// It blocks.
func (w *CleanupWorker) Start(ctx context.Context) {
	interval := w.interval
	const minAllowedInterval = time.Second
	if interval < minAllowedInterval {
		logger.Warn("Cleaner: interval below minimum, using minimum", "configured", interval, "minimum", minAllowedInterval)
		interval = minAllowedInterval
	}
	logger.Info("Cleaner: worker starting", "interval", interval, "grace_period", w.gracePeriod)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Cleaner: worker stopped due to context cancellation")
			return
		case <-w.stopCh:
			logger.Info("Cleaner: worker stopped due to stop signal")
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				logger.Error("Cleaner: sweep failed", "error", err)
			}
		}
	}
}

// Stop signals the worker to stop.
func (w *CleanupWorker) Stop() {
	close(w.stopCh)
}

// Sweep purges the bodies whose grace period has passed and returns how
// many were removed. A body that fails to delete stays queued for the next
// sweep.
func (w *CleanupWorker) Sweep(ctx context.Context) (int, error) {
	hashes, err := w.db.ListPendingDeletions(ctx, w.gracePeriod, BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending deletions: %w", err)
	}
	if len(hashes) == 0 {
		logger.Debug("Cleaner: no bodies to purge")
		return 0, nil
	}

	purged, failed := 0, 0
	for _, hash := range hashes {
		if err := ctx.Err(); err != nil {
			return purged, fmt.Errorf("sweep aborted: %w", err)
		}

		ok, err := w.db.PurgeContentHash(ctx, hash, func(ctx context.Context) error {
			return w.removeBody(ctx, hash)
		})
		if err != nil {
			logger.Warn("Cleaner: failed to purge body", "hash", hash, "error", err)
			failed++
			continue
		}
		if ok {
			purged++
		}
	}

	metrics.BodiesPurged.Add(float64(purged))
	logger.Info("Cleaner: sweep finished", "candidates", len(hashes), "purged", purged, "failed", failed)
	return purged, nil
}

func (w *CleanupWorker) removeBody(ctx context.Context, hash string) error {
	if err := w.blobs.Delete(ctx, hash); err != nil && !errors.Is(err, consts.ErrMessageNotFound) {
		return err
	}
	if w.cache != nil {
		// The cache has its own eviction; a stale entry is not fatal.
		if err := w.cache.Delete(hash); err != nil {
			logger.Warn("Cleaner: failed to evict cached body", "hash", hash, "error", err)
		}
	}
	return nil
}
