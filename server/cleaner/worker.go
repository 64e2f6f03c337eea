// Package cleaner reclaims storage for message bodies no folder references
// anymore. Expunge and folder deletion only drop reference rows; the body
// record, the cached file and the blob survive until this worker removes
// them after a grace period. The grace period keeps a crashed delivery or a
// racing copy from losing content.
package cleaner

import (
	"context"
	"time"

	"github.com/brevmail/brev/blob"
	"github.com/brevmail/brev/cache"
	"github.com/brevmail/brev/config"
	"github.com/brevmail/brev/logger"
	"github.com/brevmail/brev/pkg/metrics"
	"github.com/brevmail/brev/store"
)

const batchSize = 200

type Worker struct {
	store       *store.Store
	blobs       blob.Store
	cache       *cache.Cache
	interval    time.Duration
	gracePeriod time.Duration
	stopCh      chan struct{}
}

func New(st *store.Store, blobs blob.Store, c *cache.Cache, cfg config.CleanerConfig) (*Worker, error) {
	interval, err := cfg.GetInterval()
	if err != nil {
		return nil, err
	}
	gracePeriod, err := cfg.GetGracePeriod()
	if err != nil {
		return nil, err
	}
	return &Worker{
		store:       st,
		blobs:       blobs,
		cache:       c,
		interval:    interval,
		gracePeriod: gracePeriod,
		stopCh:      make(chan struct{}),
	}, nil
}

func (w *Worker) Start(ctx context.Context) {
	logger.Info("cleaner started", "interval", w.interval, "grace_period", w.gracePeriod)
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
				if _, err := w.RunOnce(ctx); err != nil {
					logger.Error("cleaner pass failed", "error", err)
				}
			}
		}
	}()
}

func (w *Worker) Stop() {
	close(w.stopCh)
}

// RunOnce removes one round of unreferenced bodies and reports how many
// records went away. Blob and cache copies go first; the store row last, so
// a crash mid-pass leaves a re-listable orphan rather than a dangling row.
func (w *Worker) RunOnce(ctx context.Context) (int64, error) {
	var removed int64
	for {
		orphans, err := w.store.ListUnreferencedMessages(ctx, time.Now().UTC().Add(-w.gracePeriod), batchSize)
		if err != nil {
			return removed, err
		}
		if len(orphans) == 0 {
			return removed, nil
		}

		progress := false
		for _, orphan := range orphans {
			select {
			case <-ctx.Done():
				return removed, ctx.Err()
			default:
			}
			if w.removeOne(ctx, orphan) {
				removed++
				progress = true
			}
		}
		if !progress {
			// Every candidate failed or got re-referenced; retry next tick.
			return removed, nil
		}
		if len(orphans) < batchSize {
			return removed, nil
		}
	}
}

func (w *Worker) removeOne(ctx context.Context, orphan store.OrphanMessage) bool {
	// Body rows are unique per content hash, so an unreferenced row means
	// nothing else can reach this blob.
	if err := w.blobs.Delete(ctx, orphan.ContentHash); err != nil {
		logger.Warn("cleaner: blob delete failed", "hash", orphan.ContentHash, "error", err)
		metrics.CleanerRemovals.WithLabelValues("failure").Inc()
		return false
	}
	if err := w.cache.Delete(ctx, orphan.ContentHash); err != nil {
		logger.Warn("cleaner: cache delete failed", "hash", orphan.ContentHash, "error", err)
	}

	deleted, err := w.store.DeleteMessageIfUnreferenced(ctx, orphan.ID)
	if err != nil {
		logger.Warn("cleaner: record delete failed", "id", orphan.ID, "error", err)
		metrics.CleanerRemovals.WithLabelValues("failure").Inc()
		return false
	}
	if !deleted {
		// A delivery re-referenced the body between listing and now; the
		// blob is already gone, so put the body back on the upload queue.
		// The redelivery spooled a fresh cache copy for the uploader.
		if err := w.store.MarkMessageNotUploaded(ctx, orphan.ID); err != nil {
			logger.Error("cleaner: requeue for upload failed", "id", orphan.ID, "error", err)
		}
		metrics.CleanerRemovals.WithLabelValues("requeued").Inc()
		return false
	}

	metrics.CleanerRemovals.WithLabelValues("success").Inc()
	logger.Debug("cleaner removed message body", "id", orphan.ID, "hash", orphan.ContentHash)
	return true
}
