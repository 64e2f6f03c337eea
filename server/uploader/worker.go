// Package uploader drains the delivery spool: every body record the store
// marks as not yet uploaded is read from the local cache and written to the
// blob store. Until that happens the cache holds the only durable copy, so
// the cache pins unuploaded content and this worker is what unpins it.
package uploader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/brevmail/brev/blob"
	"github.com/brevmail/brev/cache"
	"github.com/brevmail/brev/config"
	"github.com/brevmail/brev/consts"
	"github.com/brevmail/brev/logger"
	"github.com/brevmail/brev/pkg/metrics"
	"github.com/brevmail/brev/store"
)

const defaultConcurrency = 4

type Worker struct {
	store       *store.Store
	blobs       blob.Store
	cache       *cache.Cache
	batchSize   int
	maxAttempts int
	interval    time.Duration

	notifyCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	running  bool
	failures map[string]int // consecutive failures per content hash
}

func New(st *store.Store, blobs blob.Store, c *cache.Cache, cfg config.UploaderConfig) (*Worker, error) {
	interval, err := cfg.GetInterval()
	if err != nil {
		return nil, err
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Worker{
		store:       st,
		blobs:       blobs,
		cache:       c,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		interval:    interval,
		notifyCh:    make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		failures:    make(map[string]int),
	}, nil
}

func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)
	logger.Info("uploader started", "interval", w.interval, "batch_size", w.batchSize)
}

// Stop waits for the in-flight batch to finish. Safe to call twice.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	logger.Info("uploader stopped")
}

// NotifyUploadQueued wakes the worker early after a delivery. Never blocks.
func (w *Worker) NotifyUploadQueued() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.processQueue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.processQueue(ctx)
		case <-w.notifyCh:
			w.processQueue(ctx)
		}
	}
}

// ProcessOnce drains the queue a single time. Exposed for admin tooling.
func (w *Worker) ProcessOnce(ctx context.Context) error {
	return w.processQueue(ctx)
}

func (w *Worker) processQueue(ctx context.Context) error {
	for {
		pending, err := w.store.ListPendingUploads(ctx, w.batchSize)
		if err != nil {
			logger.Error("uploader: listing pending uploads", "error", err)
			return err
		}
		metrics.UploaderPending.Set(float64(len(pending)))
		if len(pending) == 0 {
			return nil
		}

		sem := make(chan struct{}, defaultConcurrency)
		var wg sync.WaitGroup
		progressed := false
		for _, p := range pending {
			if w.attemptsExhausted(p.ContentHash) {
				continue
			}
			select {
			case <-ctx.Done():
				wg.Wait()
				return ctx.Err()
			case sem <- struct{}{}:
			}
			wg.Add(1)
			progressed = true
			go func(p store.PendingUpload) {
				defer wg.Done()
				defer func() { <-sem }()
				w.uploadOne(ctx, p)
			}(p)
		}
		wg.Wait()

		if !progressed {
			// Everything left has exhausted its attempts; stop looping
			// until new work arrives.
			return nil
		}
		if len(pending) < w.batchSize {
			return nil
		}
	}
}

func (w *Worker) uploadOne(ctx context.Context, p store.PendingUpload) {
	data, err := w.cache.Get(ctx, p.ContentHash)
	if errors.Is(err, consts.ErrContentMissing) {
		// The spool copy is gone. If a previous run uploaded the blob but
		// died before recording it, finish the bookkeeping now.
		exists, existsErr := w.blobs.Exists(ctx, p.ContentHash)
		if existsErr == nil && exists {
			if markErr := w.store.MarkMessageUploaded(ctx, p.ID); markErr != nil {
				w.recordFailure(p.ContentHash, markErr)
				return
			}
			w.recordSuccess(p.ContentHash)
			return
		}
		logger.Error("uploader: content missing from spool and blob store", "hash", p.ContentHash)
		w.recordFailure(p.ContentHash, err)
		return
	}
	if err != nil {
		w.recordFailure(p.ContentHash, err)
		return
	}

	if err := w.blobs.Put(ctx, p.ContentHash, bytes.NewReader(data), int64(len(data))); err != nil {
		logger.Warn("uploader: blob write failed", "hash", p.ContentHash, "error", err)
		w.recordFailure(p.ContentHash, err)
		return
	}
	if err := w.store.MarkMessageUploaded(ctx, p.ID); err != nil {
		// The blob write is idempotent, the next pass repeats it cheaply.
		logger.Warn("uploader: marking upload failed", "hash", p.ContentHash, "error", err)
		w.recordFailure(p.ContentHash, err)
		return
	}
	w.recordSuccess(p.ContentHash)
	logger.Debug("uploaded message content", "hash", p.ContentHash, "size", p.Size)
}

func (w *Worker) attemptsExhausted(hash string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failures[hash] >= w.maxAttempts
}

func (w *Worker) recordFailure(hash string, err error) {
	metrics.UploaderUploads.WithLabelValues("failure").Inc()
	w.mu.Lock()
	w.failures[hash]++
	n := w.failures[hash]
	w.mu.Unlock()
	if n == w.maxAttempts {
		logger.Error("uploader: giving up on content until restart", "hash", hash, "attempts", n, "error", err)
	}
}

func (w *Worker) recordSuccess(hash string) {
	metrics.UploaderUploads.WithLabelValues("success").Inc()
	w.mu.Lock()
	delete(w.failures, hash)
	w.mu.Unlock()
}

// ContentReader serves message bodies for FETCH and RETR: cache first, then
// the blob store, re-warming the cache on a blob hit.
type ContentReader struct {
	cache *cache.Cache
	blobs blob.Store
}

func NewContentReader(c *cache.Cache, blobs blob.Store) *ContentReader {
	return &ContentReader{cache: c, blobs: blobs}
}

func (r *ContentReader) Read(ctx context.Context, hash string) ([]byte, error) {
	data, err := r.cache.Get(ctx, hash)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, consts.ErrContentMissing) {
		return nil, err
	}

	body, err := r.blobs.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err = io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if putErr := r.cache.Put(ctx, hash, data); putErr != nil {
		logger.Debug("cache re-warm failed", "hash", hash, "error", putErr)
	}
	return data, nil
}
