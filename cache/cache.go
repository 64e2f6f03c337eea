// Package cache keeps recently delivered and recently fetched message
// bodies on local disk so protocol sessions rarely touch object storage.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/brevmail/brev/config"
	"github.com/brevmail/brev/consts"
	"github.com/brevmail/brev/logger"
	"github.com/brevmail/brev/pkg/metrics"
)

const (
	dataDir     = "data"
	indexDB     = "cache_index.db"
	maxObjectMB = 64
)

// UploadChecker reports which of a set of content hashes must not be
// evicted because their blob upload has not completed.
type UploadChecker interface {
	UnuploadedHashes(ctx context.Context, hashes []string) (map[string]bool, error)
}

// Cache is a capacity-bounded disk cache indexed by a small sqlite
// database. Files are sharded by hash prefix and evicted oldest first.
type Cache struct {
	basePath      string
	capacity      int64
	maxObjectSize int64
	purgeInterval time.Duration
	uploads       UploadChecker

	mu sync.Mutex
	db *sql.DB
}

// New opens or creates the cache directory and its index.
func New(cfg config.CacheConfig, uploads UploadChecker) (*Cache, error) {
	basePath := filepath.Clean(strings.TrimSpace(cfg.Path))
	if basePath == "" || basePath == "." {
		return nil, fmt.Errorf("cache path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Join(basePath, dataDir), 0o755); err != nil {
		return nil, fmt.Errorf("create cache data dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(basePath, indexDB))
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		logger.Warn("cache: set WAL journal mode", "error", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_index (
			content_hash TEXT PRIMARY KEY,
			size INTEGER NOT NULL,
			mod_time TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS cache_index_mod_time ON cache_index (mod_time);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cache index schema: %w", err)
	}

	maxObject := cfg.MaxObjectSize
	if maxObject <= 0 {
		maxObject = maxObjectMB << 20
	}
	purgeInterval, err := cfg.GetPurgeInterval()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("parse purge interval: %w", err)
	}
	c := &Cache{
		basePath:      basePath,
		capacity:      cfg.Capacity,
		maxObjectSize: maxObject,
		purgeInterval: purgeInterval,
		uploads:       uploads,
		db:            db,
	}
	c.updateSizeGauge(context.Background())
	return c, nil
}

// Close releases the index database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// pathFor shards a content hash into data/ab/cd/rest.
func (c *Cache) pathFor(hash string) string {
	if len(hash) < 4 {
		return filepath.Join(c.basePath, dataDir, hash)
	}
	return filepath.Join(c.basePath, dataDir, hash[:2], hash[2:4], hash[4:])
}

// Put stores a body under its hash. Oversized bodies are skipped without
// error; the caller falls back to the blob store for them.
func (c *Cache) Put(ctx context.Context, hash string, data []byte) error {
	if int64(len(data)) > c.maxObjectSize {
		logger.Debug("cache: object over size limit, not caching", "hash", hash, "size", len(data))
		return nil
	}

	path := c.pathFor(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache shard dir: %w", err)
	}

	// Write through a temp file so readers never see a partial body.
	tmp, err := os.CreateTemp(filepath.Dir(path), "put-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("move cache file into place: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.ExecContext(ctx, `
		INSERT INTO cache_index (content_hash, size, mod_time) VALUES (?, ?, ?)
		ON CONFLICT (content_hash) DO UPDATE SET size = excluded.size, mod_time = excluded.mod_time
	`, hash, len(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("index cache file: %w", err)
	}
	c.updateSizeGaugeLocked(ctx)
	return nil
}

// Get returns a cached body and refreshes its eviction age.
func (c *Cache) Get(ctx context.Context, hash string) ([]byte, error) {
	data, err := os.ReadFile(c.pathFor(hash))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			metrics.CacheMisses.Inc()
			return nil, consts.ErrContentMissing
		}
		return nil, fmt.Errorf("read cache file: %w", err)
	}
	metrics.CacheHits.Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.ExecContext(ctx, `
		UPDATE cache_index SET mod_time = ? WHERE content_hash = ?
	`, time.Now().UTC(), hash); err != nil {
		logger.Warn("cache: touch index entry", "hash", hash, "error", err)
	}
	return data, nil
}

// Exists consults the index, not the filesystem.
func (c *Cache) Exists(ctx context.Context, hash string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM cache_index WHERE content_hash = ?
	`, hash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query cache index: %w", err)
	}
	return n > 0, nil
}

// Delete drops a body from disk and index. Absent entries are fine.
func (c *Cache) Delete(ctx context.Context, hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.pathFor(hash)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cache file: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_index WHERE content_hash = ?`, hash); err != nil {
		return fmt.Errorf("remove cache index entry: %w", err)
	}
	c.updateSizeGaugeLocked(ctx)
	return nil
}

// StartPurgeLoop evicts in the background until the context ends.
func (c *Cache) StartPurgeLoop(ctx context.Context) {
	go func() {
		if err := c.PurgeIfNeeded(ctx); err != nil {
			logger.Warn("cache: purge cycle", "error", err)
		}
		ticker := time.NewTicker(c.purgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.PurgeIfNeeded(ctx); err != nil {
					logger.Warn("cache: purge cycle", "error", err)
				}
			}
		}
	}()
}

// PurgeIfNeeded evicts oldest entries until the cache fits its capacity.
// Bodies whose blob upload is still pending are never evicted: the cache
// is their only durable copy until the uploader finishes.
func (c *Cache) PurgeIfNeeded(ctx context.Context) error {
	candidates, err := c.purgeCandidates(ctx)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	if c.uploads != nil {
		pinned, err := c.uploads.UnuploadedHashes(ctx, candidates)
		if err != nil {
			return fmt.Errorf("check upload state of purge candidates: %w", err)
		}
		kept := candidates[:0]
		for _, hash := range candidates {
			if !pinned[hash] {
				kept = append(kept, hash)
			}
		}
		candidates = kept
	}

	for _, hash := range candidates {
		if err := c.Delete(ctx, hash); err != nil {
			logger.Warn("cache: evict entry", "hash", hash, "error", err)
		}
	}
	c.cleanupEmptyShards()
	logger.Debug("cache: purge done", "evicted", len(candidates))
	return nil
}

// purgeCandidates returns hashes, oldest first, whose removal would bring
// the cache back under capacity.
func (c *Cache) purgeCandidates(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total int64
	if err := c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM cache_index`).Scan(&total); err != nil {
		return nil, fmt.Errorf("total cache size: %w", err)
	}
	if total <= c.capacity {
		return nil, nil
	}
	toFree := total - c.capacity

	rows, err := c.db.QueryContext(ctx, `SELECT content_hash, size FROM cache_index ORDER BY mod_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("query purge candidates: %w", err)
	}
	defer rows.Close()

	var (
		candidates []string
		freed      int64
	)
	for rows.Next() {
		var (
			hash string
			size int64
		)
		if err := rows.Scan(&hash, &size); err != nil {
			return nil, err
		}
		candidates = append(candidates, hash)
		freed += size
		if freed >= toFree {
			break
		}
	}
	return candidates, rows.Err()
}

func (c *Cache) cleanupEmptyShards() {
	root := filepath.Join(c.basePath, dataDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, outer := range entries {
		if !outer.IsDir() {
			continue
		}
		outerPath := filepath.Join(root, outer.Name())
		inner, err := os.ReadDir(outerPath)
		if err != nil {
			continue
		}
		for _, e := range inner {
			if e.IsDir() {
				// Removal succeeds only when already empty.
				_ = os.Remove(filepath.Join(outerPath, e.Name()))
			}
		}
		_ = os.Remove(outerPath)
	}
}

func (c *Cache) updateSizeGauge(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateSizeGaugeLocked(ctx)
}

func (c *Cache) updateSizeGaugeLocked(ctx context.Context) {
	var total int64
	if err := c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM cache_index`).Scan(&total); err == nil {
		metrics.CacheSizeBytes.Set(float64(total))
	}
}
