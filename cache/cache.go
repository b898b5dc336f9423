// Package cache keeps recently retrieved message bodies on local disk so
// repeated RETR of the same message does not go back to object storage.
// Files live under <base>/data and are indexed in a SQLite database that
// tracks size and age for capacity based eviction.
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

	"github.com/migadu/maildrop/logger"
	"github.com/migadu/maildrop/pkg/metrics"
	_ "modernc.org/sqlite"
)

const DataDir = "data"
const IndexDB = "cache_index.db"

type Cache struct {
	basePath      string
	capacity      int64
	maxObjectSize int64
	purgeInterval time.Duration
	db            *sql.DB
	mu            sync.Mutex
}

func New(basePath string, capacity int64, maxObjectSize int64, purgeInterval time.Duration) (*Cache, error) {
	basePath = filepath.Clean(strings.TrimSpace(basePath))
	if basePath == "" || basePath == "." {
		return nil, fmt.Errorf("cache base path cannot be empty")
	}

	dataDir := filepath.Join(basePath, DataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache data path %s: %w", dataDir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(basePath, IndexDB))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index DB: %w", err)
	}
	// A single connection serialises index writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("CACHE: failed to enable WAL journal", "error", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS cache_index (
		path TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		mod_time TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_mod_time ON cache_index(mod_time);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}

	return &Cache{
		basePath:      basePath,
		capacity:      capacity,
		maxObjectSize: maxObjectSize,
		purgeInterval: purgeInterval,
		db:            db,
	}, nil
}

// Close closes the cache index.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Get returns the cached body. A miss is reported as an error satisfying os.IsNotExist.
func (c *Cache) Get(contentHash string) ([]byte, error) {
	data, err := os.ReadFile(c.GetPathForContentHash(contentHash))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			metrics.CacheOperationsTotal.WithLabelValues("get", "miss").Inc()
		} else {
			metrics.CacheOperationsTotal.WithLabelValues("get", "error").Inc()
		}
		return nil, err
	}
	metrics.CacheOperationsTotal.WithLabelValues("get", "hit").Inc()
	return data, nil
}

func (c *Cache) Put(contentHash string, data []byte) error {
	if int64(len(data)) > c.maxObjectSize {
		metrics.CacheOperationsTotal.WithLabelValues("put", "skipped").Inc()
		return fmt.Errorf("data size %d exceeds object limit %d", len(data), c.maxObjectSize)
	}

	path := c.GetPathForContentHash(contentHash)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Write outside the lock; the rename makes the entry visible atomically.
	tempFile, err := os.CreateTemp(dir, "put-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to write to temporary cache file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary cache file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil {
		return fmt.Errorf("failed to move temporary file to cache location %s: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.Exec(`INSERT OR REPLACE INTO cache_index (path, size, mod_time) VALUES (?, ?, ?)`,
		path, len(data), time.Now()); err != nil {
		return fmt.Errorf("failed to track cache file %s: %w", path, err)
	}
	metrics.CacheOperationsTotal.WithLabelValues("put", "success").Inc()
	return nil
}

// Delete removes an entry; deleting a missing entry is not an error.
func (c *Cache) Delete(contentHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.GetPathForContentHash(contentHash)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cache file %s: %w", path, err)
	}
	if _, err := c.db.Exec(`DELETE FROM cache_index WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to remove index entry for path %s: %w", path, err)
	}
	return nil
}

// Stats returns the number of indexed objects and their total size.
func (c *Cache) Stats(ctx context.Context) (objects int64, size int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err = c.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_index`).Scan(&objects, &size)
	return objects, size, err
}

// StartPurgeLoop runs PurgeIfNeeded every purge interval until ctx is done.
func (c *Cache) StartPurgeLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.purgeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.PurgeIfNeeded(ctx); err != nil {
					logger.Warn("CACHE: purge failed", "error", err)
				}
			}
		}
	}()
}

// PurgeIfNeeded evicts the oldest entries until the cache is within capacity.
func (c *Cache) PurgeIfNeeded(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var totalSize int64
	if err := c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM cache_index`).Scan(&totalSize); err != nil {
		return fmt.Errorf("failed to get total cache size: %w", err)
	}
	defer c.updateGauges(ctx)

	if totalSize <= c.capacity {
		return nil
	}
	amountToFree := totalSize - c.capacity

	rows, err := c.db.QueryContext(ctx, `SELECT path, size FROM cache_index ORDER BY mod_time ASC`)
	if err != nil {
		return fmt.Errorf("failed to query for purge candidates: %w", err)
	}

	var candidates []string
	var freed int64
	for rows.Next() && freed < amountToFree {
		var path string
		var size int64
		if err := rows.Scan(&path, &size); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan purge candidate: %w", err)
		}
		candidates = append(candidates, path)
		freed += size
	}
	rows.Close()

	removed := 0
	for _, path := range candidates {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("CACHE: failed to remove file during purge", "path", path, "error", err)
			continue
		}
		if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_index WHERE path = ?`, path); err != nil {
			return fmt.Errorf("failed to remove index entry for %s: %w", path, err)
		}
		removed++
	}
	logger.Info("CACHE: purged entries", "removed", removed, "freed_bytes", freed, "capacity", c.capacity)
	return nil
}

// updateGauges must be called with c.mu held.
func (c *Cache) updateGauges(ctx context.Context) {
	var objects, size int64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_index`).Scan(&objects, &size); err != nil {
		return
	}
	metrics.CacheObjectsTotal.Set(float64(objects))
	metrics.CacheSizeBytes.Set(float64(size))
}

// GetPathForContentHash splits the hash into two directory levels.
func (c *Cache) GetPathForContentHash(contentHash string) string {
	if len(contentHash) < 4 {
		return filepath.Join(c.basePath, DataDir, contentHash)
	}
	return filepath.Join(c.basePath, DataDir, contentHash[:2], contentHash[2:4], contentHash[4:])
}
