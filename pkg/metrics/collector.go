package metrics

import (
	"context"
	"time"

	"github.com/migadu/maildrop/logger"
)

// MetricsStats holds aggregate statistics returned by the database
type MetricsStats struct {
	TotalAccounts int64
	TotalMessages int64
	TotalBytes    int64
}

// StatsProvider is implemented by db.Database.
type StatsProvider interface {
	GetMetricsStats(ctx context.Context) (*MetricsStats, error)
}

// CacheStatsProvider is implemented by cache.Cache.
type CacheStatsProvider interface {
	Stats(ctx context.Context) (objects int64, size int64, err error)
}

// Collector periodically refreshes the gauges that need a database query.
type Collector struct {
	provider      StatsProvider
	cacheProvider CacheStatsProvider
	interval      time.Duration
	stopCh        chan struct{}
}

// NewCollector creates a collector. cacheProvider may be nil.
func NewCollector(provider StatsProvider, cacheProvider CacheStatsProvider, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Collector{
		provider:      provider,
		cacheProvider: cacheProvider,
		interval:      interval,
		stopCh:        make(chan struct{}),
	}
}

// Start collects immediately and then on every tick until ctx is done or
// Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Debug("MetricsCollector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Debug("MetricsCollector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	stats, err := c.provider.GetMetricsStats(ctx)
	if err != nil {
		logger.Error("MetricsCollector: error collecting metrics", "error", err)
	} else {
		AccountsTotal.Set(float64(stats.TotalAccounts))
		MessagesTotal.Set(float64(stats.TotalMessages))
		StoredBytesTotal.Set(float64(stats.TotalBytes))
		logger.Debug("MetricsCollector: updated DB metrics", "accounts", stats.TotalAccounts,
			"messages", stats.TotalMessages, "bytes", stats.TotalBytes)
	}

	if c.cacheProvider != nil {
		objects, size, err := c.cacheProvider.Stats(ctx)
		if err != nil {
			logger.Error("MetricsCollector: error collecting cache metrics", "error", err)
			return
		}
		CacheObjectsTotal.Set(float64(objects))
		CacheSizeBytes.Set(float64(size))
	}
}
