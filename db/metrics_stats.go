package db

import (
	"context"

	"github.com/migadu/maildrop/pkg/metrics"
)

// GetMetricsStats returns aggregate statistics for Prometheus metrics
func (db *Database) GetMetricsStats(ctx context.Context) (*metrics.MetricsStats, error) {
	stats := &metrics.MetricsStats{}

	if err := db.TimedQueryRow(ctx, "stats_accounts", []any{&stats.TotalAccounts},
		`SELECT COUNT(*) FROM accounts`); err != nil {
		return nil, err
	}

	if err := db.TimedQueryRow(ctx, "stats_messages", []any{&stats.TotalMessages, &stats.TotalBytes},
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM messages`); err != nil {
		return nil, err
	}

	return stats, nil
}
