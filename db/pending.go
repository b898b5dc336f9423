package db

import (
	"context"
	"fmt"
	"time"
)

// countContentHashRefs reports how many message rows reference contentHash.
func (t *Tx) countContentHashRefs(ctx context.Context, contentHash string) (int64, error) {
	var n int64
	err := t.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE content_hash = ?`, contentHash).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count references of %s: %w", contentHash, err)
	}
	return n, nil
}

// ListPendingDeletions returns up to limit queued content hashes that have
// waited at least gracePeriod, oldest first.
func (db *Database) ListPendingDeletions(ctx context.Context, gracePeriod time.Duration, limit int) ([]string, error) {
	cutoff := time.Now().UTC().Add(-gracePeriod)
	rows, err := db.TimedQuery(ctx, "pending_deletions_list",
		`SELECT content_hash FROM pending_deletions WHERE queued_at <= ? ORDER BY queued_at LIMIT ?`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending deletions: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("failed to scan pending deletion: %w", err)
		}
		hashes = append(hashes, hash)
	}
	return hashes, rows.Err()
}

// PurgeContentHash takes contentHash off the deletion queue and, when no
// message references it, calls remove before committing. It reports false
// when another worker already claimed the hash or a new delivery reuses it.
// If remove fails the hash stays queued.
//
// InsertMessage deletes the same queue row, so a delivery of this content
// waits for the purge to finish and rewrites the body afterwards. remove
// must not use the database.
func (db *Database) PurgeContentHash(ctx context.Context, contentHash string, remove func(context.Context) error) (purged bool, err error) {
	start := time.Now()
	defer func() { db.observe("pending_deletion_purge", start, err) }()

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM pending_deletions WHERE content_hash = ?`, contentHash)
	if err != nil {
		return false, fmt.Errorf("failed to claim pending deletion %s: %w", contentHash, err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if claimed == 0 {
		return false, nil
	}

	refs, err := tx.countContentHashRefs(ctx, contentHash)
	if err != nil {
		return false, err
	}
	if refs == 0 {
		if err = remove(ctx); err != nil {
			return false, err
		}
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit purge of %s: %w", contentHash, err)
	}
	return refs == 0, nil
}
