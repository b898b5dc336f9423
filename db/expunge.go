package db

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/maildrop/logger"
)

// ExpungeMessages deletes the given messages of an account in one
// transaction. Content hashes that no message row references any more are
// queued in pending_deletions and returned; the bodies stay in storage until
// the cleaner purges them.
func (db *Database) ExpungeMessages(ctx context.Context, accountID int64, ids []int64) (orphaned []string, err error) {
	if len(ids) == 0 {
		return nil, nil
	}

	start := time.Now()
	defer func() { db.observe("message_expunge", start, err) }()

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	hashes := make(map[string]struct{}, len(ids))
	var deleted int64
	for _, id := range ids {
		var hash string
		err = tx.QueryRowContext(ctx,
			`DELETE FROM messages WHERE id = ? AND account_id = ? RETURNING content_hash`,
			id, accountID).Scan(&hash)
		if err != nil {
			if isNoRows(err) {
				// Already gone; nothing to do.
				err = nil
				continue
			}
			return nil, fmt.Errorf("failed to delete message %d: %w", id, err)
		}
		hashes[hash] = struct{}{}
		deleted++
	}

	queuedAt := time.Now().UTC()
	for hash := range hashes {
		var refs int64
		if refs, err = tx.countContentHashRefs(ctx, hash); err != nil {
			return nil, err
		}
		if refs > 0 {
			continue
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO pending_deletions (content_hash, queued_at) VALUES (?, ?)
			 ON CONFLICT (content_hash) DO UPDATE SET queued_at = excluded.queued_at`,
			hash, queuedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to queue body %s for deletion: %w", hash, err)
		}
		orphaned = append(orphaned, hash)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit expunge: %w", err)
	}

	logger.Info("Database: expunged messages", "account_id", accountID, "count", deleted, "orphaned_bodies", len(orphaned))
	return orphaned, nil
}
