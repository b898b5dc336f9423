package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Message is the metadata row of a stored message. The body lives in the
// blob store under ContentHash.
type Message struct {
	ID          int64
	AccountID   int64
	ContentHash string
	Size        int64
	Subject     string
	MessageID   string
	SentDate    *time.Time
	ReceivedAt  time.Time
}

// InsertMessage records a delivered message and returns its ID. The content
// hash is taken off the deletion queue in the same transaction; a purge that
// already claimed it finishes first, so the caller must make sure the body is
// still in storage once InsertMessage returns.
func (db *Database) InsertMessage(ctx context.Context, m *Message) (id int64, err error) {
	var sentDate sql.NullTime
	if m.SentDate != nil {
		sentDate = sql.NullTime{Time: m.SentDate.UTC(), Valid: true}
	}

	start := time.Now()
	defer func() { db.observe("message_insert", start, err) }()

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx, `DELETE FROM pending_deletions WHERE content_hash = ?`, m.ContentHash); err != nil {
		return 0, fmt.Errorf("failed to unqueue body %s: %w", m.ContentHash, err)
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (account_id, content_hash, size, subject, message_id, sent_date)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		m.AccountID, m.ContentHash, m.Size, m.Subject, m.MessageID, sentDate).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit message insert: %w", err)
	}
	m.ID = id
	return id, nil
}

// ListMessages returns the messages of an account in delivery order.
func (db *Database) ListMessages(ctx context.Context, accountID int64) ([]Message, error) {
	rows, err := db.TimedQuery(ctx, "message_list",
		`SELECT id, account_id, content_hash, size, subject, message_id, sent_date, received_at
		 FROM messages WHERE account_id = ? ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var sentDate sql.NullTime
		if err := rows.Scan(&m.ID, &m.AccountID, &m.ContentHash, &m.Size, &m.Subject, &m.MessageID,
			&sentDate, &m.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if sentDate.Valid {
			t := sentDate.Time
			m.SentDate = &t
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
