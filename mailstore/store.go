// Package mailstore keeps maildrops: account credentials and message
// metadata in the database, message bodies in a content addressed blob
// store with an optional local cache in front of it.
package mailstore

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/db"
	"github.com/migadu/maildrop/helpers"
	"github.com/migadu/maildrop/logger"
	"github.com/migadu/maildrop/pkg/metrics"
	"github.com/migadu/maildrop/server/pop3"
)

// BlobStore is implemented by storage.FileStorage and storage.S3Storage.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// BodyCache is implemented by cache.Cache.
type BodyCache interface {
	Get(contentHash string) ([]byte, error)
	Put(contentHash string, data []byte) error
}

type Store struct {
	db    *db.Database
	blobs BlobStore
	cache BodyCache
}

// New returns a Store. cache may be nil.
func New(database *db.Database, blobs BlobStore, cache BodyCache) *Store {
	return &Store{db: database, blobs: blobs, cache: cache}
}

func (s *Store) UserExists(ctx context.Context, username string) (bool, error) {
	return s.db.AccountExists(ctx, username)
}

func (s *Store) Authenticate(ctx context.Context, username, password string) error {
	_, err := s.db.Authenticate(ctx, username, password)
	return err
}

// OpenMailbox loads the current messages of username into a session view.
func (s *Store) OpenMailbox(ctx context.Context, username string) (pop3.Mailbox, error) {
	account, err := s.db.GetAccount(ctx, username)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.ListMessages(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	mbox := &Mailbox{
		store:     s,
		accountID: account.ID,
		username:  account.Username,
		messages:  make([]*Message, len(rows)),
	}
	for i, row := range rows {
		mbox.messages[i] = &Message{
			store:  s,
			number: i + 1,
			id:     row.ID,
			hash:   row.ContentHash,
			size:   row.Size,
		}
	}
	return mbox, nil
}

// Append delivers raw into the maildrop of username and returns the new
// message ID. The body is stored once per distinct content.
func (s *Store) Append(ctx context.Context, username string, raw []byte) (int64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("%w: empty message", consts.ErrMalformedMessage)
	}

	account, err := s.db.GetAccount(ctx, username)
	if err != nil {
		return 0, err
	}

	// A message without a body ends the header at EOF.
	header, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}
	mailHeader := mail.Header{Header: message.Header{Header: header}}
	subject, _ := mailHeader.Subject()
	messageID, _ := mailHeader.MessageID()

	var sentDate *time.Time
	if date, err := mailHeader.Date(); err == nil && !date.IsZero() {
		sentDate = &date
	}

	contentHash := helpers.HashContent(raw)
	if err := s.blobs.Put(ctx, contentHash, raw); err != nil {
		return 0, fmt.Errorf("failed to store message body: %w", err)
	}

	id, err := s.db.InsertMessage(ctx, &db.Message{
		AccountID:   account.ID,
		ContentHash: contentHash,
		Size:        int64(len(raw)),
		Subject:     helpers.SanitizeUTF8(subject),
		MessageID:   helpers.SanitizeUTF8(messageID),
		SentDate:    sentDate,
	})
	if err != nil {
		return 0, err
	}

	// The cleaner may have removed an identical body between Put and the
	// insert; it can no longer do so now that the row exists.
	exists, err := s.blobs.Exists(ctx, contentHash)
	if err != nil || !exists {
		logger.Info("Mailstore: rewriting message body", "hash", contentHash, "error", err)
		if err := s.blobs.Put(ctx, contentHash, raw); err != nil {
			return 0, fmt.Errorf("failed to store message body of message %d: %w", id, err)
		}
	}

	metrics.MessagesAppended.Inc()
	logger.Info("Mailstore: message appended", "user", account.Username, "id", id, "size", len(raw), "hash", contentHash)
	return id, nil
}

var (
	_ pop3.Backend = (*Store)(nil)
	_ pop3.Mailbox = (*Mailbox)(nil)
	_ pop3.Message = (*Message)(nil)
)
