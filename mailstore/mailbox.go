package mailstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/logger"
	"github.com/migadu/maildrop/pkg/metrics"
	"github.com/migadu/maildrop/server/pop3"
)

// Mailbox is a snapshot of an account's messages taken at authentication.
// It is owned by a single session and is not safe for concurrent use.
type Mailbox struct {
	store     *Store
	accountID int64
	username  string
	messages  []*Message
	released  bool
}

func (m *Mailbox) Len() int {
	return len(m.messages)
}

func (m *Mailbox) Count() int {
	n := 0
	for _, msg := range m.messages {
		if !msg.deleted {
			n++
		}
	}
	return n
}

func (m *Mailbox) TotalSize() int64 {
	var total int64
	for _, msg := range m.messages {
		if !msg.deleted {
			total += msg.size
		}
	}
	return total
}

func (m *Mailbox) lookup(n int) (*Message, error) {
	if n < 1 || n > len(m.messages) {
		return nil, consts.ErrNoSuchMessage
	}
	msg := m.messages[n-1]
	if msg.deleted {
		return nil, consts.ErrNoSuchMessage
	}
	return msg, nil
}

func (m *Mailbox) Message(n int) (pop3.Message, error) {
	msg, err := m.lookup(n)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (m *Mailbox) Delete(n int) error {
	msg, err := m.lookup(n)
	if err != nil {
		return err
	}
	msg.deleted = true
	return nil
}

func (m *Mailbox) Reset() int {
	recovered := 0
	for _, msg := range m.messages {
		if msg.deleted {
			msg.deleted = false
			recovered++
		}
	}
	return recovered
}

// Release expunges the messages marked deleted. Bodies nobody references
// any more are left for the cleaner. The view cannot be used afterwards.
func (m *Mailbox) Release(ctx context.Context) error {
	if m.released {
		return consts.ErrMailboxReleased
	}
	m.released = true

	var ids []int64
	for _, msg := range m.messages {
		if msg.deleted {
			ids = append(ids, msg.id)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	if _, err := m.store.db.ExpungeMessages(ctx, m.accountID, ids); err != nil {
		return fmt.Errorf("failed to expunge messages of %s: %w", m.username, err)
	}
	metrics.MessagesExpunged.Add(float64(len(ids)))
	return nil
}

type Message struct {
	store   *Store
	number  int
	id      int64
	hash    string
	size    int64
	deleted bool
}

func (m *Message) Number() int { return m.number }
func (m *Message) Size() int64 { return m.size }

// Open returns the raw message, from the local cache when possible.
func (m *Message) Open(ctx context.Context) (io.ReadCloser, error) {
	c := m.store.cache
	if c == nil {
		return m.store.blobs.Get(ctx, m.hash)
	}

	if data, err := c.Get(m.hash); err == nil {
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	r, err := m.store.blobs.Get(ctx, m.hash)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read message body %s: %w", m.hash, err)
	}

	if err := c.Put(m.hash, data); err != nil {
		logger.Debug("Mailstore: body not cached", "hash", m.hash, "error", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
