package pop3

import (
	"context"
	"io"
)

// Backend validates credentials and opens mailboxes.
//
// Authenticate returns consts.ErrUserNotFound or consts.ErrInvalidPassword
// for credential failures; any other error is treated as an internal failure.
type Backend interface {
	UserExists(ctx context.Context, username string) (bool, error)
	Authenticate(ctx context.Context, username, password string) error
	OpenMailbox(ctx context.Context, username string) (Mailbox, error)
}

// Mailbox is the view of one maildrop for the lifetime of a session.
// Message numbers are 1-based and stable: a deleted message keeps its slot.
// Count and TotalSize cover only messages that are not marked deleted.
type Mailbox interface {
	Len() int
	Count() int
	TotalSize() int64
	// Message returns consts.ErrNoSuchMessage when n is out of range or deleted.
	Message(n int) (Message, error)
	// Delete marks message n; consts.ErrNoSuchMessage as for Message.
	Delete(n int) error
	// Reset clears all deletion marks and returns how many were cleared.
	Reset() int
	// Release makes deletion marks permanent and frees the view.
	Release(ctx context.Context) error
}

type Message interface {
	Number() int
	Size() int64
	Open(ctx context.Context) (io.ReadCloser, error)
}
