package consts

import "errors"

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrInvalidPassword   = errors.New("invalid password")
	ErrNoSuchMessage     = errors.New("no such message")
	ErrMessageNotFound   = errors.New("message content not found")
	ErrMailboxReleased   = errors.New("mailbox already released")
	ErrMalformedMessage  = errors.New("malformed message")
	ErrUnsupportedDriver = errors.New("unsupported database driver")

	ErrDBUniqueViolation = errors.New("unique violation")

	ErrS3UploadFailed = errors.New("s3 upload failed")
)
