package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/migadu/maildrop/config"
	"github.com/migadu/maildrop/logger"
)

// Backend is implemented by FileStorage and S3Storage.
type Backend interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// NewFromConfig builds the backend selected by cfg.Storage.Type.
func NewFromConfig(cfg config.Config) (Backend, error) {
	switch cfg.Storage.Type {
	case "s3":
		s3, err := NewS3(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, !cfg.S3.DisableTLS, cfg.S3.Debug)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 storage: %w", err)
		}
		if cfg.S3.Encrypt {
			if err := s3.EnableEncryption(cfg.S3.EncryptionKey); err != nil {
				return nil, fmt.Errorf("failed to enable S3 encryption: %w", err)
			}
		}
		logger.Info("Message bodies stored in S3", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket, "encrypted", cfg.S3.Encrypt)
		return s3, nil
	case "file", "":
		files, err := NewFile(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize file storage: %w", err)
		}
		logger.Info("Message bodies stored on disk", "path", cfg.Storage.Path)
		return files, nil
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Storage.Type)
	}
}

var (
	_ Backend = (*FileStorage)(nil)
	_ Backend = (*S3Storage)(nil)
)
