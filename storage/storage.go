// Package storage keeps raw message bodies.
//
// Bodies are content addressed: the key is the BLAKE3 hash of the
// message, so two mailboxes receiving the same message share one object.
// Two backends are provided:
//   - FileStorage: a directory tree on local disk
//   - S3Storage: any S3-compatible object store, with optional
//     client-side AES-256-GCM encryption
//
// Both return an error wrapping consts.ErrMessageNotFound when a key
// does not exist.
package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/logger"
	"github.com/migadu/maildrop/pkg/metrics"
	"github.com/migadu/maildrop/pkg/retry"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const backendS3 = "s3"

type S3Storage struct {
	Client        *minio.Client
	BucketName    string
	Encrypt       bool
	EncryptionKey []byte
	// Retry governs uploads; failed PUTs are retried with backoff.
	Retry retry.BackoffConfig
}

func NewS3(endpoint, accessKeyID, secretAccessKey, bucketName string, useSSL bool, debug bool) (*S3Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		logger.Error("STORAGE: Failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	if debug {
		client.TraceOn(os.Stdout)
	}

	return &S3Storage{
		Client:     client,
		BucketName: bucketName,
		Retry:      retry.DefaultBackoffConfig(),
	}, nil
}

// EnableEncryption turns on client-side encryption with a hex encoded 32 byte key.
func (s *S3Storage) EnableEncryption(encryptionKey string) error {
	if encryptionKey == "" {
		return fmt.Errorf("encryption key is required when encryption is enabled")
	}

	masterKey, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(masterKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}

	s.Encrypt = true
	s.EncryptionKey = masterKey
	logger.Info("STORAGE: Client-side encryption enabled")
	return nil
}

// Exists reports whether key is present in the bucket.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

func (s *S3Storage) Put(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	defer func() {
		metrics.StorageOperationDuration.WithLabelValues(backendS3, "PUT").Observe(time.Since(start).Seconds())
	}()

	payload := data
	if s.Encrypt {
		encrypted, err := s.encryptData(data)
		if err != nil {
			metrics.StorageOperationErrors.WithLabelValues(backendS3, "PUT", "encryption_error").Inc()
			return fmt.Errorf("failed to encrypt data: %w", err)
		}
		payload = encrypted
	}

	err := retry.WithRetry(ctx, func() error {
		_, err := s.Client.PutObject(ctx, s.BucketName, key, bytes.NewReader(payload), int64(len(payload)),
			minio.PutObjectOptions{SendContentMd5: true})
		if err != nil && classifyS3Error(err) == "access_denied" {
			return retry.Stop(err)
		}
		return err
	}, s.Retry)
	if err != nil {
		metrics.StorageOperationErrors.WithLabelValues(backendS3, "PUT", classifyS3Error(err)).Inc()
		metrics.StorageOperationsTotal.WithLabelValues(backendS3, "PUT", "error").Inc()
		return fmt.Errorf("%w: %v", consts.ErrS3UploadFailed, err)
	}
	metrics.StorageOperationsTotal.WithLabelValues(backendS3, "PUT", "success").Inc()
	return nil
}

func (s *S3Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	defer func() {
		metrics.StorageOperationDuration.WithLabelValues(backendS3, "GET").Observe(time.Since(start).Seconds())
	}()

	object, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
	if err == nil {
		// GetObject is lazy; Stat surfaces a missing key before the caller starts reading.
		_, err = object.Stat()
		if err != nil {
			object.Close()
		}
	}
	if err != nil {
		metrics.StorageOperationsTotal.WithLabelValues(backendS3, "GET", "error").Inc()
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", consts.ErrMessageNotFound, key)
		}
		metrics.StorageOperationErrors.WithLabelValues(backendS3, "GET", classifyS3Error(err)).Inc()
		return nil, err
	}

	if !s.Encrypt {
		metrics.StorageOperationsTotal.WithLabelValues(backendS3, "GET", "success").Inc()
		return object, nil
	}

	encrypted, err := io.ReadAll(object)
	if closeErr := object.Close(); closeErr != nil {
		logger.Warn("STORAGE: Failed to close S3 object", "error", closeErr)
	}
	if err != nil {
		metrics.StorageOperationsTotal.WithLabelValues(backendS3, "GET", "error").Inc()
		return nil, fmt.Errorf("failed to read encrypted data: %w", err)
	}

	plaintext, err := s.decryptData(encrypted)
	if err != nil {
		metrics.StorageOperationsTotal.WithLabelValues(backendS3, "GET", "error").Inc()
		metrics.StorageOperationErrors.WithLabelValues(backendS3, "GET", "decryption_error").Inc()
		return nil, fmt.Errorf("failed to decrypt data: %w", err)
	}

	metrics.StorageOperationsTotal.WithLabelValues(backendS3, "GET", "success").Inc()
	return io.NopCloser(bytes.NewReader(plaintext)), nil
}

// Delete removes key. A missing object counts as deleted.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	start := time.Now()
	defer func() {
		metrics.StorageOperationDuration.WithLabelValues(backendS3, "DELETE").Observe(time.Since(start).Seconds())
	}()

	exists, err := s.Exists(ctx, key)
	if err != nil {
		metrics.StorageOperationsTotal.WithLabelValues(backendS3, "DELETE", "error").Inc()
		return err
	}
	if !exists {
		logger.Debug("STORAGE: Object does not exist - skipping deletion", "key", key)
		metrics.StorageOperationsTotal.WithLabelValues(backendS3, "DELETE", "skipped").Inc()
		return nil
	}

	if err := s.Client.RemoveObject(ctx, s.BucketName, key, minio.RemoveObjectOptions{}); err != nil {
		metrics.StorageOperationsTotal.WithLabelValues(backendS3, "DELETE", "error").Inc()
		metrics.StorageOperationErrors.WithLabelValues(backendS3, "DELETE", classifyS3Error(err)).Inc()
		return err
	}
	metrics.StorageOperationsTotal.WithLabelValues(backendS3, "DELETE", "success").Inc()
	return nil
}

// encryptData encrypts data using AES-256-GCM, prefixing the nonce.
func (s *S3Storage) encryptData(plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(s.EncryptionKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *S3Storage) decryptData(ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(s.EncryptionKey)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func isS3NotFound(err error) bool {
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		return minioErr.StatusCode == http.StatusNotFound || minioErr.Code == "NoSuchKey"
	}
	return false
}

// classifyS3Error classifies S3 errors for metrics tracking
func classifyS3Error(err error) string {
	if err == nil {
		return "none"
	}

	errStr := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "NoSuchKey") || strings.Contains(errStr, "NotFound"):
		return "not_found"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "unknown"
	}
}
