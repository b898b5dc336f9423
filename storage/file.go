package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/pkg/metrics"
)

const backendFile = "file"

// FileStorage keeps each object in its own file below Root, sharded by the
// first two characters of the key.
type FileStorage struct {
	Root string
}

func NewFile(root string) (*FileStorage, error) {
	root = filepath.Clean(strings.TrimSpace(root))
	if root == "" || root == "." {
		return nil, fmt.Errorf("file storage root cannot be empty")
	}
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", root, err)
	}
	return &FileStorage{Root: root}, nil
}

func (f *FileStorage) pathFor(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	shard := key
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(f.Root, shard, key), nil
}

func (f *FileStorage) Put(_ context.Context, key string, data []byte) error {
	start := time.Now()
	err := f.put(key, data)
	observe(backendFile, "PUT", start, err)
	return err
}

func (f *FileStorage) put(key string, data []byte) error {
	path, err := f.pathFor(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "put-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func (f *FileStorage) Get(_ context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	path, err := f.pathFor(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		err = fmt.Errorf("%w: %s", consts.ErrMessageNotFound, key)
	}
	observe(backendFile, "GET", start, err)
	if err != nil {
		return nil, err
	}
	return file, nil
}

// Delete removes key. A missing object counts as deleted.
func (f *FileStorage) Delete(_ context.Context, key string) error {
	start := time.Now()
	path, err := f.pathFor(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	observe(backendFile, "DELETE", start, err)
	return err
}

func (f *FileStorage) Exists(_ context.Context, key string) (bool, error) {
	path, err := f.pathFor(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func observe(backend, operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.StorageOperationsTotal.WithLabelValues(backend, operation, status).Inc()
	metrics.StorageOperationDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
}
