// Package storage provides access to uploaded data files.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ekaya-inc/ekaya-analyst/pkg/config"
)

// ErrNotFound is returned when no object exists under a key.
var ErrNotFound = errors.New("file not found")

// FileStorage is the read/write boundary for uploaded files.
type FileStorage interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Delete(ctx context.Context, key string) error
}

// New builds the backend selected by cfg.Backend.
func New(cfg *config.StorageConfig) (FileStorage, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalStore(cfg.LocalDir)
	case "minio":
		return NewMinioStore(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.Bucket, cfg.UseSSL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
