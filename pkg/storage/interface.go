package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Read and GetURL for a missing key.
var ErrNotFound = errors.New("object not found")

// FileInfo represents metadata about a stored file.
type FileInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// Storage is the object store behind terminal recordings.
type Storage interface {
	// Write stores content from the reader with the given key.
	// The size parameter is the expected content size (-1 if unknown).
	Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Read retrieves content for the given key.
	// The caller is responsible for closing the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns information about all files with keys starting with the given prefix.
	List(ctx context.Context, prefix string) ([]FileInfo, error)

	Exists(ctx context.Context, key string) (bool, error)

	// GetURL returns a URL for accessing the content: a path for local
	// storage, a presigned URL valid for expires on S3.
	GetURL(ctx context.Context, key string, expires time.Duration) (string, error)
}

// Config selects a backend.
type Config struct {
	Driver string // local, s3
	Local  LocalConfig
	S3     S3Config
}

// New opens the configured backend.
func New(ctx context.Context, cfg Config) (Storage, error) {
	switch cfg.Driver {
	case "local":
		return NewLocalStorage(cfg.Local)
	case "s3":
		return NewS3Storage(ctx, cfg.S3)
	default:
		return nil, errors.New("unsupported storage driver: " + cfg.Driver)
	}
}
