// Package storage provides read access to source images and stages them on
// local disk before detection.
package storage

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrFetch wraps every failure to obtain image bytes.
	ErrFetch = errors.New("image fetch failed")

	// ErrNotFound is returned when the key does not exist in the backing store
	ErrNotFound = errors.New("object not found")
)

// Reader provides read access to stored content
type Reader interface {
	// GetReader returns a reader for the content at the given key
	GetReader(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if content exists at the given key
	Exists(ctx context.Context, key string) (bool, error)
}

// Metadata contains storage object metadata
type Metadata struct {
	Size        int64
	ContentType string
	ETag        string
}

// ReaderWithMetadata provides read access with metadata
type ReaderWithMetadata interface {
	Reader

	// GetMetadata returns metadata for content at the given key
	GetMetadata(ctx context.Context, key string) (*Metadata, error)
}

// Source returns the bytes of an image by identifier.
type Source interface {
	Fetch(ctx context.Context, id string) ([]byte, error)
}
