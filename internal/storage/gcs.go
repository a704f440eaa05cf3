package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	gcs "cloud.google.com/go/storage"
)

// GCSReader reads images from a Google Cloud Storage bucket.
type GCSReader struct {
	client *gcs.Client
	bucket string
	prefix string
}

// NewGCSReader reads objects named prefix/key from bucket. prefix may be empty.
func NewGCSReader(client *gcs.Client, bucket, prefix string) *GCSReader {
	return &GCSReader{client: client, bucket: bucket, prefix: prefix}
}

func (r *GCSReader) object(key string) *gcs.ObjectHandle {
	name := key
	if r.prefix != "" {
		name = path.Join(r.prefix, key)
	}
	return r.client.Bucket(r.bucket).Object(name)
}

func (r *GCSReader) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	reader, err := r.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: gs://%s/%s", ErrNotFound, r.bucket, key)
		}
		return nil, fmt.Errorf("failed to read from GCS: %w", err)
	}
	return reader, nil
}

func (r *GCSReader) Exists(ctx context.Context, key string) (bool, error) {
	_, err := r.object(key).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat GCS object: %w", err)
	}
	return true, nil
}

func (r *GCSReader) GetMetadata(ctx context.Context, key string) (*Metadata, error) {
	attrs, err := r.object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: gs://%s/%s", ErrNotFound, r.bucket, key)
		}
		return nil, fmt.Errorf("failed to stat GCS object: %w", err)
	}
	return &Metadata{Size: attrs.Size, ContentType: attrs.ContentType, ETag: attrs.Etag}, nil
}
