package sink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/tendant/detection-pipeline/internal/clock"
)

// ErrArtifactExists is returned when the target object is already present.
var ErrArtifactExists = errors.New("artifact already exists")

// GCSSink uploads artifacts to a bucket. Uploads carry a DoesNotExist
// precondition so an existing object is never replaced.
type GCSSink struct {
	client *gcs.Client
	bucket string
	prefix string
	clock  clock.Clock
}

func NewGCSSink(client *gcs.Client, bucket, prefix string, clk clock.Clock) *GCSSink {
	if clk == nil {
		clk = clock.Real{}
	}
	return &GCSSink{client: client, bucket: bucket, prefix: prefix, clock: clk}
}

func (s *GCSSink) Flush(ctx context.Context, lines []string) (string, error) {
	name := path.Join(s.prefix, ArtifactName(s.clock.Now()))
	if err := s.SaveBytes(ctx, name, render(lines)); err != nil {
		return "", err
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}

// SaveBytes writes data to objectName if no object with that name exists.
func (s *GCSSink) SaveBytes(ctx context.Context, objectName string, data []byte) error {
	obj := s.client.Bucket(s.bucket).Object(objectName).If(gcs.Conditions{DoesNotExist: true})
	writer := obj.NewWriter(ctx)
	writer.ContentType = "text/plain; charset=utf-8"

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		return closeError(err, s.bucket, objectName)
	}

	return nil
}

// closeError maps a failed DoesNotExist precondition to ErrArtifactExists.
func closeError(err error, bucket, objectName string) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
		return fmt.Errorf("%w: gs://%s/%s", ErrArtifactExists, bucket, objectName)
	}
	return fmt.Errorf("failed to close GCS writer: %w", err)
}
