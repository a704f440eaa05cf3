// Package detection wraps the image classification and text extraction
// services used by the screening and extraction stages.
package detection

import (
	"context"
	"errors"

	"github.com/tendant/detection-pipeline/pkg/pipeline"
)

// ErrDetection wraps every failure returned by a Client.
var ErrDetection = errors.New("detection failed")

// Client classifies images and extracts text spans from them.
// Confidence values are percentages in [0,100].
type Client interface {
	Classify(ctx context.Context, image []byte) ([]pipeline.Detection, error)
	ExtractText(ctx context.Context, image []byte) ([]pipeline.Detection, error)
}
