package detection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/cenkalti/backoff/v4"
	gax "github.com/googleapis/gax-go/v2"

	"github.com/tendant/detection-pipeline/pkg/pipeline"
)

const (
	// DefaultMaxLabels mirrors the label request used by the screening stage.
	DefaultMaxLabels = 10
	// DefaultMinConfidence drops labels below this percentage.
	DefaultMinConfidence = 90.0
)

// Annotator is the subset of vision.ImageAnnotatorClient used here.
// It exists so tests can replace the Cloud Vision client.
type Annotator interface {
	BatchAnnotateImages(ctx context.Context, req *visionpb.BatchAnnotateImagesRequest, opts ...gax.CallOption) (*visionpb.BatchAnnotateImagesResponse, error)
}

// VisionConfig tunes the Cloud Vision requests.
type VisionConfig struct {
	MaxLabels     int
	MinConfidence float64
	// Retries is the number of extra attempts after a failed call.
	Retries      uint64
	RetryBackoff time.Duration
}

// Vision implements Client on top of Google Cloud Vision.
type Vision struct {
	annotator Annotator
	cfg       VisionConfig
	logger    *slog.Logger
}

func NewVision(annotator Annotator, cfg VisionConfig, logger *slog.Logger) *Vision {
	if cfg.MaxLabels <= 0 {
		cfg.MaxLabels = DefaultMaxLabels
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second / 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Vision{annotator: annotator, cfg: cfg, logger: logger}
}

func (v *Vision) Classify(ctx context.Context, image []byte) ([]pipeline.Detection, error) {
	resp, err := v.annotate(ctx, image, &visionpb.Feature{
		Type:       visionpb.Feature_LABEL_DETECTION,
		MaxResults: int32(v.cfg.MaxLabels),
	})
	if err != nil {
		return nil, err
	}

	labels := make([]pipeline.Detection, 0, len(resp.GetLabelAnnotations()))
	for _, label := range resp.GetLabelAnnotations() {
		confidence := float64(label.GetScore()) * 100
		if confidence < v.cfg.MinConfidence {
			continue
		}
		labels = append(labels, pipeline.Detection{Text: label.GetDescription(), Confidence: confidence})
	}
	return labels, nil
}

func (v *Vision) ExtractText(ctx context.Context, image []byte) ([]pipeline.Detection, error) {
	resp, err := v.annotate(ctx, image, &visionpb.Feature{Type: visionpb.Feature_TEXT_DETECTION})
	if err != nil {
		return nil, err
	}

	annotations := resp.GetTextAnnotations()
	// The first annotation is the whole block of text; the rest are words.
	if len(annotations) > 1 {
		annotations = annotations[1:]
	}

	spans := make([]pipeline.Detection, 0, len(annotations))
	for _, a := range annotations {
		if a.GetDescription() == "" {
			continue
		}
		spans = append(spans, pipeline.Detection{Text: a.GetDescription(), Confidence: float64(a.GetScore()) * 100})
	}
	return spans, nil
}

func (v *Vision) annotate(ctx context.Context, image []byte, feature *visionpb.Feature) (*visionpb.AnnotateImageResponse, error) {
	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image:    &visionpb.Image{Content: image},
			Features: []*visionpb.Feature{feature},
		}},
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(v.cfg.RetryBackoff), v.cfg.Retries),
		ctx,
	)

	resp, err := backoff.RetryWithData(func() (*visionpb.AnnotateImageResponse, error) {
		batch, err := v.annotator.BatchAnnotateImages(ctx, req)
		if err != nil {
			v.logger.Debug("vision request failed", "feature", feature.GetType().String(), "error", err)
			return nil, err
		}
		if len(batch.GetResponses()) == 0 {
			return nil, backoff.Permanent(fmt.Errorf("empty vision response"))
		}
		r := batch.GetResponses()[0]
		if st := r.GetError(); st != nil && st.GetCode() != 0 {
			return nil, backoff.Permanent(fmt.Errorf("vision error %d: %s", st.GetCode(), st.GetMessage()))
		}
		return r, nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDetection, feature.GetType().String(), err)
	}
	return resp, nil
}
