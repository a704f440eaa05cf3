package detection

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/tendant/detection-pipeline/pkg/pipeline"
)

// Stub is a deterministic Client for local runs. Results depend only on the
// image bytes: roughly one image in four is labeled with the target label
// above 90% confidence.
type Stub struct {
	TargetLabel string
}

func NewStub(targetLabel string) *Stub {
	if targetLabel == "" {
		targetLabel = "Car"
	}
	return &Stub{TargetLabel: targetLabel}
}

func (s *Stub) Classify(ctx context.Context, image []byte) ([]pipeline.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetection, err)
	}
	sum := sha256.Sum256(image)
	labels := []pipeline.Detection{{Text: "Outdoor", Confidence: 95 + float64(sum[1]%5)}}
	if sum[0]%4 == 0 {
		labels = append(labels, pipeline.Detection{Text: s.TargetLabel, Confidence: 91 + float64(sum[2]%9)})
	}
	return labels, nil
}

func (s *Stub) ExtractText(ctx context.Context, image []byte) ([]pipeline.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetection, err)
	}
	sum := sha256.Sum256(image)
	return []pipeline.Detection{
		{Text: fmt.Sprintf("%X", sum[:3]), Confidence: 99},
		{Text: fmt.Sprintf("%d", int(sum[3])), Confidence: 97},
	}, nil
}
