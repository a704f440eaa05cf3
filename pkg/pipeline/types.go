package pipeline

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Sentinel is the reserved queue body marking the end of a screening batch.
const Sentinel = "-1"

// ImageExt is the extension used by the batch identifier namespace.
const ImageExt = ".jpg"

// DefaultGroupKey keeps every message of a batch in one FIFO group.
const DefaultGroupKey = "screening"

// Job type constants
const (
	JobScreening  = "screening"
	JobExtraction = "extraction"
)

// ErrInvalidImageID is returned for bodies that cannot name an image
var ErrInvalidImageID = errors.New("invalid image identifier")

// BatchRequest represents a request to screen a batch of images
type BatchRequest struct {
	BatchID     string `json:"batch_id"`
	Job         string `json:"job"`
	Count       int    `json:"count"`
	TargetLabel string `json:"target_label,omitempty"`
	// Threshold overrides the worker's threshold when present, including 0.
	Threshold *float64 `json:"threshold,omitempty"`
}

// BatchResponse represents the response from triggering a batch
type BatchResponse struct {
	RunID           string `json:"run_id"`
	DedupeSeenCount int    `json:"dedupe_seen_count"`
}

// BatchReport summarizes one producer run
type BatchReport struct {
	BatchID          string `json:"batch_id"`
	Screened         int    `json:"screened"`
	Matched          int    `json:"matched"`
	Enqueued         int    `json:"enqueued"`
	Failed           int    `json:"failed"`
	SentinelEnqueued bool   `json:"sentinel_enqueued"`
}

// Detection is a single label or text span returned by a detection call.
// Confidence is expressed as a percentage in [0,100].
type Detection struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// ImageIDs returns the fixed batch namespace "1.jpg" .. "n.jpg".
func ImageIDs(n int) []string {
	if n <= 0 {
		return nil
	}
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		ids = append(ids, fmt.Sprintf("%d%s", i, ImageExt))
	}
	return ids
}

// ValidateImageID rejects bodies that are not usable as image keys
func ValidateImageID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidImageID)
	case id == Sentinel:
		return fmt.Errorf("%w: sentinel is not an image", ErrInvalidImageID)
	case strings.ContainsAny(id, `/\`) || strings.Contains(id, ".."):
		return fmt.Errorf("%w: %q contains path elements", ErrInvalidImageID, id)
	case path.Ext(id) == "" || strings.TrimSuffix(id, path.Ext(id)) == "":
		return fmt.Errorf("%w: %q has no name or extension", ErrInvalidImageID, id)
	}
	return nil
}

// ResultLine builds "{id without extension}: {spans}" for the results file.
func ResultLine(id string, spans []string) string {
	name := strings.TrimSuffix(id, path.Ext(id))
	return strings.TrimSpace(name + ": " + strings.Join(spans, " "))
}
