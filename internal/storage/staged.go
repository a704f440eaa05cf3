package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/tendant/detection-pipeline/pkg/pipeline"
)

// StagedSource copies images from a Reader into a staging directory and
// returns their bytes. Staged files are overwritten on every fetch.
type StagedSource struct {
	reader Reader
	dir    string
	// MaxDimension bounds the longest side of a staged image; 0 keeps originals.
	maxDimension int
	logger       *slog.Logger
}

// NewStagedSource creates dir if needed.
func NewStagedSource(reader Reader, dir string, maxDimension int, logger *slog.Logger) (*StagedSource, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StagedSource{
		reader:       reader,
		dir:          dir,
		maxDimension: maxDimension,
		logger:       logger,
	}, nil
}

// Dir returns the staging directory.
func (s *StagedSource) Dir() string {
	return s.dir
}

// Fetch stages the image named id and returns its bytes.
func (s *StagedSource) Fetch(ctx context.Context, id string) ([]byte, error) {
	if err := pipeline.ValidateImageID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	src, err := s.reader.GetReader(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrFetch, id, err)
	}

	data = s.downscale(id, data)

	// os.Create truncates, so a redelivered id overwrites its earlier copy.
	staged := filepath.Join(s.dir, id)
	f, err := os.Create(staged)
	if err != nil {
		return nil, fmt.Errorf("%w: staging %s: %v", ErrFetch, id, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: staging %s: %v", ErrFetch, id, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("%w: staging %s: %v", ErrFetch, id, err)
	}

	return data, nil
}

// downscale fits oversized images into maxDimension. Bytes that do not
// decode as an image are returned unchanged for the detector to judge.
func (s *StagedSource) downscale(id string, data []byte) []byte {
	if s.maxDimension <= 0 {
		return data
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		s.logger.Debug("skipping resize of undecodable image", "image", id, "error", err)
		return data
	}
	if cfg.Width <= s.maxDimension && cfg.Height <= s.maxDimension {
		return data
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		s.logger.Debug("skipping resize of undecodable image", "image", id, "error", err)
		return data
	}

	resized := imaging.Fit(img, s.maxDimension, s.maxDimension, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		s.logger.Warn("failed to encode resized image", "image", id, "error", err)
		return data
	}
	s.logger.Debug("image resized",
		"image", id,
		"from", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"to", fmt.Sprintf("%dx%d", resized.Bounds().Dx(), resized.Bounds().Dy()))
	return buf.Bytes()
}

// Cleanup removes every regular file in the staging directory. Each failure
// is logged; the joined error is returned so callers can count it.
func (s *StagedSource) Cleanup() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		s.logger.Error("failed to list staging directory", "dir", s.dir, "error", err)
		return err
	}

	var errs []error
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Error("failed to remove staged file", "path", path, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
