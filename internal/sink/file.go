package sink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tendant/detection-pipeline/internal/clock"
)

const maxCollisionSuffix = 1000

// FileSink writes one artifact per Flush into a directory. Artifacts are
// created atomically and never overwrite or append to an existing file.
type FileSink struct {
	dir    string
	clock  clock.Clock
	logger *slog.Logger
}

func NewFileSink(dir string, clk clock.Clock, logger *slog.Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSink{dir: dir, clock: clk, logger: logger}, nil
}

func (s *FileSink) Flush(_ context.Context, lines []string) (string, error) {
	tmp, err := os.CreateTemp(s.dir, ".results-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp artifact: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(render(lines)); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close artifact: %w", err)
	}

	name := ArtifactName(s.clock.Now())
	base := strings.TrimSuffix(name, ".txt")
	for i := 0; i <= maxCollisionSuffix; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d.txt", base, i)
		}
		final := filepath.Join(s.dir, candidate)

		// Link fails with EEXIST instead of replacing, unlike Rename.
		err := os.Link(tmpPath, final)
		if err == nil {
			s.logger.Info("results written", "path", final, "lines", len(lines))
			return final, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("failed to publish artifact: %w", err)
		}
	}
	return "", fmt.Errorf("failed to publish artifact: %d names taken for %s", maxCollisionSuffix, name)
}
