package sink

import (
	"context"
	"log/slog"
)

// Tee flushes to a primary sink and copies the artifact to mirrors.
// Only the primary result is returned; mirror failures are logged.
type Tee struct {
	primary Sink
	mirrors []Sink
	logger  *slog.Logger
}

func NewTee(logger *slog.Logger, primary Sink, mirrors ...Sink) *Tee {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tee{primary: primary, mirrors: mirrors, logger: logger}
}

func (t *Tee) Flush(ctx context.Context, lines []string) (string, error) {
	location, err := t.primary.Flush(ctx, lines)
	if err != nil {
		return "", err
	}

	for _, m := range t.mirrors {
		mirrored, err := m.Flush(ctx, lines)
		if err != nil {
			t.logger.Error("failed to mirror results", "primary", location, "error", err)
			continue
		}
		t.logger.Info("results mirrored", "primary", location, "mirror", mirrored)
	}
	return location, nil
}
