// Package sink persists the accumulated extraction results of a consumer run.
package sink

import (
	"context"
	"strings"
	"time"
)

// Sink writes the ordered result lines of one run and returns where they went.
type Sink interface {
	Flush(ctx context.Context, lines []string) (string, error)
}

// ArtifactName returns results_<timestamp>.txt for t, with the characters of
// an RFC 3339 timestamp that are unsafe in file names replaced by '-'.
func ArtifactName(t time.Time) string {
	ts := t.UTC().Format(time.RFC3339Nano)
	ts = strings.NewReplacer(":", "-", ".", "-").Replace(ts)
	return "results_" + ts + ".txt"
}

func render(lines []string) []byte {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
