package dedupe

import (
	"context"
	"sync"
	"time"

	"github.com/tendant/detection-pipeline/internal/clock"
)

type memoryKey struct {
	scope string
	key   string
}

// Memory is an in-process Window. Entries are pruned once their window closes.
type Memory struct {
	mu      sync.Mutex
	clock   clock.Clock
	started map[memoryKey]time.Time
}

// NewMemory creates an in-memory dedup window driven by clk.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Memory{
		clock:   clk,
		started: make(map[memoryKey]time.Time),
	}
}

func (m *Memory) Observe(_ context.Context, scope, key string, window time.Duration) (bool, error) {
	now := m.clock.Now()
	k := memoryKey{scope: scope, key: key}

	m.mu.Lock()
	defer m.mu.Unlock()

	if start, ok := m.started[k]; ok && now.Sub(start) < window {
		return true, nil
	}
	m.started[k] = now
	m.prune(now, window)
	return false, nil
}

func (m *Memory) prune(now time.Time, window time.Duration) {
	for k, start := range m.started {
		if now.Sub(start) >= window {
			delete(m.started, k)
		}
	}
}
