package consumer

import (
	"context"
	"errors"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/tendant/detection-pipeline/internal/clock"
	"github.com/tendant/detection-pipeline/internal/queue"
	"github.com/tendant/detection-pipeline/internal/sink"
	"github.com/tendant/detection-pipeline/pkg/pipeline"
)

type fakeSource struct {
	fail     map[string]bool
	cleanups int
}

func (f *fakeSource) Fetch(_ context.Context, id string) ([]byte, error) {
	if f.fail[id] {
		return nil, errors.New("connection reset")
	}
	return []byte(id), nil
}

func (f *fakeSource) Cleanup() error {
	f.cleanups++
	return nil
}

type fakeDetector struct {
	spans map[string][]string
	fail  map[string]bool
}

func (f *fakeDetector) Classify(context.Context, []byte) ([]pipeline.Detection, error) {
	return nil, nil
}

func (f *fakeDetector) ExtractText(_ context.Context, image []byte) ([]pipeline.Detection, error) {
	if f.fail[string(image)] {
		return nil, errors.New("vision unavailable")
	}
	var out []pipeline.Detection
	for _, s := range f.spans[string(image)] {
		out = append(out, pipeline.Detection{Text: s, Confidence: 99})
	}
	return out, nil
}

type recordingSink struct {
	flushes [][]string
	err     error
}

func (r *recordingSink) Flush(_ context.Context, lines []string) (string, error) {
	r.flushes = append(r.flushes, append([]string(nil), lines...))
	if r.err != nil {
		return "", r.err
	}
	return "memory://results", nil
}

// hookQueue lets a test observe or disturb calls to an underlying queue.
type hookQueue struct {
	queue.Queue
	onReceive func(n int, got []queue.Delivery)
	ackErr    error
	receives  int
	acked     []string
}

func (h *hookQueue) ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]queue.Delivery, error) {
	got, err := h.Queue.ReceiveBatch(ctx, max, wait)
	h.receives++
	if h.onReceive != nil {
		h.onReceive(h.receives, got)
	}
	return got, err
}

func (h *hookQueue) Acknowledge(ctx context.Context, receipt string) error {
	if h.ackErr != nil {
		return h.ackErr
	}
	h.acked = append(h.acked, receipt)
	return h.Queue.Acknowledge(ctx, receipt)
}

func newQueue(t *testing.T, bodies ...string) (*queue.Memory, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 10, 1, 9, 0, 0, 0, time.UTC))
	q := queue.NewMemory(queue.Config{Name: "test", VisibilityTimeout: 30 * time.Second}, clk, nil)
	for _, b := range bodies {
		if err := q.Enqueue(context.Background(), queue.Message{Body: b, GroupKey: "g"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	return q, clk
}

func testConfig() Config {
	return Config{BatchSize: 10, WaitTime: 0, IdleDelay: 5 * time.Second}
}

func TestRunScenarioB(t *testing.T) {
	q, clk := newQueue(t, "3.jpg", pipeline.Sentinel)
	out, err := sink.NewFileSink(t.TempDir(), clk, nil)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	det := &fakeDetector{spans: map[string][]string{"3.jpg": {"ABC", "123"}}}

	res, err := New(testConfig(), q, &fakeSource{}, det, out, clk, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !reflect.DeepEqual(res.Lines, []string{"3: ABC 123"}) {
		t.Errorf("Lines = %v", res.Lines)
	}
	data, err := os.ReadFile(res.Artifact)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "3: ABC 123\n" {
		t.Errorf("artifact = %q", data)
	}
	if !res.SentinelSeen || res.Acked != 2 || q.Len() != 0 {
		t.Errorf("res = %+v, queue len = %d", res, q.Len())
	}
}

func TestRunScenarioCFetchFailureIsAcked(t *testing.T) {
	q, clk := newQueue(t, "5.jpg", pipeline.Sentinel)
	out := &recordingSink{}
	src := &fakeSource{fail: map[string]bool{"5.jpg": true}}

	cfg := testConfig()
	cfg.BatchSize = 1
	res, err := New(cfg, q, src, &fakeDetector{}, out, clk, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.Lines) != 0 || res.Failed != 1 || res.Acked != 2 {
		t.Errorf("res = %+v", res)
	}
	if src.cleanups != 2 {
		t.Errorf("cleanups = %d, want one per poll", src.cleanups)
	}
	if !reflect.DeepEqual(out.flushes, [][]string{nil}) {
		t.Errorf("flushes = %v, want one empty flush", out.flushes)
	}
}

func TestRunScenarioDDuplicateSentinel(t *testing.T) {
	q, clk := newQueue(t, "1.jpg", pipeline.Sentinel, pipeline.Sentinel)
	det := &fakeDetector{spans: map[string][]string{"1.jpg": {"X"}}}

	first := &recordingSink{}
	res, err := New(testConfig(), q, &fakeSource{}, det, first, clk, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if len(first.flushes) != 1 || !reflect.DeepEqual(res.Lines, []string{"1: X"}) {
		t.Fatalf("first run flushes = %v, lines = %v", first.flushes, res.Lines)
	}
	if q.Len() != 1 {
		t.Fatalf("duplicate sentinel should remain queued, len = %d", q.Len())
	}

	// The leftover sentinel returns after its visibility timeout.
	clk.Advance(time.Minute)
	second := &recordingSink{}
	res, err = New(testConfig(), q, &fakeSource{}, det, second, clk, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !reflect.DeepEqual(second.flushes, [][]string{nil}) || len(res.Lines) != 0 {
		t.Errorf("fresh run must flush an empty artifact, got %v", second.flushes)
	}
	if q.Len() != 0 {
		t.Errorf("queue len = %d, want 0", q.Len())
	}
}

func TestRunRedeliveredImageDuplicatesLine(t *testing.T) {
	q, clk := newQueue(t, "3.jpg", "3.jpg", pipeline.Sentinel)
	det := &fakeDetector{spans: map[string][]string{"3.jpg": {"ABC"}}}

	res, err := New(testConfig(), q, &fakeSource{}, det, &recordingSink{}, clk, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(res.Lines, []string{"3: ABC", "3: ABC"}) || !res.SentinelSeen {
		t.Errorf("res = %+v", res)
	}
}

func TestRunAcknowledgesEveryMessage(t *testing.T) {
	mem, clk := newQueue(t, "1.jpg", "bad/../id", "2.jpg", "3.jpg", pipeline.Sentinel)
	q := &hookQueue{Queue: mem}
	det := &fakeDetector{
		spans: map[string][]string{"1.jpg": {"A"}, "3.jpg": {"C"}},
		fail:  map[string]bool{"2.jpg": true},
	}

	res, err := New(testConfig(), q, &fakeSource{}, det, &recordingSink{}, clk, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(q.acked) != 5 || res.Acked != 5 {
		t.Errorf("acked %d receipts, res.Acked = %d, want 5", len(q.acked), res.Acked)
	}
	if res.Failed != 2 || res.Processed != 2 {
		t.Errorf("res = %+v", res)
	}
	if !reflect.DeepEqual(res.Lines, []string{"1: A", "3: C"}) {
		t.Errorf("Lines = %v", res.Lines)
	}
}

func TestRunNeverTerminatesOnEmptyPolls(t *testing.T) {
	mem, clk := newQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	q := &hookQueue{Queue: mem, onReceive: func(n int, _ []queue.Delivery) {
		if n == 5 {
			cancel()
		}
	}}

	out := &recordingSink{}
	res, err := New(testConfig(), q, &fakeSource{}, &fakeDetector{}, out, clk, nil).Run(ctx)
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	if res.SentinelSeen || len(out.flushes) != 0 {
		t.Errorf("stopped run must not flush: %+v", res)
	}
	if got := clk.Sleeps(); len(got) != 4 || got[0] != 5*time.Second {
		t.Errorf("idle sleeps = %v, want 4 x 5s", got)
	}
}

func TestRunStopFinishesCurrentCycle(t *testing.T) {
	mem, clk := newQueue(t, "1.jpg", "2.jpg")
	ctx, cancel := context.WithCancel(context.Background())
	q := &hookQueue{Queue: mem, onReceive: func(_ int, got []queue.Delivery) {
		if len(got) > 0 {
			cancel()
		}
	}}
	det := &fakeDetector{spans: map[string][]string{"1.jpg": {"A"}, "2.jpg": {"B"}}}

	res, err := New(testConfig(), q, &fakeSource{}, det, &recordingSink{}, clk, nil).Run(ctx)
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	if res.Acked != 2 || len(res.Lines) != 2 || mem.Len() != 0 {
		t.Errorf("in-flight messages must be processed and acked: res = %+v, len = %d", res, mem.Len())
	}
}

func TestRunAckFailureIsNotFatal(t *testing.T) {
	mem, clk := newQueue(t, "1.jpg", pipeline.Sentinel)
	q := &hookQueue{Queue: mem, ackErr: queue.ErrReceiptExpired}
	det := &fakeDetector{spans: map[string][]string{"1.jpg": {"A"}}}

	res, err := New(testConfig(), q, &fakeSource{}, det, &recordingSink{}, clk, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Acked != 0 || !res.SentinelSeen {
		t.Errorf("res = %+v", res)
	}
}

func TestRunFlushFailureIsNotFatal(t *testing.T) {
	q, clk := newQueue(t, pipeline.Sentinel)
	out := &recordingSink{err: errors.New("disk full")}

	res, err := New(testConfig(), q, &fakeSource{}, &fakeDetector{}, out, clk, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Artifact != "" || res.Acked != 1 {
		t.Errorf("res = %+v", res)
	}
}

func TestProcessOutcomes(t *testing.T) {
	det := &fakeDetector{
		spans: map[string][]string{"3.jpg": {"ABC", "123"}},
		fail:  map[string]bool{"4.jpg": true},
	}
	src := &fakeSource{fail: map[string]bool{"5.jpg": true}}
	c := New(testConfig(), nil, src, det, nil, clock.NewFake(time.Now()), nil)

	testCases := []struct {
		id       string
		wantKind pipeline.OutcomeKind
		wantLine string
	}{
		{id: "3.jpg", wantKind: pipeline.OutcomeSuccess, wantLine: "3: ABC 123"},
		{id: "7.jpg", wantKind: pipeline.OutcomeSuccess, wantLine: "7:"},
		{id: "4.jpg", wantKind: pipeline.OutcomeDetectionFailure},
		{id: "5.jpg", wantKind: pipeline.OutcomeTransientIO},
		{id: "", wantKind: pipeline.OutcomeProtocolViolation},
		{id: "../etc/passwd", wantKind: pipeline.OutcomeProtocolViolation},
	}

	for _, tc := range testCases {
		t.Run(tc.id, func(t *testing.T) {
			outcome, line := c.Process(context.Background(), tc.id)
			if outcome.Kind != tc.wantKind || line != tc.wantLine {
				t.Errorf("Process(%q) = (%v, %q), want (%v, %q)", tc.id, outcome.Kind, line, tc.wantKind, tc.wantLine)
			}
		})
	}
}
