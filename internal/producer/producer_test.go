package producer

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/tendant/detection-pipeline/internal/clock"
	"github.com/tendant/detection-pipeline/internal/queue"
	"github.com/tendant/detection-pipeline/pkg/pipeline"
)

type fakeSource struct {
	fail map[string]bool
}

func (f *fakeSource) Fetch(_ context.Context, id string) ([]byte, error) {
	if f.fail[id] {
		return nil, errors.New("connection reset")
	}
	return []byte(id), nil
}

// fakeDetector keys labels by image bytes, which fakeSource sets to the id.
type fakeDetector struct {
	labels map[string][]pipeline.Detection
	fail   map[string]bool
	calls  []string
}

func (f *fakeDetector) Classify(_ context.Context, image []byte) ([]pipeline.Detection, error) {
	f.calls = append(f.calls, string(image))
	if f.fail[string(image)] {
		return nil, errors.New("quota exceeded")
	}
	return f.labels[string(image)], nil
}

func (f *fakeDetector) ExtractText(context.Context, []byte) ([]pipeline.Detection, error) {
	return nil, nil
}

type failingQueue struct {
	queue.Queue
	failBodies map[string]bool
	bodies     []string
}

func (f *failingQueue) Enqueue(_ context.Context, msg queue.Message) error {
	if f.failBodies[msg.Body] {
		return errors.New("queue unavailable")
	}
	f.bodies = append(f.bodies, msg.Body)
	return nil
}

// ctxSource fails like a real reader once ctx is done.
type ctxSource struct {
	fakeSource
	cleanups int
}

func (c *ctxSource) Fetch(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.fakeSource.Fetch(ctx, id)
}

func (c *ctxSource) Cleanup() error {
	c.cleanups++
	return nil
}

// interruptingClock cancels the run during the first delay.
type interruptingClock struct {
	*clock.Fake
	cancel context.CancelFunc
}

func (c *interruptingClock) Sleep(ctx context.Context, d time.Duration) error {
	c.cancel()
	return c.Fake.Sleep(ctx, d)
}

func newQueue() (*queue.Memory, *clock.Fake) {
	clk := clock.NewFake(time.Date(2024, 10, 1, 9, 0, 0, 0, time.UTC))
	q := queue.NewMemory(queue.Config{Name: "test", DedupWindow: 5 * time.Minute}, clk, nil)
	return q, clk
}

func TestRunScenarioA(t *testing.T) {
	q, clk := newQueue()
	det := &fakeDetector{labels: map[string][]pipeline.Detection{
		"1.jpg": {{Text: "Car", Confidence: 85}},
		"2.jpg": {{Text: "Tree", Confidence: 99}},
		"3.jpg": {{Text: "car", Confidence: 97}},
	}}

	p := New(Config{BatchID: "b1", Count: 3, Delay: 2 * time.Second}, q, &fakeSource{}, det, clk, nil)
	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got, want := q.Bodies(), []string{"3.jpg", "-1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("queue = %v, want %v", got, want)
	}
	want := &pipeline.BatchReport{BatchID: "b1", Screened: 3, Matched: 1, Enqueued: 1, SentinelEnqueued: true}
	if !reflect.DeepEqual(report, want) {
		t.Errorf("report = %+v, want %+v", report, want)
	}
	if got := clk.Sleeps(); !reflect.DeepEqual(got, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second}) {
		t.Errorf("sleeps = %v", got)
	}
}

func TestRunFailuresCountAsNoMatch(t *testing.T) {
	q, clk := newQueue()
	det := &fakeDetector{
		labels: map[string][]pipeline.Detection{
			"3.jpg": {{Text: "Car", Confidence: 99}},
		},
		fail: map[string]bool{"2.jpg": true},
	}
	src := &fakeSource{fail: map[string]bool{"1.jpg": true}}

	report, err := New(Config{Count: 3}, q, src, det, clk, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := q.Bodies(), []string{"3.jpg", "-1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("queue = %v, want %v", got, want)
	}
	if report.Failed != 2 {
		t.Errorf("Failed = %d, want 2", report.Failed)
	}
}

func TestRunAlwaysEnqueuesSentinel(t *testing.T) {
	testCases := []struct {
		name  string
		count int
		ctx   func() context.Context
	}{
		{name: "empty batch", count: 0, ctx: context.Background},
		{name: "no matches", count: 5, ctx: context.Background},
		{name: "cancelled", count: 3, ctx: func() context.Context {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			return ctx
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			q, clk := newQueue()
			report, err := New(Config{Count: tc.count}, q, &fakeSource{}, &fakeDetector{}, clk, nil).Run(tc.ctx())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got := q.Bodies(); !reflect.DeepEqual(got, []string{pipeline.Sentinel}) {
				t.Errorf("queue = %v, want only the sentinel", got)
			}
			if !report.SentinelEnqueued {
				t.Error("SentinelEnqueued = false")
			}
		})
	}
}

func TestRunEnqueueFailures(t *testing.T) {
	det := &fakeDetector{labels: map[string][]pipeline.Detection{
		"1.jpg": {{Text: "Car", Confidence: 99}},
		"2.jpg": {{Text: "Car", Confidence: 99}},
	}}
	_, clk := newQueue()

	q := &failingQueue{failBodies: map[string]bool{"1.jpg": true}}
	report, err := New(Config{Count: 2}, q, &fakeSource{}, det, clk, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Matched != 2 || report.Enqueued != 1 {
		t.Errorf("report = %+v", report)
	}
	if !reflect.DeepEqual(q.bodies, []string{"2.jpg", "-1"}) {
		t.Errorf("bodies = %v", q.bodies)
	}

	q = &failingQueue{failBodies: map[string]bool{pipeline.Sentinel: true}}
	if _, err := New(Config{Count: 1}, q, &fakeSource{}, det, clk, nil).Run(context.Background()); !errors.Is(err, ErrSentinelNotEnqueued) {
		t.Errorf("err = %v, want ErrSentinelNotEnqueued", err)
	}
}

func TestRunDuplicateMatchCollapses(t *testing.T) {
	q, clk := newQueue()
	det := &fakeDetector{labels: map[string][]pipeline.Detection{
		"1.jpg": {{Text: "Car", Confidence: 99}},
	}}
	p := New(Config{Count: 1}, q, &fakeSource{}, det, clk, nil)

	// A rerun of the same batch inside the dedup window adds nothing.
	_, _ = p.Run(context.Background())
	_, _ = p.Run(context.Background())
	if got, want := q.Bodies(), []string{"1.jpg", "-1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("queue = %v, want %v", got, want)
	}
}

func TestRunInterruptedDelayKeepsScreening(t *testing.T) {
	q, fake := newQueue()
	det := &fakeDetector{labels: map[string][]pipeline.Detection{
		"3.jpg": {{Text: "Car", Confidence: 97}},
	}}
	src := &ctxSource{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := &interruptingClock{Fake: fake, cancel: cancel}

	report, err := New(Config{Count: 3, Delay: 2 * time.Second}, q, src, det, clk, nil).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := q.Bodies(), []string{"3.jpg", "-1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("queue = %v, want %v", got, want)
	}
	if report.Failed != 0 || report.Screened != 3 {
		t.Errorf("report = %+v", report)
	}
	if src.cleanups != 3 {
		t.Errorf("staging cleaned %d times, want once per image", src.cleanups)
	}
}

func TestRunZeroThreshold(t *testing.T) {
	q, clk := newQueue()
	det := &fakeDetector{labels: map[string][]pipeline.Detection{
		"1.jpg": {{Text: "Car", Confidence: 50}},
	}}
	zero := 0.0

	if _, err := New(Config{Count: 1, Threshold: &zero}, q, &fakeSource{}, det, clk, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := q.Bodies(), []string{"1.jpg", "-1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("queue = %v, want %v", got, want)
	}
}

func TestMatches(t *testing.T) {
	testCases := []struct {
		name   string
		labels []pipeline.Detection
		want   bool
	}{
		{name: "exact", labels: []pipeline.Detection{{Text: "Car", Confidence: 90.5}}, want: true},
		{name: "case insensitive", labels: []pipeline.Detection{{Text: "CAR", Confidence: 95}}, want: true},
		{name: "threshold is strict", labels: []pipeline.Detection{{Text: "Car", Confidence: 90}}, want: false},
		{name: "other label", labels: []pipeline.Detection{{Text: "Vehicle", Confidence: 99}}, want: false},
		{name: "later label", labels: []pipeline.Detection{{Text: "Road", Confidence: 99}, {Text: "car", Confidence: 93}}, want: true},
		{name: "empty", labels: nil, want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Matches(tc.labels, "Car", 90); got != tc.want {
				t.Errorf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}
