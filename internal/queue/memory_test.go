package queue

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/tendant/detection-pipeline/internal/clock"
)

func newTestMemory(window time.Duration) (*Memory, *clock.Fake) {
	clk := clock.NewFake(time.Date(2024, 10, 1, 9, 0, 0, 0, time.UTC))
	q := NewMemory(Config{
		Name:              "test",
		VisibilityTimeout: 30 * time.Second,
		DedupWindow:       window,
	}, clk, nil)
	return q, clk
}

func enqueueAll(t *testing.T, q Queue, bodies ...string) {
	t.Helper()
	for _, b := range bodies {
		if err := q.Enqueue(context.Background(), Message{Body: b, GroupKey: "g"}); err != nil {
			t.Fatalf("Enqueue(%q): %v", b, err)
		}
	}
}

func bodies(ds []Delivery) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Body)
	}
	return out
}

func TestMemoryFIFOOrder(t *testing.T) {
	q, _ := newTestMemory(0)
	enqueueAll(t, q, "3.jpg", "5.jpg", "-1")

	got, err := q.ReceiveBatch(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ReceiveBatch: %v", err)
	}
	if want := []string{"3.jpg", "5.jpg", "-1"}; !reflect.DeepEqual(bodies(got), want) {
		t.Errorf("bodies = %v, want %v", bodies(got), want)
	}
}

func TestMemoryDedupWindow(t *testing.T) {
	q, clk := newTestMemory(5 * time.Minute)
	enqueueAll(t, q, "3.jpg", "3.jpg")
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1 after duplicate enqueue", q.Len())
	}

	clk.Advance(6 * time.Minute)
	enqueueAll(t, q, "3.jpg")
	if q.Len() != 2 {
		t.Errorf("Len = %d, want 2 after dedup window closed", q.Len())
	}
}

func TestMemoryExplicitDedupKey(t *testing.T) {
	q, _ := newTestMemory(5 * time.Minute)
	ctx := context.Background()
	_ = q.Enqueue(ctx, Message{Body: "a", GroupKey: "g", DedupKey: "k"})
	_ = q.Enqueue(ctx, Message{Body: "b", GroupKey: "g", DedupKey: "k"})

	if got := q.Bodies(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("Bodies = %v, want [a]", got)
	}
}

func TestMemoryInFlightBlocksGroup(t *testing.T) {
	q, _ := newTestMemory(0)
	ctx := context.Background()
	enqueueAll(t, q, "1.jpg")

	first, _ := q.ReceiveBatch(ctx, 1, 0)
	if len(first) != 1 {
		t.Fatalf("expected one delivery, got %d", len(first))
	}

	enqueueAll(t, q, "2.jpg")
	second, _ := q.ReceiveBatch(ctx, 10, 0)
	if len(second) != 0 {
		t.Errorf("group should be blocked while 1.jpg is in flight, got %v", bodies(second))
	}

	if err := q.Acknowledge(ctx, first[0].Receipt); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	third, _ := q.ReceiveBatch(ctx, 10, 0)
	if !reflect.DeepEqual(bodies(third), []string{"2.jpg"}) {
		t.Errorf("after ack got %v, want [2.jpg]", bodies(third))
	}
}

func TestMemoryOtherGroupsNotBlocked(t *testing.T) {
	q, _ := newTestMemory(0)
	ctx := context.Background()
	_ = q.Enqueue(ctx, Message{Body: "1.jpg", GroupKey: "a"})
	_, _ = q.ReceiveBatch(ctx, 1, 0)

	_ = q.Enqueue(ctx, Message{Body: "2.jpg", GroupKey: "b"})
	got, _ := q.ReceiveBatch(ctx, 10, 0)
	if !reflect.DeepEqual(bodies(got), []string{"2.jpg"}) {
		t.Errorf("got %v, want [2.jpg]", bodies(got))
	}
}

func TestMemoryVisibilityTimeoutRedelivers(t *testing.T) {
	q, clk := newTestMemory(0)
	ctx := context.Background()
	enqueueAll(t, q, "3.jpg")

	first, _ := q.ReceiveBatch(ctx, 10, 0)
	clk.Advance(31 * time.Second)

	second, _ := q.ReceiveBatch(ctx, 10, 0)
	if len(second) != 1 || second[0].Body != "3.jpg" {
		t.Fatalf("expected redelivery of 3.jpg, got %v", bodies(second))
	}
	if second[0].ReceiveCount != 2 {
		t.Errorf("ReceiveCount = %d, want 2", second[0].ReceiveCount)
	}
	if second[0].Receipt == first[0].Receipt {
		t.Error("redelivery must carry a new receipt")
	}

	if err := q.Acknowledge(ctx, first[0].Receipt); !errors.Is(err, ErrReceiptNotFound) {
		t.Errorf("stale receipt ack = %v, want ErrReceiptNotFound", err)
	}
	if err := q.Acknowledge(ctx, second[0].Receipt); err != nil {
		t.Errorf("fresh receipt ack = %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
}

func TestMemoryAckExpiredReceipt(t *testing.T) {
	q, clk := newTestMemory(0)
	ctx := context.Background()
	enqueueAll(t, q, "3.jpg")

	got, _ := q.ReceiveBatch(ctx, 10, 0)
	clk.Advance(time.Minute)

	if err := q.Acknowledge(ctx, got[0].Receipt); !errors.Is(err, ErrReceiptExpired) {
		t.Errorf("Acknowledge = %v, want ErrReceiptExpired", err)
	}
	if q.Len() != 1 {
		t.Errorf("expired ack must leave the message queued")
	}
}

func TestMemoryBatchClamped(t *testing.T) {
	q, _ := newTestMemory(0)
	for i := 0; i < 15; i++ {
		_ = q.Enqueue(context.Background(), Message{Body: string(rune('a' + i)), GroupKey: "g"})
	}
	got, _ := q.ReceiveBatch(context.Background(), 50, 0)
	if len(got) != MaxBatchSize {
		t.Errorf("received %d, want %d", len(got), MaxBatchSize)
	}
}

func TestMemoryReceiveWaitsForEnqueue(t *testing.T) {
	q := NewMemory(Config{Name: "wait", PollInterval: time.Second}, clock.Real{}, nil)
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Enqueue(ctx, Message{Body: "9.jpg", GroupKey: "g"})
	}()

	got, err := q.ReceiveBatch(ctx, 10, 2*time.Second)
	if err != nil {
		t.Fatalf("ReceiveBatch: %v", err)
	}
	if !reflect.DeepEqual(bodies(got), []string{"9.jpg"}) {
		t.Errorf("got %v, want [9.jpg]", bodies(got))
	}
}

func TestMemoryReceiveEmptyAfterWait(t *testing.T) {
	q := NewMemory(Config{Name: "empty", PollInterval: 5 * time.Millisecond}, clock.Real{}, nil)
	got, err := q.ReceiveBatch(context.Background(), 10, 20*time.Millisecond)
	if err != nil || len(got) != 0 {
		t.Errorf("ReceiveBatch = (%v, %v), want empty", got, err)
	}
}

func TestMemoryClosed(t *testing.T) {
	q, _ := newTestMemory(0)
	_ = q.Close()
	if err := q.Enqueue(context.Background(), Message{Body: "1.jpg"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after close = %v", err)
	}
	if _, err := q.ReceiveBatch(context.Background(), 1, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("ReceiveBatch after close = %v", err)
	}
}
