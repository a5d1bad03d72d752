package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kagan-dev/kagan/internal/common/logger"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	var received []*Event

	_, err := b.Subscribe(SubjectTaskCreated, func(ctx context.Context, e *Event) error {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	event := NewEvent(SubjectTaskCreated, "test", map[string]any{"task_id": "abc12345"})
	if err := b.Publish(context.Background(), SubjectTaskCreated, event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if received[0].ID != event.ID {
		t.Errorf("event ID mismatch: got %s, want %s", received[0].ID, event.ID)
	}
	if received[0].Data["task_id"] != "abc12345" {
		t.Errorf("unexpected data: %v", received[0].Data)
	}
}

func TestMemoryBusOrderedDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	const n = 50
	var mu sync.Mutex
	var order []int

	_, err := b.Subscribe("task.updated", func(ctx context.Context, e *Event) error {
		mu.Lock()
		order = append(order, e.Data["seq"].(int))
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < n; i++ {
		e := NewEvent(SubjectTaskUpdated, "test", map[string]any{"seq": i})
		if err := b.Publish(context.Background(), "task.updated", e); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == n
	})

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range order {
		if seq != i {
			t.Fatalf("out of order at %d: got seq %d", i, seq)
		}
	}
}

func TestMemoryBusWildcards(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	counts := map[string]int{}

	sub := func(pattern string) {
		_, err := b.Subscribe(pattern, func(ctx context.Context, e *Event) error {
			mu.Lock()
			counts[pattern]++
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe %s: %v", pattern, err)
		}
	}

	sub("task.*")
	sub("task.>")
	sub("task.created")
	sub("workspace.*")

	e := NewEvent(SubjectTaskCreated, "test", nil)
	if err := b.Publish(context.Background(), "task.created", e); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["task.*"] == 1 && counts["task.>"] == 1 && counts["task.created"] == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if counts["workspace.*"] != 0 {
		t.Errorf("workspace.* should not match task.created")
	}
}

func TestMemoryBusHandlerErrorSuppressed(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	delivered := make(chan struct{}, 2)

	_, err := b.Subscribe("task.deleted", func(ctx context.Context, e *Event) error {
		delivered <- struct{}{}
		return errors.New("handler failed")
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// A failing handler must not surface to the publisher, and must not
	// stop subsequent deliveries.
	for i := 0; i < 2; i++ {
		e := NewEvent(SubjectTaskDeleted, "test", nil)
		if err := b.Publish(context.Background(), "task.deleted", e); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case <-delivered:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
}

func TestMemoryBusHandlerPanicRecovered(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	delivered := make(chan struct{}, 2)

	_, err := b.Subscribe("session.created", func(ctx context.Context, e *Event) error {
		delivered <- struct{}{}
		panic("boom")
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 2; i++ {
		e := NewEvent(SubjectSessionCreated, "test", nil)
		if err := b.Publish(context.Background(), "session.created", e); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case <-delivered:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery after panic")
		}
	}
}

func TestMemoryBusQueueGroupDeliversOnce(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	total := 0

	for i := 0; i < 3; i++ {
		_, err := b.QueueSubscribe("job.transition", "workers", func(ctx context.Context, e *Event) error {
			mu.Lock()
			total++
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("queue subscribe: %v", err)
		}
	}

	const n = 9
	for i := 0; i < n; i++ {
		e := NewEvent(SubjectJobTransition, "test", nil)
		if err := b.Publish(context.Background(), "job.transition", e); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return total == n
	})

	// Give stray duplicate deliveries a chance to show up.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if total != n {
		t.Errorf("expected %d deliveries, got %d", n, total)
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	count := 0

	sub, err := b.Subscribe("merge.completed", func(ctx context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if !sub.IsValid() {
		t.Error("expected subscription to be valid")
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if sub.IsValid() {
		t.Error("expected subscription to be invalid after unsubscribe")
	}

	e := NewEvent(SubjectMergeCompleted, "test", nil)
	if err := b.Publish(context.Background(), "merge.completed", e); err != nil {
		t.Fatalf("publish: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("expected no deliveries after unsubscribe, got %d", count)
	}
}

func TestMemoryBusClosedRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()

	if b.IsConnected() {
		t.Error("expected closed bus to report disconnected")
	}

	e := NewEvent(SubjectTaskCreated, "test", nil)
	if err := b.Publish(context.Background(), "task.created", e); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
	if _, err := b.Subscribe("task.created", func(ctx context.Context, e *Event) error { return nil }); err == nil {
		t.Error("expected subscribe on closed bus to fail")
	}
}
