package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// testQueue runs the behaviour every Queue implementation must share.
// newQueue must return an empty queue.
func testQueue(t *testing.T, newQueue func(t *testing.T) Queue) {
	t.Run("FIFO", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			if err := q.Enqueue(ctx, Task{Type: TaskTypeExecute, WorkflowID: fmt.Sprintf("wf-%d", i)}); err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
			// Distinct enqueue times keep the order independent of the
			// backend's tie-breaking.
			time.Sleep(2 * time.Millisecond)
		}
		if n := q.Len(); n != 3 {
			t.Fatalf("expected Len 3, got %d", n)
		}

		for i := 0; i < 3; i++ {
			task := dequeue(t, q, time.Second)
			if want := fmt.Sprintf("wf-%d", i); task.WorkflowID != want {
				t.Fatalf("expected %s, got %s", want, task.WorkflowID)
			}
			if task.ID == "" || task.Type != TaskTypeExecute || task.EnqueuedAt.IsZero() {
				t.Fatalf("task fields not filled in: %+v", task)
			}
		}
		if n := q.Len(); n != 0 {
			t.Fatalf("expected empty queue, got %d", n)
		}
	})

	t.Run("NotBeforeDelaysTask", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		delayed := Task{Type: TaskTypeExecute, WorkflowID: "later", NotBefore: time.Now().Add(300 * time.Millisecond), Attempts: 2}
		if err := q.Enqueue(ctx, delayed); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if err := q.Enqueue(ctx, Task{Type: TaskTypeCancel, WorkflowID: "now"}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}

		first := dequeue(t, q, time.Second)
		if first.WorkflowID != "now" || first.Type != TaskTypeCancel {
			t.Fatalf("expected the eligible task first, got %+v", first)
		}

		shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		if _, err := q.Dequeue(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("delayed task must not be handed out early, got %v", err)
		}

		second := dequeue(t, q, 2*time.Second)
		if second.WorkflowID != "later" || second.Attempts != 2 {
			t.Fatalf("unexpected delayed task: %+v", second)
		}
		if second.NotBefore.Before(delayed.NotBefore.Add(-time.Millisecond)) {
			t.Fatalf("NotBefore not preserved: %v vs %v", second.NotBefore, delayed.NotBefore)
		}
	})

	t.Run("DequeueRespectsContext", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(30 * time.Millisecond)
			cancel()
		}()
		if _, err := q.Dequeue(ctx); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("ConcurrentConsumersGetDistinctTasks", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		const n = 10
		for i := 0; i < n; i++ {
			if err := q.Enqueue(ctx, Task{Type: TaskTypeExecute, WorkflowID: fmt.Sprintf("wf-%d", i)}); err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
		}

		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)
		for c := 0; c < 3; c++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					dctx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
					task, err := q.Dequeue(dctx)
					cancel()
					if err != nil {
						return
					}
					mu.Lock()
					seen[task.WorkflowID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(seen) != n {
			t.Fatalf("expected %d distinct tasks, got %d", n, len(seen))
		}
		for id, count := range seen {
			if count != 1 {
				t.Fatalf("task %s handed out %d times", id, count)
			}
		}
	})
}

func dequeue(t *testing.T, q Queue, timeout time.Duration) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	task, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	return task
}
