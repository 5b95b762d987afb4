package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryQueue is a Queue kept in process memory. It is safe for
// concurrent use and loses its tasks when the process exits.
type InMemoryQueue struct {
	mu     sync.Mutex
	tasks  []Task
	seq    map[string]int64
	next   int64
	notify chan struct{}
	now    func() time.Time
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		seq:    make(map[string]int64),
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t = prepare(t, q.now())

	q.mu.Lock()
	q.next++
	q.seq[t.ID] = q.next
	q.tasks = append(q.tasks, t)
	sort.SliceStable(q.tasks, func(i, j int) bool {
		a, b := q.tasks[i], q.tasks[j]
		if !a.NotBefore.Equal(b.NotBefore) {
			return a.NotBefore.Before(b.NotBefore)
		}
		return q.seq[a.ID] < q.seq[b.ID]
	})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		t, wait := q.take()
		if t != nil {
			return t, nil
		}

		if wait > 0 {
			tmr.Reset(wait)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-tmr.C:
		}
		tmr.Stop()
	}
}

// take pops the first eligible task. Otherwise it returns how long until
// the earliest task becomes eligible, or 0 when the queue is empty.
func (q *InMemoryQueue) take() (*Task, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, 0
	}
	head := q.tasks[0]
	if wait := head.NotBefore.Sub(q.now()); wait > 0 {
		return nil, wait
	}
	q.tasks = q.tasks[1:]
	delete(q.seq, head.ID)
	return &head, 0
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
