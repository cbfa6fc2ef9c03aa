package docservice

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// TaskQueue carries TaskQueueData between the dispatcher, the conversion
// workers and the completion handler. Higher priorities dequeue first; items
// with a NotBefore in the future stay invisible until it passes.
type TaskQueue interface {
	TryEnqueue(task TaskQueueData) bool
	Enqueue(ctx context.Context, task TaskQueueData) bool
	EnqueueAt(ctx context.Context, task TaskQueueData, notBefore time.Time) bool
	Dequeue(ctx context.Context) (TaskQueueData, bool)
	Depth() int
	Capacity() int
	Close() error
}

const defaultQueueCapacity = 1024

type queuedTask struct {
	task TaskQueueData
	seq  uint64
}

type taskHeap []queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(queuedTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type InMemoryTaskQueue struct {
	mu       sync.Mutex
	ready    taskHeap
	delayed  []queuedTask
	seq      uint64
	capacity int
	wake     chan struct{}
	now      func() time.Time
}

func NewInMemoryTaskQueue(capacity int) *InMemoryTaskQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &InMemoryTaskQueue{
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

func (q *InMemoryTaskQueue) TryEnqueue(task TaskQueueData) bool {
	return q.push(task, task.NotBefore)
}

func (q *InMemoryTaskQueue) Enqueue(ctx context.Context, task TaskQueueData) bool {
	return q.EnqueueAt(ctx, task, task.NotBefore)
}

func (q *InMemoryTaskQueue) EnqueueAt(ctx context.Context, task TaskQueueData, notBefore time.Time) bool {
	for {
		if q.push(task, notBefore) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (q *InMemoryTaskQueue) push(task TaskQueueData, notBefore time.Time) bool {
	if q == nil || task.Cmd.DocID == "" {
		return false
	}
	q.mu.Lock()
	if len(q.ready)+len(q.delayed) >= q.capacity {
		q.mu.Unlock()
		return false
	}
	q.seq++
	task.NotBefore = notBefore
	item := queuedTask{task: task, seq: q.seq}
	if !notBefore.IsZero() && notBefore.After(q.now()) {
		q.delayed = append(q.delayed, item)
	} else {
		heap.Push(&q.ready, item)
	}
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *InMemoryTaskQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *InMemoryTaskQueue) Dequeue(ctx context.Context) (TaskQueueData, bool) {
	if q == nil {
		return TaskQueueData{}, false
	}
	for {
		q.mu.Lock()
		wait := q.promoteLocked()
		if q.ready.Len() > 0 {
			item := heap.Pop(&q.ready).(queuedTask)
			more := q.ready.Len() > 0 || len(q.delayed) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return item.task, true
		}
		q.mu.Unlock()

		var (
			t     *time.Timer
			timer <-chan time.Time
		)
		if wait > 0 {
			t = time.NewTimer(wait)
			timer = t.C
		}
		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			return TaskQueueData{}, false
		case <-q.wake:
		case <-timer:
		}
		if t != nil {
			t.Stop()
		}
	}
}

// promoteLocked moves due delayed items into the ready heap and returns the
// wait until the next delayed item, or zero when none is pending.
func (q *InMemoryTaskQueue) promoteLocked() time.Duration {
	now := q.now()
	var next time.Duration
	kept := q.delayed[:0]
	for _, item := range q.delayed {
		if !item.task.NotBefore.After(now) {
			heap.Push(&q.ready, item)
			continue
		}
		kept = append(kept, item)
		if d := item.task.NotBefore.Sub(now); next == 0 || d < next {
			next = d
		}
	}
	q.delayed = kept
	return next
}

func (q *InMemoryTaskQueue) Depth() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.delayed)
}

func (q *InMemoryTaskQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

// Snapshot returns queued tasks, ready ones first in dequeue order.
func (q *InMemoryTaskQueue) Snapshot() []TaskQueueData {
	q.mu.Lock()
	defer q.mu.Unlock()
	ready := append(taskHeap(nil), q.ready...)
	out := make([]TaskQueueData, 0, len(ready)+len(q.delayed))
	for ready.Len() > 0 {
		out = append(out, heap.Pop(&ready).(queuedTask).task)
	}
	for _, item := range q.delayed {
		out = append(out, item.task)
	}
	return out
}

func (q *InMemoryTaskQueue) Close() error {
	return nil
}
