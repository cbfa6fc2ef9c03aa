package docservice

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func taskFor(docID string, priority QueuePriority) TaskQueueData {
	return TaskQueueData{Cmd: Command{Command: "open", DocID: docID}, Priority: priority}
}

func TestInMemoryTaskQueueOrdersByPriorityThenArrival(t *testing.T) {
	queue := NewInMemoryTaskQueue(8)
	for _, task := range []TaskQueueData{
		taskFor("low-1", PriorityLow),
		taskFor("high-1", PriorityHigh),
		taskFor("low-2", PriorityLow),
		taskFor("high-2", PriorityHigh),
		taskFor("normal", PriorityNormal),
	} {
		if !queue.TryEnqueue(task) {
			t.Fatalf("enqueue %s failed", task.Cmd.DocID)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	want := []string{"high-1", "high-2", "normal", "low-1", "low-2"}
	for _, id := range want {
		task, ok := queue.Dequeue(ctx)
		if !ok || task.Cmd.DocID != id {
			t.Fatalf("expected %s, got %q (ok=%v)", id, task.Cmd.DocID, ok)
		}
	}
}

func TestInMemoryTaskQueueCapacityAndTimeout(t *testing.T) {
	queue := NewInMemoryTaskQueue(1)
	if !queue.TryEnqueue(taskFor("doc-1", PriorityLow)) {
		t.Fatalf("expected first enqueue to succeed")
	}
	if queue.TryEnqueue(taskFor("doc-2", PriorityLow)) {
		t.Fatalf("expected second enqueue to fail at capacity")
	}
	if queue.TryEnqueue(TaskQueueData{}) {
		t.Fatalf("expected task without doc id to be rejected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, ok := queue.Dequeue(ctx); !ok {
		t.Fatalf("expected queued task")
	}
	if _, ok := queue.Dequeue(ctx); ok {
		t.Fatalf("expected empty queue to time out")
	}
}

func TestInMemoryTaskQueueHoldsDelayedTasks(t *testing.T) {
	queue := NewInMemoryTaskQueue(4)
	start := time.Now()
	if !queue.EnqueueAt(context.Background(), taskFor("later", PriorityHigh), start.Add(80*time.Millisecond)) {
		t.Fatalf("expected delayed enqueue to succeed")
	}
	if !queue.TryEnqueue(taskFor("now", PriorityLow)) {
		t.Fatalf("expected enqueue to succeed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first, ok := queue.Dequeue(ctx)
	if !ok || first.Cmd.DocID != "now" {
		t.Fatalf("expected ready task first, got %q", first.Cmd.DocID)
	}
	second, ok := queue.Dequeue(ctx)
	if !ok || second.Cmd.DocID != "later" {
		t.Fatalf("expected delayed task second, got %q", second.Cmd.DocID)
	}
	if elapsed := time.Since(start); elapsed < 70*time.Millisecond {
		t.Fatalf("expected delayed task to wait, elapsed %s", elapsed)
	}
	if second.NotBefore.IsZero() {
		t.Fatalf("expected NotBefore to be recorded on the task")
	}
}

func TestFileTaskQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convert-queue.json")
	queue, err := NewFileTaskQueue(path, 4, zerolog.Nop())
	if err != nil {
		t.Fatalf("new file task queue failed: %v", err)
	}
	if !queue.TryEnqueue(taskFor("doc-1", PriorityLow)) || !queue.TryEnqueue(taskFor("doc-2", PriorityHigh)) {
		t.Fatalf("expected enqueue to succeed")
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewFileTaskQueue(path, 4, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen file task queue failed: %v", err)
	}
	defer reopened.Close()
	if reopened.Depth() != 2 {
		t.Fatalf("expected 2 spooled tasks, got %d", reopened.Depth())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	first, ok := reopened.Dequeue(ctx)
	if !ok || first.Cmd.DocID != "doc-2" {
		t.Fatalf("expected high priority doc-2 first, got %q (ok=%v)", first.Cmd.DocID, ok)
	}
	second, ok := reopened.Dequeue(ctx)
	if !ok || second.Cmd.DocID != "doc-1" {
		t.Fatalf("expected doc-1 second, got %q (ok=%v)", second.Cmd.DocID, ok)
	}
}

func TestFileTaskQueueSkipsTasksNotYetDue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result-queue.json")
	queue, err := NewFileTaskQueue(path, 4, zerolog.Nop())
	if err != nil {
		t.Fatalf("new file task queue failed: %v", err)
	}
	defer queue.Close()
	retry := taskFor("doc-r", PriorityLow)
	retry.Cmd.Attempt = 2
	if !queue.EnqueueAt(context.Background(), retry, time.Now().Add(time.Hour)) {
		t.Fatalf("expected delayed enqueue to succeed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := queue.Dequeue(ctx); ok {
		t.Fatalf("expected task to stay queued until due")
	}
	if queue.Depth() != 1 {
		t.Fatalf("expected task to remain, depth=%d", queue.Depth())
	}
}
