package docservice

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileTaskQueue spools tasks to a JSON file so they survive a restart. A
// watcher on the spool directory wakes dequeuers when another process
// rewrites the file.
type FileTaskQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	logger       zerolog.Logger

	mu    sync.Mutex
	items []fileQueueItem
	seq   uint64

	wake    chan struct{}
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	now     func() time.Time
}

type fileQueueItem struct {
	Seq  uint64        `json:"seq"`
	Task TaskQueueData `json:"task"`
}

type fileQueueState struct {
	Seq   uint64          `json:"seq"`
	Items []fileQueueItem `json:"items"`
}

func NewFileTaskQueue(path string, capacity int, logger zerolog.Logger) (*FileTaskQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	q := &FileTaskQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 250 * time.Millisecond,
		logger:       logger.With().Str("component", "file_queue").Str("path", path).Logger(),
		items:        []fileQueueItem{},
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		now:          time.Now,
	}
	q.mu.Lock()
	err := q.loadLocked()
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	q.watcher = watcher
	q.wg.Add(1)
	go q.watch()
	return q, nil
}

func (q *FileTaskQueue) watch() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case ev, ok := <-q.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(q.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			q.mu.Lock()
			if err := q.loadLocked(); err != nil {
				q.logger.Warn().Err(err).Msg("reload spool")
			}
			q.mu.Unlock()
			q.signal()
		case err, ok := <-q.watcher.Errors:
			if !ok {
				return
			}
			q.logger.Warn().Err(err).Msg("spool watcher")
		}
	}
}

func (q *FileTaskQueue) TryEnqueue(task TaskQueueData) bool {
	return q.push(task, task.NotBefore)
}

func (q *FileTaskQueue) Enqueue(ctx context.Context, task TaskQueueData) bool {
	return q.EnqueueAt(ctx, task, task.NotBefore)
}

func (q *FileTaskQueue) EnqueueAt(ctx context.Context, task TaskQueueData, notBefore time.Time) bool {
	for {
		if q.push(task, notBefore) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *FileTaskQueue) push(task TaskQueueData, notBefore time.Time) bool {
	if strings.TrimSpace(task.Cmd.DocID) == "" {
		return false
	}
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return false
	}
	q.seq++
	task.NotBefore = notBefore
	q.items = append(q.items, fileQueueItem{Seq: q.seq, Task: task})
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		q.mu.Unlock()
		q.logger.Warn().Err(err).Msg("spool write")
		return false
	}
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *FileTaskQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *FileTaskQueue) Dequeue(ctx context.Context) (TaskQueueData, bool) {
	for {
		q.mu.Lock()
		idx := q.nextReadyLocked()
		if idx >= 0 {
			item := q.items[idx]
			q.items = append(q.items[:idx:idx], q.items[idx+1:]...)
			if err := q.saveLocked(); err != nil {
				q.items = append(q.items, item)
				q.mu.Unlock()
				q.logger.Warn().Err(err).Msg("spool write")
				select {
				case <-ctx.Done():
					return TaskQueueData{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return item.Task, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return TaskQueueData{}, false
		case <-q.wake:
		case <-time.After(q.pollInterval):
		}
	}
}

// nextReadyLocked returns the index of the highest-priority due item, oldest
// first within a priority, or -1.
func (q *FileTaskQueue) nextReadyLocked() int {
	now := q.now()
	best := -1
	for i, item := range q.items {
		if !item.Task.NotBefore.IsZero() && item.Task.NotBefore.After(now) {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		cur := q.items[best]
		if item.Task.Priority > cur.Task.Priority ||
			(item.Task.Priority == cur.Task.Priority && item.Seq < cur.Seq) {
			best = i
		}
	}
	return best
}

func (q *FileTaskQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *FileTaskQueue) Capacity() int {
	return q.capacity
}

func (q *FileTaskQueue) Close() error {
	select {
	case <-q.done:
		return nil
	default:
		close(q.done)
	}
	err := q.watcher.Close()
	q.wg.Wait()
	return err
}

func (q *FileTaskQueue) loadLocked() error {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var snapshot fileQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	items := snapshot.Items
	sort.SliceStable(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	if len(items) > q.capacity {
		items = items[len(items)-q.capacity:]
	}
	q.items = append([]fileQueueItem(nil), items...)
	if snapshot.Seq > q.seq {
		q.seq = snapshot.Seq
	}
	return nil
}

func (q *FileTaskQueue) saveLocked() error {
	data, err := json.Marshal(fileQueueState{Seq: q.seq, Items: q.items})
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
