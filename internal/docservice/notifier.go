package docservice

import (
	"context"
	"sync"
)

// Notifier propagates document events between instances. Publish must not
// block on slow subscribers.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context) (<-chan Event, error)
	Close() error
}

const notifierBufferSize = 64

type InMemoryNotifier struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{subs: map[int]chan Event{}}
}

func (n *InMemoryNotifier) Publish(ctx context.Context, ev Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrInvalidState
	}
	for _, ch := range n.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel that is closed when ctx ends or the notifier
// is closed.
func (n *InMemoryNotifier) Subscribe(ctx context.Context) (<-chan Event, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrInvalidState
	}
	id := n.nextID
	n.nextID++
	ch := make(chan Event, notifierBufferSize)
	n.subs[id] = ch
	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(sub)
		}
	}()
	return ch, nil
}

func (n *InMemoryNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
	return nil
}
