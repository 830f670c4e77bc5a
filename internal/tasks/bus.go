package tasks

import (
	"strings"
	"sync"
)

const defaultSubscriberBuffer = 64

// Bus fans task events out to the readers subscribed to that task. A
// reader only sees events published after it subscribed.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]map[int]chan Event
	nextSubID   int
	buffer      int
	onDrop      func(taskID string, ev Event)
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Bus{
		subscribers: make(map[string]map[int]chan Event),
		buffer:      buffer,
	}
}

// OnDrop installs a hook called when a slow reader misses an event.
func (b *Bus) OnDrop(fn func(taskID string, ev Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

func (b *Bus) Subscribe(taskID string) (<-chan Event, func()) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	if _, ok := b.subscribers[taskID]; !ok {
		b.subscribers[taskID] = make(map[int]chan Event)
	}
	b.subscribers[taskID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subscribers[taskID]
			if subs == nil {
				return
			}
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
			if len(subs) == 0 {
				delete(b.subscribers, taskID)
			}
		})
	}
}

func (b *Bus) Publish(taskID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers[strings.TrimSpace(taskID)] {
		select {
		case ch <- ev:
		default:
			if b.onDrop != nil {
				b.onDrop(taskID, ev)
			}
		}
	}
}

// Close ends the task's stream: every reader channel is closed and the
// topic is forgotten. Later unsubscribes are no-ops.
func (b *Bus) Close(taskID string) {
	taskID = strings.TrimSpace(taskID)
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers[taskID] {
		close(ch)
		delete(b.subscribers[taskID], id)
	}
	delete(b.subscribers, taskID)
}

func (b *Bus) SubscriberCount(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[strings.TrimSpace(taskID)])
}
