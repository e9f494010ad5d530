package deeplink

import "sync"

// Inbox is a Source fed by the process itself, e.g. by an HTTP callback
type Inbox struct {
	initial string
	ch      chan string
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

// NewInbox creates an inbox holding up to buffer pending links
func NewInbox(initial string, buffer int) *Inbox {
	if buffer <= 0 {
		buffer = 16
	}
	return &Inbox{initial: initial, ch: make(chan string, buffer)}
}

func (i *Inbox) InitialURL() string {
	return i.initial
}

func (i *Inbox) URLs() <-chan string {
	return i.ch
}

// Push enqueues a link. It reports false when the inbox is full or closed.
func (i *Inbox) Push(raw string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return false
	}
	select {
	case i.ch <- raw:
		return true
	default:
		return false
	}
}

// Close stops delivery; Listen returns once pending links are drained
func (i *Inbox) Close() {
	i.once.Do(func() {
		i.mu.Lock()
		i.closed = true
		close(i.ch)
		i.mu.Unlock()
	})
}
