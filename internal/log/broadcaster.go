package log

import (
	"io"
	"sync"
)

// Broadcaster is an io.Writer that copies every log line to the live log
// streams opened through the control API.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Write never blocks: a subscriber whose buffer is full misses the line.
func (b *Broadcaster) Write(p []byte) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.subscribers) == 0 {
		return len(p), nil
	}

	buf := make([]byte, len(p))
	copy(buf, p)
	for ch := range b.subscribers {
		select {
		case ch <- buf:
		default:
		}
	}
	return len(p), nil
}

func (b *Broadcaster) Subscribe() chan []byte {
	ch := make(chan []byte, 256)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Calling it twice is a no-op.
func (b *Broadcaster) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

var _ io.Writer = (*Broadcaster)(nil)
