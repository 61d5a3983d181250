// Package timeline assembles the newest-first view of a conversation from a
// one-time history batch and a stream of live messages.
package timeline

import (
	"errors"
	"sync"

	"github.com/2amu/PES-FIB/internal/models"
)

var (
	// ErrHistoryLoaded is returned when history is loaded a second time.
	ErrHistoryLoaded = errors.New("timeline: history already loaded")

	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("timeline: closed")
)

// Snapshot is an immutable view of the timeline at one version.
// Messages are newest first; callers must not modify the slice.
type Snapshot struct {
	Version       uint64
	HistoryLoaded bool
	Messages      []models.Message
}

// Timeline is safe for concurrent use. Live messages that arrive before the
// history batch are held back and placed on top of it, in arrival order,
// once history is loaded.
type Timeline struct {
	mu            sync.RWMutex
	messages      []models.Message // newest first
	pending       []models.Message // live arrivals before history, oldest first
	historyLoaded bool
	closed        bool
	version       uint64
	current       Snapshot
	subscribers   map[chan struct{}]struct{}
}

// New returns an empty timeline.
func New() *Timeline {
	return &Timeline{
		subscribers: make(map[chan struct{}]struct{}),
	}
}

// LoadHistory installs the history batch, given oldest to newest, and
// replays any buffered live messages on top of it.
func (t *Timeline) LoadHistory(batch []models.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.historyLoaded {
		return ErrHistoryLoaded
	}

	messages := make([]models.Message, 0, len(batch)+len(t.pending))
	for i := len(t.pending) - 1; i >= 0; i-- {
		messages = append(messages, t.pending[i])
	}
	for i := len(batch) - 1; i >= 0; i-- {
		messages = append(messages, batch[i])
	}

	t.messages = messages
	t.pending = nil
	t.historyLoaded = true
	t.publishLocked()
	return nil
}

// AppendLive places msg at the newest end. Before history is loaded the
// message is buffered instead. No deduplication against history is done:
// the wire protocol carries no message id to compare.
func (t *Timeline) AppendLive(msg models.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if !t.historyLoaded {
		t.pending = append(t.pending, msg)
		return nil
	}

	messages := make([]models.Message, 0, len(t.messages)+1)
	messages = append(messages, msg)
	messages = append(messages, t.messages...)
	t.messages = messages
	t.publishLocked()
	return nil
}

// Snapshot returns the current view. Buffered live messages are not visible
// until history is loaded.
func (t *Timeline) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Len returns the number of visible messages.
func (t *Timeline) Len() int {
	return len(t.Snapshot().Messages)
}

// Pending returns the number of live messages waiting for history.
func (t *Timeline) Pending() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}

// Subscribe returns a channel that receives a signal after every change;
// signals coalesce, so read Snapshot after each one. The channel is closed
// when the timeline is closed or the returned func is called.
func (t *Timeline) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	t.mu.Lock()
	if t.closed {
		close(ch)
		t.mu.Unlock()
		return ch, func() {}
	}
	t.subscribers[ch] = struct{}{}
	t.mu.Unlock()

	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.subscribers[ch]; ok {
			delete(t.subscribers, ch)
			close(ch)
		}
	}
}

// Close discards buffered messages and rejects any further writes.
// The last snapshot stays readable.
func (t *Timeline) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	t.pending = nil
	for ch := range t.subscribers {
		delete(t.subscribers, ch)
		close(ch)
	}
}

// Closed reports whether Close was called.
func (t *Timeline) Closed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *Timeline) publishLocked() {
	t.version++
	t.current = Snapshot{
		Version:       t.version,
		HistoryLoaded: t.historyLoaded,
		Messages:      t.messages,
	}
	for ch := range t.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
