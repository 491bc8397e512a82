// ABOUTME: Sliding window of recently routed message ids
// ABOUTME: The router drops a message whose id was already seen inside the window

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type seenEntry struct {
	id     string
	seenAt time.Time
}

// Window remembers message ids for a fixed TTL, bounded by size. When full,
// the oldest id is forgotten first.
type Window struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// NewWindow creates a window and starts its background sweeper.
func NewWindow(ttl time.Duration, maxSize int) *Window {
	w := &Window{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go w.sweepLoop()
	return w
}

// Seen reports whether id was already recorded within the TTL. If not, id
// is recorded and false is returned. Check and record happen atomically.
func (w *Window) Seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if elem, ok := w.index[id]; ok {
		entry := elem.Value.(*seenEntry)
		if now.Sub(entry.seenAt) < w.ttl {
			return true
		}
		w.order.Remove(elem)
		delete(w.index, id)
	}

	if w.maxSize > 0 && len(w.index) >= w.maxSize {
		w.evictOldestLocked()
	}
	w.index[id] = w.order.PushBack(&seenEntry{id: id, seenAt: now})
	return false
}

// Len returns the number of remembered ids.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.index)
}

// Reset forgets every id.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.index = make(map[string]*list.Element)
	w.order.Init()
}

// Close stops the sweeper. Safe to call multiple times.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		close(w.done)
		w.closed = true
	}
}

func (w *Window) evictOldestLocked() {
	front := w.order.Front()
	if front == nil {
		return
	}
	w.order.Remove(front)
	delete(w.index, front.Value.(*seenEntry).id)
}

func (w *Window) sweepLoop() {
	interval := w.ttl
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.done:
			return
		}
	}
}

// sweep drops expired ids. Entries are in insertion order, so it stops at
// the first live one.
func (w *Window) sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for elem := w.order.Front(); elem != nil; elem = w.order.Front() {
		entry := elem.Value.(*seenEntry)
		if now.Sub(entry.seenAt) < w.ttl {
			return
		}
		w.order.Remove(elem)
		delete(w.index, entry.id)
	}
}
