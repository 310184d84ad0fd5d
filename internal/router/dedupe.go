package router

import "sync"

// seenWindow is a fixed-capacity set of recently seen message ids. When the
// window is full the oldest id is evicted. The backing transport may deliver
// the same broadcast event more than once; ids inside the window are treated
// as repeats and never pushed to observers a second time.
type seenWindow struct {
	mu   sync.Mutex
	ids  map[string]struct{}
	ring []string
	next int
}

func newSeenWindow(capacity int) *seenWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &seenWindow{
		ids:  make(map[string]struct{}, capacity),
		ring: make([]string, capacity),
	}
}

// FirstSeen records id and reports whether this is its first appearance
// within the window.
func (w *seenWindow) FirstSeen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, dup := w.ids[id]; dup {
		return false
	}
	if old := w.ring[w.next]; old != "" {
		delete(w.ids, old)
	}
	w.ring[w.next] = id
	w.next = (w.next + 1) % len(w.ring)
	w.ids[id] = struct{}{}
	return true
}
