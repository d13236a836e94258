package logring

import "sync"

// DefaultCapacity is the number of lines retained per entry when the
// configuration does not say otherwise.
const DefaultCapacity = 2000

// Ring is a bounded FIFO buffer of log lines for a single entry.
// Appends evict the oldest line once the capacity is reached.
// It is safe for concurrent use: the exit monitor appends while the
// state publisher snapshots.
type Ring struct {
	mu    sync.Mutex
	lines []string
	head  int // index of the oldest line when full
	full  bool
	cap   int
}

// New creates a ring with the given capacity. Non-positive capacities
// fall back to DefaultCapacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{lines: make([]string, 0, capacity), cap: capacity}
}

// Append adds one line, evicting the oldest when the ring is full.
func (r *Ring) Append(line string) {
	r.mu.Lock()
	if r.full {
		r.lines[r.head] = line
		r.head = (r.head + 1) % r.cap
	} else {
		r.lines = append(r.lines, line)
		if len(r.lines) == r.cap {
			r.full = true
		}
	}
	r.mu.Unlock()
}

// Len returns the number of retained lines.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}

// Clear discards all retained lines immediately.
func (r *Ring) Clear() {
	r.mu.Lock()
	r.lines = r.lines[:0]
	r.head = 0
	r.full = false
	r.mu.Unlock()
}

// Snapshot returns a copy of the retained lines in append order.
// The returned slice is owned by the caller; later appends do not
// mutate it.
func (r *Ring) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.lines))
	if r.full {
		out = append(out, r.lines[r.head:]...)
		out = append(out, r.lines[:r.head]...)
		return out
	}
	return append(out, r.lines...)
}
