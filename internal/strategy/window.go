package strategy

import (
	"time"

	"stablearb/internal/model"
)

// Snapshot is the set of quotes seen for one asset in one cycle.
type Snapshot struct {
	At     time.Time
	Quotes map[string]model.Quote
}

// Window is a bounded ring of snapshots, owned by a single asset loop.
type Window struct {
	buf   []Snapshot
	start int
	n     int
}

// NewWindow creates a window holding at most capacity snapshots.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]Snapshot, capacity)}
}

// Push appends a snapshot, evicting the oldest when full.
func (w *Window) Push(s Snapshot) {
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = s
		w.n++
		return
	}
	w.buf[w.start] = s
	w.start = (w.start + 1) % len(w.buf)
}

// Len returns the number of stored snapshots.
func (w *Window) Len() int {
	if w == nil {
		return 0
	}
	return w.n
}

// Last returns up to n most recent snapshots, oldest first.
func (w *Window) Last(n int) []Snapshot {
	if w == nil || n <= 0 {
		return nil
	}
	if n > w.n {
		n = w.n
	}
	out := make([]Snapshot, 0, n)
	for i := w.n - n; i < w.n; i++ {
		out = append(out, w.buf[(w.start+i)%len(w.buf)])
	}
	return out
}

// Since returns the snapshots taken at or after t, oldest first.
func (w *Window) Since(t time.Time) []Snapshot {
	all := w.Last(w.Len())
	for i, s := range all {
		if !s.At.Before(t) {
			return all[i:]
		}
	}
	return nil
}
