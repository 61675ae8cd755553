package keystroke

// WindowSize is the number of most recent keystrokes kept for rhythm and
// rate statistics.
const WindowSize = 100

// Window is a bounded FIFO of keystrokes. Pushing onto a full window evicts
// the oldest entry. The zero value is not usable; call NewWindow.
type Window struct {
	buf   []KeystrokeEvent
	start int
	n     int
}

// NewWindow returns an empty window holding at most size keystrokes.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = WindowSize
	}
	return &Window{buf: make([]KeystrokeEvent, size)}
}

// Push appends e, evicting the oldest keystroke when full.
func (w *Window) Push(e KeystrokeEvent) {
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = e
		w.n++
		return
	}
	w.buf[w.start] = e
	w.start = (w.start + 1) % len(w.buf)
}

// Len returns the number of keystrokes held.
func (w *Window) Len() int { return w.n }

// Cap returns the maximum number of keystrokes held.
func (w *Window) Cap() int { return len(w.buf) }

// Events returns the window contents oldest first, as a copy.
func (w *Window) Events() []KeystrokeEvent {
	out := make([]KeystrokeEvent, w.n)
	for i := 0; i < w.n; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

// Reset empties the window.
func (w *Window) Reset() {
	w.start, w.n = 0, 0
}
