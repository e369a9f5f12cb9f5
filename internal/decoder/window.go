package decoder

import "time"

// DefaultWindow is how long a window collects after its first sample.
const DefaultWindow = 4000 * time.Millisecond

// WindowState is the collection phase of a Window.
type WindowState int

const (
	Idle WindowState = iota
	Collecting
)

func (s WindowState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Collecting:
		return "collecting"
	default:
		return "unknown"
	}
}

// Window accumulates samples for a fixed period starting at the first one.
// It only tracks the deadline; the owner schedules the expiry and calls
// Expire when it fires.
type Window struct {
	duration time.Duration
	state    WindowState
	deadline time.Time
	samples  []Sample
}

func NewWindow(duration time.Duration) *Window {
	if duration <= 0 {
		duration = DefaultWindow
	}
	return &Window{duration: duration}
}

// Add appends s. It reports true when s opened a new collection, in which
// case the caller must arm an expiry for Deadline.
func (w *Window) Add(s Sample, now time.Time) bool {
	w.samples = append(w.samples, s)
	if w.state == Collecting {
		return false
	}
	w.state = Collecting
	w.deadline = now.Add(w.duration)
	return true
}

// Expire resolves the collected samples and returns the window to Idle.
func (w *Window) Expire(acceptThreshold float64) Resolution {
	samples := w.drain()
	return Resolve(samples, acceptThreshold)
}

// Reset discards everything collected without resolving and returns the
// number of samples dropped.
func (w *Window) Reset() int {
	return len(w.drain())
}

func (w *Window) drain() []Sample {
	samples := w.samples
	w.samples = nil
	w.state = Idle
	w.deadline = time.Time{}
	return samples
}

func (w *Window) State() WindowState { return w.state }

func (w *Window) Len() int { return len(w.samples) }

func (w *Window) Duration() time.Duration { return w.duration }

// Deadline is zero while Idle.
func (w *Window) Deadline() time.Time { return w.deadline }

// Remaining returns the time left before the deadline, or zero when Idle or
// already past it.
func (w *Window) Remaining(now time.Time) time.Duration {
	if w.state != Collecting {
		return 0
	}
	if left := w.deadline.Sub(now); left > 0 {
		return left
	}
	return 0
}
