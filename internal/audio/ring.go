package audio

import "sync/atomic"

// Ring is a bounded frame queue. Push never blocks; when full the oldest
// frame is evicted.
type Ring struct {
	ch      chan Frame
	dropped atomic.Uint64
	onDrop  func()
}

func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{ch: make(chan Frame, capacity)}
}

// OnDrop registers a callback invoked once per evicted frame. It must be set
// before the first Push.
func (r *Ring) OnDrop(fn func()) {
	r.onDrop = fn
}

// Push enqueues f, evicting the oldest frames until it fits. It reports
// whether anything was evicted.
func (r *Ring) Push(f Frame) bool {
	evicted := false
	for {
		select {
		case r.ch <- f:
			return evicted
		default:
		}
		select {
		case <-r.ch:
			evicted = true
			r.dropped.Add(1)
			if r.onDrop != nil {
				r.onDrop()
			}
		default:
		}
	}
}

func (r *Ring) Frames() <-chan Frame { return r.ch }

func (r *Ring) Len() int { return len(r.ch) }

func (r *Ring) Cap() int { return cap(r.ch) }

func (r *Ring) Dropped() uint64 { return r.dropped.Load() }

// Drain discards everything currently queued.
func (r *Ring) Drain() {
	for {
		select {
		case <-r.ch:
		default:
			return
		}
	}
}
