// Package media acquires local capture handles for calls.
package media

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Constraints selects which kinds of local media a call wants.
type Constraints struct {
	Audio bool
	Video bool
}

// Capturer acquires local media.
type Capturer interface {
	Acquire(ctx context.Context, c Constraints) (*Handle, error)
}

// Handle owns a set of local tracks and whatever feeds them. Stop releases
// everything and may be called any number of times.
type Handle struct {
	tracks  []webrtc.TrackLocal
	stop    func()
	once    sync.Once
	stopped atomic.Bool
}

// NewHandle wraps tracks with the func that releases their sources. stop may
// be nil.
func NewHandle(tracks []webrtc.TrackLocal, stop func()) *Handle {
	return &Handle{tracks: tracks, stop: stop}
}

// Tracks returns the local tracks to attach to a connection.
func (h *Handle) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, len(h.tracks))
	copy(out, h.tracks)
	return out
}

// Stop ends every track source.
func (h *Handle) Stop() {
	h.once.Do(func() {
		if h.stop != nil {
			h.stop()
		}
		h.stopped.Store(true)
	})
}

// Stopped reports whether Stop has completed.
func (h *Handle) Stopped() bool { return h.stopped.Load() }
