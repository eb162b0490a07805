package media

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// LocalHandle owns the capture tracks of the active call. Release stops every
// track exactly once no matter how many times it is called.
type LocalHandle struct {
	tier   Tier
	tracks []Track

	once     sync.Once
	released atomic.Bool
	err      error
}

func newLocalHandle(tier Tier, tracks []Track) *LocalHandle {
	return &LocalHandle{tier: tier, tracks: tracks}
}

// Tier is the tier the tracks were acquired with.
func (h *LocalHandle) Tier() Tier { return h.tier }

// Tracks returns the owned tracks for attaching to a connection.
func (h *LocalHandle) Tracks() []Track {
	return append([]Track(nil), h.tracks...)
}

// Release stops all tracks. Only the first call does any work; later calls
// return the first call's result.
func (h *LocalHandle) Release() error {
	h.once.Do(func() {
		errs := make([]error, 0, len(h.tracks))
		for _, t := range h.tracks {
			errs = append(errs, t.Close())
		}
		h.err = errors.Join(errs...)
		h.released.Store(true)
	})
	return h.err
}

func (h *LocalHandle) Released() bool { return h.released.Load() }

// RemoteHandle collects the tracks the peer sends. It only observes them:
// their lifetime belongs to the peer connection.
type RemoteHandle struct {
	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

func (h *RemoteHandle) Add(t *webrtc.TrackRemote) {
	h.mu.Lock()
	h.tracks = append(h.tracks, t)
	h.mu.Unlock()
}

func (h *RemoteHandle) Tracks() []*webrtc.TrackRemote {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), h.tracks...)
}
