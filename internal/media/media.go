// Package media acquires the local tracks published on every peer link.
// A Source owns codec registration and device access; the rest of the
// program only sees the resulting webrtc.TrackLocal values.
package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
)

// AccessError reports a failure to open a capture device, as opposed to a
// failure inside the negotiation stack.
type AccessError struct {
	Err error
}

func (e *AccessError) Error() string { return "media: device access: " + e.Err.Error() }

func (e *AccessError) Unwrap() error { return e.Err }

// Source produces the local media published to peers.
type Source interface {
	// ConfigureMedia registers the source's codecs on the media engine
	// used to build peer connections. It must be called before Acquire.
	ConfigureMedia(*webrtc.MediaEngine) error

	// Acquire opens the source. The returned stream stays live until its
	// Close; a source is acquired at most once.
	Acquire(ctx context.Context) (*Stream, error)
}

// Stream is a set of live local tracks from one source.
type Stream struct {
	tracks []webrtc.TrackLocal

	closeOnce sync.Once
	closeFn   func() error
}

func newStream(tracks []webrtc.TrackLocal, closeFn func() error) *Stream {
	return &Stream{tracks: tracks, closeFn: closeFn}
}

// Tracks returns the local tracks to add to each new peer connection.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Close releases the underlying devices. Safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.closeFn != nil {
			err = s.closeFn()
		}
	})
	return err
}
