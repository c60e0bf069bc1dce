package session

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// RemoteMedia is the media stream surfaced by a session once the remote side
// starts sending. It is owned by the session's connection; consumers (the
// presentation layer) hold a reference only and must tolerate it going stale
// after the peer leaves.
type RemoteMedia struct {
	peerID string

	mu      sync.Mutex
	tracks  []*webrtc.TrackRemote
	onTrack func(*webrtc.TrackRemote)
}

func newRemoteMedia(peerID string) *RemoteMedia {
	return &RemoteMedia{peerID: peerID}
}

func (m *RemoteMedia) PeerID() string { return m.peerID }

// Tracks returns a snapshot of the remote tracks received so far.
func (m *RemoteMedia) Tracks() []*webrtc.TrackRemote {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(m.tracks))
	copy(out, m.tracks)
	return out
}

// OnTrack registers f for every remote track, including those received
// before registration. A later registration replaces an earlier one.
func (m *RemoteMedia) OnTrack(f func(*webrtc.TrackRemote)) {
	m.mu.Lock()
	existing := make([]*webrtc.TrackRemote, len(m.tracks))
	copy(existing, m.tracks)
	m.onTrack = f
	m.mu.Unlock()
	for _, t := range existing {
		f(t)
	}
}

func (m *RemoteMedia) add(t *webrtc.TrackRemote) {
	m.mu.Lock()
	m.tracks = append(m.tracks, t)
	f := m.onTrack
	m.mu.Unlock()
	if f != nil {
		f(t)
	}
}
