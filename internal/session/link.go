package session

import "github.com/pion/webrtc/v4"

// LinkState is the coarse connectivity state reported by a Link. It collapses
// the underlying connection-state zoo into what the session machine needs.
type LinkState int

const (
	LinkConnecting LinkState = iota
	LinkConnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Link is the narrow slice of a peer connection the session machine drives.
// The production implementation wraps *webrtc.PeerConnection; tests substitute
// a fake so the negotiation machine runs without any network.
//
// CreateOffer and CreateAnswer both apply the created description locally
// before returning it.
type Link interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error

	// Rollback discards a locally applied offer so a remote one can be
	// accepted instead. Used only when glare resolution yields to the peer.
	Rollback() error

	AddICECandidate(webrtc.ICECandidateInit) error

	// SetAudioEnabled pauses or resumes the outbound audio tracks.
	SetAudioEnabled(bool) error

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnStateChange(func(LinkState))
	OnRemoteTrack(func(*webrtc.TrackRemote))

	Close() error
}
