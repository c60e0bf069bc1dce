package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// State is the negotiation state of a Session.
type State int

const (
	StateIdle State = iota
	StateOfferSent
	StateOfferReceived
	StateAnswered
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswered:
		return "answered"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Callbacks are invoked by the session on the orchestrator loop. Send*
// callbacks are the session's only way of producing outbound signaling;
// Failed means the session closed itself and should be evicted.
type Callbacks struct {
	SendOffer     func(webrtc.SessionDescription)
	SendAnswer    func(webrtc.SessionDescription)
	SendCandidate func(webrtc.ICECandidateInit)
	Connected     func()
	Failed        func(error)
	RemoteMedia   func(*RemoteMedia)
}

type Config struct {
	// LocalID and PeerID are the two participant identities; their
	// lexicographic order resolves glare.
	LocalID string
	PeerID  string

	Link Link

	// Exec schedules a closure onto the orchestrator loop. Every session
	// mutation runs through it; the session itself holds no lock.
	Exec func(func())

	Callbacks Callbacks
	Logger    *slog.Logger
}

// Session drives offer/answer negotiation with one remote participant.
//
// All methods must be called from the orchestrator loop. Work that has to
// wait (creating a description, applying a remote one) runs on a separate
// goroutine and re-enters the loop via Exec; each continuation captures the
// session generation and becomes a no-op if the session was closed or rolled
// back in the meantime.
type Session struct {
	log     *slog.Logger
	localID string
	peerID  string
	link    Link
	exec    func(func())
	cb      Callbacks

	state        State
	gen          uint64
	isOfferer    bool
	offerPending bool

	// pendingCandidates buffers remote candidates that arrived before a
	// remote description was applied. Append-only, drained in arrival order.
	haveRemote        bool
	pendingCandidates []webrtc.ICECandidateInit

	remote    *RemoteMedia
	closeLink sync.Once
}

func New(cfg Config) *Session {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		log:     log.With("peer_id", cfg.PeerID),
		localID: cfg.LocalID,
		peerID:  cfg.PeerID,
		link:    cfg.Link,
		exec:    cfg.Exec,
		cb:      cfg.Callbacks,
		state:   StateIdle,
	}

	s.link.OnICECandidate(func(c webrtc.ICECandidateInit) {
		s.exec(func() {
			if s.state == StateClosed {
				return
			}
			s.cb.SendCandidate(c)
		})
	})
	s.link.OnStateChange(func(ls LinkState) {
		s.exec(func() { s.handleLinkState(ls) })
	})
	s.link.OnRemoteTrack(func(t *webrtc.TrackRemote) {
		s.exec(func() { s.handleRemoteTrack(t) })
	})

	return s
}

func (s *Session) PeerID() string  { return s.peerID }
func (s *Session) State() State    { return s.state }
func (s *Session) IsOfferer() bool { return s.isOfferer }

// Initiate starts negotiation from the local side. No-op unless the session
// is idle.
func (s *Session) Initiate() {
	if s.state != StateIdle || s.offerPending {
		return
	}
	s.offerPending = true
	gen := s.gen
	go func() {
		offer, err := s.link.CreateOffer()
		s.exec(func() {
			if s.gen != gen {
				return
			}
			s.offerPending = false
			if s.state != StateIdle {
				return
			}
			if err != nil {
				s.fail(fmt.Errorf("create offer: %w", err))
				return
			}
			s.state = StateOfferSent
			s.isOfferer = true
			s.log.Debug("offer sent")
			s.cb.SendOffer(offer)
		})
	}()
}

// HandleOffer applies an inbound offer, resolving glare if the local side has
// an offer of its own in flight.
func (s *Session) HandleOffer(desc webrtc.SessionDescription) {
	switch {
	case s.state == StateClosed:
		return
	case s.state == StateIdle && !s.offerPending:
		s.acceptOffer(desc, false)
	case s.state == StateOfferSent || s.offerPending:
		// Glare: both sides produced an offer. The lexicographically smaller
		// identity keeps its own offer; the other side discards its offer and
		// answers the inbound one.
		if s.localID < s.peerID {
			s.log.Debug("glare: keeping local offer, ignoring remote")
			return
		}
		s.log.Debug("glare: yielding to remote offer")
		// Rollback is only valid once a local description has been applied.
		// If the local offer is still being created the connection is in the
		// stable state and the remote offer can be applied directly.
		rollback := s.state == StateOfferSent
		s.gen++ // invalidate the in-flight offer continuation
		s.offerPending = false
		s.isOfferer = false
		s.state = StateIdle
		s.acceptOffer(desc, rollback)
	default:
		s.log.Warn("dropping unexpected offer", "state", s.state)
	}
}

func (s *Session) acceptOffer(desc webrtc.SessionDescription, rollback bool) {
	gen := s.gen
	go func() {
		var err error
		if rollback {
			err = s.link.Rollback()
		}
		if err == nil {
			err = s.link.SetRemoteDescription(desc)
		}
		s.exec(func() {
			if s.gen != gen || s.state != StateIdle {
				return
			}
			if err != nil {
				s.fail(fmt.Errorf("apply remote offer: %w", err))
				return
			}
			s.state = StateOfferReceived
			s.isOfferer = false
			s.remoteApplied()
			s.answer()
		})
	}()
}

func (s *Session) answer() {
	gen := s.gen
	go func() {
		answer, err := s.link.CreateAnswer()
		s.exec(func() {
			if s.gen != gen || s.state != StateOfferReceived {
				return
			}
			if err != nil {
				s.fail(fmt.Errorf("create answer: %w", err))
				return
			}
			s.state = StateAnswered
			s.log.Debug("answer sent")
			s.cb.SendAnswer(answer)
		})
	}()
}

// HandleAnswer applies an inbound answer to a previously sent offer. An
// answer in any other state is a protocol error: logged and dropped.
func (s *Session) HandleAnswer(desc webrtc.SessionDescription) {
	if s.state != StateOfferSent {
		s.log.Warn("dropping unexpected answer", "state", s.state)
		return
	}
	gen := s.gen
	go func() {
		err := s.link.SetRemoteDescription(desc)
		s.exec(func() {
			if s.gen != gen || s.state != StateOfferSent {
				return
			}
			if err != nil {
				s.fail(fmt.Errorf("apply remote answer: %w", err))
				return
			}
			s.state = StateAnswered
			s.log.Debug("answer applied")
			s.remoteApplied()
		})
	}()
}

// HandleCandidate routes a remote ICE candidate: buffered until a remote
// description exists, applied immediately afterwards, dropped once closed.
func (s *Session) HandleCandidate(c webrtc.ICECandidateInit) {
	if s.state == StateClosed {
		return
	}
	if !s.haveRemote {
		s.pendingCandidates = append(s.pendingCandidates, c)
		return
	}
	if err := s.link.AddICECandidate(c); err != nil {
		s.log.Warn("add ice candidate", "err", err)
	}
}

// SetAudioEnabled pauses or resumes the outbound audio to this peer.
func (s *Session) SetAudioEnabled(enabled bool) {
	if s.state == StateClosed {
		return
	}
	if err := s.link.SetAudioEnabled(enabled); err != nil {
		s.log.Warn("toggle audio", "enabled", enabled, "err", err)
	}
}

func (s *Session) remoteApplied() {
	s.haveRemote = true
	for _, c := range s.pendingCandidates {
		if err := s.link.AddICECandidate(c); err != nil {
			s.log.Warn("apply buffered candidate", "err", err)
		}
	}
	s.pendingCandidates = nil
}

func (s *Session) handleLinkState(ls LinkState) {
	if s.state == StateClosed {
		return
	}
	switch ls {
	case LinkConnected:
		if s.state == StateAnswered {
			s.state = StateConnected
			s.log.Info("peer connected")
			if s.cb.Connected != nil {
				s.cb.Connected()
			}
		}
	case LinkFailed:
		s.fail(errors.New("peer connection failed"))
	}
}

func (s *Session) handleRemoteTrack(t *webrtc.TrackRemote) {
	if s.state == StateClosed {
		return
	}
	if s.remote == nil {
		s.remote = newRemoteMedia(s.peerID)
		s.remote.add(t)
		if s.cb.RemoteMedia != nil {
			s.cb.RemoteMedia(s.remote)
		}
		return
	}
	s.remote.add(t)
}

func (s *Session) fail(err error) {
	if s.state == StateClosed {
		return
	}
	s.log.Warn("session failed", "err", err)
	s.Close()
	if s.cb.Failed != nil {
		s.cb.Failed(err)
	}
}

// Close tears the session down. Terminal and idempotent: no transition ever
// leaves StateClosed, buffered candidates are discarded, and any in-flight
// continuation becomes a no-op.
func (s *Session) Close() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.gen++
	s.offerPending = false
	s.pendingCandidates = nil
	s.closeLink.Do(func() {
		_ = s.link.Close()
	})
}
