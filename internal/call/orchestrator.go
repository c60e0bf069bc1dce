// Package call contains the signaling orchestrator: the event loop that
// translates relay-server events into peer session operations and is the sole
// producer of outbound signaling.
package call

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/meshconf/meshcall/internal/metrics"
	"github.com/meshconf/meshcall/internal/pool"
	"github.com/meshconf/meshcall/internal/protocol"
	"github.com/meshconf/meshcall/internal/session"
)

// Transport is the signaling channel to the relay server. Receive's channel
// closes when the transport drops; Err then reports why.
type Transport interface {
	Send(msg protocol.Message) error
	Receive() <-chan protocol.Message
	Err() error
}

// LinkFactory builds the peer link for a new session, with local media tracks
// already attached.
type LinkFactory func(peerID string) (session.Link, error)

type Config struct {
	Transport Transport
	Presenter Presenter
	NewLink   LinkFactory
	Logger    *slog.Logger
	Metrics   *metrics.Registry
}

// Orchestrator runs the call. All session state transitions happen on its
// single Run loop: inbound signaling messages and asynchronous completions
// from peer connections are serialized through the same channel, so sessions
// never need their own locking.
type Orchestrator struct {
	log     *slog.Logger
	tr      Transport
	pres    Presenter
	newLink LinkFactory
	metrics *metrics.Registry

	pool *pool.Pool

	execCh chan func()
	done   chan struct{}

	mu      sync.Mutex
	localID string

	// audioEnabled is owned by the Run loop.
	audioEnabled bool
}

func New(cfg Config) *Orchestrator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	pres := cfg.Presenter
	if pres == nil {
		pres = NopPresenter{}
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	o := &Orchestrator{
		log:     log,
		tr:      cfg.Transport,
		pres:    pres,
		newLink: cfg.NewLink,
		metrics: m,
		execCh:  make(chan func(), 128),
		done:    make(chan struct{}),

		audioEnabled: true,
	}
	o.pool = pool.New(log, o.newSession)
	return o
}

// LocalID returns the identity assigned by the relay server, or "" before
// assignment.
func (o *Orchestrator) LocalID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.localID
}

// Participants returns the current remote participant identities.
func (o *Orchestrator) Participants() []string {
	return o.pool.Peers()
}

// SetAudioEnabled mutes or unmutes outbound audio on every current and
// future peer session. Safe to call from any goroutine.
func (o *Orchestrator) SetAudioEnabled(enabled bool) {
	o.schedule(func() {
		if o.audioEnabled == enabled {
			return
		}
		o.audioEnabled = enabled
		o.log.Info("outbound audio toggled", "enabled", enabled)
		for _, id := range o.pool.Peers() {
			if s, ok := o.pool.Get(id); ok {
				s.SetAudioEnabled(enabled)
			}
		}
	})
}

// ToggleAudio flips the current mute state.
func (o *Orchestrator) ToggleAudio() {
	o.schedule(func() {
		o.audioEnabled = !o.audioEnabled
		o.log.Info("outbound audio toggled", "enabled", o.audioEnabled)
		for _, id := range o.pool.Peers() {
			if s, ok := o.pool.Get(id); ok {
				s.SetAudioEnabled(o.audioEnabled)
			}
		}
	})
}

// Run processes events until ctx is cancelled or the transport drops. All
// sessions are closed before it returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer func() {
		close(o.done)
		o.pool.RemoveAll()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-o.execCh:
			fn()
		case msg, ok := <-o.tr.Receive():
			if !ok {
				err := o.tr.Err()
				o.log.Warn("signaling transport closed", "err", err)
				return err
			}
			o.dispatch(msg)
		}
	}
}

// schedule runs fn on the orchestrator loop. Safe to call from any goroutine;
// becomes a no-op once the loop has exited.
func (o *Orchestrator) schedule(fn func()) {
	select {
	case o.execCh <- fn:
	case <-o.done:
	}
}

func (o *Orchestrator) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.MessageTypeAssignID:
		o.handleIdentityAssigned(msg.UserID)
	case protocol.MessageTypeUserJoined:
		o.handlePeerDiscovered(msg.UserID, false)
	case protocol.MessageTypeExistingUsers:
		// Each entry is handled independently: one bad peer never blocks the
		// rest of the mesh.
		for _, id := range msg.UserIDs {
			o.handlePeerDiscovered(id, true)
		}
	case protocol.MessageTypeUserLeft:
		o.handlePeerLeft(msg.UserID)
	case protocol.MessageTypeOffer:
		o.handleOffer(msg)
	case protocol.MessageTypeAnswer:
		o.handleAnswer(msg)
	case protocol.MessageTypeICECandidate:
		o.handleCandidate(msg)
	default:
		o.protocolError("unsupported message type", "type", string(msg.Type))
	}
}

func (o *Orchestrator) handleIdentityAssigned(id string) {
	o.mu.Lock()
	already := o.localID
	if already == "" {
		o.localID = id
	}
	o.mu.Unlock()

	if already != "" {
		// The local identity is immutable for the lifetime of the connection.
		o.protocolError("duplicate assign-id", "user_id", id)
		return
	}
	o.log.Info("local identity assigned", "user_id", id)
	o.pres.LocalIdentityAssigned(id)
}

// handlePeerDiscovered creates the session for a newly known peer. The side
// that learns about an already-present peer (existing-users) initiates; the
// side that watches a peer join (user-joined) waits for that peer's offer.
func (o *Orchestrator) handlePeerDiscovered(id string, initiate bool) {
	if id == "" || id == o.LocalID() {
		return
	}
	s, err := o.pool.Ensure(id)
	if err != nil {
		o.log.Error("create session", "peer_id", id, "err", err)
		return
	}
	o.metrics.Inc(metrics.PeerJoined)
	o.pres.PeerJoined(id)
	if initiate {
		s.Initiate()
	}
}

func (o *Orchestrator) handlePeerLeft(id string) {
	if _, ok := o.pool.Get(id); !ok {
		return
	}
	o.pool.Remove(id)
	o.metrics.Inc(metrics.PeerLeft)
	o.pres.PeerLeft(id)
}

func (o *Orchestrator) handleOffer(msg protocol.Message) {
	if o.LocalID() == "" {
		o.protocolError("offer before assign-id", "from", msg.FromUserID)
		return
	}
	desc, err := msg.Offer.ToPion()
	if err != nil {
		o.protocolError("bad offer sdp", "from", msg.FromUserID, "err", err)
		return
	}
	// An offer from an unknown peer creates its session: the offer may beat
	// the membership broadcast.
	s, err := o.pool.Ensure(msg.FromUserID)
	if err != nil {
		o.log.Error("create session", "peer_id", msg.FromUserID, "err", err)
		return
	}
	s.HandleOffer(desc)
}

func (o *Orchestrator) handleAnswer(msg protocol.Message) {
	s, ok := o.pool.Get(msg.FromUserID)
	if !ok {
		o.protocolError("answer for unknown session", "from", msg.FromUserID)
		return
	}
	desc, err := msg.Answer.ToPion()
	if err != nil {
		o.protocolError("bad answer sdp", "from", msg.FromUserID, "err", err)
		return
	}
	s.HandleAnswer(desc)
}

func (o *Orchestrator) handleCandidate(msg protocol.Message) {
	s, err := o.pool.Ensure(msg.FromUserID)
	if err != nil {
		o.log.Error("create session", "peer_id", msg.FromUserID, "err", err)
		return
	}
	s.HandleCandidate(msg.Candidate.ToPion())
}

// protocolError logs and drops a malformed or out-of-order message. No state
// changes; the call keeps running for every other peer.
func (o *Orchestrator) protocolError(msg string, args ...any) {
	o.metrics.Inc(metrics.ProtocolError)
	o.log.Warn("protocol error: "+msg, args...)
}

// newSession is the pool's factory: it wires a fresh link to session
// callbacks that route outbound signaling through the transport.
func (o *Orchestrator) newSession(peerID string) (*session.Session, error) {
	link, err := o.newLink(peerID)
	if err != nil {
		return nil, err
	}
	s := session.New(session.Config{
		LocalID: o.LocalID(),
		PeerID:  peerID,
		Link:    link,
		Exec:    o.schedule,
		Logger:  o.log,
		Callbacks: session.Callbacks{
			SendOffer: func(desc webrtc.SessionDescription) {
				o.send(protocol.Message{
					Type:         protocol.MessageTypeOffer,
					TargetUserID: peerID,
					Offer:        ptr(protocol.SDPFromPion(desc)),
				})
			},
			SendAnswer: func(desc webrtc.SessionDescription) {
				o.send(protocol.Message{
					Type:         protocol.MessageTypeAnswer,
					TargetUserID: peerID,
					Answer:       ptr(protocol.SDPFromPion(desc)),
				})
			},
			SendCandidate: func(c webrtc.ICECandidateInit) {
				o.send(protocol.Message{
					Type:         protocol.MessageTypeICECandidate,
					TargetUserID: peerID,
					Candidate:    ptr(protocol.CandidateFromPion(c)),
				})
			},
			Connected: func() {
				o.metrics.Inc(metrics.PeerConnected)
			},
			Failed: func(err error) {
				o.metrics.Inc(metrics.SessionFailed)
				o.pool.Remove(peerID)
				o.pres.PeerLeft(peerID)
			},
			RemoteMedia: func(m *session.RemoteMedia) {
				o.pres.RemoteStreamReady(peerID, m)
			},
		},
	})
	if !o.audioEnabled {
		s.SetAudioEnabled(false)
	}
	return s, nil
}

func (o *Orchestrator) send(msg protocol.Message) {
	if err := o.tr.Send(msg); err != nil {
		o.log.Warn("send signaling message", "type", string(msg.Type), "target", msg.TargetUserID, "err", err)
	}
}

func ptr[T any](v T) *T { return &v }
