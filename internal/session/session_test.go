package session

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

// loop stands in for the orchestrator's event loop: closures queue up and the
// test drains them explicitly, so every assertion sees a quiesced session.
type loop struct {
	mu  sync.Mutex
	fns []func()
}

func (l *loop) exec(fn func()) {
	l.mu.Lock()
	l.fns = append(l.fns, fn)
	l.mu.Unlock()
}

func (l *loop) next() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.fns) == 0 {
		return nil
	}
	fn := l.fns[0]
	l.fns = l.fns[1:]
	return fn
}

// drain runs queued closures until the queue stays empty, allowing for the
// session's worker goroutines to enqueue their continuations.
func (l *loop) drain(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	quiet := 0
	for time.Now().Before(deadline) {
		if fn := l.next(); fn != nil {
			fn()
			quiet = 0
			continue
		}
		quiet++
		if quiet >= 50 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("drain timed out")
}

type fakeLink struct {
	mu sync.Mutex

	offersCreated  int
	answersCreated int
	remoteDescs    []webrtc.SessionDescription
	candidates     []webrtc.ICECandidateInit
	rollbacks      int
	closed         bool
	audioToggles   []bool

	// haveLocal mirrors whether a local description is applied. Rollback is
	// rejected without one, matching the real peer connection.
	haveLocal bool

	// blockOffer, when set, gates CreateOffer so tests can interleave an
	// inbound offer with an in-flight local one.
	blockOffer chan struct{}

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(LinkState)
	onTrack     func(*webrtc.TrackRemote)
}

func (f *fakeLink) CreateOffer() (webrtc.SessionDescription, error) {
	if f.blockOffer != nil {
		<-f.blockOffer
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offersCreated++
	f.haveLocal = true
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", f.offersCreated)}, nil
}

func (f *fakeLink) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answersCreated++
	f.haveLocal = true
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", f.answersCreated)}, nil
}

func (f *fakeLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteDescs = append(f.remoteDescs, desc)
	return nil
}

func (f *fakeLink) Rollback() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.haveLocal {
		return fmt.Errorf("rollback in stable state: no local description")
	}
	f.rollbacks++
	f.haveLocal = false
	return nil
}

func (f *fakeLink) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeLink) SetAudioEnabled(enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioToggles = append(f.audioToggles, enabled)
	return nil
}

func (f *fakeLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) { f.onCandidate = fn }
func (f *fakeLink) OnStateChange(fn func(LinkState))               { f.onState = fn }
func (f *fakeLink) OnRemoteTrack(fn func(*webrtc.TrackRemote))     { f.onTrack = fn }

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeLink) snapshot() fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeLink{
		offersCreated:  f.offersCreated,
		answersCreated: f.answersCreated,
		remoteDescs:    append([]webrtc.SessionDescription(nil), f.remoteDescs...),
		candidates:     append([]webrtc.ICECandidateInit(nil), f.candidates...),
		rollbacks:      f.rollbacks,
		closed:         f.closed,
	}
}

type sentEvents struct {
	offers     []webrtc.SessionDescription
	answers    []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	connected  int
	failed     []error
	remote     []*RemoteMedia
}

func newTestSession(localID, peerID string, link *fakeLink) (*Session, *loop, *sentEvents) {
	l := &loop{}
	sent := &sentEvents{}
	s := New(Config{
		LocalID: localID,
		PeerID:  peerID,
		Link:    link,
		Exec:    l.exec,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Callbacks: Callbacks{
			SendOffer:     func(d webrtc.SessionDescription) { sent.offers = append(sent.offers, d) },
			SendAnswer:    func(d webrtc.SessionDescription) { sent.answers = append(sent.answers, d) },
			SendCandidate: func(c webrtc.ICECandidateInit) { sent.candidates = append(sent.candidates, c) },
			Connected:     func() { sent.connected++ },
			Failed:        func(err error) { sent.failed = append(sent.failed, err) },
			RemoteMedia:   func(m *RemoteMedia) { sent.remote = append(sent.remote, m) },
		},
	})
	return s, l, sent
}

func remoteOffer(sdp string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
}

func remoteAnswer(sdp string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
}

func cand(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func TestInitiateSendsOffer(t *testing.T) {
	link := &fakeLink{}
	s, l, sent := newTestSession("a", "b", link)

	s.Initiate()
	l.drain(t)

	if s.State() != StateOfferSent {
		t.Fatalf("state=%v, want offer-sent", s.State())
	}
	if !s.IsOfferer() {
		t.Fatal("expected offerer role")
	}
	if len(sent.offers) != 1 {
		t.Fatalf("sent %d offers, want 1", len(sent.offers))
	}
}

func TestInitiateIsIdempotent(t *testing.T) {
	link := &fakeLink{}
	s, l, sent := newTestSession("a", "b", link)

	s.Initiate()
	s.Initiate()
	l.drain(t)
	s.Initiate() // already offer-sent
	l.drain(t)

	if len(sent.offers) != 1 {
		t.Fatalf("sent %d offers, want 1", len(sent.offers))
	}
}

func TestInboundOfferProducesAnswer(t *testing.T) {
	link := &fakeLink{}
	s, l, sent := newTestSession("a", "b", link)

	s.HandleOffer(remoteOffer("their-offer"))
	l.drain(t)

	if s.State() != StateAnswered {
		t.Fatalf("state=%v, want answered", s.State())
	}
	if s.IsOfferer() {
		t.Fatal("expected answerer role")
	}
	if len(sent.answers) != 1 {
		t.Fatalf("sent %d answers, want 1", len(sent.answers))
	}
	snap := link.snapshot()
	if len(snap.remoteDescs) != 1 || snap.remoteDescs[0].SDP != "their-offer" {
		t.Fatalf("remote descs=%v", snap.remoteDescs)
	}
	if snap.rollbacks != 0 {
		t.Fatalf("rollbacks=%d, want 0", snap.rollbacks)
	}
}

func TestAnswerCompletesNegotiation(t *testing.T) {
	link := &fakeLink{}
	s, l, _ := newTestSession("a", "b", link)

	s.Initiate()
	l.drain(t)
	s.HandleAnswer(remoteAnswer("their-answer"))
	l.drain(t)

	if s.State() != StateAnswered {
		t.Fatalf("state=%v, want answered", s.State())
	}
	snap := link.snapshot()
	if len(snap.remoteDescs) != 1 || snap.remoteDescs[0].SDP != "their-answer" {
		t.Fatalf("remote descs=%v", snap.remoteDescs)
	}
}

func TestUnexpectedAnswerDropped(t *testing.T) {
	link := &fakeLink{}
	s, l, _ := newTestSession("a", "b", link)

	s.HandleAnswer(remoteAnswer("stray"))
	l.drain(t)

	if s.State() != StateIdle {
		t.Fatalf("state=%v, want idle", s.State())
	}
	if snap := link.snapshot(); len(snap.remoteDescs) != 0 {
		t.Fatalf("remote descs=%v, want none", snap.remoteDescs)
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	link := &fakeLink{}
	s, l, _ := newTestSession("a", "b", link)

	s.HandleCandidate(cand("c1"))
	s.HandleCandidate(cand("c2"))
	s.HandleCandidate(cand("c3"))
	if snap := link.snapshot(); len(snap.candidates) != 0 {
		t.Fatalf("candidates applied before remote description: %v", snap.candidates)
	}

	s.HandleOffer(remoteOffer("their-offer"))
	l.drain(t)

	snap := link.snapshot()
	if len(snap.candidates) != 3 {
		t.Fatalf("got %d candidates, want 3", len(snap.candidates))
	}
	for i, want := range []string{"c1", "c2", "c3"} {
		if snap.candidates[i].Candidate != want {
			t.Fatalf("candidate[%d]=%q, want %q (afterward: %v)", i, snap.candidates[i].Candidate, want, snap.candidates)
		}
	}

	// Later candidates skip the buffer.
	s.HandleCandidate(cand("c4"))
	if snap := link.snapshot(); len(snap.candidates) != 4 || snap.candidates[3].Candidate != "c4" {
		t.Fatalf("candidates=%v", snap.candidates)
	}
}

func TestCandidatesBufferedOnOffererSideUntilAnswer(t *testing.T) {
	link := &fakeLink{}
	s, l, _ := newTestSession("a", "b", link)

	s.Initiate()
	l.drain(t)
	s.HandleCandidate(cand("early"))
	if snap := link.snapshot(); len(snap.candidates) != 0 {
		t.Fatalf("candidate applied before answer: %v", snap.candidates)
	}

	s.HandleAnswer(remoteAnswer("their-answer"))
	l.drain(t)

	if snap := link.snapshot(); len(snap.candidates) != 1 || snap.candidates[0].Candidate != "early" {
		t.Fatalf("candidates=%v", snap.candidates)
	}
}

func TestGlareSmallerIdentityKeepsOffer(t *testing.T) {
	link := &fakeLink{}
	s, l, sent := newTestSession("a", "b", link)

	s.Initiate()
	l.drain(t)
	s.HandleOffer(remoteOffer("their-offer"))
	l.drain(t)

	// Local identity sorts first, so the remote offer is ignored.
	if s.State() != StateOfferSent {
		t.Fatalf("state=%v, want offer-sent", s.State())
	}
	if !s.IsOfferer() {
		t.Fatal("expected to stay offerer")
	}
	snap := link.snapshot()
	if snap.rollbacks != 0 || len(snap.remoteDescs) != 0 {
		t.Fatalf("rollbacks=%d remoteDescs=%v, want untouched link", snap.rollbacks, snap.remoteDescs)
	}
	if len(sent.answers) != 0 {
		t.Fatalf("sent %d answers, want 0", len(sent.answers))
	}

	// The peer yields and answers our offer.
	s.HandleAnswer(remoteAnswer("their-answer"))
	l.drain(t)
	if s.State() != StateAnswered {
		t.Fatalf("state=%v, want answered", s.State())
	}
}

func TestGlareLargerIdentityYields(t *testing.T) {
	link := &fakeLink{}
	s, l, sent := newTestSession("b", "a", link)

	s.Initiate()
	l.drain(t)
	s.HandleOffer(remoteOffer("their-offer"))
	l.drain(t)

	if s.State() != StateAnswered {
		t.Fatalf("state=%v, want answered", s.State())
	}
	if s.IsOfferer() {
		t.Fatal("expected to become answerer")
	}
	snap := link.snapshot()
	if snap.rollbacks != 1 {
		t.Fatalf("rollbacks=%d, want 1", snap.rollbacks)
	}
	if len(snap.remoteDescs) != 1 || snap.remoteDescs[0].SDP != "their-offer" {
		t.Fatalf("remote descs=%v", snap.remoteDescs)
	}
	if len(sent.answers) != 1 {
		t.Fatalf("sent %d answers, want 1", len(sent.answers))
	}
}

func TestGlareDuringOfferCreationYields(t *testing.T) {
	gate := make(chan struct{})
	link := &fakeLink{blockOffer: gate}
	s, l, sent := newTestSession("b", "a", link)

	s.Initiate() // CreateOffer blocked on gate
	s.HandleOffer(remoteOffer("their-offer"))
	close(gate)
	l.drain(t)

	// The local offer continuation was invalidated: no offer ever goes out.
	if len(sent.offers) != 0 {
		t.Fatalf("sent %d offers, want 0", len(sent.offers))
	}
	if len(sent.answers) != 1 {
		t.Fatalf("sent %d answers, want 1", len(sent.answers))
	}
	if s.State() != StateAnswered {
		t.Fatalf("state=%v, want answered", s.State())
	}
}

// A yield before the local offer was applied must not roll back: the
// connection is still in the stable state and rollback would be rejected,
// tearing down the session for a live peer.
func TestGlareBeforeLocalDescriptionSkipsRollback(t *testing.T) {
	gate := make(chan struct{})
	link := &fakeLink{blockOffer: gate}
	s, l, sent := newTestSession("bbb", "aaa", link)

	s.Initiate() // CreateOffer blocked on gate
	s.HandleOffer(remoteOffer("their-offer"))
	close(gate)
	l.drain(t)

	if len(sent.failed) != 0 {
		t.Fatalf("session failed: %v", sent.failed)
	}
	if s.State() != StateAnswered {
		t.Fatalf("state=%v, want answered", s.State())
	}
	if len(sent.answers) != 1 {
		t.Fatalf("sent %d answers, want 1", len(sent.answers))
	}
	snap := link.snapshot()
	if snap.rollbacks != 0 {
		t.Fatalf("rollbacks=%d, want 0", snap.rollbacks)
	}
	if len(snap.remoteDescs) != 1 || snap.remoteDescs[0].SDP != "their-offer" {
		t.Fatalf("remote descs=%v", snap.remoteDescs)
	}
}

func TestConnectedOnlyAfterAnswer(t *testing.T) {
	link := &fakeLink{}
	s, l, sent := newTestSession("a", "b", link)

	s.HandleOffer(remoteOffer("their-offer"))
	l.drain(t)
	link.onState(LinkConnected)
	l.drain(t)

	if s.State() != StateConnected {
		t.Fatalf("state=%v, want connected", s.State())
	}
	if sent.connected != 1 {
		t.Fatalf("connected callbacks=%d, want 1", sent.connected)
	}
}

func TestLinkFailureClosesSession(t *testing.T) {
	link := &fakeLink{}
	s, l, sent := newTestSession("a", "b", link)

	s.HandleOffer(remoteOffer("their-offer"))
	l.drain(t)
	link.onState(LinkFailed)
	l.drain(t)

	if s.State() != StateClosed {
		t.Fatalf("state=%v, want closed", s.State())
	}
	if len(sent.failed) != 1 {
		t.Fatalf("failed callbacks=%d, want 1", len(sent.failed))
	}
	if !link.snapshot().closed {
		t.Fatal("expected link closed")
	}
}

func TestCloseIsTerminal(t *testing.T) {
	link := &fakeLink{}
	s, l, sent := newTestSession("a", "b", link)

	s.Close()
	s.HandleOffer(remoteOffer("late-offer"))
	s.HandleCandidate(cand("late"))
	s.Initiate()
	link.onState(LinkConnected)
	link.onCandidate(cand("from-link"))
	l.drain(t)

	if s.State() != StateClosed {
		t.Fatalf("state=%v, want closed", s.State())
	}
	snap := link.snapshot()
	if len(snap.remoteDescs) != 0 || len(snap.candidates) != 0 {
		t.Fatalf("link touched after close: %+v", &snap)
	}
	if len(sent.offers)+len(sent.answers)+len(sent.candidates) != 0 {
		t.Fatalf("signaling sent after close: %+v", sent)
	}
	if !snap.closed {
		t.Fatal("expected link closed")
	}
}

func TestCloseDiscardsBufferedCandidates(t *testing.T) {
	link := &fakeLink{}
	s, l, _ := newTestSession("a", "b", link)

	s.HandleCandidate(cand("buffered"))
	s.Close()
	// A late remote description must not flush the discarded buffer.
	s.HandleOffer(remoteOffer("late"))
	l.drain(t)

	if snap := link.snapshot(); len(snap.candidates) != 0 {
		t.Fatalf("candidates=%v, want none", snap.candidates)
	}
}

func TestLocalCandidatesForwarded(t *testing.T) {
	link := &fakeLink{}
	s, l, sent := newTestSession("a", "b", link)

	s.HandleOffer(remoteOffer("their-offer"))
	l.drain(t)
	link.onCandidate(cand("local-1"))
	link.onCandidate(cand("local-2"))
	l.drain(t)

	if len(sent.candidates) != 2 {
		t.Fatalf("sent %d candidates, want 2", len(sent.candidates))
	}
	if sent.candidates[0].Candidate != "local-1" || sent.candidates[1].Candidate != "local-2" {
		t.Fatalf("candidates=%v, want arrival order", sent.candidates)
	}
}

func TestRemoteMediaSurfacedOnce(t *testing.T) {
	link := &fakeLink{}
	s, l, sent := newTestSession("a", "b", link)

	s.HandleOffer(remoteOffer("their-offer"))
	l.drain(t)
	link.onTrack(&webrtc.TrackRemote{})
	link.onTrack(&webrtc.TrackRemote{})
	l.drain(t)

	if len(sent.remote) != 1 {
		t.Fatalf("remote media callbacks=%d, want 1", len(sent.remote))
	}
	if got := len(sent.remote[0].Tracks()); got != 2 {
		t.Fatalf("tracks=%d, want 2", got)
	}
	if sent.remote[0].PeerID() != "b" {
		t.Fatalf("peer id=%q", sent.remote[0].PeerID())
	}
}

func TestSetAudioEnabledForwardsToLink(t *testing.T) {
	link := &fakeLink{}
	s, _, _ := newTestSession("a", "b", link)

	s.SetAudioEnabled(false)
	s.SetAudioEnabled(true)
	s.Close()
	s.SetAudioEnabled(false) // ignored after close

	link.mu.Lock()
	toggles := append([]bool(nil), link.audioToggles...)
	link.mu.Unlock()
	if len(toggles) != 2 || toggles[0] != false || toggles[1] != true {
		t.Fatalf("toggles=%v, want [false true]", toggles)
	}
}
