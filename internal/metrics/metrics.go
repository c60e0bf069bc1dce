package metrics

import "sync"

// Event counter names. The call core and the relay server share one
// namespace so a local run exposes both sides through a single scrape.
const (
	// Call core.
	PeerJoined    = "peer_joined"
	PeerLeft      = "peer_left"
	PeerConnected = "peer_connected"
	SessionFailed = "session_failed"
	ProtocolError = "protocol_error"

	// Relay server.
	ParticipantJoined = "participant_joined"
	ParticipantLeft   = "participant_left"
	RelayedOffer      = "relayed_offer"
	RelayedAnswer     = "relayed_answer"
	RelayedCandidate  = "relayed_candidate"

	DropReasonRateLimited   = "rate_limited"
	DropReasonRoomFull      = "room_full"
	DropReasonUnknownTarget = "unknown_target"
	DropReasonBadMessage    = "bad_message"
)

// Registry is a minimal, concurrency-safe counter registry. The zero value
// is usable.
type Registry struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Registry {
	return &Registry{
		m: make(map[string]uint64),
	}
}

func (r *Registry) Inc(name string) {
	r.Add(name, 1)
}

func (r *Registry) Add(name string, n uint64) {
	r.mu.Lock()
	if r.m == nil {
		r.m = make(map[string]uint64)
	}
	r.m[name] += n
	r.mu.Unlock()
}

func (r *Registry) Get(name string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[name]
}

// Snapshot returns a copy of every counter.
func (r *Registry) Snapshot() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64, len(r.m))
	for k, v := range r.m {
		out[k] = v
	}
	return out
}
