// Package pool tracks the live peer sessions of a call, keyed by participant
// identity. It is the single authority on who is a participant right now.
package pool

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/meshconf/meshcall/internal/session"
)

// Factory creates the session for a newly discovered participant, with local
// media attached. It must not call back into the Pool.
type Factory func(peerID string) (*session.Session, error)

type Pool struct {
	log        *slog.Logger
	newSession Factory

	mu       sync.Mutex
	sessions map[string]*session.Session
}

func New(log *slog.Logger, factory Factory) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		log:        log,
		newSession: factory,
		sessions:   make(map[string]*session.Session),
	}
}

// Ensure returns the session for peerID, creating it if absent. The lock is
// held across creation so concurrent calls for the same identity always
// observe a single canonical session and a single connection handle.
func (p *Pool) Ensure(peerID string) (*session.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[peerID]; ok {
		return s, nil
	}
	s, err := p.newSession(peerID)
	if err != nil {
		return nil, err
	}
	p.sessions[peerID] = s
	p.log.Debug("session created", "peer_id", peerID)
	return s, nil
}

// Get looks up a session without side effects.
func (p *Pool) Get(peerID string) (*session.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[peerID]
	return s, ok
}

// Remove closes and evicts the session for peerID. No-op if absent.
func (p *Pool) Remove(peerID string) {
	p.mu.Lock()
	s, ok := p.sessions[peerID]
	if ok {
		delete(p.sessions, peerID)
	}
	p.mu.Unlock()

	if ok {
		s.Close()
		p.log.Debug("session removed", "peer_id", peerID)
	}
}

// RemoveAll closes every session. Used at process teardown.
func (p *Pool) RemoveAll() {
	p.mu.Lock()
	sessions := make([]*session.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*session.Session)
	p.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Peers returns the live participant identities in sorted order.
func (p *Pool) Peers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
