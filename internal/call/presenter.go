package call

import "github.com/meshconf/meshcall/internal/session"

// Presenter receives call lifecycle notifications for an external rendering
// layer. Implementations must not call back into the Orchestrator from these
// hooks; they run on the orchestrator loop.
type Presenter interface {
	LocalIdentityAssigned(id string)
	PeerJoined(id string)
	PeerLeft(id string)
	RemoteStreamReady(id string, media *session.RemoteMedia)
}

// NopPresenter discards all notifications.
type NopPresenter struct{}

func (NopPresenter) LocalIdentityAssigned(string)                 {}
func (NopPresenter) PeerJoined(string)                            {}
func (NopPresenter) PeerLeft(string)                              {}
func (NopPresenter) RemoteStreamReady(string, *session.RemoteMedia) {}
