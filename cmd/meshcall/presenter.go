package main

import (
	"errors"
	"io"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/meshconf/meshcall/internal/session"
)

// logPresenter is the headless presentation layer: it reports roster changes
// on the log and keeps remote tracks drained so jitter buffers do not fill.
// A UI front end would implement call.Presenter instead.
type logPresenter struct {
	log *slog.Logger
}

func newLogPresenter(log *slog.Logger) *logPresenter {
	return &logPresenter{log: log}
}

func (p *logPresenter) LocalIdentityAssigned(id string) {
	p.log.Info("joined call", "local_id", id)
}

func (p *logPresenter) PeerJoined(id string) {
	p.log.Info("participant joined", "peer_id", id)
}

func (p *logPresenter) PeerLeft(id string) {
	p.log.Info("participant left", "peer_id", id)
}

func (p *logPresenter) RemoteStreamReady(id string, m *session.RemoteMedia) {
	p.log.Info("receiving media", "peer_id", id)
	m.OnTrack(func(t *webrtc.TrackRemote) {
		p.log.Debug("remote track started",
			"peer_id", id, "kind", t.Kind().String(), "codec", t.Codec().MimeType)
		go p.drain(id, t)
	})
}

func (p *logPresenter) drain(peerID string, t *webrtc.TrackRemote) {
	for {
		if _, _, err := t.ReadRTP(); err != nil {
			if !errors.Is(err, io.EOF) {
				p.log.Debug("remote track ended", "peer_id", peerID, "err", err)
			}
			return
		}
	}
}
