package session

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

// APIOptions configures the shared pion API used to construct every peer
// connection in the process.
type APIOptions struct {
	// ConfigureMedia registers the codecs the local media source produces.
	// Defaults to pion's default codec set.
	ConfigureMedia func(*webrtc.MediaEngine) error

	// LoggerFactory routes pion's internal ICE/DTLS logs. See NewLoggerFactory.
	LoggerFactory logging.LoggerFactory

	// Net overrides the network stack the ICE agent binds to. Virtual-network
	// tests use this; production leaves it nil for the host stack.
	Net transport.Net
}

// NewAPI constructs the pion API. Using a single API across connections keeps
// the media engine and setting engine configuration consistent for the whole
// mesh.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if opts.ConfigureMedia != nil {
		if err := opts.ConfigureMedia(me); err != nil {
			return nil, fmt.Errorf("configure media engine: %w", err)
		}
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	se := webrtc.SettingEngine{}
	if opts.LoggerFactory != nil {
		se.LoggerFactory = opts.LoggerFactory
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	return webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)), nil
}

// NewPionLink creates a Link backed by a real peer connection with the local
// tracks attached. The connection is owned by the returned Link and disposed
// by its Close.
func NewPionLink(api *webrtc.API, iceServers []webrtc.ICEServer, localTracks []webrtc.TrackLocal) (Link, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	l := &pionLink{pc: pc}
	for _, t := range localTracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add local track: %w", err)
		}
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			l.audio = append(l.audio, audioSender{sender: sender, track: t})
		}
	}
	return l, nil
}

type audioSender struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

type pionLink struct {
	pc    *webrtc.PeerConnection
	audio []audioSender
}

func (l *pionLink) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (l *pionLink) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (l *pionLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(desc)
}

func (l *pionLink) Rollback() error {
	return l.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (l *pionLink) AddICECandidate(c webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(c)
}

func (l *pionLink) SetAudioEnabled(enabled bool) error {
	for _, a := range l.audio {
		// Replacing with nil stops the sender without renegotiation.
		var t webrtc.TrackLocal
		if enabled {
			t = a.track
		}
		if err := a.sender.ReplaceTrack(t); err != nil {
			return err
		}
	}
	return nil
}

func (l *pionLink) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering; trickle clients have no use for it.
		if c == nil {
			return
		}
		f(c.ToJSON())
	})
}

func (l *pionLink) OnStateChange(f func(LinkState)) {
	l.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateConnected:
			f(LinkConnected)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			f(LinkFailed)
		case webrtc.PeerConnectionStateClosed:
			f(LinkClosed)
		default:
			f(LinkConnecting)
		}
	})
}

func (l *pionLink) OnRemoteTrack(f func(*webrtc.TrackRemote)) {
	l.pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(t)
	})
}

func (l *pionLink) Close() error {
	return l.pc.Close()
}
