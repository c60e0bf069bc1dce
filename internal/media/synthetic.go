package media

import (
	"context"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single Opus comfort-noise frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const syntheticFrameInterval = 20 * time.Millisecond

// SyntheticSource publishes a silent audio track without touching capture
// hardware. Used for headless runs and in tests.
type SyntheticSource struct {
	log *slog.Logger
}

func NewSyntheticSource(log *slog.Logger) *SyntheticSource {
	return &SyntheticSource{log: log}
}

func (s *SyntheticSource) ConfigureMedia(engine *webrtc.MediaEngine) error {
	return engine.RegisterDefaultCodecs()
}

func (s *SyntheticSource) Acquire(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "meshcall-synthetic",
	)
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	go s.pump(track, stop)

	s.log.Info("publishing synthetic audio track", "id", track.ID())
	return newStream([]webrtc.TrackLocal{track}, func() error {
		close(stop)
		return nil
	}), nil
}

func (s *SyntheticSource) pump(track *webrtc.TrackLocalStaticSample, stop <-chan struct{}) {
	ticker := time.NewTicker(syntheticFrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sample := pionmedia.Sample{Data: opusSilence, Duration: syntheticFrameInterval}
			if err := track.WriteSample(sample); err != nil {
				s.log.Debug("synthetic sample write failed", "err", err)
			}
		}
	}
}
