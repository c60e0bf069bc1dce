package media

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone driver
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceOptions bound the capture constraints for a DeviceSource.
type DeviceOptions struct {
	// Width and Height of the captured video. Defaults to 640x480.
	Width  int
	Height int
	// FrameRate in frames per second. Defaults to 30.
	FrameRate float32
	// VideoBitRate in bits per second for the VP8 encoder. Defaults to 500 kbit/s.
	VideoBitRate int
	// AudioOnly skips camera capture entirely.
	AudioOnly bool
}

func (o DeviceOptions) withDefaults() DeviceOptions {
	if o.Width <= 0 {
		o.Width = 640
	}
	if o.Height <= 0 {
		o.Height = 480
	}
	if o.FrameRate <= 0 {
		o.FrameRate = 30
	}
	if o.VideoBitRate <= 0 {
		o.VideoBitRate = 500_000
	}
	return o
}

// DeviceSource captures from the local camera and microphone, encoding
// video as VP8 and audio as Opus.
type DeviceSource struct {
	log      *slog.Logger
	opts     DeviceOptions
	selector *mediadevices.CodecSelector
}

// NewDeviceSource builds the VP8 and Opus encoder pipeline for local
// capture. It does not touch the devices; that happens in Acquire.
func NewDeviceSource(log *slog.Logger, opts DeviceOptions) (*DeviceSource, error) {
	opts = opts.withDefaults()

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("create VP8 encoder params: %w", err)
	}
	vpxParams.BitRate = opts.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("create Opus encoder params: %w", err)
	}
	opusParams.Latency = opus.Latency20ms

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	return &DeviceSource{log: log, opts: opts, selector: selector}, nil
}

func (d *DeviceSource) ConfigureMedia(engine *webrtc.MediaEngine) error {
	d.selector.Populate(engine)
	return nil
}

func (d *DeviceSource) Acquire(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
		},
		Codec: d.selector,
	}
	if !d.opts.AudioOnly {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(d.opts.Width)
			c.Height = prop.Int(d.opts.Height)
			c.FrameRate = prop.Float(d.opts.FrameRate)
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, &AccessError{Err: err}
	}

	deviceTracks := stream.GetTracks()
	tracks := make([]webrtc.TrackLocal, 0, len(deviceTracks))
	for _, t := range deviceTracks {
		d.log.Info("captured local track", "kind", t.Kind().String(), "id", t.ID())
		tracks = append(tracks, t)
	}

	closeFn := func() error {
		var first error
		for _, t := range deviceTracks {
			if err := t.Close(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
	return newStream(tracks, closeFn), nil
}
