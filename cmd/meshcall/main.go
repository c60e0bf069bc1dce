// Command meshcall joins a full-mesh video call: it connects to the signaling
// relay, publishes the local camera and microphone, and negotiates a direct
// peer connection with every other participant.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/meshconf/meshcall/internal/call"
	"github.com/meshconf/meshcall/internal/config"
	"github.com/meshconf/meshcall/internal/media"
	"github.com/meshconf/meshcall/internal/metrics"
	"github.com/meshconf/meshcall/internal/session"
	"github.com/meshconf/meshcall/internal/transport"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("meshcall exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := newMediaSource(cfg, logger)
	if err != nil {
		return fmt.Errorf("configure media source: %w", err)
	}

	stream, err := src.Acquire(ctx)
	if err != nil {
		var accessErr *media.AccessError
		if errors.As(err, &accessErr) {
			return fmt.Errorf("cannot open capture devices (try -media-source synthetic): %w", err)
		}
		return err
	}
	defer stream.Close()

	api, err := session.NewAPI(session.APIOptions{
		ConfigureMedia: src.ConfigureMedia,
		LoggerFactory:  session.NewLoggerFactory(logger.With("component", "pion")),
	})
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	logger.Info("connecting to relay", "url", cfg.RelayURL, "media_source", string(cfg.MediaSource))

	tr, err := transport.Dial(ctx, transport.Options{
		URL:             cfg.RelayURL,
		Logger:          logger,
		PingInterval:    cfg.WSPingInterval,
		IdleTimeout:     cfg.WSIdleTimeout,
		MaxMessageBytes: cfg.MaxMessageBytes,
	})
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer tr.Close()

	iceServers := cfg.PeerConnectionICEServers()
	orch := call.New(call.Config{
		Transport: tr,
		Presenter: newLogPresenter(logger),
		Logger:    logger,
		Metrics:   metrics.New(),
		NewLink: func(peerID string) (session.Link, error) {
			return session.NewPionLink(api, iceServers, stream.Tracks())
		},
	})

	// SIGUSR1 toggles the microphone without leaving the call.
	muteCh := make(chan os.Signal, 1)
	signal.Notify(muteCh, syscall.SIGUSR1)
	defer signal.Stop(muteCh)
	go func() {
		for range muteCh {
			orch.ToggleAudio()
		}
	}()

	err = orch.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("leaving call")
		return nil
	}
	return err
}

func newMediaSource(cfg config.Config, logger *slog.Logger) (media.Source, error) {
	switch cfg.MediaSource {
	case config.MediaSourceSynthetic:
		return media.NewSyntheticSource(logger), nil
	default:
		return media.NewDeviceSource(logger, media.DeviceOptions{
			Width:     cfg.VideoWidth,
			Height:    cfg.VideoHeight,
			FrameRate: float32(cfg.VideoFrameRate),
			AudioOnly: cfg.AudioOnly,
		})
	}
}
