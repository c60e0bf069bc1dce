// Package config loads the process configuration from environment variables
// and flags. Environment values become flag defaults, so flags always win.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarMode            = "MESHCALL_MODE"
	envVarLogFormat       = "MESHCALL_LOG_FORMAT"
	envVarLogLevel        = "MESHCALL_LOG_LEVEL"
	envVarRelayURL        = "MESHCALL_RELAY_URL"
	envVarListenAddr      = "MESHCALL_LISTEN_ADDR"
	envVarShutdownTimeout = "MESHCALL_SHUTDOWN_TIMEOUT"

	// Signaling WebSocket knobs, applied on both the client and the relay.
	envVarWSPingInterval       = "MESHCALL_WS_PING_INTERVAL"
	envVarWSIdleTimeout        = "MESHCALL_WS_IDLE_TIMEOUT"
	envVarMaxMessageBytes      = "MESHCALL_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MESHCALL_MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarMaxParticipants      = "MESHCALL_MAX_PARTICIPANTS"

	// Local media knobs (client only).
	envVarMediaSource    = "MESHCALL_MEDIA_SOURCE"
	envVarAudioOnly      = "MESHCALL_AUDIO_ONLY"
	envVarVideoWidth     = "MESHCALL_VIDEO_WIDTH"
	envVarVideoHeight    = "MESHCALL_VIDEO_HEIGHT"
	envVarVideoFrameRate = "MESHCALL_VIDEO_FRAMERATE"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// MediaSourceKind selects where the client's local tracks come from.
type MediaSourceKind string

const (
	MediaSourceDevice    MediaSourceKind = "device"
	MediaSourceSynthetic MediaSourceKind = "synthetic"
)

const (
	DefaultMode       = ModeDev
	DefaultListenAddr = "127.0.0.1:8080"
	DefaultRelayURL   = "ws://127.0.0.1:8080/ws"

	DefaultShutdownTimeout = 15 * time.Second
	DefaultWSPingInterval  = 20 * time.Second
	DefaultWSIdleTimeout   = 60 * time.Second

	DefaultMaxMessageBytes      = 512 * 1024
	DefaultMaxMessagesPerSecond = 50
	// DefaultMaxParticipants of 0 means unlimited.
	DefaultMaxParticipants = 0

	DefaultMediaSource    = MediaSourceDevice
	DefaultVideoWidth     = 640
	DefaultVideoHeight    = 480
	DefaultVideoFrameRate = 30
)

type Config struct {
	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level

	// RelayURL is the signaling relay WebSocket endpoint the client dials.
	RelayURL string
	// ListenAddr is the relay server's HTTP listen address.
	ListenAddr string

	ShutdownTimeout time.Duration

	WSPingInterval time.Duration
	WSIdleTimeout  time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	// MaxParticipants caps concurrent relay participants. 0 means unlimited.
	MaxParticipants int

	MediaSource    MediaSourceKind
	AudioOnly      bool
	VideoWidth     int
	VideoHeight    int
	VideoFrameRate int

	ICEServers []webrtc.ICEServer
}

// PeerConnectionICEServers returns the ICE servers for new peer connections.
func (c Config) PeerConnectionICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(c.ICEServers))
	copy(out, c.ICEServers)
	return out
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	relayURL := envOrDefault(lookup, envVarRelayURL, DefaultRelayURL)
	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}

	maxMessageBytes := int64(DefaultMaxMessageBytes)
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxParticipants, err := envIntOrDefault(lookup, envVarMaxParticipants, DefaultMaxParticipants)
	if err != nil {
		return Config{}, err
	}

	mediaSourceStr := envOrDefault(lookup, envVarMediaSource, string(DefaultMediaSource))
	audioOnly := false
	if raw, ok := lookup(envVarAudioOnly); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarAudioOnly, raw, err)
		}
		audioOnly = v
	}
	videoWidth, err := envIntOrDefault(lookup, envVarVideoWidth, DefaultVideoWidth)
	if err != nil {
		return Config{}, err
	}
	videoHeight, err := envIntOrDefault(lookup, envVarVideoHeight, DefaultVideoHeight)
	if err != nil {
		return Config{}, err
	}
	videoFrameRate, err := envIntOrDefault(lookup, envVarVideoFrameRate, DefaultVideoFrameRate)
	if err != nil {
		return Config{}, err
	}

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	fs := flag.NewFlagSet("meshcall", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr        string
		logFormatStr   string
		logLevelStr    string
		mediaSourceVal string
	)
	mediaSourceVal = mediaSourceStr

	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.StringVar(&relayURL, "relay-url", relayURL, "Signaling relay WebSocket URL (env "+envVarRelayURL+")")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "Relay HTTP listen address (host:port)")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.DurationVar(&pingInterval, "ws-ping-interval", pingInterval, "Signaling WebSocket ping interval (env "+envVarWSPingInterval+")")
	fs.DurationVar(&idleTimeout, "ws-idle-timeout", idleTimeout, "Close signaling WebSockets idle for this long (env "+envVarWSIdleTimeout+")")
	fs.Int64Var(&maxMessageBytes, "max-signaling-message-bytes", maxMessageBytes, "Max inbound signaling message size (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-signaling-messages-per-second", maxMessagesPerSecond, "Per-participant signaling rate limit, 0 = unlimited (env "+envVarMaxMessagesPerSecond+")")
	fs.IntVar(&maxParticipants, "max-participants", maxParticipants, "Maximum concurrent participants, 0 = unlimited (env "+envVarMaxParticipants+")")
	fs.StringVar(&mediaSourceVal, "media-source", mediaSourceVal, "Local media source: device or synthetic (env "+envVarMediaSource+")")
	fs.BoolVar(&audioOnly, "audio-only", audioOnly, "Skip camera capture (env "+envVarAudioOnly+")")
	fs.IntVar(&videoWidth, "video-width", videoWidth, "Capture width in pixels")
	fs.IntVar(&videoHeight, "video-height", videoHeight, "Capture height in pixels")
	fs.IntVar(&videoFrameRate, "video-framerate", videoFrameRate, "Capture frames per second")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	mediaSource, err := parseMediaSource(mediaSourceVal)
	if err != nil {
		return Config{}, err
	}

	if u, err := url.Parse(relayURL); err != nil {
		return Config{}, fmt.Errorf("invalid relay URL %q: %w", relayURL, err)
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		return Config{}, fmt.Errorf("invalid relay URL %q: scheme must be ws or wss", relayURL)
	}

	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("max signaling message bytes must be positive, got %d", maxMessageBytes)
	}
	if maxMessagesPerSecond < 0 {
		return Config{}, fmt.Errorf("max signaling messages per second must be >= 0, got %d", maxMessagesPerSecond)
	}
	if maxParticipants < 0 {
		return Config{}, fmt.Errorf("max participants must be >= 0, got %d", maxParticipants)
	}
	if pingInterval <= 0 || idleTimeout <= 0 {
		return Config{}, fmt.Errorf("ws ping interval and idle timeout must be positive")
	}
	if pingInterval >= idleTimeout {
		return Config{}, fmt.Errorf("ws ping interval (%s) must be shorter than idle timeout (%s)", pingInterval, idleTimeout)
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Mode:      mode,
		LogFormat: logFormat,
		LogLevel:  logLevel,

		RelayURL:   relayURL,
		ListenAddr: listenAddr,

		ShutdownTimeout: shutdownTimeout,
		WSPingInterval:  pingInterval,
		WSIdleTimeout:   idleTimeout,

		MaxMessageBytes:      maxMessageBytes,
		MaxMessagesPerSecond: maxMessagesPerSecond,
		MaxParticipants:      maxParticipants,

		MediaSource:    mediaSource,
		AudioOnly:      audioOnly,
		VideoWidth:     videoWidth,
		VideoHeight:    videoHeight,
		VideoFrameRate: videoFrameRate,

		ICEServers: iceServers,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseMediaSource(raw string) (MediaSourceKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(MediaSourceDevice):
		return MediaSourceDevice, nil
	case string(MediaSourceSynthetic), "none", "fake":
		return MediaSourceSynthetic, nil
	default:
		return "", fmt.Errorf("invalid media source %q (expected device or synthetic)", raw)
	}
}
