// Package config loads the server configuration from environment variables
// and command-line flags (flags win), and builds the process logger from it.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/roomkit/groupcall/internal/media"
	"github.com/roomkit/groupcall/internal/room"
)

const (
	envVarListenAddr      = "GROUPCALL_LISTEN_ADDR"
	envVarMode            = "GROUPCALL_MODE"
	envVarLogFormat       = "GROUPCALL_LOG_FORMAT"
	envVarLogLevel        = "GROUPCALL_LOG_LEVEL"
	envVarShutdownTimeout = "GROUPCALL_SHUTDOWN_TIMEOUT"

	envVarDuplicateNamePolicy = "DUPLICATE_NAME_POLICY"
	envVarMonitorInterval     = "MONITOR_INTERVAL"

	// Signaling / WebSocket hardening.
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// Media engine network knobs.
	envVarSTUNURLs          = "STUN_URLS"
	envVarWebRTCUDPPortMin  = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax  = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCUDPListenIP = "WEBRTC_UDP_LISTEN_IP"
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

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultMode            = ModeDev

	DefaultSignalingWSIdleTimeout        = 5 * time.Minute
	DefaultSignalingWSPingInterval       = 30 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 << 10) // 64KiB; SDP payloads fit comfortably
	DefaultMaxSignalingMessagesPerSecond = 50
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	DuplicateNamePolicy room.DuplicatePolicy

	// MonitorInterval enables periodic logging of aggregate room/participant
	// counts. Zero disables the monitor.
	MonitorInterval time.Duration

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	STUNURLs          []string
	WebRTCUDPPortMin  uint16
	WebRTCUDPPortMax  uint16
	WebRTCUDPListenIP net.IP
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	mode, err := parseMode(envOrDefault(lookup, envVarMode, string(DefaultMode)))
	if err != nil {
		return Config{}, err
	}

	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(mode))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(mode))

	shutdownTimeout := DefaultShutdownTimeout
	if raw, ok := lookup(envVarShutdownTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	monitorInterval, err := envDurationOrDefault(lookup, envVarMonitorInterval, 0)
	if err != nil {
		return Config{}, err
	}

	maxMsgBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxMsgBytes = n
	}
	maxMsgsPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	portMin, err := envIntOrDefault(lookup, envVarWebRTCUDPPortMin, 0)
	if err != nil {
		return Config{}, err
	}
	portMax, err := envIntOrDefault(lookup, envVarWebRTCUDPPortMax, 0)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:      envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		Mode:            mode,
		ShutdownTimeout: shutdownTimeout,

		MonitorInterval: monitorInterval,

		SignalingWSIdleTimeout:        wsIdleTimeout,
		SignalingWSPingInterval:       wsPingInterval,
		MaxSignalingMessageBytes:      maxMsgBytes,
		MaxSignalingMessagesPerSecond: maxMsgsPerSecond,

		WebRTCUDPPortMin: uint16(portMin),
		WebRTCUDPPortMax: uint16(portMax),
	}

	if raw := envOrDefault(lookup, envVarSTUNURLs, ""); raw != "" {
		for _, u := range strings.Split(raw, ",") {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
				return Config{}, fmt.Errorf("invalid %s entry %q: expected stun: or stuns: URL", envVarSTUNURLs, u)
			}
			cfg.STUNURLs = append(cfg.STUNURLs, u)
		}
	}

	if raw := envOrDefault(lookup, envVarWebRTCUDPListenIP, ""); raw != "" {
		ip := net.ParseIP(raw)
		if ip == nil {
			return Config{}, fmt.Errorf("invalid %s %q", envVarWebRTCUDPListenIP, raw)
		}
		cfg.WebRTCUDPListenIP = ip
	}

	policy, err := parseDuplicatePolicy(envOrDefault(lookup, envVarDuplicateNamePolicy, string(room.DuplicateReject)))
	if err != nil {
		return Config{}, err
	}
	cfg.DuplicateNamePolicy = policy

	logFormatFlag := logFormatDefault
	logLevelFlag := logLevelDefault

	fs := flag.NewFlagSet("groupcall-server", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "TCP address for the HTTP/WebSocket listener")
	fs.StringVar(&logFormatFlag, "log-format", logFormatFlag, "log format: text or json")
	fs.StringVar(&logLevelFlag, "log-level", logLevelFlag, "log level: debug, info, warn or error")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	format, err := parseLogFormat(logFormatFlag)
	if err != nil {
		return Config{}, err
	}
	cfg.LogFormat = format

	level, err := parseLogLevel(logLevelFlag)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.MaxSignalingMessageBytes <= 0 {
		return fmt.Errorf("%s must be positive", envVarMaxSignalingMessageBytes)
	}
	if c.MaxSignalingMessagesPerSecond <= 0 {
		return fmt.Errorf("%s must be positive", envVarMaxSignalingMessagesPerSecond)
	}
	if (c.WebRTCUDPPortMin == 0) != (c.WebRTCUDPPortMax == 0) {
		return fmt.Errorf("%s and %s must be set together", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	if c.WebRTCUDPPortMin > c.WebRTCUDPPortMax {
		return fmt.Errorf("%s must not exceed %s", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	return nil
}

// EngineConfig derives the media engine's network settings.
func (c Config) EngineConfig() media.EngineConfig {
	return media.EngineConfig{
		STUNURLs:   c.STUNURLs,
		UDPPortMin: c.WebRTCUDPPortMin,
		UDPPortMax: c.WebRTCUDPPortMax,
		ListenIP:   c.WebRTCUDPListenIP,
	}
}

// NewLogger builds the process logger from the configured format and level.
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

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("unsupported %s %q", envVarMode, raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q", raw)
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
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}

func parseDuplicatePolicy(raw string) (room.DuplicatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(room.DuplicateReject):
		return room.DuplicateReject, nil
	case string(room.DuplicateReplace):
		return room.DuplicateReplace, nil
	default:
		return "", fmt.Errorf("unsupported %s %q", envVarDuplicateNamePolicy, raw)
	}
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}
