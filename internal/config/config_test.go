package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/roomkit/groupcall/internal/room"
)

func lookupFromMap(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(lookupFromMap(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("listen addr: got %q", cfg.ListenAddr)
	}
	if cfg.Mode != ModeDev {
		t.Errorf("mode: got %q", cfg.Mode)
	}
	if cfg.LogFormat != LogFormatText || cfg.LogLevel != slog.LevelDebug {
		t.Errorf("dev mode must default to text/debug, got %q/%v", cfg.LogFormat, cfg.LogLevel)
	}
	if cfg.DuplicateNamePolicy != room.DuplicateReject {
		t.Errorf("duplicate policy: got %q", cfg.DuplicateNamePolicy)
	}
	if cfg.MonitorInterval != 0 {
		t.Errorf("monitor must default off, got %v", cfg.MonitorInterval)
	}
	if cfg.SignalingWSIdleTimeout != DefaultSignalingWSIdleTimeout {
		t.Errorf("idle timeout: got %v", cfg.SignalingWSIdleTimeout)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Errorf("max message bytes: got %d", cfg.MaxSignalingMessageBytes)
	}
}

func TestLoadProdModeDefaults(t *testing.T) {
	cfg, err := load(lookupFromMap(map[string]string{
		"GROUPCALL_MODE": "prod",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON || cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("prod mode must default to json/info, got %q/%v", cfg.LogFormat, cfg.LogLevel)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	cfg, err := load(lookupFromMap(map[string]string{
		"GROUPCALL_LISTEN_ADDR":             "0.0.0.0:9000",
		"GROUPCALL_SHUTDOWN_TIMEOUT":        "30s",
		"DUPLICATE_NAME_POLICY":             "replace",
		"MONITOR_INTERVAL":                  "10s",
		"SIGNALING_WS_IDLE_TIMEOUT":         "1m",
		"MAX_SIGNALING_MESSAGE_BYTES":       "1024",
		"MAX_SIGNALING_MESSAGES_PER_SECOND": "10",
		"STUN_URLS":                         "stun:stun.example.com:3478, stuns:stun2.example.com:5349",
		"WEBRTC_UDP_PORT_MIN":               "10000",
		"WEBRTC_UDP_PORT_MAX":               "20000",
		"WEBRTC_UDP_LISTEN_IP":              "10.0.0.1",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("listen addr: got %q", cfg.ListenAddr)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("shutdown timeout: got %v", cfg.ShutdownTimeout)
	}
	if cfg.DuplicateNamePolicy != room.DuplicateReplace {
		t.Errorf("duplicate policy: got %q", cfg.DuplicateNamePolicy)
	}
	if cfg.MonitorInterval != 10*time.Second {
		t.Errorf("monitor interval: got %v", cfg.MonitorInterval)
	}
	if len(cfg.STUNURLs) != 2 || cfg.STUNURLs[0] != "stun:stun.example.com:3478" {
		t.Errorf("stun urls: got %v", cfg.STUNURLs)
	}
	if cfg.WebRTCUDPPortMin != 10000 || cfg.WebRTCUDPPortMax != 20000 {
		t.Errorf("port range: got %d-%d", cfg.WebRTCUDPPortMin, cfg.WebRTCUDPPortMax)
	}
	if cfg.WebRTCUDPListenIP.String() != "10.0.0.1" {
		t.Errorf("listen ip: got %v", cfg.WebRTCUDPListenIP)
	}

	ec := cfg.EngineConfig()
	if len(ec.STUNURLs) != 2 || ec.UDPPortMin != 10000 {
		t.Errorf("engine config not derived: %+v", ec)
	}
}

func TestLoadFlagsWinOverEnv(t *testing.T) {
	cfg, err := load(lookupFromMap(map[string]string{
		"GROUPCALL_LISTEN_ADDR": "0.0.0.0:9000",
		"GROUPCALL_LOG_LEVEL":   "info",
	}), []string{"-listen-addr", "127.0.0.1:7000", "-log-level", "error"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7000" {
		t.Errorf("flag must win: got %q", cfg.ListenAddr)
	}
	if cfg.LogLevel != slog.LevelError {
		t.Errorf("flag must win: got %v", cfg.LogLevel)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []map[string]string{
		{"GROUPCALL_MODE": "staging"},
		{"GROUPCALL_LOG_FORMAT": "xml"},
		{"GROUPCALL_LOG_LEVEL": "verbose"},
		{"GROUPCALL_SHUTDOWN_TIMEOUT": "soon"},
		{"DUPLICATE_NAME_POLICY": "merge"},
		{"MAX_SIGNALING_MESSAGE_BYTES": "-1"},
		{"MAX_SIGNALING_MESSAGES_PER_SECOND": "0"},
		{"STUN_URLS": "https://not-stun.example.com"},
		{"WEBRTC_UDP_PORT_MIN": "10000"},
		{"WEBRTC_UDP_PORT_MIN": "20000", "WEBRTC_UDP_PORT_MAX": "10000"},
		{"WEBRTC_UDP_LISTEN_IP": "not-an-ip"},
	}
	for i, env := range cases {
		if _, err := load(lookupFromMap(env), nil); err == nil {
			t.Errorf("case %d (%v): expected error", i, env)
		}
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []LogFormat{LogFormatText, LogFormatJSON} {
		logger, err := NewLogger(Config{LogFormat: format, LogLevel: slog.LevelInfo})
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		if logger == nil {
			t.Fatalf("%s: nil logger", format)
		}
	}
	if _, err := NewLogger(Config{LogFormat: "xml"}); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}
