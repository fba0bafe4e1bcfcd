package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/roomkit/groupcall/internal/config"
	"github.com/roomkit/groupcall/internal/httpserver"
	"github.com/roomkit/groupcall/internal/media"
	"github.com/roomkit/groupcall/internal/metrics"
	"github.com/roomkit/groupcall/internal/room"
	"github.com/roomkit/groupcall/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
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

	// Construct the media engine early so misconfigurations are caught on
	// startup. No networking starts here; ICE sockets are only created once
	// endpoints are negotiated.
	engine, err := media.NewEngine(cfg.EngineConfig(), logger)
	if err != nil {
		logger.Error("failed to configure media engine", "err", err)
		os.Exit(2)
	}

	logger.Info("starting groupcall-server",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"duplicate_name_policy", cfg.DuplicateNamePolicy,
		"ws_idle_timeout", cfg.SignalingWSIdleTimeout,
		"ws_ping_interval", cfg.SignalingWSPingInterval,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"monitor_interval", cfg.MonitorInterval,
		"stun_urls", len(cfg.STUNURLs),
	)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	rooms := room.NewRegistry(room.Config{
		Gateway:         engine,
		Logger:          logger,
		Metrics:         m,
		DuplicatePolicy: cfg.DuplicateNamePolicy,
	})

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})

	sig := signaling.NewServer(signaling.Config{
		Rooms:             rooms,
		Logger:            logger,
		Metrics:           m,
		IdleTimeout:       cfg.SignalingWSIdleTimeout,
		PingInterval:      cfg.SignalingWSPingInterval,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
	})
	srv.Mux().Handle("GET /groupcall", sig)

	httpserver.RegisterMonitor(srv.Mux(), rooms)

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MonitorInterval > 0 {
		go runMonitor(ctx, cfg.MonitorInterval, rooms, sig, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()
	rooms.Close(shutdownCtx)

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// runMonitor periodically logs aggregate call state so operators can watch a
// deployment from the logs alone.
func runMonitor(ctx context.Context, interval time.Duration, rooms *room.Registry, sig *signaling.Server, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := rooms.ServerSnapshot()
			logger.Info("monitor",
				"rooms", snap.RoomCount,
				"participants", snap.ParticipantCount,
				"endpoints", snap.EndpointCount,
				"connections", sig.ConnectionCount(),
			)
		}
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
