package media

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// EngineConfig carries the network knobs for the in-process pion engine.
type EngineConfig struct {
	// STUNURLs are stun: URLs handed to every server-side PeerConnection.
	STUNURLs []string

	// UDPPortMin/UDPPortMax restrict the ephemeral UDP port range used for
	// ICE. Zero values leave the range unrestricted.
	UDPPortMin uint16
	UDPPortMax uint16

	// ListenIP, when set, restricts candidate gathering and socket binding to
	// a single local IP.
	ListenIP net.IP
}

// Engine is a Gateway backed by pion/webrtc: every endpoint is a server-side
// PeerConnection, and linking endpoints forwards RTP between them in-process.
type Engine struct {
	api *webrtc.API
	cfg webrtc.Configuration
	log *slog.Logger
}

func NewEngine(cfg EngineConfig, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = &slogLoggerFactory{log: logger}

	if cfg.UDPPortMin != 0 || cfg.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	if cfg.ListenIP != nil && !cfg.ListenIP.IsUnspecified() {
		listenIP := cfg.ListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	var iceServers []webrtc.ICEServer
	if len(cfg.STUNURLs) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: cfg.STUNURLs})
	}

	return &Engine{
		api: webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		cfg: webrtc.Configuration{ICEServers: iceServers},
		log: logger,
	}, nil
}

func (e *Engine) CreatePipeline(ctx context.Context) (Pipeline, error) {
	p := &pipeline{
		id:        uuid.NewString(),
		engine:    e,
		log:       e.log,
		endpoints: make(map[string]*endpoint),
	}
	e.log.Debug("media pipeline created", "pipeline_id", p.id)
	return p, nil
}

// pipeline tracks the endpoints bound to it so Release can free stragglers.
type pipeline struct {
	id     string
	engine *Engine
	log    *slog.Logger

	mu        sync.Mutex
	released  bool
	endpoints map[string]*endpoint
}

func (p *pipeline) ID() string { return p.id }

func (p *pipeline) CreateEndpoint(ctx context.Context) (Endpoint, error) {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil, ErrPipelineReleased
	}
	p.mu.Unlock()

	pc, err := p.engine.api.NewPeerConnection(p.engine.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	id := uuid.NewString()
	ep := newEndpoint(id, pc, p.log, func() { p.forget(id) })

	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		_ = ep.Release(ctx)
		return nil, ErrPipelineReleased
	}
	p.endpoints[id] = ep
	p.mu.Unlock()

	p.log.Debug("media endpoint created", "pipeline_id", p.id, "endpoint_id", id)
	return ep, nil
}

func (p *pipeline) forget(endpointID string) {
	p.mu.Lock()
	delete(p.endpoints, endpointID)
	p.mu.Unlock()
}

func (p *pipeline) Release(ctx context.Context) error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil
	}
	p.released = true
	eps := make([]*endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		eps = append(eps, ep)
	}
	p.endpoints = make(map[string]*endpoint)
	p.mu.Unlock()

	for _, ep := range eps {
		_ = ep.Release(ctx)
	}
	p.log.Debug("media pipeline released", "pipeline_id", p.id, "endpoints_released", len(eps))
	return nil
}
