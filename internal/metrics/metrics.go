package metrics

import "sync"

// Event names recorded by the coordination layer.
const (
	EventRoomCreated           = "room_created"
	EventRoomDestroyed         = "room_destroyed"
	EventParticipantJoined     = "participant_joined"
	EventParticipantLeft       = "participant_left"
	EventDuplicateJoinRejected = "duplicate_join_rejected"
	EventEndpointCreated       = "endpoint_created"
	EventEndpointReleased      = "endpoint_released"
	EventScreenShareStarted    = "screen_share_started"
	EventScreenShareStopped    = "screen_share_stopped"
	EventMediaError            = "media_error"
	EventProtocolError         = "protocol_error"
	EventMessageDropped        = "message_dropped"
	EventSignalingRateLimited  = "signaling_rate_limited"
	EventConnectionOpened      = "connection_opened"
	EventConnectionClosed      = "connection_closed"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The server exposes these counters via the Prometheus text handler; keeping
// the registry in-process keeps room/session logic testable without a metrics
// backend.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
