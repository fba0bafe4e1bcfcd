package room

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/roomkit/groupcall/internal/media"
	"github.com/roomkit/groupcall/internal/metrics"
)

// DuplicatePolicy decides what happens when a join names a participant that
// is already active in the target room.
type DuplicatePolicy string

const (
	// DuplicateReject fails the join and leaves the existing session untouched.
	DuplicateReject DuplicatePolicy = "reject"
	// DuplicateReplace evicts the existing session, then admits the joiner.
	DuplicateReplace DuplicatePolicy = "replace"
)

// Config wires the registry's collaborators. Zero-value fields get working
// defaults, so tests can pass only a Gateway.
type Config struct {
	Gateway         media.Gateway
	Users           *Users
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
	DuplicatePolicy DuplicatePolicy
}

// Registry is the process-wide room map: rooms are created lazily on first
// join and destroyed the moment their last participant leaves.
type Registry struct {
	gateway media.Gateway
	users   *Users
	log     *slog.Logger
	metrics *metrics.Metrics
	policy  DuplicatePolicy

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Users == nil {
		cfg.Users = NewUsers()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.DuplicatePolicy == "" {
		cfg.DuplicatePolicy = DuplicateReject
	}
	return &Registry{
		gateway: cfg.Gateway,
		users:   cfg.Users,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		policy:  cfg.DuplicatePolicy,
		rooms:   make(map[string]*Room),
	}
}

func (reg *Registry) Users() *Users { return reg.users }

func (reg *Registry) Metrics() *metrics.Metrics { return reg.metrics }

// GetOrCreate returns the room for name, creating it (and its pipeline) on
// first use. The pipeline is created outside the registry lock; when two
// callers race to create the same room, the loser releases its pipeline and
// adopts the winner's room.
func (reg *Registry) GetOrCreate(ctx context.Context, name string) (*Room, error) {
	reg.mu.Lock()
	if r, ok := reg.rooms[name]; ok {
		reg.mu.Unlock()
		return r, nil
	}
	reg.mu.Unlock()

	pipeline, err := reg.gateway.CreatePipeline(ctx)
	if err != nil {
		return nil, err
	}

	reg.mu.Lock()
	if r, ok := reg.rooms[name]; ok {
		reg.mu.Unlock()
		_ = pipeline.Release(ctx)
		return r, nil
	}
	r := newRoom(name, pipeline, reg)
	reg.rooms[name] = r
	reg.mu.Unlock()

	reg.metrics.Inc(metrics.EventRoomCreated)
	reg.log.Info("room created", "room", name, "pipeline_id", pipeline.ID())
	return r, nil
}

// Get returns the room for name without creating it.
func (reg *Registry) Get(name string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[name]
	return r, ok
}

// Join admits userName into roomName, creating the room on first use. It
// retries transparently when the join races a concurrent room destruction.
func (reg *Registry) Join(ctx context.Context, roomName, userName string, transport Messenger) (*ParticipantSession, error) {
	for {
		r, err := reg.GetOrCreate(ctx, roomName)
		if err != nil {
			return nil, err
		}
		sess, err := r.Join(ctx, userName, transport)
		if errors.Is(err, ErrRoomClosed) {
			continue
		}
		return sess, err
	}
}

// removeIfEmpty destroys r if it has become empty: the room is atomically
// marked closed and unlinked, then its pipeline is released. A join that
// reserved a slot in the meantime keeps the room alive.
func (reg *Registry) removeIfEmpty(ctx context.Context, r *Room) {
	reg.mu.Lock()
	if reg.rooms[r.name] != r || !r.markClosedIfEmpty() {
		reg.mu.Unlock()
		return
	}
	delete(reg.rooms, r.name)
	reg.mu.Unlock()

	_ = r.pipeline.Release(ctx)
	reg.metrics.Inc(metrics.EventRoomDestroyed)
	reg.log.Info("room destroyed", "room", r.name)
}

// RemoveRoom force-closes and removes a room. Removing an absent room is a
// no-op.
func (reg *Registry) RemoveRoom(ctx context.Context, name string) {
	reg.mu.Lock()
	r, ok := reg.rooms[name]
	if ok {
		delete(reg.rooms, name)
	}
	reg.mu.Unlock()

	if !ok {
		return
	}
	r.closeAll(ctx)
	reg.metrics.Inc(metrics.EventRoomDestroyed)
}

// RoomCount returns the number of active rooms.
func (reg *Registry) RoomCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// Close force-closes every room. Used on process shutdown.
func (reg *Registry) Close(ctx context.Context) {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.rooms = make(map[string]*Room)
	reg.mu.Unlock()

	for _, r := range rooms {
		r.closeAll(ctx)
	}
}
