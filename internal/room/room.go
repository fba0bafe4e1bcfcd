// Package room implements the call coordination core: named rooms owning one
// media pipeline each, per-participant sessions with their relay endpoint
// graphs, optional screen-share sessions, and the process-wide registries
// resolving rooms and participants.
package room

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roomkit/groupcall/internal/media"
	"github.com/roomkit/groupcall/internal/metrics"
	"github.com/roomkit/groupcall/internal/protocol"
)

// Room owns one media pipeline and the participants connected to the call.
// It exists in the registry iff it has at least one participant (or a join in
// flight); the last leave destroys it.
type Room struct {
	name     string
	pipeline media.Pipeline
	registry *Registry
	users    *Users
	log      *slog.Logger
	metrics  *metrics.Metrics
	policy   DuplicatePolicy

	// screenMu serializes screen-share session creation; it is never held
	// while mu is held by the same goroutine's caller chain.
	screenMu sync.Mutex

	// mu guards the maps below with short critical sections only; no media
	// gateway call happens while it is held.
	mu           sync.Mutex
	closed       bool
	joining      map[string]struct{}
	participants map[string]*ParticipantSession
	screens      map[string]*ScreenShareSession
}

func newRoom(name string, pipeline media.Pipeline, reg *Registry) *Room {
	return &Room{
		name:         name,
		pipeline:     pipeline,
		registry:     reg,
		users:        reg.users,
		log:          reg.log,
		metrics:      reg.metrics,
		policy:       reg.policy,
		joining:      make(map[string]struct{}),
		participants: make(map[string]*ParticipantSession),
		screens:      make(map[string]*ScreenShareSession),
	}
}

func (r *Room) Name() string { return r.name }

// Join admits a participant: it creates the pipeline-bound outgoing endpoint,
// publishes the session, notifies the other participants of the arrival, and
// finally sends the joiner the list of everyone already present. Join
// processing for one name is serialized by the reservation in r.joining;
// concurrent joins of distinct names proceed in parallel, each observing a
// membership snapshot consistent with the arrival broadcasts.
func (r *Room) Join(ctx context.Context, name string, transport Messenger) (*ParticipantSession, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRoomClosed
		}
		_, active := r.participants[name]
		_, pending := r.joining[name]
		if active || pending {
			if pending || r.policy != DuplicateReplace {
				r.mu.Unlock()
				r.metrics.Inc(metrics.EventDuplicateJoinRejected)
				return nil, ErrDuplicateParticipant
			}
			// Replace policy: evict the existing same-named session, then
			// retry the admission from scratch.
			r.mu.Unlock()
			r.log.Info("replacing existing participant on rejoin", "room", r.name, "participant", name)
			r.Leave(ctx, name)
			continue
		}
		r.joining[name] = struct{}{}
		r.mu.Unlock()
		break
	}

	sess, err := newParticipantSession(ctx, name, r.name, transport, r.pipeline, r.users, r.log, r.metrics)
	if err != nil {
		r.mu.Lock()
		delete(r.joining, name)
		r.mu.Unlock()
		r.registry.removeIfEmpty(ctx, r)
		return nil, err
	}

	r.mu.Lock()
	delete(r.joining, name)
	if r.closed {
		r.mu.Unlock()
		sess.Close(ctx)
		return nil, ErrRoomClosed
	}
	// Registering under the room lock keeps the global lookup and the room
	// membership in step: an eviction cannot observe the published session
	// before its lookup entries exist.
	r.participants[name] = sess
	r.users.register(sess)
	others := r.othersLocked(name)
	r.mu.Unlock()

	r.metrics.Inc(metrics.EventParticipantJoined)
	r.log.Info("participant joined", "room", r.name, "participant", name, "participants", len(others)+1)

	arrival := protocol.NewParticipantArrived(name)
	names := make([]string, 0, len(others))
	for _, other := range others {
		other.send(arrival)
		names = append(names, other.name)
	}
	sess.send(protocol.ExistingParticipants(names))

	return sess, nil
}

// Leave removes the participant, tears down its screen share (if presenting),
// cancels every other participant's incoming endpoint sourced from it, and
// notifies the rest. Destroys the room when it becomes empty. Idempotent: an
// explicit leaveRoom racing a transport disconnect runs the teardown once.
func (r *Room) Leave(ctx context.Context, name string) {
	// Presenter teardown happens before the participant's own teardown so
	// viewers see screenShareEnded before participantLeft.
	r.StopScreenShare(ctx, name)

	r.mu.Lock()
	sess, ok := r.participants[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.participants, name)
	others := r.othersLocked(name)
	screens := make([]*ScreenShareSession, 0, len(r.screens))
	for _, s := range r.screens {
		screens = append(screens, s)
	}
	r.mu.Unlock()

	// The departing participant may be viewing other presenters' screens.
	for _, s := range screens {
		s.CancelViewer(ctx, name)
	}

	left := protocol.ParticipantLeft(name)
	for _, other := range others {
		other.CancelVideoFrom(ctx, name)
		other.send(left)
	}

	sess.Close(ctx)
	r.metrics.Inc(metrics.EventParticipantLeft)
	r.log.Info("participant left", "room", r.name, "participant", name, "participants", len(others))

	r.registry.removeIfEmpty(ctx, r)
}

// Participant returns the active session for name, if any.
func (r *Room) Participant(name string) (*ParticipantSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.participants[name]
	return sess, ok
}

// StartScreenShare creates the participant's screen-share session and
// broadcasts newScreenShareStarted to the other participants. Starting while
// already presenting returns the existing session without re-broadcasting.
func (r *Room) StartScreenShare(ctx context.Context, name string) (*ScreenShareSession, error) {
	r.screenMu.Lock()
	defer r.screenMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRoomClosed
	}
	if s, ok := r.screens[name]; ok {
		r.mu.Unlock()
		return s, nil
	}
	p, ok := r.participants[name]
	r.mu.Unlock()
	if !ok {
		return nil, ErrUnknownParticipant
	}

	s, err := newScreenShareSession(ctx, name, r.name, p.transport, r.pipeline, r.log, r.metrics)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		s.Close(ctx)
		return nil, ErrRoomClosed
	}
	if _, stillThere := r.participants[name]; !stillThere {
		r.mu.Unlock()
		s.Close(ctx)
		return nil, ErrUnknownParticipant
	}
	r.screens[name] = s
	others := r.othersLocked(name)
	r.mu.Unlock()

	started := protocol.NewScreenShareStarted(name)
	for _, other := range others {
		other.send(started)
	}

	r.metrics.Inc(metrics.EventScreenShareStarted)
	r.log.Info("screen share started", "room", r.name, "presenter", name)
	return s, nil
}

// GetScreenShare returns the active screen-share session presented by name.
func (r *Room) GetScreenShare(name string) (*ScreenShareSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.screens[name]
	return s, ok
}

// StopScreenShare tears down the participant's screen-share session and
// broadcasts screenShareEnded to every other participant. Stopping a share
// that was never started (or stopping twice) is a no-op.
func (r *Room) StopScreenShare(ctx context.Context, name string) {
	r.mu.Lock()
	s, ok := r.screens[name]
	if ok {
		delete(r.screens, name)
	}
	others := r.othersLocked(name)
	r.mu.Unlock()

	if !ok {
		return
	}

	s.Close(ctx)

	ended := protocol.ScreenShareEnded(name)
	for _, other := range others {
		other.send(ended)
	}

	r.metrics.Inc(metrics.EventScreenShareStopped)
	r.log.Info("screen share stopped", "room", r.name, "presenter", name)
}

// othersLocked snapshots the current participants excluding name. Broadcasts
// iterate such snapshots so per-recipient send failures stay isolated and
// concurrent membership changes cannot skip or duplicate recipients.
func (r *Room) othersLocked(name string) []*ParticipantSession {
	others := make([]*ParticipantSession, 0, len(r.participants))
	for _, p := range r.participants {
		if p.name != name {
			others = append(others, p)
		}
	}
	return others
}

// markClosedIfEmpty closes the room iff no participant is present and no join
// is in flight. The registry calls it while holding its own lock; lock order
// is always registry -> room.
func (r *Room) markClosedIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if len(r.participants) > 0 || len(r.joining) > 0 {
		return false
	}
	r.closed = true
	return true
}

// closeAll force-closes the room regardless of membership: screen sessions
// and participant sessions are closed without notifications, then the
// pipeline is released. Used on forced removal and process shutdown.
func (r *Room) closeAll(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	participants := make([]*ParticipantSession, 0, len(r.participants))
	for _, p := range r.participants {
		participants = append(participants, p)
	}
	screens := make([]*ScreenShareSession, 0, len(r.screens))
	for _, s := range r.screens {
		screens = append(screens, s)
	}
	r.participants = make(map[string]*ParticipantSession)
	r.screens = make(map[string]*ScreenShareSession)
	r.mu.Unlock()

	for _, s := range screens {
		s.Close(ctx)
	}
	for _, p := range participants {
		p.Close(ctx)
	}
	_ = r.pipeline.Release(ctx)
	r.log.Info("room closed", "room", r.name, "participants_closed", len(participants))
}
