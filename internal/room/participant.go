package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roomkit/groupcall/internal/media"
	"github.com/roomkit/groupcall/internal/metrics"
	"github.com/roomkit/groupcall/internal/protocol"
)

// Messenger pushes outbound protocol messages to one participant's transport
// connection. Implementations must serialize concurrent Send calls.
type Messenger interface {
	ConnectionID() string
	Send(msg any) error
}

// ParticipantSession is one connected user's call state within a room: the
// outgoing endpoint publishing their own stream, plus one lazily created
// incoming endpoint per remote sender they receive video from.
type ParticipantSession struct {
	name      string
	roomName  string
	transport Messenger
	pipeline  media.Pipeline
	users     *Users
	log       *slog.Logger
	metrics   *metrics.Metrics

	outgoing media.Endpoint

	mu       sync.Mutex
	closed   bool
	incoming map[string]*endpointSlot
}

// endpointSlot is the insert-if-absent unit for the per-(viewer, sender)
// incoming endpoint: concurrent duplicate receiveVideoFrom calls race to
// insert the slot, and the endpoint itself is created exactly once.
type endpointSlot struct {
	once sync.Once
	ep   media.Endpoint
	err  error
}

func newParticipantSession(ctx context.Context, name, roomName string, transport Messenger, pipeline media.Pipeline, users *Users, logger *slog.Logger, m *metrics.Metrics) (*ParticipantSession, error) {
	outgoing, err := pipeline.CreateEndpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("create outgoing endpoint: %w", err)
	}

	s := &ParticipantSession{
		name:      name,
		roomName:  roomName,
		transport: transport,
		pipeline:  pipeline,
		users:     users,
		log:       logger,
		metrics:   m,
		outgoing:  outgoing,
		incoming:  make(map[string]*endpointSlot),
	}

	// Candidates gathered on the outgoing endpoint are tagged with the
	// participant's own name; the client routes them to its publisher peer.
	outgoing.OnCandidate(func(c media.Candidate) {
		s.send(protocol.IceCandidate(name, protocol.MediaVideo, toProtocolCandidate(c)))
	})

	m.Inc(metrics.EventEndpointCreated)
	logger.Info("outgoing endpoint created", "room", roomName, "participant", name, "endpoint_id", outgoing.ID())
	return s, nil
}

func (s *ParticipantSession) Name() string     { return s.name }
func (s *ParticipantSession) RoomName() string { return s.roomName }

// ReceiveVideoFrom resolves (or lazily creates) the relay endpoint for sender
// on this session, negotiates sdpOffer against it, sends the answer back to
// this participant, and starts ICE gathering.
func (s *ParticipantSession) ReceiveVideoFrom(ctx context.Context, sender *ParticipantSession, sdpOffer string) error {
	ep, created, err := s.endpointFor(ctx, sender)
	if err != nil {
		return err
	}

	answer, err := ep.ProcessOffer(ctx, sdpOffer)
	if err != nil {
		if created {
			// Roll back to the pre-call state so a later retry can negotiate a
			// fresh endpoint.
			s.CancelVideoFrom(ctx, sender.name)
		}
		return fmt.Errorf("process offer from %s: %w", sender.name, err)
	}

	if s.isClosed() {
		// The session closed while the offer/answer exchange was outstanding;
		// the answer is dropped, not delivered.
		return ErrSessionClosed
	}

	s.send(protocol.ReceiveVideoAnswer(sender.name, answer))
	return ep.GatherCandidates(ctx)
}

// endpointFor implements the star-of-stars graph edge lookup: the session's
// own outgoing endpoint for the loopback case, otherwise an incoming endpoint
// keyed by sender name, created and linked at most once per pair.
func (s *ParticipantSession) endpointFor(ctx context.Context, sender *ParticipantSession) (media.Endpoint, bool, error) {
	if sender.name == s.name {
		return s.outgoing, false, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false, ErrSessionClosed
	}
	slot, ok := s.incoming[sender.name]
	if !ok {
		slot = &endpointSlot{}
		s.incoming[sender.name] = slot
	}
	s.mu.Unlock()

	created := false
	slot.once.Do(func() {
		created = true
		slot.err = s.createIncomingEndpoint(ctx, sender, slot)
	})
	if slot.err != nil {
		return nil, false, slot.err
	}
	return slot.ep, created, nil
}

// createIncomingEndpoint builds, wires and publishes the incoming endpoint
// for sender. On success slot.ep is set under the session lock so concurrent
// teardown paths always observe it.
func (s *ParticipantSession) createIncomingEndpoint(ctx context.Context, sender *ParticipantSession, slot *endpointSlot) error {
	fail := func(err error) error {
		s.mu.Lock()
		if s.incoming[sender.name] == slot {
			delete(s.incoming, sender.name)
		}
		s.mu.Unlock()
		s.metrics.Inc(metrics.EventMediaError)
		return err
	}

	ep, err := s.pipeline.CreateEndpoint(ctx)
	if err != nil {
		return fail(fmt.Errorf("create incoming endpoint for %s: %w", sender.name, err))
	}

	// Tag candidates with the sender's name so the far end can disambiguate
	// multiple simultaneous negotiations.
	senderName := sender.name
	ep.OnCandidate(func(c media.Candidate) {
		s.send(protocol.IceCandidate(senderName, protocol.MediaVideo, toProtocolCandidate(c)))
	})

	if err := sender.outgoing.ConnectTo(ctx, ep); err != nil {
		_ = ep.Release(ctx)
		return fail(fmt.Errorf("link %s -> %s: %w", sender.name, s.name, err))
	}

	// Publish under the session lock. A concurrent Close or CancelVideoFrom
	// either sees the endpoint (and releases it) or we observe here that the
	// slot is gone and release it ourselves.
	s.mu.Lock()
	if s.closed || s.incoming[senderName] != slot {
		closed := s.closed
		s.mu.Unlock()
		_ = ep.Release(ctx)
		if closed {
			return ErrSessionClosed
		}
		return ErrUnknownParticipant
	}
	slot.ep = ep
	s.mu.Unlock()

	s.metrics.Inc(metrics.EventEndpointCreated)
	s.log.Info("incoming endpoint created",
		"room", s.roomName, "participant", s.name, "sender", senderName, "endpoint_id", ep.ID())
	return nil
}

// CancelVideoFrom removes and releases the incoming endpoint for senderName.
// It is a no-op if no such endpoint exists.
func (s *ParticipantSession) CancelVideoFrom(ctx context.Context, senderName string) {
	s.mu.Lock()
	var ep media.Endpoint
	if slot, ok := s.incoming[senderName]; ok {
		delete(s.incoming, senderName)
		ep = slot.ep
	}
	s.mu.Unlock()

	if ep == nil {
		return
	}
	_ = ep.Release(ctx)
	s.metrics.Inc(metrics.EventEndpointReleased)
	s.log.Info("incoming endpoint released", "room", s.roomName, "participant", s.name, "sender", senderName)
}

// AddCandidate routes a trickled remote candidate: to the outgoing endpoint
// when name is the participant itself, otherwise to the incoming endpoint for
// name. A candidate for an endpoint not yet created or already torn down is
// dropped silently; that is an expected race, not an error.
func (s *ParticipantSession) AddCandidate(ctx context.Context, cand protocol.Candidate, name string) {
	target := s.candidateTarget(name)
	if target == nil {
		s.log.Debug("dropping candidate for absent endpoint", "room", s.roomName, "participant", s.name, "name", name)
		return
	}
	if err := target.AddCandidate(ctx, toMediaCandidate(cand)); err != nil {
		s.log.Debug("candidate rejected", "room", s.roomName, "participant", s.name, "name", name, "err", err)
	}
}

func (s *ParticipantSession) candidateTarget(name string) media.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if name == s.name {
		return s.outgoing
	}
	if slot, ok := s.incoming[name]; ok {
		return slot.ep
	}
	return nil
}

func (s *ParticipantSession) send(msg any) {
	if err := s.transport.Send(msg); err != nil {
		s.log.Debug("send to participant failed", "room", s.roomName, "participant", s.name, "err", err)
	}
}

func (s *ParticipantSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases every incoming endpoint, then the outgoing endpoint, and
// removes the session from the global lookup. Explicit leave and transport
// disconnect may race to call it; it is idempotent.
func (s *ParticipantSession) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	slots := s.incoming
	s.incoming = make(map[string]*endpointSlot)
	s.mu.Unlock()

	for senderName, slot := range slots {
		if slot.ep == nil {
			continue
		}
		_ = slot.ep.Release(ctx)
		s.metrics.Inc(metrics.EventEndpointReleased)
		s.log.Debug("incoming endpoint released on close", "room", s.roomName, "participant", s.name, "sender", senderName)
	}

	_ = s.outgoing.Release(ctx)
	s.metrics.Inc(metrics.EventEndpointReleased)

	s.users.unregister(s)
	s.log.Info("participant session closed", "room", s.roomName, "participant", s.name)
}

func toProtocolCandidate(c media.Candidate) protocol.Candidate {
	return protocol.Candidate{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

func toMediaCandidate(c protocol.Candidate) media.Candidate {
	return media.Candidate{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}
