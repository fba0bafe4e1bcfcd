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

// ScreenShareSession is a participant's secondary publisher stream for screen
// content: one outgoing endpoint owned by the presenter and one incoming
// endpoint per viewer, keyed by viewer name. Single publisher, many viewers;
// the inverse of the per-participant video map.
type ScreenShareSession struct {
	owner     string
	roomName  string
	transport Messenger
	pipeline  media.Pipeline
	log       *slog.Logger
	metrics   *metrics.Metrics

	outgoing media.Endpoint

	mu      sync.Mutex
	closed  bool
	viewers map[string]*viewerSlot
}

type viewerSlot struct {
	once sync.Once
	ep   media.Endpoint
	err  error
}

func newScreenShareSession(ctx context.Context, owner, roomName string, transport Messenger, pipeline media.Pipeline, logger *slog.Logger, m *metrics.Metrics) (*ScreenShareSession, error) {
	outgoing, err := pipeline.CreateEndpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("create screen outgoing endpoint: %w", err)
	}

	s := &ScreenShareSession{
		owner:     owner,
		roomName:  roomName,
		transport: transport,
		pipeline:  pipeline,
		log:       logger,
		metrics:   m,
		outgoing:  outgoing,
		viewers:   make(map[string]*viewerSlot),
	}

	outgoing.OnCandidate(func(c media.Candidate) {
		s.send(protocol.IceCandidate(owner, protocol.MediaScreen, toProtocolCandidate(c)))
	})

	m.Inc(metrics.EventEndpointCreated)
	logger.Info("screen outgoing endpoint created", "room", roomName, "presenter", owner, "endpoint_id", outgoing.ID())
	return s, nil
}

func (s *ScreenShareSession) Owner() string { return s.owner }

// Negotiate processes the presenter's SDP offer on the outgoing screen
// endpoint, sends the answer back, and starts ICE gathering.
func (s *ScreenShareSession) Negotiate(ctx context.Context, sdpOffer string) error {
	answer, err := s.outgoing.ProcessOffer(ctx, sdpOffer)
	if err != nil {
		s.metrics.Inc(metrics.EventMediaError)
		return fmt.Errorf("process screen offer: %w", err)
	}
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.send(protocol.PresentScreenAnswer(answer))
	return s.outgoing.GatherCandidates(ctx)
}

// ReceiveScreenFrom negotiates a viewer-specific incoming endpoint wired from
// the presenter's outgoing screen endpoint. The answer and subsequent ICE
// candidates go to the viewer's transport, tagged with the presenter's name
// and the screen discriminator.
func (s *ScreenShareSession) ReceiveScreenFrom(ctx context.Context, viewer *ParticipantSession, sdpOffer string) error {
	ep, created, err := s.viewerEndpoint(ctx, viewer)
	if err != nil {
		return err
	}

	answer, err := ep.ProcessOffer(ctx, sdpOffer)
	if err != nil {
		if created {
			s.CancelViewer(ctx, viewer.name)
		}
		return fmt.Errorf("process screen offer from viewer %s: %w", viewer.name, err)
	}

	if s.isClosed() {
		return ErrSessionClosed
	}

	viewer.send(protocol.ReceiveScreenAnswer(s.owner, answer))
	return ep.GatherCandidates(ctx)
}

func (s *ScreenShareSession) viewerEndpoint(ctx context.Context, viewer *ParticipantSession) (media.Endpoint, bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false, ErrSessionClosed
	}
	slot, ok := s.viewers[viewer.name]
	if !ok {
		slot = &viewerSlot{}
		s.viewers[viewer.name] = slot
	}
	s.mu.Unlock()

	created := false
	slot.once.Do(func() {
		created = true
		slot.err = s.createViewerEndpoint(ctx, viewer, slot)
	})
	if slot.err != nil {
		return nil, false, slot.err
	}
	return slot.ep, created, nil
}

func (s *ScreenShareSession) createViewerEndpoint(ctx context.Context, viewer *ParticipantSession, slot *viewerSlot) error {
	viewerName := viewer.name

	fail := func(err error) error {
		s.mu.Lock()
		if s.viewers[viewerName] == slot {
			delete(s.viewers, viewerName)
		}
		s.mu.Unlock()
		s.metrics.Inc(metrics.EventMediaError)
		return err
	}

	ep, err := s.pipeline.CreateEndpoint(ctx)
	if err != nil {
		return fail(fmt.Errorf("create screen viewer endpoint for %s: %w", viewerName, err))
	}

	owner := s.owner
	ep.OnCandidate(func(c media.Candidate) {
		viewer.send(protocol.IceCandidate(owner, protocol.MediaScreen, toProtocolCandidate(c)))
	})

	if err := s.outgoing.ConnectTo(ctx, ep); err != nil {
		_ = ep.Release(ctx)
		return fail(fmt.Errorf("link screen %s -> %s: %w", owner, viewerName, err))
	}

	s.mu.Lock()
	if s.closed || s.viewers[viewerName] != slot {
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
	s.log.Info("screen viewer endpoint created",
		"room", s.roomName, "presenter", owner, "viewer", viewerName, "endpoint_id", ep.ID())
	return nil
}

// CancelViewer releases the incoming screen endpoint for viewerName, if any.
func (s *ScreenShareSession) CancelViewer(ctx context.Context, viewerName string) {
	s.mu.Lock()
	var ep media.Endpoint
	if slot, ok := s.viewers[viewerName]; ok {
		delete(s.viewers, viewerName)
		ep = slot.ep
	}
	s.mu.Unlock()

	if ep == nil {
		return
	}
	_ = ep.Release(ctx)
	s.metrics.Inc(metrics.EventEndpointReleased)
	s.log.Info("screen viewer endpoint released", "room", s.roomName, "presenter", s.owner, "viewer", viewerName)
}

// AddOwnerCandidate applies a presenter candidate to the outgoing endpoint.
func (s *ScreenShareSession) AddOwnerCandidate(ctx context.Context, cand protocol.Candidate) {
	if s.isClosed() {
		return
	}
	if err := s.outgoing.AddCandidate(ctx, toMediaCandidate(cand)); err != nil {
		s.log.Debug("screen candidate rejected", "room", s.roomName, "presenter", s.owner, "err", err)
	}
}

// AddViewerCandidate applies a viewer candidate to that viewer's incoming
// endpoint, dropping it silently if the endpoint is absent.
func (s *ScreenShareSession) AddViewerCandidate(ctx context.Context, viewerName string, cand protocol.Candidate) {
	s.mu.Lock()
	var ep media.Endpoint
	if slot, ok := s.viewers[viewerName]; !s.closed && ok {
		ep = slot.ep
	}
	s.mu.Unlock()

	if ep == nil {
		s.log.Debug("dropping screen candidate for absent viewer endpoint",
			"room", s.roomName, "presenter", s.owner, "viewer", viewerName)
		return
	}
	if err := ep.AddCandidate(ctx, toMediaCandidate(cand)); err != nil {
		s.log.Debug("screen candidate rejected", "room", s.roomName, "presenter", s.owner, "viewer", viewerName, "err", err)
	}
}

func (s *ScreenShareSession) send(msg any) {
	if err := s.transport.Send(msg); err != nil {
		s.log.Debug("send to presenter failed", "room", s.roomName, "presenter", s.owner, "err", err)
	}
}

func (s *ScreenShareSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases every viewer endpoint and the outgoing endpoint. Idempotent.
func (s *ScreenShareSession) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	slots := s.viewers
	s.viewers = make(map[string]*viewerSlot)
	s.mu.Unlock()

	for viewerName, slot := range slots {
		if slot.ep == nil {
			continue
		}
		_ = slot.ep.Release(ctx)
		s.metrics.Inc(metrics.EventEndpointReleased)
		s.log.Debug("screen viewer endpoint released on close", "room", s.roomName, "presenter", s.owner, "viewer", viewerName)
	}

	_ = s.outgoing.Release(ctx)
	s.metrics.Inc(metrics.EventEndpointReleased)
	s.log.Info("screen share session closed", "room", s.roomName, "presenter", s.owner)
}
