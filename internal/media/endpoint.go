package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// endpoint wraps one server-side PeerConnection.
//
// Inbound RTP is fanned out to every linked sink: ConnectTo registers the
// sink as a subscriber, and each inbound track's read loop writes every
// packet to all subscriber-local tracks derived from it.
type endpoint struct {
	id        string
	pc        *webrtc.PeerConnection
	log       *slog.Logger
	onRelease func()

	mu          sync.Mutex
	released    bool
	gathering   bool
	onCandidate func(Candidate)
	// Local candidates discovered before GatherCandidates are buffered so the
	// session's handler never misses early candidates.
	pendingLocal []Candidate
	// Remote candidates received before the remote description is applied.
	pendingRemote  []Candidate
	haveRemoteDesc bool

	inbound     []*inboundTrack
	subscribers []*endpoint
}

type inboundTrack struct {
	remote *webrtc.TrackRemote

	mu   sync.Mutex
	outs []*webrtc.TrackLocalStaticRTP
}

func newEndpoint(id string, pc *webrtc.PeerConnection, logger *slog.Logger, onRelease func()) *endpoint {
	ep := &endpoint{
		id:        id,
		pc:        pc,
		log:       logger,
		onRelease: onRelease,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		cand := Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = int(*init.SDPMLineIndex)
		}
		ep.deliverLocalCandidate(cand)
	})

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		ep.handleInboundTrack(tr)
	})

	return ep
}

func (ep *endpoint) ID() string { return ep.id }

func (ep *endpoint) deliverLocalCandidate(cand Candidate) {
	ep.mu.Lock()
	if ep.released {
		ep.mu.Unlock()
		return
	}
	if !ep.gathering {
		ep.pendingLocal = append(ep.pendingLocal, cand)
		ep.mu.Unlock()
		return
	}
	fn := ep.onCandidate
	ep.mu.Unlock()

	if fn != nil {
		fn(cand)
	}
}

func (ep *endpoint) handleInboundTrack(tr *webrtc.TrackRemote) {
	it := &inboundTrack{remote: tr}

	ep.mu.Lock()
	if ep.released {
		ep.mu.Unlock()
		return
	}
	ep.inbound = append(ep.inbound, it)
	subs := append([]*endpoint(nil), ep.subscribers...)
	ep.mu.Unlock()

	for _, sink := range subs {
		if err := sink.attach(it); err != nil {
			ep.log.Debug("failed to attach inbound track to sink",
				"endpoint_id", ep.id, "sink_endpoint_id", sink.id, "err", err)
		}
	}

	go it.pump(ep.log)
}

// pump copies RTP from the remote track to every derived local track. A
// write error on one sink does not stop delivery to the rest.
func (it *inboundTrack) pump(logger *slog.Logger) {
	for {
		pkt, _, err := it.remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("inbound track read ended", "track_id", it.remote.ID(), "err", err)
			}
			return
		}
		it.write(pkt)
	}
}

func (it *inboundTrack) write(pkt *rtp.Packet) {
	it.mu.Lock()
	outs := append([]*webrtc.TrackLocalStaticRTP(nil), it.outs...)
	it.mu.Unlock()

	for _, out := range outs {
		_ = out.WriteRTP(pkt)
	}
}

// attach derives a local track from src's inbound track and adds it to this
// endpoint's PeerConnection.
func (ep *endpoint) attach(it *inboundTrack) error {
	ep.mu.Lock()
	if ep.released {
		ep.mu.Unlock()
		return ErrEndpointReleased
	}
	ep.mu.Unlock()

	local, err := webrtc.NewTrackLocalStaticRTP(it.remote.Codec().RTPCodecCapability, it.remote.ID(), it.remote.StreamID())
	if err != nil {
		return err
	}
	if _, err := ep.pc.AddTrack(local); err != nil {
		return err
	}

	it.mu.Lock()
	it.outs = append(it.outs, local)
	it.mu.Unlock()
	return nil
}

func (ep *endpoint) ProcessOffer(ctx context.Context, sdpOffer string) (string, error) {
	ep.mu.Lock()
	if ep.released {
		ep.mu.Unlock()
		return "", ErrEndpointReleased
	}
	ep.mu.Unlock()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpOffer}
	if err := ep.pc.SetRemoteDescription(offer); err != nil {
		return "", err
	}

	ep.mu.Lock()
	ep.haveRemoteDesc = true
	buffered := ep.pendingRemote
	ep.pendingRemote = nil
	ep.mu.Unlock()

	for _, cand := range buffered {
		if err := ep.addRemoteCandidate(cand); err != nil {
			ep.log.Debug("buffered remote candidate rejected", "endpoint_id", ep.id, "err", err)
		}
	}

	answer, err := ep.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := ep.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (ep *endpoint) AddCandidate(ctx context.Context, c Candidate) error {
	ep.mu.Lock()
	if ep.released {
		ep.mu.Unlock()
		return ErrEndpointReleased
	}
	if !ep.haveRemoteDesc {
		ep.pendingRemote = append(ep.pendingRemote, c)
		ep.mu.Unlock()
		return nil
	}
	ep.mu.Unlock()

	return ep.addRemoteCandidate(c)
}

func (ep *endpoint) addRemoteCandidate(c Candidate) error {
	mid := c.SDPMid
	mline := uint16(c.SDPMLineIndex)
	return ep.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &mline,
	})
}

func (ep *endpoint) GatherCandidates(ctx context.Context) error {
	ep.mu.Lock()
	if ep.released {
		ep.mu.Unlock()
		return ErrEndpointReleased
	}
	ep.gathering = true
	buffered := ep.pendingLocal
	ep.pendingLocal = nil
	fn := ep.onCandidate
	ep.mu.Unlock()

	if fn != nil {
		for _, cand := range buffered {
			fn(cand)
		}
	}
	return nil
}

func (ep *endpoint) ConnectTo(ctx context.Context, sink Endpoint) error {
	sinkEp, ok := sink.(*endpoint)
	if !ok {
		return errors.New("media: cannot link endpoints from different gateways")
	}

	ep.mu.Lock()
	if ep.released {
		ep.mu.Unlock()
		return ErrEndpointReleased
	}
	ep.subscribers = append(ep.subscribers, sinkEp)
	inbound := append([]*inboundTrack(nil), ep.inbound...)
	ep.mu.Unlock()

	for _, it := range inbound {
		if err := sinkEp.attach(it); err != nil {
			return err
		}
	}
	return nil
}

func (ep *endpoint) OnCandidate(fn func(Candidate)) {
	ep.mu.Lock()
	ep.onCandidate = fn
	ep.mu.Unlock()
}

func (ep *endpoint) Release(ctx context.Context) error {
	ep.mu.Lock()
	if ep.released {
		ep.mu.Unlock()
		return nil
	}
	ep.released = true
	ep.onCandidate = nil
	ep.subscribers = nil
	onRelease := ep.onRelease
	ep.onRelease = nil
	ep.mu.Unlock()

	err := ep.pc.Close()
	if onRelease != nil {
		onRelease()
	}
	ep.log.Debug("media endpoint released", "endpoint_id", ep.id)
	return err
}
