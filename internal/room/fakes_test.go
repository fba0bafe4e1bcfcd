package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/roomkit/groupcall/internal/media"
)

// fakeGateway implements media.Gateway in memory, recording every pipeline
// and endpoint so tests can assert on creation, linking and release.
type fakeGateway struct {
	mu        sync.Mutex
	nextID    int
	pipelines []*fakePipeline
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{}
}

func (g *fakeGateway) CreatePipeline(ctx context.Context) (media.Pipeline, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	p := &fakePipeline{id: fmt.Sprintf("pipeline-%d", g.nextID)}
	g.pipelines = append(g.pipelines, p)
	return p, nil
}

func (g *fakeGateway) pipeline(t *testing.T, i int) *fakePipeline {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if i >= len(g.pipelines) {
		t.Fatalf("pipeline %d not created (have %d)", i, len(g.pipelines))
	}
	return g.pipelines[i]
}

type fakePipeline struct {
	id string

	mu        sync.Mutex
	released  bool
	nextEp    int
	endpoints []*fakeEndpoint
	createErr error
	offerErr  error // inherited by endpoints created while set
}

func (p *fakePipeline) ID() string { return p.id }

func (p *fakePipeline) CreateEndpoint(ctx context.Context) (media.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	if p.released {
		return nil, media.ErrPipelineReleased
	}
	p.nextEp++
	ep := &fakeEndpoint{id: fmt.Sprintf("%s/ep-%d", p.id, p.nextEp), offerErr: p.offerErr}
	p.endpoints = append(p.endpoints, ep)
	return ep, nil
}

func (p *fakePipeline) setCreateErr(err error) {
	p.mu.Lock()
	p.createErr = err
	p.mu.Unlock()
}

func (p *fakePipeline) setOfferErr(err error) {
	p.mu.Lock()
	p.offerErr = err
	p.mu.Unlock()
}

func (p *fakePipeline) Release(ctx context.Context) error {
	p.mu.Lock()
	p.released = true
	p.mu.Unlock()
	return nil
}

func (p *fakePipeline) isReleased() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

func (p *fakePipeline) endpointCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

func (p *fakePipeline) liveEndpoints() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	live := 0
	for _, ep := range p.endpoints {
		if !ep.isReleased() {
			live++
		}
	}
	return live
}

type fakeEndpoint struct {
	id       string
	offerErr error

	mu          sync.Mutex
	released    bool
	offers      []string
	candidates  []media.Candidate
	sinks       []media.Endpoint
	gathered    bool
	onCandidate func(media.Candidate)
}

func (e *fakeEndpoint) ID() string { return e.id }

func (e *fakeEndpoint) ProcessOffer(ctx context.Context, sdpOffer string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return "", media.ErrEndpointReleased
	}
	if e.offerErr != nil {
		return "", e.offerErr
	}
	e.offers = append(e.offers, sdpOffer)
	return "answer-to:" + sdpOffer, nil
}

func (e *fakeEndpoint) AddCandidate(ctx context.Context, c media.Candidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return media.ErrEndpointReleased
	}
	e.candidates = append(e.candidates, c)
	return nil
}

func (e *fakeEndpoint) GatherCandidates(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return media.ErrEndpointReleased
	}
	e.gathered = true
	return nil
}

func (e *fakeEndpoint) ConnectTo(ctx context.Context, sink media.Endpoint) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return media.ErrEndpointReleased
	}
	e.sinks = append(e.sinks, sink)
	return nil
}

func (e *fakeEndpoint) OnCandidate(fn func(media.Candidate)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

func (e *fakeEndpoint) Release(ctx context.Context) error {
	e.mu.Lock()
	e.released = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEndpoint) isReleased() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

func (e *fakeEndpoint) emitCandidate(c media.Candidate) {
	e.mu.Lock()
	fn := e.onCandidate
	e.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (e *fakeEndpoint) sinkIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.sinks))
	for _, s := range e.sinks {
		ids = append(ids, s.ID())
	}
	return ids
}

func (e *fakeEndpoint) candidateCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.candidates)
}

// fakeMessenger records outbound messages. Messages are re-encoded through
// JSON so assertions see the exact wire shape clients would.
type fakeMessenger struct {
	id string

	mu   sync.Mutex
	msgs []map[string]any
}

func newFakeMessenger(id string) *fakeMessenger {
	return &fakeMessenger{id: id}
}

func (m *fakeMessenger) ConnectionID() string { return m.id }

func (m *fakeMessenger) Send(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return err
	}
	m.mu.Lock()
	m.msgs = append(m.msgs, decoded)
	m.mu.Unlock()
	return nil
}

func (m *fakeMessenger) messages() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]any(nil), m.msgs...)
}

func (m *fakeMessenger) messagesByID(id string) []map[string]any {
	var out []map[string]any
	for _, msg := range m.messages() {
		if msg["id"] == id {
			out = append(out, msg)
		}
	}
	return out
}

func (m *fakeMessenger) lastByID(t *testing.T, id string) map[string]any {
	t.Helper()
	msgs := m.messagesByID(id)
	if len(msgs) == 0 {
		t.Fatalf("no %q message received; got %v", id, m.messages())
	}
	return msgs[len(msgs)-1]
}

func mediaCandidate(s string) media.Candidate {
	return media.Candidate{Candidate: s, SDPMid: "0"}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
