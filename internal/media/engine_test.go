package media

import (
	"context"
	"testing"
)

func TestEngineRejectsInvalidPortRange(t *testing.T) {
	_, err := NewEngine(EngineConfig{UDPPortMin: 20000, UDPPortMax: 10000}, nil)
	if err == nil {
		t.Fatalf("expected error for inverted port range")
	}
}

func TestPipelineEndpointLifecycle(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(EngineConfig{}, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	p, err := engine.CreatePipeline(ctx)
	if err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	if p.ID() == "" {
		t.Fatalf("pipeline must have an id")
	}

	ep1, err := p.CreateEndpoint(ctx)
	if err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	ep2, err := p.CreateEndpoint(ctx)
	if err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	if ep1.ID() == ep2.ID() {
		t.Fatalf("endpoint ids must be unique")
	}

	// Candidates arriving before the remote description are buffered.
	if err := ep1.AddCandidate(ctx, Candidate{Candidate: "candidate:1", SDPMid: "0"}); err != nil {
		t.Fatalf("pre-description candidate must be accepted: %v", err)
	}

	if err := ep1.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := ep1.Release(ctx); err != nil {
		t.Fatalf("release must be idempotent: %v", err)
	}
	if _, err := ep1.ProcessOffer(ctx, "offer"); err != ErrEndpointReleased {
		t.Fatalf("expected ErrEndpointReleased, got %v", err)
	}

	if err := p.Release(ctx); err != nil {
		t.Fatalf("pipeline release: %v", err)
	}
	if _, err := p.CreateEndpoint(ctx); err != ErrPipelineReleased {
		t.Fatalf("expected ErrPipelineReleased, got %v", err)
	}
	// Endpoints still bound at pipeline release are freed with it.
	if _, err := ep2.ProcessOffer(ctx, "offer"); err != ErrEndpointReleased {
		t.Fatalf("expected ErrEndpointReleased for ep2, got %v", err)
	}
}

func TestLocalCandidatesBufferedUntilGather(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(EngineConfig{}, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	p, err := engine.CreatePipeline(ctx)
	if err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	defer p.Release(ctx)

	raw, err := p.CreateEndpoint(ctx)
	if err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	ep := raw.(*endpoint)

	var got []Candidate
	ep.OnCandidate(func(c Candidate) {
		got = append(got, c)
	})

	ep.deliverLocalCandidate(Candidate{Candidate: "candidate:a"})
	ep.deliverLocalCandidate(Candidate{Candidate: "candidate:b"})
	if len(got) != 0 {
		t.Fatalf("candidates must be held until gathering starts, got %v", got)
	}

	if err := ep.GatherCandidates(ctx); err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(got) != 2 || got[0].Candidate != "candidate:a" || got[1].Candidate != "candidate:b" {
		t.Fatalf("buffered candidates must flush in discovery order, got %v", got)
	}

	// After gathering starts, candidates flow straight through.
	ep.deliverLocalCandidate(Candidate{Candidate: "candidate:c"})
	if len(got) != 3 {
		t.Fatalf("expected immediate delivery after gather, got %v", got)
	}
}

func TestConnectToRejectsForeignEndpoints(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(EngineConfig{}, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	p, err := engine.CreatePipeline(ctx)
	if err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	defer p.Release(ctx)

	ep, err := p.CreateEndpoint(ctx)
	if err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	if err := ep.ConnectTo(ctx, foreignEndpoint{}); err == nil {
		t.Fatalf("expected error for non-engine sink")
	}
}

type foreignEndpoint struct{}

func (foreignEndpoint) ID() string { return "foreign" }

func (foreignEndpoint) ProcessOffer(ctx context.Context, s string) (string, error) {
	return "", nil
}

func (foreignEndpoint) AddCandidate(ctx context.Context, c Candidate) error { return nil }
func (foreignEndpoint) GatherCandidates(ctx context.Context) error          { return nil }
func (foreignEndpoint) ConnectTo(ctx context.Context, sink Endpoint) error  { return nil }
func (foreignEndpoint) OnCandidate(fn func(Candidate))                      {}
func (foreignEndpoint) Release(ctx context.Context) error                   { return nil }
