// Package media abstracts the external media-processing engine used by the
// coordination layer.
//
// The room/session code only ever talks to the narrow Gateway/Pipeline/
// Endpoint interfaces: create a pipeline per room, create endpoints bound to
// it, process SDP offers, apply and emit ICE candidates, link endpoints, and
// release. The pion-backed engine in this package is one implementation;
// tests substitute fakes.
package media

import (
	"context"
	"errors"
)

var (
	ErrPipelineReleased = errors.New("media: pipeline released")
	ErrEndpointReleased = errors.New("media: endpoint released")
)

// Candidate is a transport-agnostic ICE candidate.
type Candidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex int
}

// Gateway creates media pipelines. One pipeline groups all endpoints that
// belong to a single room.
type Gateway interface {
	CreatePipeline(ctx context.Context) (Pipeline, error)
}

// Pipeline is an opaque handle grouping endpoints. Releasing a pipeline
// releases every endpoint still bound to it.
type Pipeline interface {
	ID() string
	CreateEndpoint(ctx context.Context) (Endpoint, error)
	Release(ctx context.Context) error
}

// Endpoint is one media sink/source. Calls may be slow (they reach into the
// media engine); callers must not hold broad locks across them.
type Endpoint interface {
	ID() string

	// ProcessOffer applies a remote SDP offer and returns the local answer.
	ProcessOffer(ctx context.Context, sdpOffer string) (string, error)

	// AddCandidate applies a remote ICE candidate. Candidates arriving before
	// the remote description are buffered, not rejected.
	AddCandidate(ctx context.Context, c Candidate) error

	// GatherCandidates starts emitting locally discovered candidates to the
	// handler registered via OnCandidate. Candidates found earlier are
	// delivered first, in discovery order.
	GatherCandidates(ctx context.Context) error

	// ConnectTo links this endpoint's media output to sink's input.
	ConnectTo(ctx context.Context, sink Endpoint) error

	// OnCandidate registers the handler for locally discovered candidates.
	// At most one handler is active; registering replaces the previous one.
	// Release stops all deliveries.
	OnCandidate(fn func(Candidate))

	// Release frees the endpoint. It is idempotent.
	Release(ctx context.Context) error
}
