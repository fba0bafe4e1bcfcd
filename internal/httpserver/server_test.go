package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/roomkit/groupcall/internal/config"
	"github.com/roomkit/groupcall/internal/media"
	"github.com/roomkit/groupcall/internal/room"
)

type fakeGateway struct {
	mu     sync.Mutex
	nextID int
}

func (g *fakeGateway) CreatePipeline(ctx context.Context) (media.Pipeline, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	return &fakePipeline{id: fmt.Sprintf("pipeline-%d", g.nextID)}, nil
}

type fakePipeline struct {
	id string

	mu     sync.Mutex
	nextEp int
}

func (p *fakePipeline) ID() string { return p.id }

func (p *fakePipeline) CreateEndpoint(ctx context.Context) (media.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextEp++
	return fakeEndpoint{id: fmt.Sprintf("%s/ep-%d", p.id, p.nextEp)}, nil
}

func (p *fakePipeline) Release(ctx context.Context) error { return nil }

type fakeEndpoint struct {
	id string
}

func (e fakeEndpoint) ID() string { return e.id }

func (e fakeEndpoint) ProcessOffer(ctx context.Context, sdpOffer string) (string, error) {
	return "answer", nil
}

func (e fakeEndpoint) AddCandidate(ctx context.Context, c media.Candidate) error { return nil }
func (e fakeEndpoint) GatherCandidates(ctx context.Context) error                { return nil }
func (e fakeEndpoint) ConnectTo(ctx context.Context, sink media.Endpoint) error  { return nil }
func (e fakeEndpoint) OnCandidate(fn func(media.Candidate))                      {}
func (e fakeEndpoint) Release(ctx context.Context) error                         { return nil }

type fakeMessenger struct{ id string }

func (m fakeMessenger) ConnectionID() string { return m.id }
func (m fakeMessenger) Send(msg any) error   { return nil }

func newTestHandler(t *testing.T) (http.Handler, *room.Registry) {
	t.Helper()
	srv := New(config.Config{ListenAddr: "127.0.0.1:0"}, slog.Default(), BuildInfo{Commit: "abc123"})
	reg := room.NewRegistry(room.Config{Gateway: &fakeGateway{}})
	RegisterMonitor(srv.Mux(), reg)
	return srv.Mux(), reg
}

func getJSON(t *testing.T, h http.Handler, path string, wantStatus int) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != wantStatus {
		t.Fatalf("GET %s: status %d, want %d (body %s)", path, rec.Code, wantStatus, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("GET %s: bad JSON %q: %v", path, rec.Body.String(), err)
	}
	return body
}

func TestHealthAndVersionEndpoints(t *testing.T) {
	h, _ := newTestHandler(t)

	body := getJSON(t, h, "/healthz", http.StatusOK)
	if body["ok"] != true {
		t.Fatalf("healthz: %v", body)
	}

	body = getJSON(t, h, "/version", http.StatusOK)
	if body["commit"] != "abc123" {
		t.Fatalf("version: %v", body)
	}
}

func TestMonitorEndpoints(t *testing.T) {
	ctx := context.Background()
	h, reg := newTestHandler(t)

	body := getJSON(t, h, "/monitor/server", http.StatusOK)
	if body["roomCount"] != float64(0) {
		t.Fatalf("expected empty server snapshot, got %v", body)
	}

	if _, err := reg.Join(ctx, "demo", "alice", fakeMessenger{id: "c1"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := reg.Join(ctx, "demo", "bob", fakeMessenger{id: "c2"}); err != nil {
		t.Fatalf("join: %v", err)
	}

	body = getJSON(t, h, "/monitor/server", http.StatusOK)
	if body["roomCount"] != float64(1) || body["participantCount"] != float64(2) {
		t.Fatalf("unexpected server snapshot: %v", body)
	}

	body = getJSON(t, h, "/monitor/rooms", http.StatusOK)
	rooms := body["rooms"].([]any)
	if len(rooms) != 1 || rooms[0] != "demo" {
		t.Fatalf("unexpected room list: %v", body)
	}

	body = getJSON(t, h, "/monitor/rooms/demo", http.StatusOK)
	if body["name"] != "demo" || body["participantCount"] != float64(2) {
		t.Fatalf("unexpected room stats: %v", body)
	}
	if len(body["participants"].([]any)) != 2 {
		t.Fatalf("expected 2 participant entries: %v", body)
	}

	getJSON(t, h, "/monitor/rooms/missing", http.StatusNotFound)
}
