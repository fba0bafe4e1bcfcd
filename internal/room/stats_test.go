package room

import (
	"context"
	"testing"
)

func TestStatsSnapshot(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	aliceSess, _ := reg.Join(ctx, "demo", "alice", newFakeMessenger("c1"))
	bobSess, _ := reg.Join(ctx, "demo", "bob", newFakeMessenger("c2"))
	if err := bobSess.ReceiveVideoFrom(ctx, aliceSess, "offer"); err != nil {
		t.Fatalf("receive video: %v", err)
	}

	r, _ := reg.Get("demo")
	if _, err := r.StartScreenShare(ctx, "alice"); err != nil {
		t.Fatalf("start screen share: %v", err)
	}

	stats := r.Stats()
	if stats.Name != "demo" || stats.ParticipantCount != 2 {
		t.Fatalf("unexpected room stats: %+v", stats)
	}
	if len(stats.ScreenShares) != 1 || stats.ScreenShares[0].Presenter != "alice" {
		t.Fatalf("unexpected screen share stats: %+v", stats.ScreenShares)
	}
	var bobStats *ParticipantStats
	for i := range stats.Participants {
		if stats.Participants[i].Name == "bob" {
			bobStats = &stats.Participants[i]
		}
	}
	if bobStats == nil {
		t.Fatalf("bob missing from stats: %+v", stats.Participants)
	}
	if _, ok := bobStats.IncomingEndpoints["alice"]; !ok {
		t.Fatalf("bob's incoming endpoint from alice missing: %+v", bobStats)
	}

	snap := reg.ServerSnapshot()
	if snap.RoomCount != 1 || snap.ParticipantCount != 2 {
		t.Fatalf("unexpected server snapshot: %+v", snap)
	}
	// alice out, bob out, bob's incoming, alice's screen out.
	if snap.EndpointCount != 4 {
		t.Fatalf("expected 4 endpoints in snapshot, got %d", snap.EndpointCount)
	}
}
