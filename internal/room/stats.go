package room

// Read-only snapshots for the monitoring surface. These are point-in-time
// views assembled under short lock sections; they tolerate concurrent
// mutation and never block or mutate call state.

type ParticipantStats struct {
	Name               string            `json:"name"`
	ConnectionID       string            `json:"connectionId"`
	OutgoingEndpointID string            `json:"outgoingEndpointId"`
	IncomingEndpoints  map[string]string `json:"incomingEndpoints"`
}

type ScreenShareStats struct {
	Presenter          string            `json:"presenter"`
	OutgoingEndpointID string            `json:"outgoingEndpointId"`
	ViewerEndpoints    map[string]string `json:"viewerEndpoints"`
}

type RoomStats struct {
	Name             string             `json:"name"`
	PipelineID       string             `json:"pipelineId"`
	ParticipantCount int                `json:"participantCount"`
	Participants     []ParticipantStats `json:"participants"`
	ScreenShares     []ScreenShareStats `json:"screenShares"`
}

type ServerStats struct {
	RoomCount        int      `json:"roomCount"`
	ParticipantCount int      `json:"participantCount"`
	EndpointCount    int      `json:"endpointCount"`
	Rooms            []string `json:"rooms"`
}

func (s *ParticipantSession) stats() ParticipantStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	incoming := make(map[string]string, len(s.incoming))
	for sender, slot := range s.incoming {
		if slot.ep != nil {
			incoming[sender] = slot.ep.ID()
		}
	}
	return ParticipantStats{
		Name:               s.name,
		ConnectionID:       s.transport.ConnectionID(),
		OutgoingEndpointID: s.outgoing.ID(),
		IncomingEndpoints:  incoming,
	}
}

func (s *ScreenShareSession) stats() ScreenShareStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	viewers := make(map[string]string, len(s.viewers))
	for viewer, slot := range s.viewers {
		if slot.ep != nil {
			viewers[viewer] = slot.ep.ID()
		}
	}
	return ScreenShareStats{
		Presenter:          s.owner,
		OutgoingEndpointID: s.outgoing.ID(),
		ViewerEndpoints:    viewers,
	}
}

// Stats snapshots the room: participant and screen-share endpoint identifiers
// keyed for the monitoring endpoints.
func (r *Room) Stats() RoomStats {
	r.mu.Lock()
	participants := make([]*ParticipantSession, 0, len(r.participants))
	for _, p := range r.participants {
		participants = append(participants, p)
	}
	screens := make([]*ScreenShareSession, 0, len(r.screens))
	for _, s := range r.screens {
		screens = append(screens, s)
	}
	r.mu.Unlock()

	stats := RoomStats{
		Name:             r.name,
		PipelineID:       r.pipeline.ID(),
		ParticipantCount: len(participants),
		Participants:     make([]ParticipantStats, 0, len(participants)),
		ScreenShares:     make([]ScreenShareStats, 0, len(screens)),
	}
	for _, p := range participants {
		stats.Participants = append(stats.Participants, p.stats())
	}
	for _, s := range screens {
		stats.ScreenShares = append(stats.ScreenShares, s.stats())
	}
	return stats
}

// ServerSnapshot aggregates room, participant and endpoint counts across the
// registry.
func (reg *Registry) ServerSnapshot() ServerStats {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.Unlock()

	snap := ServerStats{
		RoomCount: len(rooms),
		Rooms:     make([]string, 0, len(rooms)),
	}
	for _, r := range rooms {
		rs := r.Stats()
		snap.Rooms = append(snap.Rooms, rs.Name)
		snap.ParticipantCount += rs.ParticipantCount
		for _, p := range rs.Participants {
			snap.EndpointCount += 1 + len(p.IncomingEndpoints)
		}
		for _, s := range rs.ScreenShares {
			snap.EndpointCount += 1 + len(s.ViewerEndpoints)
		}
	}
	return snap
}
