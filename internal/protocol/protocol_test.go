package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseJoinRoom(t *testing.T) {
	msg, err := Parse([]byte(`{"id":"joinRoom","room":"demo","name":"alice"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.ID != KindJoinRoom || msg.Room != "demo" || msg.Name != "alice" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestParseRejectsInvalidMessages(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `joinRoom demo`},
		{"trailing data", `{"id":"leaveRoom"}{"id":"leaveRoom"}`},
		{"unknown id", `{"id":"nuke"}`},
		{"outbound id", `{"id":"iceCandidate","name":"a","candidate":{"candidate":"c"}}`},
		{"join missing room", `{"id":"joinRoom","name":"alice"}`},
		{"join missing name", `{"id":"joinRoom","room":"demo"}`},
		{"receive missing sender", `{"id":"receiveVideoFrom","sdpOffer":"o"}`},
		{"receive missing offer", `{"id":"receiveVideoFrom","sender":"alice"}`},
		{"present missing offer", `{"id":"presentScreen"}`},
		{"screen missing sender", `{"id":"receiveScreenFrom","sdpOffer":"o"}`},
		{"candidate missing name", `{"id":"onIceCandidate","candidate":{"candidate":"c"}}`},
		{"candidate missing candidate", `{"id":"onIceCandidate","name":"alice"}`},
		{"candidate bad type", `{"id":"onIceCandidate","name":"alice","type":"audio","candidate":{"candidate":"c"}}`},
	}
	for _, tc := range cases {
		if _, err := Parse([]byte(tc.raw)); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestParseCandidateKinds(t *testing.T) {
	msg, err := Parse([]byte(`{"id":"onIceCandidate","name":"alice","candidate":{"candidate":"candidate:1","sdpMid":"0","sdpMLineIndex":0}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.MediaClass() != MediaVideo {
		t.Fatalf("missing type must default to video, got %q", msg.MediaClass())
	}

	msg, err = Parse([]byte(`{"id":"onIceCandidate","name":"alice","type":"screen","candidate":{"candidate":"candidate:1"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.MediaClass() != MediaScreen {
		t.Fatalf("expected screen class, got %q", msg.MediaClass())
	}
}

func TestExistingParticipantsMarshalsEmptyList(t *testing.T) {
	payload, err := json.Marshal(ExistingParticipants(nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(payload), `"data":[]`) {
		t.Fatalf("empty list must serialize as data:[], got %s", payload)
	}
}

func TestIceCandidateTypeTag(t *testing.T) {
	cand := Candidate{Candidate: "candidate:1", SDPMid: "0"}

	payload, _ := json.Marshal(IceCandidate("alice", MediaVideo, cand))
	if strings.Contains(string(payload), `"type"`) {
		t.Fatalf("video candidates must omit the type field: %s", payload)
	}

	payload, _ = json.Marshal(IceCandidate("alice", MediaScreen, cand))
	if !strings.Contains(string(payload), `"type":"screen"`) {
		t.Fatalf("screen candidates must carry type=screen: %s", payload)
	}
}

func TestOutboundMessageShapes(t *testing.T) {
	cases := []struct {
		msg  any
		want []string
	}{
		{NewParticipantArrived("bob"), []string{`"id":"newParticipantArrived"`, `"name":"bob"`}},
		{ParticipantLeft("bob"), []string{`"id":"participantLeft"`, `"name":"bob"`}},
		{ReceiveVideoAnswer("bob", "sdp"), []string{`"id":"receiveVideoAnswer"`, `"name":"bob"`, `"sdpAnswer":"sdp"`}},
		{PresentScreenAnswer("sdp"), []string{`"id":"presentScreenAnswer"`, `"sdpAnswer":"sdp"`}},
		{ReceiveScreenAnswer("bob", "sdp"), []string{`"id":"receiveScreenAnswer"`, `"name":"bob"`}},
		{NewScreenShareStarted("bob"), []string{`"id":"newScreenShareStarted"`}},
		{ScreenShareEnded("bob"), []string{`"id":"screenShareEnded"`}},
		{Error("boom"), []string{`"id":"error"`, `"message":"boom"`}},
	}
	for _, tc := range cases {
		payload, err := json.Marshal(tc.msg)
		if err != nil {
			t.Fatalf("marshal %T: %v", tc.msg, err)
		}
		for _, want := range tc.want {
			if !strings.Contains(string(payload), want) {
				t.Errorf("payload %s missing %s", payload, want)
			}
		}
	}
}
