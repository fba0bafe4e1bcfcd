// Package protocol defines the wire messages exchanged between clients and
// the group-call coordinator over the signaling transport.
//
// Messages are JSON objects carrying an "id" discriminator plus kind-specific
// fields. This package models the protocol surface only; it has no knowledge
// of rooms, sessions, or media.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type Kind string

// Inbound message kinds (client -> server).
const (
	KindJoinRoom         Kind = "joinRoom"
	KindReceiveVideoFrom Kind = "receiveVideoFrom"
	KindPresentScreen    Kind = "presentScreen"
	KindReceiveScreen    Kind = "receiveScreenFrom"
	KindStopScreenShare  Kind = "stopScreenShare"
	KindOnIceCandidate   Kind = "onIceCandidate"
	KindLeaveRoom        Kind = "leaveRoom"
)

// Outbound message kinds (server -> client).
const (
	KindExistingParticipants  Kind = "existingParticipants"
	KindNewParticipantArrived Kind = "newParticipantArrived"
	KindParticipantLeft       Kind = "participantLeft"
	KindReceiveVideoAnswer    Kind = "receiveVideoAnswer"
	KindPresentScreenAnswer   Kind = "presentScreenAnswer"
	KindReceiveScreenAnswer   Kind = "receiveScreenAnswer"
	KindIceCandidate          Kind = "iceCandidate"
	KindNewScreenShareStarted Kind = "newScreenShareStarted"
	KindScreenShareEnded      Kind = "screenShareEnded"
	KindError                 Kind = "error"
)

// Media stream classes for ICE candidate routing. The zero value means video.
const (
	MediaVideo  = "video"
	MediaScreen = "screen"
)

// Candidate is the JSON shape of a trickled ICE candidate.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// Message is the union of all protocol messages. Fields not used by a kind
// are omitted on the wire; validate() enforces per-kind presence.
type Message struct {
	ID Kind `json:"id"`

	Room      string     `json:"room,omitempty"`
	Name      string     `json:"name,omitempty"`
	Sender    string     `json:"sender,omitempty"`
	SDPOffer  string     `json:"sdpOffer,omitempty"`
	SDPAnswer string     `json:"sdpAnswer,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
	Type      string     `json:"type,omitempty"`
	Data      []string   `json:"data,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// Parse decodes and validates a single inbound message.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Validate checks that an inbound message carries the fields its kind
// requires. Outbound kinds are rejected; clients must not send them.
func (m Message) Validate() error {
	switch m.ID {
	case KindJoinRoom:
		if m.Room == "" {
			return fmt.Errorf("joinRoom message missing room")
		}
		if m.Name == "" {
			return fmt.Errorf("joinRoom message missing name")
		}
	case KindReceiveVideoFrom:
		if m.Sender == "" {
			return fmt.Errorf("receiveVideoFrom message missing sender")
		}
		if m.SDPOffer == "" {
			return fmt.Errorf("receiveVideoFrom message missing sdpOffer")
		}
	case KindPresentScreen:
		if m.SDPOffer == "" {
			return fmt.Errorf("presentScreen message missing sdpOffer")
		}
	case KindReceiveScreen:
		if m.Sender == "" {
			return fmt.Errorf("receiveScreenFrom message missing sender")
		}
		if m.SDPOffer == "" {
			return fmt.Errorf("receiveScreenFrom message missing sdpOffer")
		}
	case KindStopScreenShare, KindLeaveRoom:
		// No fields.
	case KindOnIceCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("onIceCandidate message missing candidate")
		}
		if m.Name == "" {
			return fmt.Errorf("onIceCandidate message missing name")
		}
		switch m.Type {
		case "", MediaVideo, MediaScreen:
		default:
			return fmt.Errorf("onIceCandidate message has unsupported type %q", m.Type)
		}
	default:
		return fmt.Errorf("unsupported message id %q", m.ID)
	}
	return nil
}

// MediaClass normalizes the optional type discriminator of an onIceCandidate
// message; an absent type means video.
func (m Message) MediaClass() string {
	if m.Type == MediaScreen {
		return MediaScreen
	}
	return MediaVideo
}

// Outbound messages get concrete types rather than reusing the inbound union:
// existingParticipants must serialize an empty list as "data": [], which an
// omitempty union field would drop.

type existingParticipantsMsg struct {
	ID   Kind     `json:"id"`
	Data []string `json:"data"`
}

type nameMsg struct {
	ID   Kind   `json:"id"`
	Name string `json:"name"`
}

type sdpAnswerMsg struct {
	ID        Kind   `json:"id"`
	Name      string `json:"name,omitempty"`
	SDPAnswer string `json:"sdpAnswer"`
}

type iceCandidateMsg struct {
	ID        Kind      `json:"id"`
	Name      string    `json:"name"`
	Candidate Candidate `json:"candidate"`
	Type      string    `json:"type,omitempty"`
}

type errorMsg struct {
	ID      Kind   `json:"id"`
	Message string `json:"message"`
}

func ExistingParticipants(names []string) any {
	if names == nil {
		names = []string{}
	}
	return existingParticipantsMsg{ID: KindExistingParticipants, Data: names}
}

func NewParticipantArrived(name string) any {
	return nameMsg{ID: KindNewParticipantArrived, Name: name}
}

func ParticipantLeft(name string) any {
	return nameMsg{ID: KindParticipantLeft, Name: name}
}

func ReceiveVideoAnswer(sender, sdpAnswer string) any {
	return sdpAnswerMsg{ID: KindReceiveVideoAnswer, Name: sender, SDPAnswer: sdpAnswer}
}

func PresentScreenAnswer(sdpAnswer string) any {
	return sdpAnswerMsg{ID: KindPresentScreenAnswer, SDPAnswer: sdpAnswer}
}

func ReceiveScreenAnswer(sender, sdpAnswer string) any {
	return sdpAnswerMsg{ID: KindReceiveScreenAnswer, Name: sender, SDPAnswer: sdpAnswer}
}

func IceCandidate(name, mediaClass string, cand Candidate) any {
	msg := iceCandidateMsg{ID: KindIceCandidate, Name: name, Candidate: cand}
	if mediaClass == MediaScreen {
		msg.Type = MediaScreen
	}
	return msg
}

func NewScreenShareStarted(name string) any {
	return nameMsg{ID: KindNewScreenShareStarted, Name: name}
}

func ScreenShareEnded(name string) any {
	return nameMsg{ID: KindScreenShareEnded, Name: name}
}

func Error(text string) any {
	return errorMsg{ID: KindError, Message: text}
}
