// Package signaling carries call negotiation messages over the room's shared chat socket.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/TFMV/hearthcall/common"
	"github.com/pion/webrtc/v3"
)

// Kind is the value of the "type" field of a signaling frame
type Kind string

const (
	KindOffer              Kind = "offer"
	KindAnswer             Kind = "answer"
	KindICECandidate       Kind = "ice_candidate"
	KindScreenShareStart   Kind = "screen_share_start"
	KindScreenShareStop    Kind = "screen_share_stop"
	KindParticipantsUpdate Kind = "participants_update"
)

// joinRoomKind is the greeting that subscribes a socket to a room's broadcast group
const joinRoomKind = "join_room"

// Known reports whether k is one of the signaling kinds
func (k Kind) Known() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate, KindScreenShareStart, KindScreenShareStop, KindParticipantsUpdate:
		return true
	}
	return false
}

// Message is a signaling message. The set of implementations is closed:
// Offer, Answer, ICECandidate, ScreenShareStart, ScreenShareStop and ParticipantsUpdate.
type Message interface {
	Kind() Kind
	Room() common.ID
	Sender() common.ID
	isMessage()
}

// Header holds the addressing shared by every message
type Header struct {
	RoomID common.ID
	UserID common.ID
}

// Room returns the room the message belongs to
func (h Header) Room() common.ID { return h.RoomID }

// Sender returns the identity of the peer that sent the message
func (h Header) Sender() common.ID { return h.UserID }

func (h Header) isMessage() {}

// Offer carries the sender's local offer
type Offer struct {
	Header
	Description webrtc.SessionDescription
}

// Answer carries the answer to an offer made by TargetUserID
type Answer struct {
	Header
	Description  webrtc.SessionDescription
	TargetUserID common.ID
}

// ICECandidate carries one trickled ICE candidate
type ICECandidate struct {
	Header
	Candidate webrtc.ICECandidateInit
}

// ScreenShareStart tells the remote peer the sender's outbound video is now a screen capture
type ScreenShareStart struct {
	Header
}

// ScreenShareStop tells the remote peer the sender's outbound video is the camera again
type ScreenShareStop struct {
	Header
}

// ParticipantsUpdate is pushed by the room service when membership changes
type ParticipantsUpdate struct {
	Header
	Participants []common.Participant
}

func (Offer) Kind() Kind              { return KindOffer }
func (Answer) Kind() Kind             { return KindAnswer }
func (ICECandidate) Kind() Kind       { return KindICECandidate }
func (ScreenShareStart) Kind() Kind   { return KindScreenShareStart }
func (ScreenShareStop) Kind() Kind    { return KindScreenShareStop }
func (ParticipantsUpdate) Kind() Kind { return KindParticipantsUpdate }

// envelope is the wire shape shared with the browser client
type envelope struct {
	Type         string                     `json:"type"`
	RoomID       common.ID                  `json:"roomId,omitempty"`
	UserID       common.ID                  `json:"userId,omitempty"`
	TargetUserID common.ID                  `json:"targetUserId,omitempty"`
	Offer        *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer       *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate    *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Participants []common.Participant       `json:"participants,omitempty"`
}

// Encode serializes a message into a JSON frame
func Encode(m Message) ([]byte, error) {
	env := envelope{
		Type:   string(m.Kind()),
		RoomID: m.Room(),
		UserID: m.Sender(),
	}

	switch msg := m.(type) {
	case Offer:
		desc := msg.Description
		env.Offer = &desc
	case Answer:
		desc := msg.Description
		env.Answer = &desc
		env.TargetUserID = msg.TargetUserID
	case ICECandidate:
		cand := msg.Candidate
		env.Candidate = &cand
	case ParticipantsUpdate:
		env.Participants = msg.Participants
		if env.Participants == nil {
			env.Participants = []common.Participant{}
		}
	case ScreenShareStart, ScreenShareStop:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, m)
	}

	return json.Marshal(env)
}

// Decode parses a JSON frame. Frames that are not signaling messages, such as
// chat text or non-JSON payloads, yield ErrUnknownKind and must be left to
// other consumers. ErrMalformedMessage is reserved for frames that name a
// signaling kind but carry a bad payload.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		var peek struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &peek) != nil || !Kind(peek.Type).Known() {
			return nil, fmt.Errorf("%w: not a signaling frame", ErrUnknownKind)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	kind := Kind(env.Type)
	if !kind.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}

	header := Header{RoomID: env.RoomID, UserID: env.UserID}
	switch kind {
	case KindOffer:
		if env.Offer == nil {
			return nil, fmt.Errorf("%w: offer without description", ErrMalformedMessage)
		}
		return Offer{Header: header, Description: *env.Offer}, nil
	case KindAnswer:
		if env.Answer == nil {
			return nil, fmt.Errorf("%w: answer without description", ErrMalformedMessage)
		}
		return Answer{Header: header, Description: *env.Answer, TargetUserID: env.TargetUserID}, nil
	case KindICECandidate:
		if env.Candidate == nil {
			return nil, fmt.Errorf("%w: ice_candidate without candidate", ErrMalformedMessage)
		}
		return ICECandidate{Header: header, Candidate: *env.Candidate}, nil
	case KindScreenShareStart:
		return ScreenShareStart{Header: header}, nil
	case KindScreenShareStop:
		return ScreenShareStop{Header: header}, nil
	default:
		return ParticipantsUpdate{Header: header, Participants: env.Participants}, nil
	}
}

// JoinRoomFrame builds the greeting that subscribes a socket to the room's broadcast group
func JoinRoomFrame(roomID common.ID) []byte {
	data, _ := json.Marshal(struct {
		Type   string    `json:"type"`
		RoomID common.ID `json:"roomId"`
	}{Type: joinRoomKind, RoomID: roomID})
	return data
}

// JoinedRoom reports whether a frame is a join_room greeting and returns its room
func JoinedRoom(data []byte) (common.ID, bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != joinRoomKind {
		return "", false
	}
	return env.RoomID, !env.RoomID.IsZero()
}
