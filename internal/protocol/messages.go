package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	// Server -> client.
	MessageTypeAssignID      MessageType = "assign-id"
	MessageTypeUserJoined    MessageType = "user-joined"
	MessageTypeExistingUsers MessageType = "existing-users"
	MessageTypeUserLeft      MessageType = "user-left"

	// Relayed between clients. The server stamps FromUserID on delivery.
	MessageTypeOffer        MessageType = "offer"
	MessageTypeAnswer       MessageType = "answer"
	MessageTypeICECandidate MessageType = "ice-candidate"
)

// SDP is a JSON-friendly session description. Wire types deliberately avoid
// leaking pion types into the protocol surface.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is the single wire envelope; Type selects which fields are set.
type Message struct {
	Type MessageType `json:"type"`

	// Membership fields (server -> client).
	UserID  string   `json:"userId,omitempty"`
	UserIDs []string `json:"userIds,omitempty"`

	// Directed-message addressing. FromUserID is set only by the server;
	// TargetUserID is set only by clients.
	FromUserID   string `json:"fromUserId,omitempty"`
	TargetUserID string `json:"targetUserId,omitempty"`

	Offer     *SDP       `json:"offer,omitempty"`
	Answer    *SDP       `json:"answer,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

// ParseServerMessage parses a message received from the relay server.
func ParseServerMessage(data []byte) (Message, error) {
	msg, err := parse(data)
	if err != nil {
		return Message{}, err
	}
	if err := msg.validateFromServer(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ParseClientMessage parses a message received from a client, as seen by the
// relay server.
func ParseClientMessage(data []byte) (Message, error) {
	msg, err := parse(data)
	if err != nil {
		return Message{}, err
	}
	if err := msg.validateFromClient(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m Message) validateFromServer() error {
	switch m.Type {
	case MessageTypeAssignID, MessageTypeUserJoined, MessageTypeUserLeft:
		if m.UserID == "" {
			return fmt.Errorf("%s message missing userId", m.Type)
		}
		if m.UserIDs != nil || m.FromUserID != "" || m.TargetUserID != "" || m.hasPayload() {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case MessageTypeExistingUsers:
		// An empty (but present) list is valid: the first participant in a
		// call receives existing-users with no entries.
		if m.UserIDs == nil {
			return fmt.Errorf("existing-users message missing userIds")
		}
		if m.UserID != "" || m.FromUserID != "" || m.TargetUserID != "" || m.hasPayload() {
			return fmt.Errorf("existing-users message has unexpected fields")
		}
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
		if m.FromUserID == "" {
			return fmt.Errorf("%s message missing fromUserId", m.Type)
		}
		if m.TargetUserID != "" || m.UserID != "" || m.UserIDs != nil {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
		return m.validatePayload()
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

func (m Message) validateFromClient() error {
	switch m.Type {
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
		if m.TargetUserID == "" {
			return fmt.Errorf("%s message missing targetUserId", m.Type)
		}
		if m.FromUserID != "" || m.UserID != "" || m.UserIDs != nil {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
		return m.validatePayload()
	default:
		return fmt.Errorf("unsupported client message type %q", m.Type)
	}
}

func (m Message) validatePayload() error {
	switch m.Type {
	case MessageTypeOffer:
		if m.Offer == nil {
			return fmt.Errorf("offer message missing offer")
		}
		if m.Offer.Type != "offer" {
			return fmt.Errorf("offer message has sdp.type=%q", m.Offer.Type)
		}
		if m.Answer != nil || m.Candidate != nil {
			return fmt.Errorf("offer message has unexpected fields")
		}
	case MessageTypeAnswer:
		if m.Answer == nil {
			return fmt.Errorf("answer message missing answer")
		}
		if m.Answer.Type != "answer" {
			return fmt.Errorf("answer message has sdp.type=%q", m.Answer.Type)
		}
		if m.Offer != nil || m.Candidate != nil {
			return fmt.Errorf("answer message has unexpected fields")
		}
	case MessageTypeICECandidate:
		if m.Candidate == nil {
			return fmt.Errorf("ice-candidate message missing candidate")
		}
		if m.Offer != nil || m.Answer != nil {
			return fmt.Errorf("ice-candidate message has unexpected fields")
		}
	}
	return nil
}

func (m Message) hasPayload() bool {
	return m.Offer != nil || m.Answer != nil || m.Candidate != nil
}
