// Package signal defines the signaling messages exchanged during call
// negotiation and the Channel transport they travel over. It is designed to be
// maximally standalone: payload structs and the Channel contract only.
// Concrete transports (memory, redis, libp2p pubsub, websocket) live in this
// package too but share nothing beyond the wire types.
package signal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Value of the "type" field of every signaling message.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
)

// SessionDescription carries an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"` // "offer" | "answer"
	SDP  string `json:"sdp"`
}

// ICECandidateInit is the standard RTCIceCandidateInit shape (W3C WebRTC).
// Pointer fields distinguish "absent" from "empty"; both ends must round-trip
// them faithfully or candidate pairing breaks on some stacks.
type ICECandidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Message is one signaling payload, immutable once created.
//
// P2P signaling sequence:
//
//	caller                          callee
//	──────────────────────────────────────────────────
//	offer          ────────────────►
//	               ◄──────────────── answer
//	ice-candidate ◄───────────────► ice-candidate  (trickle, both ways)
//
// Payload is opaque to everything except the media layer; its shape is
// determined by Type (SessionDescription or ICECandidateInit).
type Message struct {
	ID         string          `json:"id"`
	CallID     string          `json:"call_id"`
	SenderID   string          `json:"sender_id"`
	ReceiverID string          `json:"receiver_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NewMessage builds a Message with a fresh id, marshaling payload to JSON.
func NewMessage(callID, senderID, receiverID, msgType string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &Message{
		ID:         uuid.NewString(),
		CallID:     callID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Type:       msgType,
		Payload:    raw,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Description decodes the payload of an offer or answer message.
func (m *Message) Description() (SessionDescription, error) {
	var d SessionDescription
	if m.Type != TypeOffer && m.Type != TypeAnswer {
		return d, fmt.Errorf("message %s is %q, not a session description", m.ID, m.Type)
	}
	if err := json.Unmarshal(m.Payload, &d); err != nil {
		return d, fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	if d.SDP == "" {
		return d, fmt.Errorf("%s message %s has empty sdp", m.Type, m.ID)
	}
	return d, nil
}

// CandidateInit decodes the payload of an ice-candidate message.
func (m *Message) CandidateInit() (ICECandidateInit, error) {
	var c ICECandidateInit
	if m.Type != TypeICECandidate {
		return c, fmt.Errorf("message %s is %q, not an ice candidate", m.ID, m.Type)
	}
	if err := json.Unmarshal(m.Payload, &c); err != nil {
		return c, fmt.Errorf("decode candidate payload: %w", err)
	}
	return c, nil
}
