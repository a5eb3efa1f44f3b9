// Package protocol models the control-channel wire format shared by the
// relay and its clients.
//
// Every message is one UTF-8 text frame carrying a JSON envelope. The relay
// routes envelopes on `type` and `room` alone; payload semantics belong to
// the clients.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Type enumerates the envelope kinds understood by the control channel.
type Type string

const (
	TypeJoin       Type = "join"
	TypeMsg        Type = "msg"
	TypeJoinNotice Type = "joinNotice"
	TypeLeave      Type = "leave"
	TypeBye        Type = "bye"
	TypeOffer      Type = "offer"
	TypeAnswer     Type = "answer"
	TypeCandidate  Type = "candidate"
)

// Envelope is the only cross-boundary message shape.
//
// Payload field names match the original deployment's wire protocol: the
// session description rides under "offer" or "answer" depending on the
// envelope type, and ICE candidates under "candidate".
type Envelope struct {
	Type     Type   `json:"type"`
	Room     string `json:"room,omitempty"`
	Nickname string `json:"nickname,omitempty"`

	Text      string              `json:"text,omitempty"`
	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Candidate *Candidate          `json:"candidate,omitempty"`
}

// Parse decodes and validates a single envelope.
//
// Decoding is strict: unknown fields and trailing data are rejected, so a
// malformed frame never partially routes.
func Parse(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

// Validate checks the per-type field requirements.
func (e Envelope) Validate() error {
	switch e.Type {
	case TypeJoin:
		if e.Room == "" {
			return fmt.Errorf("join envelope missing room")
		}
		if e.Nickname == "" {
			return fmt.Errorf("join envelope missing nickname")
		}
		if e.Text != "" || e.Offer != nil || e.Answer != nil || e.Candidate != nil {
			return fmt.Errorf("join envelope has unexpected fields")
		}
	case TypeMsg:
		if e.Room == "" {
			return fmt.Errorf("msg envelope missing room")
		}
		if e.Text == "" {
			return fmt.Errorf("msg envelope missing text")
		}
		if e.Offer != nil || e.Answer != nil || e.Candidate != nil {
			return fmt.Errorf("msg envelope has unexpected fields")
		}
	case TypeJoinNotice, TypeLeave:
		if e.Room == "" {
			return fmt.Errorf("%s envelope missing room", e.Type)
		}
		if e.Text != "" || e.Offer != nil || e.Answer != nil || e.Candidate != nil {
			return fmt.Errorf("%s envelope has unexpected fields", e.Type)
		}
	case TypeBye:
		if e.Room == "" {
			return fmt.Errorf("bye envelope missing room")
		}
		if e.Text != "" || e.Offer != nil || e.Answer != nil || e.Candidate != nil {
			return fmt.Errorf("bye envelope has unexpected fields")
		}
	case TypeOffer:
		if e.Room == "" {
			return fmt.Errorf("offer envelope missing room")
		}
		if e.Offer == nil {
			return fmt.Errorf("offer envelope missing offer")
		}
		if e.Offer.Type != "offer" {
			return fmt.Errorf("offer envelope has offer.type=%q", e.Offer.Type)
		}
		if e.Text != "" || e.Answer != nil || e.Candidate != nil {
			return fmt.Errorf("offer envelope has unexpected fields")
		}
	case TypeAnswer:
		if e.Room == "" {
			return fmt.Errorf("answer envelope missing room")
		}
		if e.Answer == nil {
			return fmt.Errorf("answer envelope missing answer")
		}
		if e.Answer.Type != "answer" {
			return fmt.Errorf("answer envelope has answer.type=%q", e.Answer.Type)
		}
		if e.Text != "" || e.Offer != nil || e.Candidate != nil {
			return fmt.Errorf("answer envelope has unexpected fields")
		}
	case TypeCandidate:
		if e.Room == "" {
			return fmt.Errorf("candidate envelope missing room")
		}
		if e.Candidate == nil {
			return fmt.Errorf("candidate envelope missing candidate")
		}
		if e.Text != "" || e.Offer != nil || e.Answer != nil {
			return fmt.Errorf("candidate envelope has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported envelope type %q", e.Type)
	}
	return nil
}

// Encode marshals the envelope for a single text frame.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
