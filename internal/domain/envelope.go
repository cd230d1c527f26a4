package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// SignalType is the kind of a signaling envelope.
type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalJoin         SignalType = "join"
	SignalLeave        SignalType = "leave"
)

var ErrEnvelopeInvalid = errors.New("invalid envelope")

// Envelope is one signaling message in transit. TargetID empty means broadcast.
type Envelope struct {
	ID        string          `json:"id"`
	Type      SignalType      `json:"type"`
	SenderID  UserID          `json:"sender_id"`
	TargetID  UserID          `json:"target_id,omitempty"`
	ChannelID ChannelID       `json:"channel_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SentAt    time.Time       `json:"sent_at"`
}

// NewEnvelope builds an envelope with a fresh id. A nil payload is allowed.
func NewEnvelope(typ SignalType, channelID ChannelID, sender, target UserID, payload any) (Envelope, error) {
	env := Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		SenderID:  sender,
		TargetID:  target,
		ChannelID: channelID,
		SentAt:    time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = raw
	}
	return env, nil
}

func (e Envelope) Broadcast() bool { return e.TargetID == "" }

// For reports whether a subscriber with id local should consume e.
func (e Envelope) For(local UserID) bool {
	return e.SenderID != local && (e.Broadcast() || e.TargetID == local)
}

func (e Envelope) Validate() error {
	if e.Type == "" || e.SenderID == "" || e.ChannelID == "" {
		return ErrEnvelopeInvalid
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return ErrEnvelopeInvalid
	}
	return json.Unmarshal(e.Payload, v)
}

func (e Envelope) Marshal() ([]byte, error) { return json.Marshal(e) }

func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
