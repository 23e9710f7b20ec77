// SPDX-License-Identifier: ice License 1.0

package wire

import (
	"encoding/json"

	"github.com/cockroachdb/errors"

	"github.com/aether-mesh/relay/model"
)

type (
	NoiseInfo struct {
		Required bool   `json:"required"`
		PubKey   string `json:"pubkey,omitempty"`
	}
	HelloPayload struct {
		Type    string     `json:"type"`
		Version int        `json:"version"`
		Formats []string   `json:"formats"`
		Noise   *NoiseInfo `json:"noise,omitempty"`
	}
	WelcomePayload struct {
		Type    string     `json:"type"`
		Version int        `json:"version"`
		Format  string     `json:"format"`
		Noise   *NoiseInfo `json:"noise,omitempty"`
	}
	NoisePayload struct {
		Type       string `json:"type"`
		PayloadHex string `json:"payload_hex"`
	}
	PublishPayload struct {
		Type  string      `json:"type"`
		Event model.Event `json:"event"`
	}
	SubscribePayload struct {
		Type    string         `json:"type"`
		SubID   string         `json:"sub_id"`
		Filters []model.Filter `json:"filters"`
	}
	UnsubscribePayload struct {
		Type  string `json:"type"`
		SubID string `json:"sub_id"`
	}
	EventPayload struct {
		Type  string      `json:"type"`
		SubID string      `json:"sub_id"`
		Event model.Event `json:"event"`
	}
	AckPayload struct {
		Type     string `json:"type"`
		EventID  string `json:"event_id"`
		Accepted bool   `json:"accepted"`
		Reason   string `json:"reason,omitempty"`
	}
	ErrorPayload struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message,omitempty"`
	}
)

const ProtocolVersion = 1

// NewEnvelope marshals a typed payload struct into an envelope. The payload
// struct's Type field is stamped from the tag so the two can never diverge.
func NewEnvelope(t Type, payload any) (*Envelope, error) {
	stampType(t, payload)
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal %v payload", t)
	}

	return &Envelope{Type: t, Payload: raw}, nil
}

func stampType(t Type, payload any) {
	switch p := payload.(type) {
	case *HelloPayload:
		p.Type = t.String()
	case *WelcomePayload:
		p.Type = t.String()
	case *NoisePayload:
		p.Type = t.String()
	case *PublishPayload:
		p.Type = t.String()
	case *SubscribePayload:
		p.Type = t.String()
	case *UnsubscribePayload:
		p.Type = t.String()
	case *EventPayload:
		p.Type = t.String()
	case *AckPayload:
		p.Type = t.String()
	case *ErrorPayload:
		p.Type = t.String()
	}
}

// DecodePayload unmarshals the envelope's inner object into the typed
// payload struct for its tag.
func (e *Envelope) DecodePayload(into any) error {
	if err := json.Unmarshal(e.Payload, into); err != nil {
		return errors.Wrapf(model.ErrInvalidMessage, "malformed %v payload: %v", e.Type, err)
	}

	return nil
}
