// Package wire encodes and decodes the NDAX gateway message envelope.
//
// Every frame is a JSON object {m, i, n, o} where o is itself a JSON document
// serialised into a string. Encoding therefore marshals the payload twice and
// decoding parses the o field a second time before the frame is dispatched.
package wire

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"
)

// Kind is the envelope message type carried in the m field.
type Kind int

const (
	KindRequest     Kind = 0
	KindReply       Kind = 1
	KindSubscribe   Kind = 2
	KindEvent       Kind = 3
	KindUnsubscribe Kind = 4
	KindError       Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindReply:
		return "reply"
	case KindSubscribe:
		return "subscribe"
	case KindEvent:
		return "event"
	case KindUnsubscribe:
		return "unsubscribe"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Envelope is a decoded gateway frame. Payload holds the inner JSON document.
type Envelope struct {
	Kind     Kind
	Sequence int64
	Name     Op
	Payload  json.RawMessage
}

type frame struct {
	M Kind            `json:"m"`
	I int64           `json:"i"`
	N string          `json:"n"`
	O json.RawMessage `json:"o,omitempty"`
}

// Encode serialises payload as a JSON string embedded in the o field.
// A nil payload is sent as an empty object, which the gateway expects for Ping.
func Encode(kind Kind, seq int64, name Op, payload any) ([]byte, error) {
	inner := []byte("{}")
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", name, err)
		}
		inner = encoded
	}
	quoted, err := json.Marshal(string(inner))
	if err != nil {
		return nil, fmt.Errorf("quote %s payload: %w", name, err)
	}
	data, err := json.Marshal(frame{M: kind, I: seq, N: string(name), O: quoted})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", name, err)
	}
	return data, nil
}

// EncodeEnvelope re-encodes an Envelope whose Payload is already inner JSON.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	var payload any
	if len(env.Payload) > 0 {
		payload = env.Payload
	}
	return Encode(env.Kind, env.Sequence, env.Name, payload)
}

// Decode parses a raw frame. It reports false when the outer frame is
// malformed or carries no payload; such frames are not actionable.
func Decode(raw []byte) (Envelope, bool) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Envelope{}, false
	}
	payload := bytes.TrimSpace(f.O)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return Envelope{}, false
	}
	inner := payload
	if payload[0] == '"' {
		var text string
		if err := json.Unmarshal(payload, &text); err != nil {
			return Envelope{}, false
		}
		inner = bytes.TrimSpace([]byte(text))
		if len(inner) == 0 {
			return Envelope{}, false
		}
		if !json.Valid(inner) {
			return Envelope{}, false
		}
	}
	return Envelope{
		Kind:     f.M,
		Sequence: f.I,
		Name:     Op(f.N),
		Payload:  json.RawMessage(inner),
	}, true
}

// Unmarshal decodes the envelope payload into v.
func (e Envelope) Unmarshal(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Name, err)
	}
	return nil
}
