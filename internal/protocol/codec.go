package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownEvent  = errors.New("unknown event")
	ErrInvalidSignal = errors.New("invalid signal")
)

// NewEnvelope marshals data into an envelope addressed to the given user.
func NewEnvelope(event Event, to string, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return &Envelope{Event: event, To: to, Data: raw}, nil
}

// Encode serializes an envelope for transmission over the relay.
func Encode(env *Envelope) ([]byte, error) {
	if !env.Event.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return json.Marshal(env)
}

// Decode deserializes a relay frame. Only the envelope itself is validated;
// payloads are decoded lazily by the typed accessors below.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Event.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return &env, nil
}

// Offer decodes the payload of an EventOffer envelope.
func (e *Envelope) Offer() (*OfferData, error) {
	var d OfferData
	if err := e.decode(EventOffer, &d); err != nil {
		return nil, err
	}
	if d.Signal.Type != SignalOffer {
		return nil, fmt.Errorf("%w: offer event carries %q", ErrInvalidSignal, d.Signal.Type)
	}
	return &d, d.Signal.Validate()
}

// Signal decodes the payload of an EventSignal envelope.
func (e *Envelope) Signal() (*SignalData, error) {
	var d SignalData
	if err := e.decode(EventSignal, &d); err != nil {
		return nil, err
	}
	return &d, d.Signal.Validate()
}

// End decodes the payload of an EventEnd envelope. An empty payload is valid.
func (e *Envelope) End() (*EndData, error) {
	var d EndData
	if len(e.Data) == 0 {
		return &d, nil
	}
	if err := e.decode(EventEnd, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (e *Envelope) decode(want Event, v any) error {
	if e.Event != want {
		return fmt.Errorf("envelope is %q, not %q", e.Event, want)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", want, err)
	}
	return nil
}

// Validate checks that the signal carries the field its type requires.
func (s Signal) Validate() error {
	switch s.Type {
	case SignalOffer, SignalAnswer:
		if s.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrInvalidSignal, s.Type)
		}
	case SignalCandidate:
		if s.Candidate == nil {
			return fmt.Errorf("%w: candidate without body", ErrInvalidSignal)
		}
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidSignal, s.Type)
	}
	return nil
}
