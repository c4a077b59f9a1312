// Package protocol defines the frames exchanged with the signal relay and the
// call signals they carry.
package protocol

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Event names produced and consumed by the call coordinator.
type Event string

const (
	EventOffer  Event = "call:offer"  // Initial offer plus caller metadata for the invite prompt
	EventSignal Event = "call:signal" // Answer or connectivity candidate
	EventEnd    Event = "call:end"    // Hangup, decline, or busy
)

// Known reports whether e is one of the call events.
func (e Event) Known() bool {
	switch e {
	case EventOffer, EventSignal, EventEnd:
		return true
	}
	return false
}

// SignalType identifies the kind of negotiation signal.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// Signal is an opaque negotiation payload produced by one connection object
// and consumed by its counterpart. The relay never looks inside.
type Signal struct {
	Type      SignalType               `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Envelope is one relay frame. From is stamped by the relay with the
// sender's authenticated user id; clients never trust a self-declared value.
type Envelope struct {
	Event Event           `json:"event"`
	From  string          `json:"from,omitempty"`
	To    string          `json:"to,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Seq   int64           `json:"seq,omitempty"`
}

// OfferData is the payload of EventOffer.
type OfferData struct {
	FromUserID        string `json:"fromUserId"`
	Signal            Signal `json:"signal"`
	ChatID            string `json:"chatId"`
	CallerDisplayName string `json:"callerDisplayName"`
	CallerAvatar      string `json:"callerAvatar,omitempty"`
}

// SignalData is the payload of EventSignal.
type SignalData struct {
	FromUserID string `json:"fromUserId"`
	Signal     Signal `json:"signal"`
}

// EndData is the payload of EventEnd.
type EndData struct {
	FromUserID string `json:"fromUserId"`
	Reason     string `json:"reason,omitempty"`
}

// End reasons carried by EndData.
const (
	ReasonHangup   = "hangup"
	ReasonDeclined = "declined"
	ReasonBusy     = "busy"
)
