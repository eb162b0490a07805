// Package signaling carries call-control messages between the two peers of
// a call through a WebSocket relay. Every message names its call and both
// participants explicitly; nothing is derived from the call id.
package signaling

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/domain"
)

// Event names a signaling message kind on the wire.
type Event string

const (
	EventOffer       Event = "call:offer"
	EventReceived    Event = "call:received"
	EventRinging     Event = "call:ringing"
	EventAccepted    Event = "call:accepted"
	EventRejected    Event = "call:rejected"
	EventEnded       Event = "call:ended"
	EventTimeout     Event = "call:timeout"
	EventUserOffline Event = "call:user_offline"
	EventCandidate   Event = "ice:candidate"
	EventRenegotiate Event = "call:renegotiate"
)

// Events lists every event in the protocol.
var Events = []Event{
	EventOffer, EventReceived, EventRinging, EventAccepted, EventRejected,
	EventEnded, EventTimeout, EventUserOffline, EventCandidate, EventRenegotiate,
}

// Header is carried by every message.
type Header struct {
	CallID domain.CallID `json:"callId"`
	From   domain.UserID `json:"from,omitempty"`
	To     domain.UserID `json:"to,omitempty"`
}

func (h *Header) Head() *Header { return h }

// Message is one of the concrete message types below.
type Message interface {
	Event() Event
	Head() *Header
}

// Offer starts a call (caller → callee).
type Offer struct {
	Header
	Type  domain.CallType           `json:"type"`
	Offer webrtc.SessionDescription `json:"offer"`
}

// Received acknowledges delivery of an Offer before anything is shown to the
// callee (callee → caller).
type Received struct {
	Header
}

// Ringing tells the caller the call is being presented (callee → caller).
type Ringing struct {
	Header
}

// Accepted carries the callee's answer.
type Accepted struct {
	Header
	Answer webrtc.SessionDescription `json:"answer"`
}

// Rejected declines the call. Reason is "busy" when the callee already has a call.
type Rejected struct {
	Header
	Reason string `json:"reason,omitempty"`
}

// Ended closes a call from either side. Duration is in seconds and only set
// for calls that connected.
type Ended struct {
	Header
	Reason   string  `json:"reason,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Timeout tells the callee the caller gave up waiting.
type Timeout struct {
	Header
}

// UserOffline is sent by the relay when the callee is not connected.
type UserOffline struct {
	Header
}

// Candidate trickles one ICE candidate.
type Candidate struct {
	Header
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// Renegotiate carries an ICE-restart offer or its answer.
type Renegotiate struct {
	Header
	Description webrtc.SessionDescription `json:"description"`
}

func (*Offer) Event() Event       { return EventOffer }
func (*Received) Event() Event    { return EventReceived }
func (*Ringing) Event() Event     { return EventRinging }
func (*Accepted) Event() Event    { return EventAccepted }
func (*Rejected) Event() Event    { return EventRejected }
func (*Ended) Event() Event       { return EventEnded }
func (*Timeout) Event() Event     { return EventTimeout }
func (*UserOffline) Event() Event { return EventUserOffline }
func (*Candidate) Event() Event   { return EventCandidate }
func (*Renegotiate) Event() Event { return EventRenegotiate }

// newMessage returns an empty message for ev, or nil for unknown events.
func newMessage(ev Event) Message {
	switch ev {
	case EventOffer:
		return &Offer{}
	case EventReceived:
		return &Received{}
	case EventRinging:
		return &Ringing{}
	case EventAccepted:
		return &Accepted{}
	case EventRejected:
		return &Rejected{}
	case EventEnded:
		return &Ended{}
	case EventTimeout:
		return &Timeout{}
	case EventUserOffline:
		return &UserOffline{}
	case EventCandidate:
		return &Candidate{}
	case EventRenegotiate:
		return &Renegotiate{}
	default:
		return nil
	}
}
