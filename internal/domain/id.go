// Package domain holds the identifiers and value types shared by every layer
// of a call: who is talking, which call it is, and what kind of media it carries.
package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// CallID identifies one call attempt. It is opaque: nothing may be derived
// from its contents.
type CallID string

// NewCallID returns a fresh random call identifier.
func NewCallID() CallID {
	return CallID(uuid.New().String())
}

func (id CallID) String() string { return string(id) }

// UserID identifies a participant on the signaling relay.
type UserID string

func (id UserID) String() string { return string(id) }

// CallType is the media kind requested for a call.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// ParseCallType validates a wire or CLI value.
func ParseCallType(s string) (CallType, error) {
	switch CallType(s) {
	case CallAudio, CallVideo:
		return CallType(s), nil
	default:
		return "", fmt.Errorf("unknown call type %q", s)
	}
}

// Participants names both ends of a call from the local point of view.
type Participants struct {
	Local  UserID
	Remote UserID
}
