// Package call coordinates one peer-to-peer call at a time: it negotiates the
// session over a signaling channel, acquires media and a transport, and
// guarantees that everything acquired is released exactly once however the
// call ends.
package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/duocall/internal/domain"
	"github.com/1ureka/duocall/internal/media"
)

// State is a call session's position in the transition table.
type State int

const (
	StateIdle State = iota
	StateCalling
	StateRinging
	StateConnecting
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// transitions is the complete set of legal edges. A caller that hears
// "ringing" stays in Calling, so StateRinging has no edges.
var transitions = map[State][]State{
	StateIdle:       {StateCalling, StateConnecting},
	StateCalling:    {StateCalling, StateConnected, StateEnded},
	StateConnecting: {StateConnected, StateEnded},
	StateConnected:  {StateEnded},
	StateEnded:      {StateIdle},
}

// CanTransition reports whether from → to is an edge of the table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Direction tells which side placed the call.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// Session is a snapshot of the active call. Collaborators only ever see
// copies; the machine owns the live one.
type Session struct {
	CallID       domain.CallID
	Participants domain.Participants
	Type         domain.CallType
	Direction    Direction
	State        State

	StartedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time

	// Err is set only when the session ended abnormally.
	Err error
	// Reason is the end reason sent or received on the wire.
	Reason string

	// Tier is the media tier actually acquired.
	Tier media.Tier

	// Delivered is set once the callee acknowledged the offer.
	Delivered bool
	// RemoteRinging is set once the callee is presenting the call.
	RemoteRinging bool
	// Degraded is set when the call runs on the built-in ICE defaults.
	Degraded bool
}

// Duration is how long the call was connected, or zero.
func (s Session) Duration() time.Duration {
	if s.ConnectedAt.IsZero() {
		return 0
	}
	end := s.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.ConnectedAt)
}

// End reasons carried by call:ended and call:rejected.
const (
	ReasonHangup      = "hangup"
	ReasonCancelled   = "cancelled"
	ReasonDeclined    = "declined"
	ReasonBusy        = "busy"
	ReasonTimeout     = "timeout"
	ReasonFailed      = "connection_failed"
	ReasonUnavailable = "media_unavailable"
	ReasonOffline     = "user_offline"
	ReasonShutdown    = "shutdown"
)

// Terminal conditions surfaced through Session.Err.
var (
	ErrTimeout           = errors.New("no answer before the deadline")
	ErrRemoteRejected    = errors.New("call rejected by the remote user")
	ErrRemoteUnavailable = errors.New("remote user is offline")
	ErrConnectionFailed  = errors.New("connection failed")
)

// ErrConfigurationDegraded is reported through Observer.OnDegraded. The call
// carries on without a relay server.
var ErrConfigurationDegraded = errors.New("ICE configuration unavailable, using defaults")

// API misuse.
var (
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoActiveCall   = errors.New("no active call")
	ErrInvalidState   = errors.New("operation not valid in the current state")
	ErrInvalidRemote  = errors.New("invalid remote user")
	ErrClosed         = errors.New("call machine closed")
)

// StatusText maps a session's terminal error to the single line shown to the
// user.
func StatusText(err error) string {
	switch {
	case err == nil:
		return "call ended"
	case errors.Is(err, ErrTimeout):
		return "call timed out"
	case errors.Is(err, ErrRemoteRejected):
		return "call declined"
	case errors.Is(err, ErrRemoteUnavailable):
		return "the other person is offline"
	case errors.Is(err, ErrConnectionFailed):
		return "connection lost"
	case errors.Is(err, ErrConfigurationDegraded):
		return "relay unavailable, trying a direct connection"
	case errors.Is(err, media.ErrMediaUnavailable):
		return "camera or microphone unavailable"
	default:
		return err.Error()
	}
}
