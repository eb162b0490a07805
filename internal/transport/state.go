package transport

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// LinkState is the coarse connection state reported to the call layer.
type LinkState int

const (
	LinkConnecting LinkState = iota
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// linkStateOf maps pion's PeerConnectionState. "new" has no counterpart.
func linkStateOf(s webrtc.PeerConnectionState) (LinkState, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return LinkConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return LinkConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return LinkDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return LinkFailed, true
	case webrtc.PeerConnectionStateClosed:
		return LinkClosed, true
	default:
		return 0, false
	}
}
