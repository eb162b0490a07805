package call

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/domain"
	"github.com/1ureka/duocall/internal/signaling"
	"github.com/1ureka/duocall/internal/transport"
)

// event is anything the actor consumes.
type event interface{}

type op int

const (
	opInitiate op = iota
	opAccept
	opReject
	opEnd
	opSnapshot
)

// request is a public API call waiting for its response.
type request struct {
	op       op
	ctx      context.Context
	remote   domain.UserID
	callType domain.CallType
	reply    chan response
}

type response struct {
	session Session
	err     error
}

type inbound struct {
	msg signaling.Message
}

type watchdogFired struct {
	callID domain.CallID
	gen    uint64
}

type linkChanged struct {
	callID domain.CallID
	state  transport.LinkState
}

type localCandidate struct {
	callID    domain.CallID
	candidate webrtc.ICECandidateInit
}

type restartOffer struct {
	callID domain.CallID
	desc   webrtc.SessionDescription
}

type remoteTrack struct {
	callID domain.CallID
	track  *webrtc.TrackRemote
}

// mailbox is an unbounded FIFO. Producers never block, so pion and
// signaling goroutines are not stalled while the actor awaits media.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{signal: make(chan struct{}, 1)}
}

func (b *mailbox[T]) put(v T) {
	b.mu.Lock()
	b.items = append(b.items, v)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *mailbox[T]) drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}
