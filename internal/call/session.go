package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/domain"
	"github.com/1ureka/duocall/internal/media"
	"github.com/1ureka/duocall/internal/signaling"
	"github.com/1ureka/duocall/internal/util"
)

// session is the live state of the active call. Only the actor goroutine
// touches it.
type session struct {
	Session

	offer  webrtc.SessionDescription // incoming offer until accepted
	local  *media.LocalHandle
	remote media.RemoteHandle
	conn   Connection

	// Remote candidates that arrived before conn existed.
	candidates []webrtc.ICECandidateInit

	watchdog    *time.Timer
	watchdogGen uint64

	cleanupOnce sync.Once
	cleanupErr  error
}

func newSession(id domain.CallID, local, remote domain.UserID, callType domain.CallType, dir Direction) *session {
	return &session{Session: Session{
		CallID:       id,
		Participants: domain.Participants{Local: local, Remote: remote},
		Type:         callType,
		Direction:    dir,
		State:        StateIdle,
		StartedAt:    time.Now(),
	}}
}

func (s *session) snapshot() Session { return s.Session }

func (s *session) header() signaling.Header {
	return signaling.Header{CallID: s.CallID, From: s.Participants.Local, To: s.Participants.Remote}
}

// matches reports whether msg belongs to this session: same call id and, when
// the relay stamped one, sent by the remote participant.
func (s *session) matches(h *signaling.Header) bool {
	if h.CallID != s.CallID {
		return false
	}
	return h.From == "" || h.From == s.Participants.Remote
}

// attach hands buffered remote candidates to a freshly created connection.
func (s *session) attach(conn Connection) {
	s.conn = conn
	for _, c := range s.candidates {
		if err := conn.AddRemoteCandidate(c); err != nil {
			util.LogWarning("[%s] buffered candidate rejected: %v", s.CallID, err)
		}
	}
	if n := len(s.candidates); n > 0 {
		util.LogDebug("[%s] handed %d early candidate(s) to the transport", s.CallID, n)
	}
	s.candidates = nil
}

// cleanup releases media, closes the connection and stops the watchdog. Only
// the first call does anything.
func (s *session) cleanup() error {
	s.cleanupOnce.Do(func() {
		s.stopWatchdog()
		var errs []error
		if s.conn != nil {
			if err := s.conn.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing transport: %w", err))
			}
		}
		if s.local != nil {
			if err := s.local.Release(); err != nil {
				errs = append(errs, fmt.Errorf("releasing media: %w", err))
			}
		}
		s.candidates = nil
		s.cleanupErr = errors.Join(errs...)
	})
	return s.cleanupErr
}

// stopWatchdog disarms the timer and invalidates any firing already queued.
func (s *session) stopWatchdog() {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
	s.watchdogGen = 0
}

// ---------------------------------------------------------------------------
// Transitions (actor only)
// ---------------------------------------------------------------------------

// setState moves s along one edge of the table and notifies observers.
// Leaving Calling always disarms the watchdog.
func (m *Machine) setState(s *session, to State) error {
	from := s.State
	if !CanTransition(from, to) {
		util.LogError("[%s] illegal transition %s → %s", s.CallID, from, to)
		return fmt.Errorf("%w: %s → %s", ErrInvalidState, from, to)
	}
	if from == StateCalling && to != StateCalling {
		s.stopWatchdog()
	}
	s.State = to
	util.LogDebug("[%s] %s → %s", s.CallID, from, to)
	m.emitState(s.snapshot())
	return nil
}

// armWatchdog starts the no-answer timer. A firing only counts if its
// generation is still the session's current one.
func (m *Machine) armWatchdog(s *session) {
	m.gen++
	gen, id := m.gen, s.CallID
	s.watchdogGen = gen
	s.watchdog = time.AfterFunc(m.timeout, func() {
		m.inbox.put(watchdogFired{callID: id, gen: gen})
	})
}

// terminate drives s to Ended, runs cleanup and returns the machine to Idle.
// It is the single exit path for every way a call can end.
func (m *Machine) terminate(s *session, err error, reason string) {
	if m.current != s || s.State == StateEnded {
		return
	}

	s.Err = err
	s.Reason = reason
	s.EndedAt = time.Now()
	_ = m.setState(s, StateEnded)

	if cerr := s.cleanup(); cerr != nil {
		util.LogWarning("[%s] cleanup: %v", s.CallID, cerr)
	}

	util.Stats.AddEnded()
	if err != nil {
		util.Stats.AddFailed()
		util.LogWarning("[%s] call ended: %s", s.CallID, StatusText(err))
	} else {
		util.LogInfo("[%s] call ended (%s)", s.CallID, reason)
	}

	m.current = nil
	_ = m.setState(s, StateIdle)
}

// sendEnd tells the peer the call is over, using the message that matches
// the session's state.
func (m *Machine) sendEnd(s *session, reason string) {
	switch s.State {
	case StateCalling:
		_ = m.send(&signaling.Ended{Header: s.header(), Reason: reason})
	case StateConnecting:
		_ = m.send(&signaling.Rejected{Header: s.header(), Reason: reason})
	case StateConnected:
		_ = m.send(&signaling.Ended{
			Header:   s.header(),
			Reason:   reason,
			Duration: time.Since(s.ConnectedAt).Seconds(),
		})
	}
}
