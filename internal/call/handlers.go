package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/domain"
	"github.com/1ureka/duocall/internal/media"
	"github.com/1ureka/duocall/internal/signaling"
	"github.com/1ureka/duocall/internal/transport"
	"github.com/1ureka/duocall/internal/util"
)

// ---------------------------------------------------------------------------
// Local actions
// ---------------------------------------------------------------------------

func (m *Machine) initiate(ctx context.Context, remote domain.UserID, callType domain.CallType) response {
	if m.current != nil {
		return response{err: ErrCallInProgress}
	}
	if remote == "" || remote == m.local {
		return response{err: fmt.Errorf("%w: %q", ErrInvalidRemote, remote)}
	}
	if _, err := domain.ParseCallType(string(callType)); err != nil {
		return response{err: err}
	}

	ctx, cancel := m.setupContext(ctx)
	defer cancel()

	s := newSession(domain.NewCallID(), m.local, remote, callType, Outgoing)
	util.LogInfo("[%s] calling %s (%s)", s.CallID, remote, callType)

	fail := func(err error) response {
		if cerr := s.cleanup(); cerr != nil {
			util.LogWarning("[%s] cleanup: %v", s.CallID, cerr)
		}
		util.LogError("[%s] call setup failed: %s", s.CallID, StatusText(err))
		return response{session: s.snapshot(), err: err}
	}

	if err := m.prepare(ctx, s); err != nil {
		return fail(err)
	}
	offer, err := s.conn.CreateOffer()
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrConnectionFailed, err))
	}
	if err := m.send(&signaling.Offer{Header: s.header(), Type: callType, Offer: offer}); err != nil {
		return fail(fmt.Errorf("sending offer: %w", err))
	}

	m.current = s
	_ = m.setState(s, StateCalling)
	m.armWatchdog(s)
	util.Stats.AddPlaced()
	return response{session: s.snapshot()}
}

func (m *Machine) accept(ctx context.Context) response {
	s := m.current
	if s == nil {
		return response{err: ErrNoActiveCall}
	}
	if s.Direction != Incoming || s.State != StateConnecting {
		return response{session: s.snapshot(), err: ErrInvalidState}
	}

	ctx, cancel := m.setupContext(ctx)
	defer cancel()

	fail := func(err error) response {
		reason := ReasonFailed
		if errors.Is(err, media.ErrMediaUnavailable) {
			reason = ReasonUnavailable
		}
		_ = m.send(&signaling.Rejected{Header: s.header(), Reason: reason})
		m.terminate(s, err, reason)
		return response{session: s.snapshot(), err: err}
	}

	if err := m.prepare(ctx, s); err != nil {
		return fail(err)
	}
	answer, err := s.conn.CreateAnswer(s.offer)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrConnectionFailed, err))
	}
	if err := m.send(&signaling.Accepted{Header: s.header(), Answer: answer}); err != nil {
		m.terminate(s, fmt.Errorf("%w: %w", ErrConnectionFailed, err), ReasonFailed)
		return response{session: s.snapshot(), err: s.Err}
	}

	s.ConnectedAt = time.Now()
	_ = m.setState(s, StateConnected)
	util.Stats.AddConnected()
	util.LogSuccess("[%s] call with %s accepted", s.CallID, s.Participants.Remote)
	return response{session: s.snapshot()}
}

func (m *Machine) reject() error {
	s := m.current
	if s == nil {
		return ErrNoActiveCall
	}
	if s.Direction != Incoming || s.State != StateConnecting {
		return ErrInvalidState
	}
	_ = m.send(&signaling.Rejected{Header: s.header(), Reason: ReasonDeclined})
	m.terminate(s, nil, ReasonDeclined)
	return nil
}

func (m *Machine) end() error {
	s := m.current
	if s == nil {
		return ErrNoActiveCall
	}

	var reason string
	switch s.State {
	case StateCalling:
		reason = ReasonCancelled
	case StateConnecting:
		reason = ReasonDeclined
	case StateConnected:
		reason = ReasonHangup
	default:
		return ErrInvalidState
	}
	m.sendEnd(s, reason)
	m.terminate(s, nil, reason)
	return nil
}

// prepare fetches configuration, acquires media and opens the connection
// with the local tracks attached.
func (m *Machine) prepare(ctx context.Context, s *session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cfg := m.deps.Config.Get(ctx)
	if cfg.Degraded {
		s.Degraded = true
		util.LogWarning("[%s] %s", s.CallID, StatusText(ErrConfigurationDegraded))
		m.emitDegraded(s.snapshot())
	}

	primary, fallbacks := m.ladder(s.Type)
	local, err := m.deps.Media.Acquire(ctx, s.Type, primary, fallbacks)
	if err != nil {
		return err
	}
	s.local = local
	s.Tier = local.Tier()

	conn, err := m.deps.Connect(cfg, m.connObserver(s.CallID))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	s.attach(conn)

	if err := conn.AddLocalTracks(local); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

// setupContext is ctx, additionally cancelled when the machine stops.
func (m *Machine) setupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// ---------------------------------------------------------------------------
// Signaling messages
// ---------------------------------------------------------------------------

func (m *Machine) handleMessage(msg signaling.Message) {
	h := msg.Head()
	if h.To != "" && h.To != m.local {
		util.LogDebug("Dropping %s addressed to %s", msg.Event(), h.To)
		return
	}

	if offer, ok := msg.(*signaling.Offer); ok {
		m.handleOffer(offer)
		return
	}

	s := m.current
	if s == nil || !s.matches(h) {
		util.LogDebug("Dropping stale %s for call %s", msg.Event(), h.CallID)
		return
	}

	switch msg := msg.(type) {
	case *signaling.Received:
		if s.Direction == Outgoing && s.State == StateCalling && !s.Delivered {
			s.Delivered = true
			m.emitProgress(s.snapshot())
		}

	case *signaling.Ringing:
		if s.Direction == Outgoing && s.State == StateCalling && !s.RemoteRinging {
			s.RemoteRinging = true
			util.LogInfo("[%s] %s is ringing", s.CallID, s.Participants.Remote)
			m.emitProgress(s.snapshot())
		}

	case *signaling.Accepted:
		if s.Direction != Outgoing || s.State != StateCalling {
			util.LogDebug("[%s] ignoring accepted in %s", s.CallID, s.State)
			return
		}
		m.handleAccepted(s, msg)

	case *signaling.Rejected:
		if s.Direction == Outgoing && s.State == StateCalling {
			m.terminate(s, ErrRemoteRejected, reasonOr(msg.Reason, ReasonDeclined))
		}

	case *signaling.UserOffline:
		if s.State == StateCalling {
			m.terminate(s, ErrRemoteUnavailable, ReasonOffline)
		}

	case *signaling.Timeout:
		// The caller may give up while our accept is still in flight, so a
		// matching timeout also ends an answered call.
		if s.Direction == Incoming && (s.State == StateConnecting || s.State == StateConnected) {
			m.terminate(s, ErrTimeout, ReasonTimeout)
		}

	case *signaling.Ended:
		switch s.State {
		case StateCalling, StateConnecting, StateConnected:
			m.terminate(s, nil, reasonOr(msg.Reason, ReasonHangup))
		}

	case *signaling.Candidate:
		m.addRemoteCandidate(s, msg.Candidate)

	case *signaling.Renegotiate:
		m.handleRenegotiate(s, msg.Description)
	}
}

func (m *Machine) handleOffer(offer *signaling.Offer) {
	if s := m.current; s != nil {
		if offer.CallID == s.CallID {
			util.LogDebug("[%s] duplicate offer", s.CallID)
			return
		}
		util.LogInfo("Busy; rejecting call %s from %s", offer.CallID, offer.From)
		_ = m.send(&signaling.Rejected{
			Header: signaling.Header{CallID: offer.CallID, To: offer.From},
			Reason: ReasonBusy,
		})
		return
	}
	if offer.From == "" {
		util.LogWarning("Dropping offer %s without a sender", offer.CallID)
		return
	}

	s := newSession(offer.CallID, m.local, offer.From, offer.Type, Incoming)
	if _, err := domain.ParseCallType(string(offer.Type)); err != nil {
		util.LogWarning("[%s] rejecting offer: %v", offer.CallID, err)
		_ = m.send(&signaling.Rejected{Header: s.header(), Reason: ReasonDeclined})
		return
	}
	s.offer = offer.Offer
	m.current = s

	// The acknowledgment goes out before anything is surfaced locally.
	_ = m.send(&signaling.Received{Header: s.header()})
	_ = m.setState(s, StateConnecting)
	util.Stats.AddReceived()
	util.LogInfo("[%s] incoming %s call from %s", s.CallID, s.Type, s.Participants.Remote)
	m.emitIncoming(s.snapshot())
	_ = m.send(&signaling.Ringing{Header: s.header()})
}

func (m *Machine) handleAccepted(s *session, msg *signaling.Accepted) {
	s.stopWatchdog()
	if err := s.conn.SetRemoteDescription(msg.Answer); err != nil {
		m.sendEnd(s, ReasonFailed)
		m.terminate(s, fmt.Errorf("%w: %w", ErrConnectionFailed, err), ReasonFailed)
		return
	}
	s.ConnectedAt = time.Now()
	_ = m.setState(s, StateConnected)
	util.Stats.AddConnected()
	util.LogSuccess("[%s] %s accepted the call", s.CallID, s.Participants.Remote)
}

func (m *Machine) addRemoteCandidate(s *session, c webrtc.ICECandidateInit) {
	if s.conn == nil {
		s.candidates = append(s.candidates, c)
		return
	}
	if err := s.conn.AddRemoteCandidate(c); err != nil {
		util.LogWarning("[%s] remote candidate rejected: %v", s.CallID, err)
	}
}

// handleRenegotiate applies the peer's ICE-restart offer or its answer to ours.
func (m *Machine) handleRenegotiate(s *session, desc webrtc.SessionDescription) {
	if s.conn == nil || s.State != StateConnected {
		return
	}
	if desc.Type != webrtc.SDPTypeOffer {
		if err := s.conn.SetRemoteDescription(desc); err != nil {
			util.LogWarning("[%s] applying restart answer: %v", s.CallID, err)
		}
		return
	}
	answer, err := s.conn.CreateAnswer(desc)
	if err != nil {
		util.LogWarning("[%s] answering restart offer: %v", s.CallID, err)
		return
	}
	_ = m.send(&signaling.Renegotiate{Header: s.header(), Description: answer})
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}

// ---------------------------------------------------------------------------
// Timer and transport events
// ---------------------------------------------------------------------------

func (m *Machine) handleWatchdog(ev watchdogFired) {
	s := m.current
	if s == nil || s.CallID != ev.callID || s.watchdogGen != ev.gen || s.State != StateCalling {
		return
	}
	s.watchdog = nil
	s.watchdogGen = 0

	util.LogWarning("[%s] no answer within %s", s.CallID, m.timeout)
	_ = m.send(&signaling.Timeout{Header: s.header()})
	m.terminate(s, ErrTimeout, ReasonTimeout)
}

func (m *Machine) handleLink(ev linkChanged) {
	s := m.current
	if s == nil || s.CallID != ev.callID {
		return
	}
	m.emitLink(s.snapshot(), ev.state)

	switch ev.state {
	case transport.LinkConnected:
		util.LogSuccess("[%s] media path established", s.CallID)
	case transport.LinkDisconnected:
		util.LogWarning("[%s] media path interrupted", s.CallID)
	case transport.LinkFailed:
		if s.State != StateConnected {
			util.LogDebug("[%s] link failed in %s", s.CallID, s.State)
			return
		}
		m.sendEnd(s, ReasonFailed)
		m.terminate(s, ErrConnectionFailed, ReasonFailed)
	}
}

func (m *Machine) handleLocalCandidate(ev localCandidate) {
	s := m.current
	if s == nil || s.CallID != ev.callID {
		return
	}
	_ = m.send(&signaling.Candidate{Header: s.header(), Candidate: ev.candidate})
}

func (m *Machine) handleRestartOffer(ev restartOffer) {
	s := m.current
	if s == nil || s.CallID != ev.callID || s.State != StateConnected {
		return
	}
	util.LogInfo("[%s] sending ICE restart offer", s.CallID)
	_ = m.send(&signaling.Renegotiate{Header: s.header(), Description: ev.desc})
}

func (m *Machine) handleRemoteTrack(ev remoteTrack) {
	s := m.current
	if s == nil || s.CallID != ev.callID {
		return
	}
	s.remote.Add(ev.track)
	m.emitTrack(s.snapshot(), ev.track)
}
