package call

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/domain"
	"github.com/1ureka/duocall/internal/media"
	"github.com/1ureka/duocall/internal/signaling"
	"github.com/1ureka/duocall/internal/transport"
	"github.com/1ureka/duocall/internal/util"
)

// Tuning constants.
const (
	DefaultTimeout = 30 * time.Second // caller waits this long for an answer
	sendTimeout    = 5 * time.Second  // per signaling write
)

// Observer receives session updates. Callbacks run one at a time on a
// dedicated goroutine, in the order the machine produced them, so they may
// call back into the Machine. Close waits for that goroutine and must not be
// called from a callback; use Stop instead. Nil callbacks are skipped.
type Observer struct {
	// OnStateChange fires for every transition, including Ended → Idle.
	OnStateChange func(Session)
	// OnProgress fires for updates that keep the state: delivery
	// acknowledged, remote ringing.
	OnProgress func(Session)
	// OnIncomingCall fires after the offer has been acknowledged and the
	// session is waiting for AcceptCall or RejectCall.
	OnIncomingCall func(Session)
	OnRemoteTrack  func(Session, *webrtc.TrackRemote)
	// OnLinkChange reports the media path state of the active session.
	OnLinkChange func(Session, transport.LinkState)
	// OnDegraded fires when the ICE configuration fell back to defaults.
	OnDegraded func(Session, error)
}

// LadderFunc picks the media tiers to try for a call type.
type LadderFunc func(domain.CallType) (primary media.Tier, fallbacks []media.Tier)

type options struct {
	timeout  time.Duration
	observer Observer
	ladder   LadderFunc
}

// Option configures New.
type Option func(*options)

func WithTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }
func WithObserver(obs Observer) Option   { return func(o *options) { o.observer = obs } }
func WithLadder(fn LadderFunc) Option    { return func(o *options) { o.ladder = fn } }

// Machine is the call state machine for one local user. Every input (API
// calls, signaling messages, transport events, the watchdog) is queued and
// handled by a single goroutine, one at a time, in arrival order.
type Machine struct {
	local   domain.UserID
	ch      signaling.Channel
	deps    Deps
	timeout time.Duration
	ladder  LadderFunc
	obs     Observer

	ctx    context.Context
	cancel context.CancelFunc

	inbox *mailbox[event]
	notes *mailbox[func()]

	// Owned by the actor goroutine.
	current *session
	gen     uint64

	stopped chan struct{} // actor exited
	done    chan struct{} // actor and notifier exited
	once    sync.Once
}

// New starts a machine for local that talks through ch. It stops when ctx is
// cancelled or Close is called.
func New(ctx context.Context, local domain.UserID, ch signaling.Channel, deps Deps, opts ...Option) *Machine {
	o := options{timeout: DefaultTimeout, ladder: media.Ladder}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(ctx)
	m := &Machine{
		local:   local,
		ch:      ch,
		deps:    deps,
		timeout: o.timeout,
		ladder:  o.ladder,
		obs:     o.observer,
		ctx:     ctx,
		cancel:  cancel,
		inbox:   newMailbox[event](),
		notes:   newMailbox[func()](),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}

	for _, ev := range signaling.Events {
		ch.On(ev, func(msg signaling.Message) { m.inbox.put(inbound{msg: msg}) })
	}

	go m.run()
	go m.notify()
	return m
}

// Close ends any active call, stops the machine and waits for pending
// observer callbacks to finish.
func (m *Machine) Close() {
	m.Stop()
	<-m.done
}

// Stop is Close without the wait. It is safe from observer callbacks; Done
// reports when the machine has fully stopped.
func (m *Machine) Stop() {
	m.once.Do(m.cancel)
}

// Done is closed once the machine has fully stopped.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Local is the user this machine answers for.
func (m *Machine) Local() domain.UserID { return m.local }

// ---------------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------------

// InitiateCall places a call to remote. It returns once the offer has been
// sent and the session is in Calling. If media, configuration or transport
// setup fails, the error is returned, everything acquired is released and
// the machine stays Idle.
func (m *Machine) InitiateCall(ctx context.Context, remote domain.UserID, callType domain.CallType) (Session, error) {
	r := m.do(ctx, request{op: opInitiate, remote: remote, callType: callType})
	return r.session, r.err
}

// AcceptCall answers the incoming call waiting in Connecting.
func (m *Machine) AcceptCall(ctx context.Context) (Session, error) {
	r := m.do(ctx, request{op: opAccept})
	return r.session, r.err
}

// RejectCall declines the incoming call waiting in Connecting.
func (m *Machine) RejectCall(ctx context.Context) error {
	return m.do(ctx, request{op: opReject}).err
}

// EndCall hangs up, cancels an outgoing call that was not answered yet, or
// declines an incoming one.
func (m *Machine) EndCall(ctx context.Context) error {
	return m.do(ctx, request{op: opEnd}).err
}

// Session returns a snapshot of the active session, if any.
func (m *Machine) Session() (Session, bool) {
	r := m.do(context.Background(), request{op: opSnapshot})
	return r.session, r.err == nil
}

func (m *Machine) do(ctx context.Context, req request) response {
	select {
	case <-m.stopped:
		return response{err: ErrClosed}
	default:
	}

	req.ctx = ctx
	req.reply = make(chan response, 1)
	m.inbox.put(req)

	select {
	case r := <-req.reply:
		return r
	case <-ctx.Done():
		return response{err: ctx.Err()}
	case <-m.stopped:
		return response{err: ErrClosed}
	}
}

// ---------------------------------------------------------------------------
// Actor loop
// ---------------------------------------------------------------------------

func (m *Machine) run() {
	defer close(m.stopped)

	for {
		select {
		case <-m.ctx.Done():
			m.shutdown()
			return
		case <-m.inbox.signal:
			for _, ev := range m.inbox.drain() {
				if m.ctx.Err() != nil {
					break
				}
				m.handle(ev)
			}
		}
	}
}

func (m *Machine) handle(ev event) {
	switch ev := ev.(type) {
	case request:
		ev.reply <- m.handleRequest(ev)
	case inbound:
		m.handleMessage(ev.msg)
	case watchdogFired:
		m.handleWatchdog(ev)
	case linkChanged:
		m.handleLink(ev)
	case localCandidate:
		m.handleLocalCandidate(ev)
	case restartOffer:
		m.handleRestartOffer(ev)
	case remoteTrack:
		m.handleRemoteTrack(ev)
	}
}

func (m *Machine) handleRequest(req request) response {
	switch req.op {
	case opInitiate:
		return m.initiate(req.ctx, req.remote, req.callType)
	case opAccept:
		return m.accept(req.ctx)
	case opReject:
		return response{err: m.reject()}
	case opEnd:
		return response{err: m.end()}
	case opSnapshot:
		if m.current == nil {
			return response{err: ErrNoActiveCall}
		}
		return response{session: m.current.snapshot()}
	default:
		return response{err: ErrInvalidState}
	}
}

func (m *Machine) shutdown() {
	if s := m.current; s != nil {
		util.LogInfo("Shutting down with call %s in %s", s.CallID, s.State)
		m.sendEnd(s, ReasonShutdown)
		m.terminate(s, nil, ReasonShutdown)
	}
}

// ---------------------------------------------------------------------------
// Notifier
// ---------------------------------------------------------------------------

func (m *Machine) notify() {
	defer close(m.done)
	for {
		select {
		case <-m.notes.signal:
			runAll(m.notes.drain())
		case <-m.stopped:
			runAll(m.notes.drain())
			return
		}
	}
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

func (m *Machine) emitState(s Session) {
	if fn := m.obs.OnStateChange; fn != nil {
		m.notes.put(func() { fn(s) })
	}
}

func (m *Machine) emitProgress(s Session) {
	if fn := m.obs.OnProgress; fn != nil {
		m.notes.put(func() { fn(s) })
	}
}

func (m *Machine) emitIncoming(s Session) {
	if fn := m.obs.OnIncomingCall; fn != nil {
		m.notes.put(func() { fn(s) })
	}
}

func (m *Machine) emitTrack(s Session, t *webrtc.TrackRemote) {
	if fn := m.obs.OnRemoteTrack; fn != nil {
		m.notes.put(func() { fn(s, t) })
	}
}

func (m *Machine) emitLink(s Session, ls transport.LinkState) {
	if fn := m.obs.OnLinkChange; fn != nil {
		m.notes.put(func() { fn(s, ls) })
	}
}

func (m *Machine) emitDegraded(s Session) {
	if fn := m.obs.OnDegraded; fn != nil {
		m.notes.put(func() { fn(s, ErrConfigurationDegraded) })
	}
}

// ---------------------------------------------------------------------------
// Signaling and transport glue
// ---------------------------------------------------------------------------

// send writes msg to the channel. Failures are logged; the state machine
// never waits on the peer.
func (m *Machine) send(msg signaling.Message) error {
	msg.Head().From = m.local
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := m.ch.Send(ctx, msg); err != nil {
		util.LogWarning("Failed to send %s for call %s: %v", msg.Event(), msg.Head().CallID, err)
		return err
	}
	return nil
}

// connObserver routes transport events for call id back into the queue.
func (m *Machine) connObserver(id domain.CallID) transport.Observer {
	return transport.Observer{
		OnLocalCandidate: func(c webrtc.ICECandidateInit) {
			m.inbox.put(localCandidate{callID: id, candidate: c})
		},
		OnRemoteTrack: func(t *webrtc.TrackRemote) {
			m.inbox.put(remoteTrack{callID: id, track: t})
		},
		OnLinkStateChanged: func(s transport.LinkState) {
			m.inbox.put(linkChanged{callID: id, state: s})
		},
		OnRestartOffer: func(d webrtc.SessionDescription) {
			m.inbox.put(restartOffer{callID: id, desc: d})
		},
	}
}
