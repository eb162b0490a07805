package call_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/duocall/internal/call"
	"github.com/1ureka/duocall/internal/domain"
	"github.com/1ureka/duocall/internal/iceconfig"
	"github.com/1ureka/duocall/internal/media"
	"github.com/1ureka/duocall/internal/media/mediatest"
	"github.com/1ureka/duocall/internal/signaling"
	"github.com/1ureka/duocall/internal/transport"
)

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// fakeChannel records outbound messages and lets tests inject inbound ones.
type fakeChannel struct {
	signaling.Handlers

	mu   sync.Mutex
	sent []signaling.Message
	fail map[signaling.Event]error
}

var _ signaling.Channel = (*fakeChannel)(nil)

func (c *fakeChannel) Send(_ context.Context, msg signaling.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[msg.Event()]; err != nil {
		return err
	}
	c.sent = append(c.sent, msg)
	return nil
}

// deliver hands msg to the machine as the relay would.
func (c *fakeChannel) deliver(msg signaling.Message) {
	c.Dispatch(msg)
}

func (c *fakeChannel) failOn(ev signaling.Event, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail == nil {
		c.fail = make(map[signaling.Event]error)
	}
	c.fail[ev] = err
}

// sentOf returns every sent message of kind ev, in order.
func (c *fakeChannel) sentOf(ev signaling.Event) []signaling.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []signaling.Message
	for _, m := range c.sent {
		if m.Event() == ev {
			out = append(out, m)
		}
	}
	return out
}

// events lists the kinds of every sent message, in order.
func (c *fakeChannel) events() []signaling.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]signaling.Event, len(c.sent))
	for i, m := range c.sent {
		out[i] = m.Event()
	}
	return out
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

type staticConfig struct {
	cfg iceconfig.Config
}

func (s staticConfig) Get(context.Context) iceconfig.Config { return s.cfg }

func goodConfig() iceconfig.Config {
	return iceconfig.Config{
		Servers: []iceconfig.Server{
			{URLs: iceconfig.URLList{"stun:stun.example.org:3478"}},
			{URLs: iceconfig.URLList{"turn:turn.example.org:3478"}, Username: "u", Credential: "p"},
		},
		HasRelayServer: true,
	}
}

// ---------------------------------------------------------------------------
// Connection
// ---------------------------------------------------------------------------

// fakeConn is a Connection that records what the machine asked of it.
type fakeConn struct {
	cfg iceconfig.Config
	obs transport.Observer

	mu         sync.Mutex
	ops        []string
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closes     int
	remoteErr  error
}

var _ call.Connection = (*fakeConn)(nil)

func (c *fakeConn) record(op string) {
	c.mu.Lock()
	c.ops = append(c.ops, op)
	c.mu.Unlock()
}

func (c *fakeConn) AddLocalTracks(*media.LocalHandle) error {
	c.record("tracks")
	return nil
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.record("offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake-offer"}, nil
}

func (c *fakeConn) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.record("answer")
	c.mu.Lock()
	c.remote = append(c.remote, offer)
	c.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake-answer"}, nil
}

func (c *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.record("remote")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteErr != nil {
		return c.remoteErr
	}
	c.remote = append(c.remote, desc)
	return nil
}

func (c *fakeConn) AddRemoteCandidate(cand webrtc.ICECandidateInit) error {
	c.record("candidate")
	c.mu.Lock()
	c.candidates = append(c.candidates, cand)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) snapshot() (ops []string, remote []webrtc.SessionDescription, cands []webrtc.ICECandidateInit, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...), append([]webrtc.SessionDescription(nil), c.remote...),
		append([]webrtc.ICECandidateInit(nil), c.candidates...), c.closes
}

// connFactory hands out fakeConns and remembers them.
type connFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (f *connFactory) connect(cfg iceconfig.Config, obs transport.Observer) (call.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{cfg: cfg, obs: obs}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *connFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *connFactory) last(t *testing.T) *fakeConn {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.conns, "no connection was created")
	return f.conns[len(f.conns)-1]
}

// ---------------------------------------------------------------------------
// Observer
// ---------------------------------------------------------------------------

// recorder captures observer callbacks.
type recorder struct {
	mu       sync.Mutex
	states   []call.Session
	progress []call.Session
	incoming []call.Session
	degraded []error
	links    []transport.LinkState

	changed chan struct{}
}

func newRecorder() *recorder {
	return &recorder{changed: make(chan struct{}, 1)}
}

func (r *recorder) poke() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

func (r *recorder) observer() call.Observer {
	return call.Observer{
		OnStateChange: func(s call.Session) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
			r.poke()
		},
		OnProgress: func(s call.Session) {
			r.mu.Lock()
			r.progress = append(r.progress, s)
			r.mu.Unlock()
			r.poke()
		},
		OnIncomingCall: func(s call.Session) {
			r.mu.Lock()
			r.incoming = append(r.incoming, s)
			r.mu.Unlock()
			r.poke()
		},
		OnLinkChange: func(_ call.Session, ls transport.LinkState) {
			r.mu.Lock()
			r.links = append(r.links, ls)
			r.mu.Unlock()
			r.poke()
		},
		OnDegraded: func(_ call.Session, err error) {
			r.mu.Lock()
			r.degraded = append(r.degraded, err)
			r.mu.Unlock()
			r.poke()
		},
	}
}

func (r *recorder) stateList() []call.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]call.State, len(r.states))
	for i, s := range r.states {
		out[i] = s.State
	}
	return out
}

// lastState returns the most recent session snapshot seen in OnStateChange.
func (r *recorder) lastState() (call.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return call.Session{}, false
	}
	return r.states[len(r.states)-1], true
}

// ended returns the snapshot taken on entering Ended, if any.
func (r *recorder) ended() (call.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s.State == call.StateEnded {
			return s, true
		}
	}
	return call.Session{}, false
}

func (r *recorder) count(state call.State) int {
	n := 0
	for _, s := range r.stateList() {
		if s == state {
			n++
		}
	}
	return n
}

// waitFor blocks until cond holds or the deadline passes.
func (r *recorder) waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-r.changed:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msg)
		}
	}
}

func (r *recorder) waitState(t *testing.T, want call.State) {
	t.Helper()
	r.waitFor(t, func() bool {
		s, ok := r.lastState()
		return ok && s.State == want
	}, "state "+want.String())
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	m     *call.Machine
	ch    *fakeChannel
	src   *mediatest.Source
	conns *connFactory
	rec   *recorder
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	user    domain.UserID
	config  call.ConfigSource
	src     *mediatest.Source
	conns   *connFactory
	options []call.Option
}

func withSource(src *mediatest.Source) harnessOption {
	return func(c *harnessConfig) { c.src = src }
}

func withConfig(cs call.ConfigSource) harnessOption {
	return func(c *harnessConfig) { c.config = cs }
}

func withConnFactory(f *connFactory) harnessOption {
	return func(c *harnessConfig) { c.conns = f }
}

func withMachineOptions(opts ...call.Option) harnessOption {
	return func(c *harnessConfig) { c.options = append(c.options, opts...) }
}

func asUser(u domain.UserID) harnessOption {
	return func(c *harnessConfig) { c.user = u }
}

// newHarness starts a machine for "alice" with fake collaborators. On cleanup
// it closes the machine and checks that every recorded transition was legal.
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	hc := harnessConfig{
		user:   "alice",
		config: staticConfig{cfg: goodConfig()},
		src:    &mediatest.Source{},
		conns:  &connFactory{},
	}
	for _, opt := range opts {
		opt(&hc)
	}

	h := &harness{
		ch:    &fakeChannel{},
		src:   hc.src,
		conns: hc.conns,
		rec:   newRecorder(),
	}
	deps := call.Deps{
		Config:  hc.config,
		Media:   media.NewAcquirer(hc.src),
		Connect: hc.conns.connect,
	}
	machineOpts := append([]call.Option{call.WithObserver(h.rec.observer())}, hc.options...)
	h.m = call.New(context.Background(), hc.user, h.ch, deps, machineOpts...)

	t.Cleanup(func() {
		h.m.Close()
		assertLegalPath(t, h.rec.stateList())
	})
	return h
}

// sync waits until every input queued so far has been processed.
func (h *harness) sync() {
	_, _ = h.m.Session()
}

// state returns the machine's current state, Idle when there is no session.
func (h *harness) state() call.State {
	s, ok := h.m.Session()
	if !ok {
		return call.StateIdle
	}
	return s.State
}

// dial places an outgoing call to bob and returns the session.
func (h *harness) dial(t *testing.T, callType domain.CallType) call.Session {
	t.Helper()
	s, err := h.m.InitiateCall(context.Background(), "bob", callType)
	require.NoError(t, err)
	require.Equal(t, call.StateCalling, s.State)
	return s
}

// connect places a call to bob and has bob accept it.
func (h *harness) connect(t *testing.T) call.Session {
	t.Helper()
	s := h.dial(t, domain.CallAudio)
	h.ch.deliver(&signaling.Accepted{
		Header: signaling.Header{CallID: s.CallID, From: "bob", To: "alice"},
		Answer: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "bob-answer"},
	})
	h.sync()
	require.Equal(t, call.StateConnected, h.state())
	return s
}

// offerFrom delivers an incoming offer from remote.
func (h *harness) offerFrom(remote domain.UserID, id domain.CallID, callType domain.CallType) {
	h.ch.deliver(&signaling.Offer{
		Header: signaling.Header{CallID: id, From: remote, To: "alice"},
		Type:   callType,
		Offer:  webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"},
	})
}

// assertLegalPath checks that states, starting from Idle, only follow edges.
func assertLegalPath(t *testing.T, states []call.State) {
	t.Helper()
	prev := call.StateIdle
	for i, s := range states {
		if !call.CanTransition(prev, s) {
			t.Errorf("illegal transition #%d: %s → %s (path %v)", i, prev, s, states)
		}
		prev = s
	}
}

// trackCloses returns how often each handed-out track was stopped.
func trackCloses(src *mediatest.Source) []int {
	tracks := src.Tracks()
	out := make([]int, len(tracks))
	for i, tr := range tracks {
		out[i] = tr.Closes()
	}
	return out
}

var errBoom = errors.New("boom")
