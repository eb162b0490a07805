// Package transport wraps a pion PeerConnection for a single call: local
// tracks out, remote tracks in, trickled candidates both ways, and one
// automatic ICE restart when the link fails.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/iceconfig"
	"github.com/1ureka/duocall/internal/media"
	"github.com/1ureka/duocall/internal/util"
)

// DefaultRestartWindow is how long a restarted link may take to reconnect
// before the failure is reported.
const DefaultRestartWindow = 10 * time.Second

var ErrClosed = errors.New("transport closed")

// Observer receives the transport's events. Callbacks run on pion's
// goroutines and must not block for long. Nil callbacks are skipped.
type Observer struct {
	OnLocalCandidate   func(webrtc.ICECandidateInit)
	OnRemoteTrack      func(*webrtc.TrackRemote)
	OnLinkStateChanged func(LinkState)

	// OnRestartOffer carries the ICE-restart offer that must reach the peer.
	OnRestartOffer func(webrtc.SessionDescription)
}

// Transport is one PeerConnection plus the bookkeeping the call layer needs.
//
// Remote candidates that arrive before the remote description are queued and
// applied as soon as it is set. The first "failed" link state is absorbed:
// the offering side restarts ICE, the answering side waits for that restart.
// Only if the link is still down after the restart window (or fails again)
// is LinkFailed reported, and it is reported once.
type Transport struct {
	pc            *webrtc.PeerConnection
	obs           Observer
	restartWindow time.Duration

	mu           sync.Mutex
	state        LinkState
	offerer      bool
	remoteSet    bool
	pending      []webrtc.ICECandidateInit
	restarted    bool
	restartTimer *time.Timer
	closed       bool

	failedOnce sync.Once
	closeOnce  sync.Once
	closeErr   error
}

type options struct {
	settings      webrtc.SettingEngine
	codecs        func(*webrtc.MediaEngine) error
	restartWindow time.Duration
}

// Option configures New.
type Option func(*options)

// WithSettingEngine replaces the default pion SettingEngine (tests use it to
// plug in a virtual network).
func WithSettingEngine(se webrtc.SettingEngine) Option {
	return func(o *options) { o.settings = se }
}

// WithCodecs registers codecs instead of pion's defaults, e.g. a
// mediadevices CodecSelector's Populate.
func WithCodecs(register func(*webrtc.MediaEngine) error) Option {
	return func(o *options) { o.codecs = register }
}

func WithRestartWindow(d time.Duration) Option {
	return func(o *options) { o.restartWindow = d }
}

// New creates a PeerConnection configured with cfg's ICE servers.
func New(cfg iceconfig.Config, obs Observer, opts ...Option) (*Transport, error) {
	o := options{
		codecs:        func(m *webrtc.MediaEngine) error { return m.RegisterDefaultCodecs() },
		restartWindow: DefaultRestartWindow,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.settings.LoggerFactory == nil {
		o.settings.LoggerFactory = util.PionLoggerFactory()
	}

	m := &webrtc.MediaEngine{}
	if err := o.codecs(m); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("registering interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(o.settings),
	)
	pc, err := api.NewPeerConnection(cfg.WebRTC())
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	t := &Transport{
		pc:            pc,
		obs:           obs,
		restartWindow: o.restartWindow,
		state:         LinkConnecting,
	}

	// Trickle ICE: a nil candidate only marks the end of gathering.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || t.isClosed() {
			return
		}
		if fn := t.obs.OnLocalCandidate; fn != nil {
			fn(c.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		util.LogDebug("remote track: kind=%s codec=%s id=%s", track.Kind(), track.Codec().MimeType, track.ID())
		if fn := t.obs.OnRemoteTrack; fn != nil && !t.isClosed() {
			fn(track)
		}
	})

	pc.OnConnectionStateChange(t.handleState)

	return t, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// LinkState returns the last link state seen.
func (t *Transport) LinkState() LinkState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Close shuts the PeerConnection down. Observer callbacks stop immediately;
// repeated calls return the first result.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		if t.restartTimer != nil {
			t.restartTimer.Stop()
		}
		t.pending = nil
		t.mu.Unlock()

		t.closeErr = t.pc.Close()
	})
	return t.closeErr
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// AddLocalTracks attaches every track of h. RTCP from each sender is drained
// so interceptors (NACK, reports) keep working.
func (t *Transport) AddLocalTracks(h *media.LocalHandle) error {
	if t.isClosed() {
		return ErrClosed
	}
	for _, track := range h.Tracks() {
		sender, err := t.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("adding %s track: %w", track.Kind(), err)
		}
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer and applies it locally. The side that
// offers is also the side that restarts ICE.
func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	if t.isClosed() {
		return webrtc.SessionDescription{}, ErrClosed
	}
	t.mu.Lock()
	t.offerer = true
	t.mu.Unlock()

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}
	return offer, nil
}

// CreateAnswer applies the remote offer (initial or ICE restart) and returns
// the local answer.
func (t *Transport) CreateAnswer(remoteOffer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := t.SetRemoteDescription(remoteOffer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}
	return answer, nil
}

// SetRemoteDescription applies the remote SDP and flushes queued candidates.
func (t *Transport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if t.isClosed() {
		return ErrClosed
	}
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	t.mu.Lock()
	t.remoteSet = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			util.LogWarning("applying queued candidate: %v", err)
		}
	}
	if len(pending) > 0 {
		util.LogDebug("applied %d queued remote candidate(s)", len(pending))
	}
	return nil
}

// AddRemoteCandidate applies a peer candidate, or queues it while no remote
// description is set.
func (t *Transport) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if !t.remoteSet {
		t.pending = append(t.pending, c)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("adding candidate: %w", err)
	}
	return nil
}

// PendingCandidates reports how many remote candidates are queued.
func (t *Transport) PendingCandidates() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// ---------------------------------------------------------------------------
// Link state and restart
// ---------------------------------------------------------------------------

func (t *Transport) handleState(s webrtc.PeerConnectionState) {
	util.LogDebug("PeerConnection state: %s", s.String())

	switch s {
	case webrtc.PeerConnectionStateFailed:
		t.handleFailed()
	case webrtc.PeerConnectionStateConnected:
		t.mu.Lock()
		if t.restartTimer != nil {
			t.restartTimer.Stop()
			t.restartTimer = nil
		}
		t.mu.Unlock()
		t.report(LinkConnected)
	default:
		if ls, ok := linkStateOf(s); ok {
			t.report(ls)
		}
	}
}

func (t *Transport) handleFailed() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.restarted {
		t.mu.Unlock()
		t.reportFailed()
		return
	}
	t.restarted = true
	t.state = LinkFailed
	offerer := t.offerer
	t.restartTimer = time.AfterFunc(t.restartWindow, func() {
		if t.LinkState() == LinkConnected {
			return
		}
		// A restart on a live path may not pass through another state change.
		if t.pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
			t.report(LinkConnected)
			return
		}
		util.LogWarning("link did not recover within %s", t.restartWindow)
		t.reportFailed()
	})
	t.mu.Unlock()

	if !offerer {
		util.LogWarning("link failed, waiting for the peer to restart ICE")
		return
	}

	util.LogWarning("link failed, restarting ICE")
	if err := t.restart(); err != nil {
		util.LogError("ICE restart failed: %v", err)
		t.reportFailed()
	}
}

func (t *Transport) restart() error {
	offer, err := t.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return fmt.Errorf("creating restart offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	if fn := t.obs.OnRestartOffer; fn != nil {
		fn(offer)
	}
	return nil
}

func (t *Transport) reportFailed() {
	t.failedOnce.Do(func() { t.report(LinkFailed) })
}

func (t *Transport) report(s LinkState) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()

	if fn := t.obs.OnLinkStateChanged; fn != nil {
		fn(s)
	}
}
