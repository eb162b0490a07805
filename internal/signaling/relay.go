package signaling

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/1ureka/duocall/internal/domain"
	"github.com/1ureka/duocall/internal/iceconfig"
	"github.com/1ureka/duocall/internal/util"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxFrameSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Relay routes signaling frames between connected users and serves the
// WebRTC configuration endpoint.
type Relay struct {
	servers []iceconfig.Server

	mu    sync.RWMutex
	peers map[domain.UserID]*peer
}

// peer is one registered WebSocket connection.
type peer struct {
	id   domain.UserID
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *peer) ping() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// NewRelay creates a relay that hands out servers from its config endpoint.
func NewRelay(servers []iceconfig.Server) *Relay {
	return &Relay{
		servers: servers,
		peers:   make(map[domain.UserID]*peer),
	}
}

// Handler returns the relay's HTTP routes.
func (r *Relay) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/ws", r.handleWS)
	router.Get("/api/calls/webrtc-config", r.handleConfig)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return router
}

// Serve runs the relay on ln until ctx is cancelled, then shuts down and
// disconnects every peer.
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: r.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		r.disconnectAll()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	r.disconnectAll()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

// Online reports whether user has a live connection.
func (r *Relay) Online(user domain.UserID) bool {
	return r.lookup(user) != nil
}

func (r *Relay) lookup(user domain.UserID) *peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[user]
}

// register installs p, closing any older connection for the same user.
func (r *Relay) register(p *peer) {
	r.mu.Lock()
	old := r.peers[p.id]
	r.peers[p.id] = p
	r.mu.Unlock()

	if old != nil {
		util.LogWarning("User %s reconnected; dropping previous connection", p.id)
		_ = old.conn.Close()
	}
}

func (r *Relay) unregister(p *peer) {
	r.mu.Lock()
	if r.peers[p.id] == p {
		delete(r.peers, p.id)
	}
	r.mu.Unlock()
}

func (r *Relay) disconnectAll() {
	r.mu.Lock()
	peers := r.peers
	r.peers = make(map[domain.UserID]*peer)
	r.mu.Unlock()

	for _, p := range peers {
		_ = p.conn.Close()
	}
}

func (r *Relay) handleWS(w http.ResponseWriter, req *http.Request) {
	user := domain.UserID(req.URL.Query().Get("user"))
	if user == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	p := &peer{id: user, conn: conn}
	r.register(p)
	util.LogInfo("User %s connected", user)

	done := make(chan struct{})
	go r.keepAlive(p, done)

	r.readLoop(p)

	close(done)
	r.unregister(p)
	_ = conn.Close()
	util.LogInfo("User %s disconnected", user)
}

func (r *Relay) keepAlive(p *peer, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := p.ping(); err != nil {
				return
			}
		}
	}
}

func (r *Relay) readLoop(p *peer) {
	p.conn.SetReadLimit(maxFrameSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))

		f, err := DecodeFrame(data)
		if err != nil {
			util.LogWarning("Relay dropped frame from %s: %v", p.id, err)
			continue
		}
		r.route(p, f)
	}
}

// route forwards f to its recipient. The sender is stamped from the
// connection's identity and the rest of the payload is passed through
// untouched. Offers to unknown users are answered with call:user_offline;
// anything else to an unknown user is dropped.
func (r *Relay) route(from *peer, f *Frame) {
	h := &f.Header
	h.From = from.id

	target := r.lookup(h.To)
	if target == nil {
		util.LogDebug("Relay: %s for offline user %s", f.Event, h.To)
		r.replyOffline(from, f)
		return
	}

	data, err := f.Encode()
	if err != nil {
		util.LogError("Relay failed to encode %s: %v", f.Event, err)
		return
	}
	if err := target.write(data); err != nil {
		util.LogWarning("Relay failed to deliver %s to %s: %v", f.Event, h.To, err)
		r.replyOffline(from, f)
	}
}

func (r *Relay) replyOffline(from *peer, f *Frame) {
	if f.Event != EventOffer {
		return
	}
	r.reply(from, &UserOffline{Header: Header{CallID: f.Header.CallID, From: f.Header.To, To: from.id}})
}

func (r *Relay) reply(p *peer, msg Message) {
	data, err := Encode(msg)
	if err != nil {
		return
	}
	_ = p.write(data)
}

func (r *Relay) handleConfig(w http.ResponseWriter, _ *http.Request) {
	if len(r.servers) == 0 {
		http.Error(w, "no ICE servers configured", http.StatusServiceUnavailable)
		return
	}

	body, err := sonic.Marshal(iceconfig.NewResponse(r.servers, time.Now()))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
