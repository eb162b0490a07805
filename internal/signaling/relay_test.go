package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/duocall/internal/domain"
	"github.com/1ureka/duocall/internal/iceconfig"
)

// inbox collects every message a client receives.
type inbox chan Message

func (in inbox) next(t *testing.T) Message {
	t.Helper()
	select {
	case msg := <-in:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a signaling message")
		return nil
	}
}

func startRelay(t *testing.T, servers []iceconfig.Server) (*Relay, *httptest.Server) {
	t.Helper()
	relay := NewRelay(servers)
	srv := httptest.NewServer(relay.Handler())
	t.Cleanup(srv.Close)
	return relay, srv
}

func connectUser(t *testing.T, relay *Relay, srv *httptest.Server, user domain.UserID) (*Client, inbox) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	c, err := Dial(ctx, wsURL, user)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	in := make(inbox, 16)
	for _, ev := range Events {
		c.On(ev, func(m Message) { in <- m })
	}
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return relay.Online(user) }, 2*time.Second, 10*time.Millisecond)
	return c, in
}

// dialRaw registers user with a bare WebSocket so tests can send frames the
// typed client would refuse to encode.
func dialRaw(t *testing.T, relay *Relay, srv *httptest.Server, user domain.UserID) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user=" + string(user)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return relay.Online(user) }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, sonic.Unmarshal(data, &frame))
	return frame
}

func TestRelayRepliesUserOfflineToUnparseableOffer(t *testing.T) {
	relay, srv := startRelay(t, nil)
	alice := dialRaw(t, relay, srv, "alice")

	frame := `{"event":"call:offer","payload":{"callId":"c7","to":"carol","type":"audio","offer":{"type":"bogus"}}}`
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(frame)))

	got := readFrame(t, alice)
	assert.Equal(t, string(EventUserOffline), got["event"])
	payload, ok := got["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "c7", payload["callId"])
	assert.Equal(t, "carol", payload["from"])
	assert.Equal(t, "alice", payload["to"])
}

func TestRelayForwardsPayloadVerbatim(t *testing.T) {
	relay, srv := startRelay(t, nil)
	alice := dialRaw(t, relay, srv, "alice")
	bob := dialRaw(t, relay, srv, "bob")

	frame := `{"event":"call:offer","payload":{"callId":"c8","from":"mallory","to":"bob","type":"video","offer":{"type":"bogus","sdp":"x"},"extra":7}}`
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(frame)))

	got := readFrame(t, bob)
	assert.Equal(t, string(EventOffer), got["event"])
	payload, ok := got["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alice", payload["from"])
	assert.Equal(t, "bob", payload["to"])
	assert.Equal(t, "video", payload["type"])
	assert.EqualValues(t, 7, payload["extra"])
	assert.Equal(t, map[string]any{"type": "bogus", "sdp": "x"}, payload["offer"])
}

func TestRelayDropsFramesWithoutCallID(t *testing.T) {
	relay, srv := startRelay(t, nil)
	alice := dialRaw(t, relay, srv, "alice")
	_, bobIn := connectUser(t, relay, srv, "bob")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"event":"call:ringing","payload":{"to":"bob"}}`)))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"event":"call:ringing","payload":{"callId":"c3","to":"bob"}}`)))

	msg := bobIn.next(t)
	assert.Equal(t, domain.CallID("c3"), msg.Head().CallID)
	assert.Equal(t, domain.UserID("alice"), msg.Head().From)
}

func TestRelayForwardsAndStampsSender(t *testing.T) {
	relay, srv := startRelay(t, nil)
	alice, _ := connectUser(t, relay, srv, "alice")
	_, bobIn := connectUser(t, relay, srv, "bob")

	err := alice.Send(context.Background(), &Ringing{Header: Header{CallID: "c1", From: "mallory", To: "bob"}})
	require.NoError(t, err)

	msg := bobIn.next(t)
	require.IsType(t, &Ringing{}, msg)
	assert.Equal(t, domain.CallID("c1"), msg.Head().CallID)
	assert.Equal(t, domain.UserID("alice"), msg.Head().From)
}

func TestRelayRepliesUserOffline(t *testing.T) {
	relay, srv := startRelay(t, nil)
	alice, aliceIn := connectUser(t, relay, srv, "alice")

	err := alice.Send(context.Background(), &Offer{
		Header: Header{CallID: "c9", To: "carol"},
		Type:   domain.CallAudio,
		Offer:  webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"},
	})
	require.NoError(t, err)

	msg := aliceIn.next(t)
	require.IsType(t, &UserOffline{}, msg)
	assert.Equal(t, domain.CallID("c9"), msg.Head().CallID)
	assert.Equal(t, domain.UserID("carol"), msg.Head().From)

	// Non-offer traffic to an offline user is dropped silently.
	require.NoError(t, alice.Send(context.Background(), &Ended{Header: Header{CallID: "c9", To: "carol"}}))
	select {
	case m := <-aliceIn:
		t.Fatalf("unexpected reply %s", m.Event())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelayReconnectReplacesConnection(t *testing.T) {
	relay, srv := startRelay(t, nil)
	alice, _ := connectUser(t, relay, srv, "alice")
	first, _ := connectUser(t, relay, srv, "bob")
	_, secondIn := connectUser(t, relay, srv, "bob")

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("first connection should be closed")
	}

	require.NoError(t, alice.Send(context.Background(), &Ringing{Header: Header{CallID: "c2", To: "bob"}}))
	assert.Equal(t, EventRinging, secondIn.next(t).Event())
}

func TestRelayRequiresUser(t *testing.T) {
	_, srv := startRelay(t, nil)
	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClientSendAfterClose(t *testing.T) {
	relay, srv := startRelay(t, nil)
	alice, _ := connectUser(t, relay, srv, "alice")

	require.NoError(t, alice.Close())
	assert.NoError(t, alice.Close())
	err := alice.Send(context.Background(), &Ringing{Header: Header{CallID: "c1", To: "bob"}})
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestConfigEndpointFeedsProvider(t *testing.T) {
	servers := []iceconfig.Server{
		{URLs: iceconfig.URLList{"stun:stun.example.org:3478"}},
		{URLs: iceconfig.URLList{"turn:turn.example.org:3478"}, Username: "u", Credential: "p"},
	}
	_, srv := startRelay(t, servers)

	provider := iceconfig.NewProvider(srv.URL + "/api/calls/webrtc-config")
	cfg := provider.Get(context.Background())
	assert.False(t, cfg.Degraded)
	assert.True(t, cfg.HasRelayServer)
	assert.Len(t, cfg.Servers, 2)
}

func TestConfigEndpointWithoutServers(t *testing.T) {
	_, srv := startRelay(t, nil)

	provider := iceconfig.NewProvider(srv.URL + "/api/calls/webrtc-config")
	cfg := provider.Get(context.Background())
	assert.True(t, cfg.Degraded, "a 503 must fall back to defaults")
}
