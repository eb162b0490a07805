package app

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/duocall/internal/call"
	"github.com/1ureka/duocall/internal/config"
	"github.com/1ureka/duocall/internal/domain"
	"github.com/1ureka/duocall/internal/media/mediatest"
	"github.com/1ureka/duocall/internal/signaling"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want command
	}{
		{"", command{op: opNone}},
		{"   ", command{op: opNone}},
		{"call bob", command{op: opCall, remote: "bob", callType: domain.CallAudio}},
		{"c bob video", command{op: opCall, remote: "bob", callType: domain.CallVideo}},
		{"CALL bob audio", command{op: opCall, remote: "bob", callType: domain.CallAudio}},
		{"accept", command{op: opAccept}},
		{"r", command{op: opReject}},
		{"hangup", command{op: opHangup}},
		{"end", command{op: opHangup}},
		{"status", command{op: opStatus}},
		{"?", command{op: opHelp}},
		{"q", command{op: opQuit}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseCommand(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCommandErrors(t *testing.T) {
	for _, line := range []string{"call", "call bob video extra", "call bob hologram", "dance"} {
		_, err := parseCommand(line)
		assert.Error(t, err, line)
	}
	_, err := parseCommand("dance")
	assert.ErrorIs(t, err, errUnknownCommand)
}

func TestDescribe(t *testing.T) {
	s := call.Session{
		State:        call.StateCalling,
		Type:         domain.CallVideo,
		Direction:    call.Outgoing,
		Participants: domain.Participants{Local: "alice", Remote: "bob"},
	}
	assert.Equal(t, "calling video call to bob", describe(s))

	s.Direction = call.Incoming
	s.State = call.StateConnecting
	assert.Equal(t, "connecting video call from bob", describe(s))
}

func TestRunPhoneQuits(t *testing.T) {
	relay := signaling.NewRelay(nil)
	srv := httptest.NewServer(relay.Handler())
	t.Cleanup(srv.Close)

	cfg := config.Default().Call
	cfg.Server = srv.URL
	cfg.User = "alice"

	in := strings.NewReader("status\nbogus\nhangup\nquit\n")
	done := make(chan error, 1)
	go func() { done <- RunPhone(context.Background(), cfg, &mediatest.Source{}, in) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunPhone did not return after quit")
	}
	assert.Eventually(t, func() bool { return !relay.Online("alice") }, 2*time.Second, 10*time.Millisecond)
}

func TestRunPhoneRejectsBadServer(t *testing.T) {
	cfg := config.Default().Call
	cfg.Server = "ftp://nowhere"
	cfg.User = "alice"
	err := RunPhone(context.Background(), cfg, &mediatest.Source{}, strings.NewReader(""))
	assert.Error(t, err)
}

func TestRunRelayStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunRelay(ctx, config.Relay{Listen: "127.0.0.1:0"}) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunRelay did not stop")
	}
}
