package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/1ureka/duocall/internal/call"
	"github.com/1ureka/duocall/internal/config"
	"github.com/1ureka/duocall/internal/domain"
	"github.com/1ureka/duocall/internal/iceconfig"
	"github.com/1ureka/duocall/internal/media"
	"github.com/1ureka/duocall/internal/signaling"
	"github.com/1ureka/duocall/internal/transport"
	"github.com/1ureka/duocall/internal/util"
)

// RunPhone connects to the relay as cfg.User and drives the call machine
// from commands read on in, until ctx is cancelled, the relay goes away or
// the user quits.
//  1. Connect to the relay's signaling endpoint
//  2. Start the call machine with the relay-backed ICE config
//  3. Execute commands until shutdown
func RunPhone(ctx context.Context, cfg config.Call, src media.Source, in io.Reader, opts ...transport.Option) error {
	wsURL, err := cfg.SignalingURL()
	if err != nil {
		return err
	}
	configURL, err := cfg.ConfigURL()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ── 1. Signaling ───────────────────────────────────────────────────
	client, err := signaling.Dial(ctx, wsURL, cfg.UserID())
	if err != nil {
		return err
	}
	defer client.Close()

	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			util.LogError("signaling connection lost: %v", err)
		}
		cancel()
	}()

	// ── 2. Call machine ────────────────────────────────────────────────
	provider := iceconfig.NewProvider(configURL, iceconfig.WithTTL(cfg.ConfigTTL))
	m := call.New(ctx, cfg.UserID(), client, call.Deps{
		Config:  provider,
		Media:   media.NewAcquirer(src),
		Connect: call.TransportFactory(opts...),
	}, call.WithTimeout(cfg.Timeout), call.WithObserver(phoneObserver()))
	defer m.Close()

	util.LogSuccess("connected to relay as %q", cfg.User)
	printHelp()

	// ── 3. Command loop ────────────────────────────────────────────────
	lines := make(chan string)
	go readLines(ctx, in, lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, err := parseCommand(line)
			if err != nil {
				util.LogWarning("%v", err)
				continue
			}
			if cmd.op == opQuit {
				return nil
			}
			if err := execute(ctx, m, cmd); err != nil {
				util.LogWarning("%s", call.StatusText(err))
			}
		}
	}
}

func readLines(ctx context.Context, in io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		select {
		case out <- sc.Text():
		case <-ctx.Done():
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

type op int

const (
	opNone op = iota
	opCall
	opAccept
	opReject
	opHangup
	opStatus
	opHelp
	opQuit
)

type command struct {
	op       op
	remote   domain.UserID
	callType domain.CallType
}

var errUnknownCommand = errors.New("unknown command (type 'help')")

// parseCommand reads one line of phone input. Blank lines parse to opNone.
func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{op: opNone}, nil
	}

	switch strings.ToLower(fields[0]) {
	case "call", "c":
		if len(fields) < 2 || len(fields) > 3 {
			return command{}, errors.New("usage: call <user> [audio|video]")
		}
		ct := domain.CallAudio
		if len(fields) == 3 {
			var err error
			if ct, err = domain.ParseCallType(fields[2]); err != nil {
				return command{}, err
			}
		}
		return command{op: opCall, remote: domain.UserID(fields[1]), callType: ct}, nil
	case "accept", "a":
		return command{op: opAccept}, nil
	case "reject", "r":
		return command{op: opReject}, nil
	case "hangup", "h", "end":
		return command{op: opHangup}, nil
	case "status", "s":
		return command{op: opStatus}, nil
	case "help", "?":
		return command{op: opHelp}, nil
	case "quit", "q", "exit":
		return command{op: opQuit}, nil
	default:
		return command{}, errUnknownCommand
	}
}

func execute(ctx context.Context, m *call.Machine, cmd command) error {
	switch cmd.op {
	case opCall:
		s, err := m.InitiateCall(ctx, cmd.remote, cmd.callType)
		if err != nil {
			return err
		}
		util.LogInfo("calling %s (%s, %s)...", s.Participants.Remote, s.Type, s.Tier)
	case opAccept:
		_, err := m.AcceptCall(ctx)
		return err
	case opReject:
		return m.RejectCall(ctx)
	case opHangup:
		return m.EndCall(ctx)
	case opStatus:
		s, ok := m.Session()
		if !ok {
			pterm.Println("idle")
			return nil
		}
		pterm.Println(describe(s))
	case opHelp:
		printHelp()
	}
	return nil
}

func printHelp() {
	pterm.DefaultTable.WithData(pterm.TableData{
		{"Command", "Action"},
		{"call <user> [audio|video]", "place a call"},
		{"accept / reject", "answer the incoming call"},
		{"hangup", "end or cancel the current call"},
		{"status", "show the current call"},
		{"quit", "leave"},
	}).WithHasHeader().Render()
}

// ---------------------------------------------------------------------------
// Observer
// ---------------------------------------------------------------------------

func phoneObserver() call.Observer {
	return call.Observer{
		OnStateChange: func(s call.Session) {
			switch s.State {
			case call.StateConnected:
				util.LogSuccess("connected with %s", s.Participants.Remote)
			case call.StateEnded:
				if s.Err != nil {
					util.LogWarning("%s", call.StatusText(s.Err))
				} else {
					util.LogInfo("call with %s ended after %s", s.Participants.Remote, s.Duration().Round(time.Second))
				}
			default:
				util.LogDebug("call %s: %s", s.CallID, s.State)
			}
		},
		OnProgress: func(s call.Session) {
			if s.RemoteRinging {
				util.LogInfo("%s's phone is ringing", s.Participants.Remote)
			}
		},
		OnIncomingCall: func(s call.Session) {
			pterm.DefaultBox.WithTitle("Incoming call").Println(
				fmt.Sprintf("%s is calling (%s)\naccept or reject", s.Participants.Remote, s.Type))
		},
		OnRemoteTrack: func(s call.Session, t *webrtc.TrackRemote) {
			util.LogInfo("receiving %s from %s (%s)", t.Kind(), s.Participants.Remote, t.Codec().MimeType)
			go drain(t)
		},
		OnLinkChange: func(s call.Session, ls transport.LinkState) {
			util.LogDebug("call %s: media path %s", s.CallID, ls)
		},
		OnDegraded: func(_ call.Session, err error) {
			util.LogWarning("%s", call.StatusText(err))
		},
	}
}

// drain reads and discards remote RTP so the receiver's buffers keep moving.
func drain(t *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := t.Read(buf); err != nil {
			return
		}
	}
}

func describe(s call.Session) string {
	dir := "to"
	if s.Direction == call.Incoming {
		dir = "from"
	}
	line := fmt.Sprintf("%s %s call %s %s", s.State, s.Type, dir, s.Participants.Remote)
	if s.State == call.StateConnected {
		line += fmt.Sprintf(" for %s", s.Duration().Round(time.Second))
	}
	return line
}
