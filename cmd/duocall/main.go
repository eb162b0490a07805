// Duocall CLI entry point.
//
// This tool places one-to-one audio and video calls over WebRTC. One instance
// runs as the signaling relay (-mode relay); every participant runs a phone
// (-mode call) that connects to it and calls other users by id.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags or a YAML file (-config).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone adapter
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/1ureka/duocall/internal/app"
	"github.com/1ureka/duocall/internal/config"
	"github.com/1ureka/duocall/internal/media"
	"github.com/1ureka/duocall/internal/transport"
	"github.com/1ureka/duocall/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Parse(os.Args[0], os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if cfg.Log.Debug {
		util.EnableDebug()
	}
	if cfg.Log.File != "" {
		closer := util.SetLogFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups)
		defer closer.Close()
	}

	pterm.Info.Println(fmt.Sprintf("Duocall — v%s", version))
	pterm.Println()

	if cfg.Mode == "" {
		cfg.Mode = askMode()
	}

	util.StartStatsReporter(ctx, cfg.Log.StatsInterval)

	switch cfg.Mode {
	case config.ModeRelay:
		if err := app.RunRelay(ctx, cfg.Relay); err != nil {
			util.LogError("relay stopped: %v", err)
			os.Exit(1)
		}
		util.LogInfo("relay shut down")

	case config.ModeCall:
		if cfg.Call.Server == "" {
			cfg.Call.Server = askServer()
		}
		if cfg.Call.UserID() == "" {
			cfg.Call.User = askUser()
		}
		runPhone(ctx, cfg.Call)
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runPhone wires real capture devices and encoders into the phone.
func runPhone(ctx context.Context, cfg config.Call) {
	codecs, err := newCodecSelector()
	if err != nil {
		util.LogError("failed to set up encoders: %v", err)
		os.Exit(1)
	}

	src := &media.DeviceSource{Codecs: codecs}
	populate := func(m *webrtc.MediaEngine) error {
		codecs.Populate(m)
		return nil
	}

	if err := app.RunPhone(ctx, cfg, src, os.Stdin, transport.WithCodecs(populate)); err != nil {
		util.LogError("phone stopped: %v", err)
		os.Exit(1)
	}
	util.LogInfo("successfully left the relay")
}

// newCodecSelector configures VP8 and Opus tuned for interactive calls.
func newCodecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000
	vpxParams.KeyFrameInterval = 60
	vpxParams.RateControlEndUsage = vpx.RateControlVBR

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askMode prompts for the run mode when no -mode flag is provided.
func askMode() config.Mode {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Call  — Join a relay and make calls", "Relay — Host the signaling relay"}).
		WithDefaultText("Select a mode").
		Show()

	pterm.Println()

	if strings.HasPrefix(choice, "Relay") {
		return config.ModeRelay
	}
	return config.ModeCall
}

// askServer prompts for the relay address until a valid one is entered.
func askServer() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Relay address (e.g. wss://relay.example.com)").
			Show()

		if _, err := config.NormalizeServer(raw); err == nil {
			pterm.Println()
			return strings.TrimSpace(raw)
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

// askUser prompts for a non-empty user id.
func askUser() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Your user id").
			Show()

		if user := strings.TrimSpace(raw); user != "" && !strings.ContainsAny(user, " \t") {
			pterm.Println()
			return user
		}

		util.LogWarning("invalid user id: must be non-empty without spaces")
		pterm.Println()
	}
}
