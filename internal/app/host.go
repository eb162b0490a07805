// Package app contains the top-level orchestration for the relay and phone
// modes.
package app

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/duocall/internal/config"
	"github.com/1ureka/duocall/internal/signaling"
	"github.com/1ureka/duocall/internal/util"
)

// RunRelay serves the signaling relay and the ICE config endpoint until ctx
// is cancelled.
//  1. Bind the listen address
//  2. Print where phones should connect
//  3. Route messages between connected users until shutdown
func RunRelay(ctx context.Context, cfg config.Relay) error {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}

	relay := signaling.NewRelay(cfg.Servers())
	printRelayBox(ln.Addr().String(), cfg)

	util.LogSuccess("relay listening on %s", ln.Addr())
	if err := relay.Serve(ctx, ln); err != nil {
		return fmt.Errorf("serving relay: %w", err)
	}
	return nil
}

func printRelayBox(addr string, cfg config.Relay) {
	ice := "none (phones fall back to public STUN)"
	if len(cfg.ICEServers) > 0 {
		urls := make([]string, 0, len(cfg.ICEServers))
		for _, s := range cfg.ICEServers {
			urls = append(urls, s.URLs...)
		}
		ice = strings.Join(urls, ", ")
	}

	pterm.DefaultBox.WithTitle("Signaling Relay").Println(strings.Join([]string{
		"Signaling : ws://" + addr + "/ws?user=<id>",
		"ICE config: http://" + addr + "/api/calls/webrtc-config",
		"ICE       : " + ice,
	}, "\n"))
	pterm.Println()
}
