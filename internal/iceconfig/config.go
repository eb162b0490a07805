// Package iceconfig fetches, validates and caches the ICE server list
// (traversal-assist and relay servers) used to build peer connections.
package iceconfig

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"
)

// Public STUN servers used when the backend cannot be reached.
var defaultSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Server is one ICE server entry.
type Server struct {
	URLs       URLList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

// URLList accepts either a single URL string or an array of them, as
// browsers do for RTCIceServer.urls.
type URLList []string

func (l *URLList) UnmarshalJSON(data []byte) error {
	var one string
	if err := sonic.Unmarshal(data, &one); err == nil {
		*l = URLList{one}
		return nil
	}
	var many []string
	if err := sonic.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("urls must be a string or an array of strings: %w", err)
	}
	*l = many
	return nil
}

// Config is a validated, time-stamped ICE server configuration.
type Config struct {
	Servers        []Server
	HasRelayServer bool
	FetchedAt      time.Time
	ExpiresAt      time.Time

	// Degraded is set on the built-in fallback: no relay server is available,
	// so calls behind symmetric NATs may not connect.
	Degraded bool
}

// Stale reports whether the config should be refetched.
func (c Config) Stale(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// WebRTC converts the config into a pion Configuration.
func (c Config) WebRTC() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(c.Servers))
	for _, s := range c.Servers {
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		servers = append(servers, srv)
	}
	return webrtc.Configuration{ICEServers: servers}
}

// Default returns the built-in fallback: public STUN servers only.
func Default(now time.Time) Config {
	return Config{
		Servers:        []Server{{URLs: append(URLList(nil), defaultSTUN...)}},
		HasRelayServer: false,
		FetchedAt:      now,
		ExpiresAt:      now,
		Degraded:       true,
	}
}

// ---------------------------------------------------------------------------
// Wire format of GET /api/calls/webrtc-config
// ---------------------------------------------------------------------------

// Response is the body served by the configuration endpoint.
type Response struct {
	Configuration struct {
		ICEServers []Server `json:"iceServers"`
	} `json:"configuration"`
	HasTurnServer bool  `json:"hasTurnServer"`
	Timestamp     int64 `json:"timestamp"`
}

// NewResponse builds the endpoint body for the given servers.
func NewResponse(servers []Server, now time.Time) Response {
	var r Response
	r.Configuration.ICEServers = servers
	r.HasTurnServer = hasRelay(servers)
	r.Timestamp = now.UnixMilli()
	return r
}

var (
	ErrNoServers  = errors.New("configuration has no ICE servers")
	ErrBadURL     = errors.New("invalid ICE server URL")
	ErrNoResponse = errors.New("empty configuration response")
)

// Validate checks that every server carries at least one well-formed URL.
func (r *Response) Validate() error {
	if len(r.Configuration.ICEServers) == 0 {
		return ErrNoServers
	}
	for i, s := range r.Configuration.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("server %d: %w: no urls", i, ErrBadURL)
		}
		for _, u := range s.URLs {
			if !validScheme(u) {
				return fmt.Errorf("server %d: %w: %q", i, ErrBadURL, u)
			}
		}
	}
	return nil
}

// toConfig assumes r has been validated. A relay is only trusted when the
// body both claims one and actually lists a turn URL.
func (r *Response) toConfig(now time.Time, ttl time.Duration) Config {
	return Config{
		Servers:        r.Configuration.ICEServers,
		HasRelayServer: r.HasTurnServer && hasRelay(r.Configuration.ICEServers),
		FetchedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
}

func validScheme(u string) bool {
	for _, p := range []string{"stun:", "stuns:", "turn:", "turns:"} {
		if strings.HasPrefix(u, p) && len(u) > len(p) {
			return true
		}
	}
	return false
}

func hasRelay(servers []Server) bool {
	for _, s := range servers {
		for _, u := range s.URLs {
			if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
				return true
			}
		}
	}
	return false
}
