// Package config holds the CLI configuration: an optional YAML file, built-in
// defaults and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/1ureka/duocall/internal/domain"
	"github.com/1ureka/duocall/internal/iceconfig"
)

// Mode selects what the binary runs.
type Mode string

const (
	ModeRelay Mode = "relay"
	ModeCall  Mode = "call"
)

// Config stores every parameter of a run.
type Config struct {
	Mode  Mode  `yaml:"mode"`
	Relay Relay `yaml:"relay"`
	Call  Call  `yaml:"call"`
	Log   Log   `yaml:"log"`
}

// Relay configures the signaling relay and its ICE config endpoint.
type Relay struct {
	Listen     string      `yaml:"listen"`
	ICEServers []ICEServer `yaml:"ice_servers"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// Call configures the phone side.
type Call struct {
	Server    string        `yaml:"server"` // relay address, e.g. wss://relay.example.com
	User      string        `yaml:"user"`
	Timeout   time.Duration `yaml:"timeout"`    // unanswered outgoing calls end after this
	ConfigTTL time.Duration `yaml:"config_ttl"` // ICE config cache lifetime
}

type Log struct {
	Debug         bool          `yaml:"debug"`
	File          string        `yaml:"file"`
	MaxSizeMB     int           `yaml:"max_size_mb"`
	MaxBackups    int           `yaml:"max_backups"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Relay: Relay{Listen: "127.0.0.1:8080"},
		Call: Call{
			Timeout:   30 * time.Second,
			ConfigTTL: iceconfig.DefaultTTL,
		},
		Log: Log{
			MaxSizeMB:     10,
			MaxBackups:    3,
			StatsInterval: time.Minute,
		},
	}
}

// Load reads a YAML file on top of the defaults. An empty path yields the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()
	if err := Decode(f, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode merges YAML from r into cfg. Unknown keys are rejected. An empty or
// null document leaves cfg untouched.
func Decode(r io.Reader, cfg *Config) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	if len(doc) == 0 {
		return nil
	}
	if err := yaml.UnmarshalWithOptions(data, cfg, yaml.Strict()); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	return nil
}

// Parse builds the configuration from command-line arguments. The file named
// by -config is loaded first; flags that were set explicitly override it.
func Parse(name string, args []string) (Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	def := Default()

	path := fs.String("config", "", "Path to a YAML config file")
	mode := fs.String("mode", "", "Mode: relay or call (interactive when empty)")
	listen := fs.String("listen", def.Relay.Listen, "Relay listen address (relay only)")
	iceURLs := fs.String("ice", "", "Comma-separated ICE server URLs served by the relay (relay only)")
	server := fs.String("server", "", "Relay address to connect to (call only)")
	user := fs.String("user", "", "Your user id (call only)")
	timeout := fs.Duration("timeout", def.Call.Timeout, "Give up on unanswered calls after this long")
	debug := fs.Bool("debug", false, "Enable debug logging")
	logFile := fs.String("logFile", "", "Also write logs to this file, rotated by size")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg, err := Load(*path)
	if err != nil {
		return Config{}, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = Mode(*mode)
		case "listen":
			cfg.Relay.Listen = *listen
		case "ice":
			cfg.Relay.ICEServers = nil
			for _, u := range strings.Split(*iceURLs, ",") {
				if u = strings.TrimSpace(u); u != "" {
					cfg.Relay.ICEServers = append(cfg.Relay.ICEServers, ICEServer{URLs: []string{u}})
				}
			}
		case "server":
			cfg.Call.Server = *server
		case "user":
			cfg.Call.User = *user
		case "timeout":
			cfg.Call.Timeout = *timeout
		case "debug":
			cfg.Log.Debug = *debug
		case "logFile":
			cfg.Log.File = *logFile
		}
	})
	return cfg, cfg.Validate()
}

// Validate checks the fields that are known at parse time. The call server
// and user may still be empty and get prompted for.
func (c Config) Validate() error {
	switch c.Mode {
	case "", ModeRelay, ModeCall:
	default:
		return fmt.Errorf("invalid mode %q: must be 'relay' or 'call'", c.Mode)
	}
	if c.Call.Timeout <= 0 {
		return errors.New("call timeout must be positive")
	}
	if c.Call.ConfigTTL <= 0 {
		return errors.New("config ttl must be positive")
	}
	if c.Log.StatsInterval <= 0 {
		return errors.New("stats interval must be positive")
	}
	if c.Call.Server != "" {
		if _, err := NormalizeServer(c.Call.Server); err != nil {
			return err
		}
	}
	for i, s := range c.Relay.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice_servers[%d]: no urls", i)
		}
	}
	return nil
}

// Servers converts the relay's ICE server list.
func (r Relay) Servers() []iceconfig.Server {
	out := make([]iceconfig.Server, 0, len(r.ICEServers))
	for _, s := range r.ICEServers {
		out = append(out, iceconfig.Server{
			URLs:       iceconfig.URLList(s.URLs),
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// UserID returns the configured user.
func (c Call) UserID() domain.UserID { return domain.UserID(strings.TrimSpace(c.User)) }

// SignalingURL is the websocket endpoint of the relay.
func (c Call) SignalingURL() (string, error) {
	u, err := NormalizeServer(c.Server)
	if err != nil {
		return "", err
	}
	u.Path = "/ws"
	return u.String(), nil
}

// ConfigURL is the relay's ICE configuration endpoint.
func (c Call) ConfigURL() (string, error) {
	u, err := NormalizeServer(c.Server)
	if err != nil {
		return "", err
	}
	u.Scheme = strings.Replace(u.Scheme, "ws", "http", 1)
	u.Path = "/api/calls/webrtc-config"
	return u.String(), nil
}

// NormalizeServer parses a relay address into a ws or wss URL with no path.
// Bare hosts default to wss; http and https map to ws and wss.
func NormalizeServer(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid relay address: %s", raw)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("invalid relay address scheme: %s", u.Scheme)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}
