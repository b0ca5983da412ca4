package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/rmbridge/internal/backend"
	"github.com/danmuck/rmbridge/internal/protocol/session"
)

type Role string

const (
	RoleBackend  Role = "backend"
	RoleFrontend Role = "frontend"
)

type Transport string

const (
	TransportMemory    Transport = "memory"
	TransportWebsocket Transport = "websocket"
	TransportNATS      Transport = "nats"
)

// Config is one process's runtime settings.
type Config struct {
	Role         Role
	Transport    Transport
	Session      session.Config
	MaxClients   int
	ValueCeiling uint64
	LogLevel     string
	Websocket    WebsocketConfig
	NATS         NATSConfig
	Admin        AdminConfig
}

type WebsocketConfig struct {
	// Listen is used by the backend, URL by the frontend.
	Listen string
	Path   string
	URL    string
	// Token is the shared peer secret; empty leaves the transport open.
	Token string
}

type NATSConfig struct {
	URL string
}

type AdminConfig struct {
	Listen string
}

func Default() Config {
	s := session.DefaultConfig()
	return Config{
		Role:       RoleBackend,
		Transport:  TransportWebsocket,
		Session:    s,
		MaxClients: backend.DefaultMaxClients,
		LogLevel:   "info",
		Websocket:  WebsocketConfig{Listen: ":9240", Path: "/mmrm", URL: "ws://127.0.0.1:9240/mmrm"},
		NATS:       NATSConfig{URL: "nats://127.0.0.1:4222"},
	}
}

// rmbridge config.toml key mapping.
type fileConfig struct {
	Label         string `toml:"label"`
	Identity      string `toml:"identity"`
	ExpectedPeer  string `toml:"expected_peer"`
	Role          string `toml:"role"`
	Transport     string `toml:"transport"`
	CallTimeout   string `toml:"call_timeout"`
	MaxFrameSize  int    `toml:"max_frame_size"`
	MaxRecvErrors int    `toml:"max_recv_errors"`
	MaxClients    int    `toml:"max_clients"`
	ValueCeiling  uint64 `toml:"value_ceiling"`
	LogLevel      string `toml:"log_level"`
	Websocket     struct {
		Listen string `toml:"listen"`
		Path   string `toml:"path"`
		URL    string `toml:"url"`
		Token  string `toml:"token"`
	} `toml:"websocket"`
	NATS struct {
		URL string `toml:"url"`
	} `toml:"nats"`
	Admin struct {
		Listen string `toml:"listen"`
	} `toml:"admin"`
	Backoff struct {
		Initial    string  `toml:"initial"`
		Multiplier float64 `toml:"multiplier"`
		Max        string  `toml:"max"`
		Jitter     bool    `toml:"jitter"`
	} `toml:"backoff"`
}

// Load decodes path over Default. Only keys present in the file override.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}

	defined := func(key string) bool { return meta.IsDefined(strings.Split(key, ".")...) }
	str := func(key, v string, dst *string) {
		if defined(key) {
			*dst = strings.TrimSpace(v)
		}
	}
	str("label", raw.Label, &cfg.Session.Label)
	str("identity", raw.Identity, &cfg.Session.Identity)
	str("expected_peer", raw.ExpectedPeer, &cfg.Session.ExpectedPeer)
	str("log_level", raw.LogLevel, &cfg.LogLevel)
	str("websocket.listen", raw.Websocket.Listen, &cfg.Websocket.Listen)
	str("websocket.path", raw.Websocket.Path, &cfg.Websocket.Path)
	str("websocket.url", raw.Websocket.URL, &cfg.Websocket.URL)
	str("websocket.token", raw.Websocket.Token, &cfg.Websocket.Token)
	str("nats.url", raw.NATS.URL, &cfg.NATS.URL)
	str("admin.listen", raw.Admin.Listen, &cfg.Admin.Listen)

	if defined("role") {
		cfg.Role = Role(strings.ToLower(strings.TrimSpace(raw.Role)))
	}
	if defined("transport") {
		cfg.Transport = Transport(strings.ToLower(strings.TrimSpace(raw.Transport)))
	}
	if defined("max_frame_size") {
		cfg.Session.MaxFrameSize = raw.MaxFrameSize
	}
	if defined("max_recv_errors") {
		cfg.Session.MaxRecvErrors = raw.MaxRecvErrors
	}
	if defined("max_clients") {
		cfg.MaxClients = raw.MaxClients
	}
	if defined("value_ceiling") {
		cfg.ValueCeiling = raw.ValueCeiling
	}

	dur := func(key, v string, dst *time.Duration) error {
		if !defined(key) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config parse failed (%s): %s: %w", path, key, err)
		}
		*dst = d
		return nil
	}
	if err := dur("call_timeout", raw.CallTimeout, &cfg.Session.CallTimeout); err != nil {
		return Config{}, err
	}
	if err := dur("backoff.initial", raw.Backoff.Initial, &cfg.Session.Backoff.InitialDelay); err != nil {
		return Config{}, err
	}
	if err := dur("backoff.max", raw.Backoff.Max, &cfg.Session.Backoff.MaxDelay); err != nil {
		return Config{}, err
	}
	if defined("backoff.multiplier") {
		cfg.Session.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if defined("backoff.jitter") {
		cfg.Session.Backoff.Jitter = raw.Backoff.Jitter
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	switch cfg.Role {
	case RoleBackend, RoleFrontend:
	default:
		return fmt.Errorf("config: unknown role %q", cfg.Role)
	}
	if strings.TrimSpace(cfg.Session.Identity) == "" {
		return fmt.Errorf("config: identity is required")
	}
	if strings.TrimSpace(cfg.Session.ExpectedPeer) == "" {
		return fmt.Errorf("config: expected_peer is required")
	}
	if cfg.Session.Identity == cfg.Session.ExpectedPeer {
		return fmt.Errorf("config: identity and expected_peer must differ")
	}
	if cfg.Session.CallTimeout <= 0 {
		return fmt.Errorf("config: call_timeout must be positive")
	}
	if cfg.MaxClients <= 0 {
		return fmt.Errorf("config: max_clients must be positive")
	}
	switch cfg.Transport {
	case TransportMemory:
	case TransportWebsocket:
		if cfg.Role == RoleBackend && strings.TrimSpace(cfg.Websocket.Listen) == "" {
			return fmt.Errorf("config: websocket.listen is required for the backend")
		}
		if cfg.Role == RoleFrontend && strings.TrimSpace(cfg.Websocket.URL) == "" {
			return fmt.Errorf("config: websocket.url is required for the frontend")
		}
	case TransportNATS:
		if strings.TrimSpace(cfg.NATS.URL) == "" {
			return fmt.Errorf("config: nats.url is required")
		}
	default:
		return fmt.Errorf("config: unknown transport %q", cfg.Transport)
	}
	return nil
}
