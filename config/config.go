// Package config loads and validates the peervoice configuration file.
// Missing fields fall back to defaults so old config files keep working
// across upgrades.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/peervoice/peervoice/media"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Media     Media     `json:"media"`
	Call      Call      `json:"call"`
	Signaling Signaling `json:"signaling"`
	Storage   Storage   `json:"storage"`
}

type Identity struct {
	// UserID is this peer's stable identifier; it appears in call records
	// and signaling messages.
	UserID string `json:"user_id"`
}

type Media struct {
	STUNServers []string `json:"stun_servers"`

	// TURN relay, optional. All three fields required together.
	TURNURL        string `json:"turn_url"`
	TURNUsername   string `json:"turn_username"`
	TURNCredential string `json:"turn_credential"`

	CandidatePoolSize int `json:"candidate_pool_size"`

	// GatherDelayMs bounds the wait for initial ICE candidates before the
	// offer is sent; remaining candidates trickle.
	GatherDelayMs int `json:"gather_delay_ms"`

	// ICE liveness timing (seconds). 0 = library default.
	DisconnectedTimeoutSec int `json:"disconnected_timeout_sec"`
	FailedTimeoutSec       int `json:"failed_timeout_sec"`
	KeepAliveIntervalSec   int `json:"keep_alive_interval_sec"`
}

type Call struct {
	// RingTimeoutSec is how long an unanswered call rings before it is
	// marked missed on both sides.
	RingTimeoutSec int `json:"ring_timeout_sec"`
}

type Signaling struct {
	// Backend selects the signal transport: "memory", "redis", "pubsub",
	// or "websocket".
	Backend string `json:"backend"`

	// Redis backend.
	RedisAddr   string `json:"redis_addr"`
	RedisPrefix string `json:"redis_prefix"`

	// Libp2p pubsub backend.
	ListenPort int `json:"listen_port"`

	// Websocket backend. Base URL of the relay, e.g. "wss://sig.example.org/calls".
	WebsocketURL string `json:"websocket_url"`
}

type Storage struct {
	// Driver is "memory" or "sqlite".
	Driver string `json:"driver"`

	// DataDir holds the sqlite database. Relative paths resolve against
	// the working directory.
	DataDir string `json:"data_dir"`
}

func Default() Config {
	return Config{
		Media: Media{
			STUNServers:            append([]string(nil), media.DefaultSTUNServers...),
			CandidatePoolSize:      2,
			GatherDelayMs:          1000,
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
			KeepAliveIntervalSec:   2,
		},
		Call: Call{
			RingTimeoutSec: 30,
		},
		Signaling: Signaling{
			Backend:     "pubsub",
			RedisPrefix: "voice",
			ListenPort:  0,
		},
		Storage: Storage{
			Driver:  "sqlite",
			DataDir: "data",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}

	if len(c.Media.STUNServers) == 0 && c.Media.TURNURL == "" {
		return errors.New("media needs at least one stun server or a turn relay")
	}
	for _, s := range c.Media.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("media.stun_servers: %q must start with stun: or stuns:", s)
		}
	}
	if c.Media.TURNURL != "" {
		if !strings.HasPrefix(c.Media.TURNURL, "turn:") && !strings.HasPrefix(c.Media.TURNURL, "turns:") {
			return errors.New("media.turn_url must start with turn: or turns:")
		}
		if c.Media.TURNUsername == "" || c.Media.TURNCredential == "" {
			return errors.New("media.turn_url requires turn_username and turn_credential")
		}
	}
	if c.Media.CandidatePoolSize < 0 || c.Media.CandidatePoolSize > 10 {
		return errors.New("media.candidate_pool_size must be 0..10")
	}
	if c.Media.GatherDelayMs < 0 || c.Media.GatherDelayMs > 5000 {
		return errors.New("media.gather_delay_ms must be 0..5000")
	}
	if c.Media.DisconnectedTimeoutSec < 0 || c.Media.FailedTimeoutSec < 0 || c.Media.KeepAliveIntervalSec < 0 {
		return errors.New("media timeouts must be >= 0")
	}
	if c.Media.FailedTimeoutSec > 0 && c.Media.DisconnectedTimeoutSec > 0 &&
		c.Media.FailedTimeoutSec < c.Media.DisconnectedTimeoutSec {
		return errors.New("media.failed_timeout_sec must be >= disconnected_timeout_sec")
	}

	if c.Call.RingTimeoutSec < 5 || c.Call.RingTimeoutSec > 300 {
		return errors.New("call.ring_timeout_sec must be 5..300")
	}

	switch c.Signaling.Backend {
	case "memory", "pubsub":
	case "redis":
		if strings.TrimSpace(c.Signaling.RedisAddr) == "" {
			return errors.New("signaling.redis_addr is required for the redis backend")
		}
		if _, _, err := net.SplitHostPort(c.Signaling.RedisAddr); err != nil {
			return fmt.Errorf("signaling.redis_addr: %w", err)
		}
	case "websocket":
		u := strings.TrimSpace(c.Signaling.WebsocketURL)
		if u == "" {
			return errors.New("signaling.websocket_url is required for the websocket backend")
		}
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			return errors.New("signaling.websocket_url must start with ws:// or wss://")
		}
	default:
		return fmt.Errorf("signaling.backend must be memory, redis, pubsub, or websocket (got %q)", c.Signaling.Backend)
	}
	if c.Signaling.ListenPort < 0 || c.Signaling.ListenPort > 65535 {
		return errors.New("signaling.listen_port must be 0..65535")
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Storage.DataDir) == "" {
			return errors.New("storage.data_dir is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("storage.driver must be memory or sqlite (got %q)", c.Storage.Driver)
	}

	return nil
}

// MediaConfig translates the file representation into the media layer's
// native config.
func (c *Config) MediaConfig() media.Config {
	mc := media.Config{
		STUNServers:         append([]string(nil), c.Media.STUNServers...),
		CandidatePoolSize:   uint8(c.Media.CandidatePoolSize),
		GatherDelay:         time.Duration(c.Media.GatherDelayMs) * time.Millisecond,
		DisconnectedTimeout: time.Duration(c.Media.DisconnectedTimeoutSec) * time.Second,
		FailedTimeout:       time.Duration(c.Media.FailedTimeoutSec) * time.Second,
		KeepAliveInterval:   time.Duration(c.Media.KeepAliveIntervalSec) * time.Second,
	}
	if c.Media.TURNURL != "" {
		mc.TURN = &media.TURNServer{
			URL:        c.Media.TURNURL,
			Username:   c.Media.TURNUsername,
			Credential: c.Media.TURNCredential,
		}
	}
	return mc
}

// RingTimeout returns the configured no-answer timeout as a duration.
func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.Call.RingTimeoutSec) * time.Second
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return writeJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// with userID filled in. Returns (cfg, createdNew, err).
func Ensure(path, userID string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = userID
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// writeJSONFile writes via a temp file and rename so a crash mid-write never
// leaves a truncated config behind.
func writeJSONFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
