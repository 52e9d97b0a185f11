package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/util"
)

// FileName is the config file looked up in a working directory.
const FileName = "parley.json"

type Config struct {
	Identity Identity `json:"identity"`
	Relay    Relay    `json:"relay"`
	Presence Presence `json:"presence"`
	Call     Call     `json:"call"`
	Media    Media    `json:"media"`
	Log      Log      `json:"log"`
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar"`
}

type Relay struct {
	// Listen address of the relay server, e.g. "127.0.0.1:8790".
	Bind string `json:"bind"`

	// URL clients dial, e.g. "ws://127.0.0.1:8790/ws".
	URL string `json:"url"`

	// Origins allowed by CORS and the websocket origin check.
	// Empty means any origin.
	AllowedOrigins []string `json:"allowed_origins"`

	// SQLite database for users, friends and call records. Relative to the
	// working directory.
	DBPath string `json:"db_path"`

	// Optional redis address for a write-through status cache.
	RedisAddr string `json:"redis_addr"`

	// Recent call records kept in memory per relay for /calls/{user}.json.
	HistorySize int `json:"history_size"`

	// Mutual friendships as "alice:bob". When set, status deltas only reach
	// a user's friends; when empty they reach everyone. Read at startup.
	Friends []string `json:"friends"`
}

// FriendPairs parses Friends into user id pairs.
func (r Relay) FriendPairs() ([][2]string, error) {
	pairs := make([][2]string, 0, len(r.Friends))
	for _, f := range r.Friends {
		a, b, ok := strings.Cut(f, ":")
		if !ok {
			return nil, fmt.Errorf("relay.friends: %q is not user:user", f)
		}
		a, err := util.ValidateUserID(a)
		if err != nil {
			return nil, fmt.Errorf("relay.friends: %q: %w", f, err)
		}
		b, err = util.ValidateUserID(b)
		if err != nil {
			return nil, fmt.Errorf("relay.friends: %q: %w", f, err)
		}
		if a == b {
			return nil, fmt.Errorf("relay.friends: %q pairs a user with itself", f)
		}
		pairs = append(pairs, [2]string{a, b})
	}
	return pairs, nil
}

type Presence struct {
	HeartbeatSec   int `json:"heartbeat_seconds"`
	IdleTimeoutSec int `json:"idle_timeout_seconds"`
	PruneSec       int `json:"prune_seconds"`
	LivenessSec    int `json:"liveness_seconds"`
}

type Call struct {
	BusyTimeoutSec   int `json:"busy_timeout_seconds"`
	SimulatedRingSec int `json:"simulated_ring_seconds"`
	RequestTimeoutMs int `json:"request_timeout_ms"`
}

type Media struct {
	ICEServers []string `json:"ice_servers"`
	MaxWidth   int      `json:"max_width"`
	MaxHeight  int      `json:"max_height"`
	FrameRate  int      `json:"frame_rate"`
	BitRate    int      `json:"bit_rate"`
}

type Log struct {
	Level string `json:"level"`

	// Per-subsystem overrides, e.g. {"call": "debug"}.
	Subsystems map[string]string `json:"subsystems"`

	// Lines kept for /logs.json on the relay.
	BufferLines int `json:"buffer_lines"`
}

func Default() Config {
	return Config{
		Identity: Identity{},
		Relay: Relay{
			Bind:        "127.0.0.1:8790",
			URL:         "ws://127.0.0.1:8790/ws",
			DBPath:      "data/parley.db",
			HistorySize: 200,
		},
		Presence: Presence{
			HeartbeatSec:   30,
			IdleTimeoutSec: 120,
			PruneSec:       30,
			LivenessSec:    130,
		},
		Call: Call{
			BusyTimeoutSec:   30,
			SimulatedRingSec: 6,
			RequestTimeoutMs: 5000,
		},
		Media: Media{
			ICEServers: []string{"stun:stun.l.google.com:19302"},
			MaxWidth:   640,
			MaxHeight:  480,
			FrameRate:  30,
			BitRate:    1_500_000,
		},
		Log: Log{
			Level:       "info",
			BufferLines: 500,
		},
	}
}

func (c *Config) Validate() error {
	// Relay
	if b := strings.TrimSpace(c.Relay.Bind); b != "" {
		if _, _, err := net.SplitHostPort(b); err != nil {
			return fmt.Errorf("relay.bind: %w", err)
		}
	}
	if u := strings.TrimSpace(c.Relay.URL); u != "" {
		if err := validateRelayURL(u); err != nil {
			return fmt.Errorf("relay.url: %w", err)
		}
	}
	if c.Relay.HistorySize < 0 {
		return errors.New("relay.history_size must be >= 0")
	}
	if _, err := c.Relay.FriendPairs(); err != nil {
		return err
	}

	// Presence
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.IdleTimeoutSec <= c.Presence.HeartbeatSec {
		return errors.New("presence.idle_timeout_seconds must be > presence.heartbeat_seconds")
	}
	if c.Presence.PruneSec <= 0 {
		return errors.New("presence.prune_seconds must be > 0")
	}
	if c.Presence.LivenessSec <= c.Presence.HeartbeatSec {
		return errors.New("presence.liveness_seconds must be > presence.heartbeat_seconds")
	}

	// Call
	if c.Call.BusyTimeoutSec <= 0 {
		return errors.New("call.busy_timeout_seconds must be > 0")
	}
	if c.Call.SimulatedRingSec <= 0 {
		return errors.New("call.simulated_ring_seconds must be > 0")
	}
	if c.Call.RequestTimeoutMs <= 0 {
		return errors.New("call.request_timeout_ms must be > 0")
	}

	// Media
	if c.Media.MaxWidth < 0 || c.Media.MaxHeight < 0 || c.Media.FrameRate < 0 {
		return errors.New("media dimensions must be >= 0")
	}
	for _, s := range c.Media.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("media.ice_servers: %q is not a stun/turn url", s)
		}
	}

	// Log
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	for name, lvl := range c.Log.Subsystems {
		if _, err := logging.LevelFromString(lvl); err != nil {
			return fmt.Errorf("log.subsystems.%s: %w", name, err)
		}
	}

	return nil
}

// ValidateClient checks the fields a client peer needs on top of Validate.
func (c *Config) ValidateClient() error {
	if _, err := util.ValidateUserID(c.Identity.UserID); err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}
	if strings.TrimSpace(c.Relay.URL) == "" {
		return errors.New("relay.url is required")
	}
	return nil
}

func validateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	if u.Hostname() == "0.0.0.0" {
		return errors.New("host must not be 0.0.0.0")
	}
	return nil
}

func (p Presence) Heartbeat() time.Duration { return time.Duration(p.HeartbeatSec) * time.Second }
func (p Presence) IdleTimeout() time.Duration { return time.Duration(p.IdleTimeoutSec) * time.Second }
func (p Presence) PruneEvery() time.Duration { return time.Duration(p.PruneSec) * time.Second }
func (p Presence) Liveness() time.Duration { return time.Duration(p.LivenessSec) * time.Second }

func (c Call) BusyTimeout() time.Duration { return time.Duration(c.BusyTimeoutSec) * time.Second }
func (c Call) RingTimeout() time.Duration { return time.Duration(c.SimulatedRingSec) * time.Second }
func (c Call) RequestTimeout() time.Duration { return time.Duration(c.RequestTimeoutMs) * time.Millisecond }

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

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
