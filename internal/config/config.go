// Package config holds the on-disk configuration for roomsyncd: identity,
// room defaults, network addresses, clock/keepsync tuning, discovery, and
// calibration storage. Follows the teacher's Default/Validate/Load/
// LoadPartial/Save/Ensure pattern.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/roomsync-labs/roomsync/internal/util"
)

type Config struct {
	Identity    Identity    `json:"identity"`
	Room        Room        `json:"room"`
	Network     Network     `json:"network"`
	Clock       Clock       `json:"clock"`
	KeepSync    KeepSync    `json:"keep_sync"`
	Discovery   Discovery   `json:"discovery"`
	Calibration Calibration `json:"calibration"`
}

type Identity struct {
	PeerIDFile  string `json:"peer_id_file"`
	DisplayName string `json:"display_name"`
}

type Room struct {
	// DefaultRole is "host" or "client". The CLI subcommand overrides this.
	DefaultRole string `json:"default_role"`
	RoomName    string `json:"room_name"`
}

type Network struct {
	WSListenAddr   string `json:"ws_listen_addr"`
	WSPath         string `json:"ws_path"`
	HTTPListenAddr string `json:"http_listen_addr"`
	TracksDir      string `json:"tracks_dir"`
}

type Clock struct {
	IntervalNormalMs     int `json:"interval_normal_ms"`
	IntervalBackgroundMs int `json:"interval_background_ms"`
	IntervalFastMs       int `json:"interval_fast_ms"`
	FastRecoveryCount    int `json:"fast_recovery_count"`
	PongTimeoutMs        int `json:"pong_timeout_ms"`
}

type KeepSync struct {
	// IOSSafe selects keepsync.IOSSafe() as the base profile (no SetSpeed
	// calls) for platforms without reliable playback-rate control. The
	// deadband, seek threshold and speed bounds below are applied on top
	// of whichever profile is selected.
	IOSSafe             bool    `json:"ios_safe"`
	DeadbandMs          float64 `json:"deadband_ms"`
	SeekThresholdMs      float64 `json:"seek_threshold_ms"`
	MinSpeed            float64 `json:"min_speed"`
	MaxSpeed            float64 `json:"max_speed"`
}

type Discovery struct {
	Enabled     bool   `json:"enabled"`
	ServiceTag  string `json:"service_tag"`
}

type Calibration struct {
	DBDir string `json:"db_dir"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			PeerIDFile:  "data/peer_id",
			DisplayName: "",
		},
		Room: Room{
			DefaultRole: "client",
			RoomName:    "",
		},
		Network: Network{
			WSListenAddr:   ":7890",
			WSPath:         "/ws",
			HTTPListenAddr: ":7891",
			TracksDir:      "data/tracks",
		},
		Clock: Clock{
			IntervalNormalMs:     800,
			IntervalBackgroundMs: 2000,
			IntervalFastMs:       200,
			FastRecoveryCount:    3,
			PongTimeoutMs:        2000,
		},
		KeepSync: KeepSync{
			IOSSafe:         false,
			DeadbandMs:      30,
			SeekThresholdMs: 1000,
			MinSpeed:        0.96,
			MaxSpeed:        1.04,
		},
		Discovery: Discovery{
			Enabled:    true,
			ServiceTag: "roomsync",
		},
		Calibration: Calibration{
			DBDir: "data",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.PeerIDFile) == "" {
		return errors.New("identity.peer_id_file is required")
	}

	role := strings.ToLower(strings.TrimSpace(c.Room.DefaultRole))
	if role != "host" && role != "client" {
		return errors.New("room.default_role must be \"host\" or \"client\"")
	}

	if strings.TrimSpace(c.Network.WSListenAddr) == "" {
		return errors.New("network.ws_listen_addr is required")
	}
	if strings.TrimSpace(c.Network.WSPath) == "" {
		return errors.New("network.ws_path is required")
	}
	if strings.TrimSpace(c.Network.HTTPListenAddr) == "" {
		return errors.New("network.http_listen_addr is required")
	}
	if strings.TrimSpace(c.Network.TracksDir) == "" {
		return errors.New("network.tracks_dir is required")
	}

	if c.Clock.IntervalNormalMs <= 0 {
		return errors.New("clock.interval_normal_ms must be > 0")
	}
	if c.Clock.IntervalBackgroundMs <= 0 {
		return errors.New("clock.interval_background_ms must be > 0")
	}
	if c.Clock.IntervalFastMs <= 0 || c.Clock.IntervalFastMs >= c.Clock.IntervalNormalMs {
		return errors.New("clock.interval_fast_ms must be > 0 and < clock.interval_normal_ms")
	}
	if c.Clock.FastRecoveryCount <= 0 {
		return errors.New("clock.fast_recovery_count must be > 0")
	}
	if c.Clock.PongTimeoutMs <= 0 {
		return errors.New("clock.pong_timeout_ms must be > 0")
	}

	if c.KeepSync.DeadbandMs < 0 {
		return errors.New("keep_sync.deadband_ms must be >= 0")
	}
	if c.KeepSync.SeekThresholdMs <= c.KeepSync.DeadbandMs {
		return errors.New("keep_sync.seek_threshold_ms must be > keep_sync.deadband_ms")
	}
	if c.KeepSync.MinSpeed <= 0 || c.KeepSync.MinSpeed >= 1 {
		return errors.New("keep_sync.min_speed must be in (0, 1)")
	}
	if c.KeepSync.MaxSpeed <= 1 {
		return errors.New("keep_sync.max_speed must be > 1")
	}

	if strings.TrimSpace(c.Discovery.ServiceTag) == "" {
		return errors.New("discovery.service_tag is required")
	}

	if strings.TrimSpace(c.Calibration.DBDir) == "" {
		return errors.New("calibration.db_dir is required")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file without validation. Used by the fsnotify
// reload path so a transiently malformed file on disk doesn't tear down an
// already-running engine; callers decide whether to apply the result.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

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
