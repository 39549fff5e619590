// Package config holds all application configuration with sane
// defaults and environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// RedisURL selects the shared store. Empty means the in-memory
	// store, which is single-process only.
	RedisURL string

	// PostgresDSN enables discussion history. Empty disables it.
	PostgresDSN string

	// RelayAddr is an optional external signaling relay (host:port).
	RelayAddr string

	Match   MatchConfig
	Media   MediaConfig
	Sweep   SweepConfig
	Turn    TurnConfig
	Quality QualityConfig
}

// MatchConfig tunes matchmaking.
type MatchConfig struct {
	Language  string
	Continent string
	LeaseTTL  time.Duration
}

// MediaConfig tunes local capture.
type MediaConfig struct {
	Audio   bool
	Video   bool
	Width   int
	Height  int
	BitRate int
}

// SweepConfig tunes the lifecycle sweeper.
type SweepConfig struct {
	Interval    time.Duration
	IdleRoomTTL time.Duration
	SignalTTL   time.Duration
	Distributed bool
}

// TurnConfig tunes the embedded TURN relay. Empty PublicIP disables
// it.
type TurnConfig struct {
	Realm    string
	PublicIP string
	Port     int
	Username string
	Password string
}

// QualityConfig tunes connection quality monitoring.
type QualityConfig struct {
	Interval      time.Duration
	PoorLossRatio float64
	FairRTT       time.Duration
}

// NewDefaultConfig returns a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Match: MatchConfig{
			Language:  "en",
			Continent: "any",
			LeaseTTL:  90 * time.Second,
		},
		Media: MediaConfig{
			Audio:   true,
			Video:   true,
			Width:   640,
			Height:  480,
			BitRate: 500_000,
		},
		Sweep: SweepConfig{
			Interval:    time.Minute,
			IdleRoomTTL: time.Hour,
			SignalTTL:   5 * time.Minute,
		},
		Turn: TurnConfig{
			Realm: "topical.chat",
			Port:  3478,
		},
		Quality: QualityConfig{
			Interval:      5 * time.Second,
			PoorLossRatio: 0.10,
			FairRTT:       300 * time.Millisecond,
		},
	}
}

// Load builds the config from defaults, an optional .env file and the
// environment. A missing .env is fine.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := NewDefaultConfig()
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.PostgresDSN = os.Getenv("POSTGRES_DSN")
	cfg.RelayAddr = os.Getenv("TOPICAL_RELAY_ADDR")

	if v := os.Getenv("TOPICAL_LANGUAGE"); v != "" {
		cfg.Match.Language = v
	}
	if v := os.Getenv("TOPICAL_CONTINENT"); v != "" {
		cfg.Match.Continent = v
	}
	if err := envDuration("TOPICAL_LEASE_TTL", &cfg.Match.LeaseTTL); err != nil {
		return nil, err
	}
	if err := envDuration("TOPICAL_SWEEP_INTERVAL", &cfg.Sweep.Interval); err != nil {
		return nil, err
	}
	if err := envDuration("TOPICAL_IDLE_ROOM_TTL", &cfg.Sweep.IdleRoomTTL); err != nil {
		return nil, err
	}
	if err := envDuration("TOPICAL_SIGNAL_TTL", &cfg.Sweep.SignalTTL); err != nil {
		return nil, err
	}
	if err := envBool("TOPICAL_SWEEP_DISTRIBUTED", &cfg.Sweep.Distributed); err != nil {
		return nil, err
	}

	if v := os.Getenv("TOPICAL_TURN_PUBLIC_IP"); v != "" {
		cfg.Turn.PublicIP = v
	}
	if v := os.Getenv("TOPICAL_TURN_REALM"); v != "" {
		cfg.Turn.Realm = v
	}
	if err := envInt("TOPICAL_TURN_PORT", &cfg.Turn.Port); err != nil {
		return nil, err
	}
	cfg.Turn.Username = os.Getenv("TOPICAL_TURN_USER")
	cfg.Turn.Password = os.Getenv("TOPICAL_TURN_PASSWORD")

	if err := envBool("TOPICAL_AUDIO", &cfg.Media.Audio); err != nil {
		return nil, err
	}
	if err := envBool("TOPICAL_VIDEO", &cfg.Media.Video); err != nil {
		return nil, err
	}
	if err := envInt("TOPICAL_VIDEO_WIDTH", &cfg.Media.Width); err != nil {
		return nil, err
	}
	if err := envInt("TOPICAL_VIDEO_HEIGHT", &cfg.Media.Height); err != nil {
		return nil, err
	}
	if err := envInt("TOPICAL_VIDEO_BITRATE", &cfg.Media.BitRate); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate catches configurations that cannot work before anything
// connects.
func (c *Config) Validate() error {
	if !c.Media.Audio && !c.Media.Video {
		return fmt.Errorf("config: at least one of audio and video must be enabled")
	}
	if c.Media.Video && (c.Media.Width <= 0 || c.Media.Height <= 0) {
		return fmt.Errorf("config: invalid video dimensions %dx%d", c.Media.Width, c.Media.Height)
	}
	if c.Match.LeaseTTL < 10*time.Second {
		return fmt.Errorf("config: lease TTL %s is too short", c.Match.LeaseTTL)
	}
	if c.Sweep.Distributed && c.RedisURL == "" {
		return fmt.Errorf("config: distributed sweep requires REDIS_URL")
	}
	if c.Turn.PublicIP != "" && (c.Turn.Username == "" || c.Turn.Password == "") {
		return fmt.Errorf("config: TURN relay requires TOPICAL_TURN_USER and TOPICAL_TURN_PASSWORD")
	}
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = i
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = b
	return nil
}
