// Package config defines the server configuration, its layered loading and
// the challenge text catalogue.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/00quasr/sokudo-sub009/internal/coordinator"
	"github.com/00quasr/sokudo-sub009/internal/matchmaking"
	"github.com/00quasr/sokudo-sub009/internal/race"
)

// Sentinel error kinds for this package. These allow errors.Is from callers.
var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrLoadConfig    = errors.New("load config failed")
)

// Auth modes.
const (
	AuthJWT   = "jwt"
	AuthQuery = "query"
)

// Config contains process configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	SSH         SSHConfig         `koanf:"ssh"`
	Auth        AuthConfig        `koanf:"auth"`
	Matchmaking MatchmakingConfig `koanf:"matchmaking"`
	Race        RaceConfig        `koanf:"race"`
	Storage     StorageConfig     `koanf:"storage"`
	Log         LogConfig         `koanf:"log"`
	Texts       TextsConfig       `koanf:"texts"`
}

// ServerConfig configures the websocket and HTTP listener.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	ReadyTimeout    time.Duration `koanf:"ready_timeout"`
	SendBuffer      int           `koanf:"send_buffer"`
	RatePerSec      float64       `koanf:"rate_per_sec"` // inbound frames per connection
	RateBurst       int           `koanf:"rate_burst"`
	AllowedOrigins  []string      `koanf:"allowed_origins"` // empty allows any origin
}

// SSHConfig configures the optional terminal front end.
type SSHConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Addr        string `koanf:"addr"`
	HostKeyPath string `koanf:"host_key_path"`
}

// AuthConfig selects how connections are identified.
type AuthConfig struct {
	Mode     string        `koanf:"mode"` // jwt or query
	Secret   string        `koanf:"secret"`
	Issuer   string        `koanf:"issuer"`
	TokenTTL time.Duration `koanf:"token_ttl"`
}

// MatchmakingConfig tunes the queue and the matcher.
type MatchmakingConfig struct {
	MinParty        int           `koanf:"min_party"`
	MaxParty        int           `koanf:"max_party"`
	BaseBand        float64       `koanf:"base_band"`
	BandWidenPerSec float64       `koanf:"band_widen_per_sec"`
	MaxBand         float64       `koanf:"max_band"`
	Grace           time.Duration `koanf:"grace"`
	Capacity        int           `koanf:"capacity"`
	Interval        time.Duration `koanf:"interval"`
	DefaultWPM      float64       `koanf:"default_wpm"`
}

// RaceConfig tunes race sessions.
type RaceConfig struct {
	StartDelay       time.Duration `koanf:"start_delay"`
	Countdown        time.Duration `koanf:"countdown"`
	ProgressInterval time.Duration `koanf:"progress_interval"`
	FloorWPM         float64       `koanf:"floor_wpm"`
	MinTimeout       time.Duration `koanf:"min_timeout"`
	Tick             time.Duration `koanf:"tick"`
	MaxActive        int           `koanf:"max_active"`
}

// StorageConfig locates the results database.
type StorageConfig struct {
	Path           string        `koanf:"path"`
	PersistTimeout time.Duration `koanf:"persist_timeout"`
	PersistRetry   time.Duration `koanf:"persist_retry"`
}

// LogConfig controls verbosity and output format.
type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // text or json
}

// TextsConfig points at a custom challenge text catalogue.
type TextsConfig struct {
	Path string `koanf:"path"`
}

// New returns a Config populated with defaults.
func New() *Config {
	q := matchmaking.DefaultConfig()
	s := race.DefaultSessionConfig()
	c := coordinator.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			ReadyTimeout:    time.Second,
			SendBuffer:      64,
			RatePerSec:      20,
			RateBurst:       40,
		},
		SSH: SSHConfig{
			Addr:        ":2222",
			HostKeyPath: "~/.sokudo/ssh_host_ed25519",
		},
		Auth: AuthConfig{
			Mode:     AuthJWT,
			Issuer:   "sokudo",
			TokenTTL: 24 * time.Hour,
		},
		Matchmaking: MatchmakingConfig{
			MinParty:        q.MinParty,
			MaxParty:        q.MaxParty,
			BaseBand:        q.BaseBand,
			BandWidenPerSec: q.BandWidenPerSec,
			MaxBand:         q.MaxBand,
			Grace:           q.Grace,
			Capacity:        q.Capacity,
			Interval:        c.MatchInterval,
			DefaultWPM:      c.DefaultWPM,
		},
		Race: RaceConfig{
			StartDelay:       s.StartDelay,
			Countdown:        s.Countdown,
			ProgressInterval: s.ProgressInterval,
			FloorWPM:         s.FloorWPM,
			MinTimeout:       s.MinTimeout,
			Tick:             c.SessionTick,
			MaxActive:        c.MaxActiveRaces,
		},
		Storage: StorageConfig{
			Path:           "~/.sokudo/sokudo.db",
			PersistTimeout: c.PersistTimeout,
			PersistRetry:   c.PersistRetry,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Server.Addr == "" {
		bad("server.addr must not be empty")
	}
	if c.Server.SendBuffer <= 0 {
		bad("server.send_buffer must be positive")
	}
	if c.Server.RatePerSec <= 0 || c.Server.RateBurst <= 0 {
		bad("server.rate_per_sec and server.rate_burst must be positive")
	}
	if c.SSH.Enabled && c.SSH.Addr == "" {
		bad("ssh.addr must not be empty when ssh is enabled")
	}

	switch c.Auth.Mode {
	case AuthJWT:
		if len(c.Auth.Secret) < 16 {
			bad("auth.secret must be at least 16 bytes in jwt mode")
		}
	case AuthQuery:
	default:
		bad("auth.mode %q is not one of jwt, query", c.Auth.Mode)
	}

	m := c.Matchmaking
	if m.MinParty < 2 {
		bad("matchmaking.min_party must be at least 2")
	}
	if m.MaxParty < m.MinParty {
		bad("matchmaking.max_party must not be below min_party")
	}
	if m.BaseBand < 0 || m.BandWidenPerSec < 0 || m.MaxBand < m.BaseBand {
		bad("matchmaking band settings must satisfy 0 <= base_band <= max_band")
	}
	if m.Capacity < 0 {
		bad("matchmaking.capacity must not be negative")
	}
	if m.Interval <= 0 {
		bad("matchmaking.interval must be positive")
	}
	if m.DefaultWPM <= 0 || m.DefaultWPM > race.MaxWPM {
		bad("matchmaking.default_wpm must be in (0, %d]", race.MaxWPM)
	}

	r := c.Race
	if r.Countdown < time.Second {
		bad("race.countdown must be at least 1s")
	}
	if r.StartDelay < 0 || r.ProgressInterval < 0 {
		bad("race.start_delay and race.progress_interval must not be negative")
	}
	if r.FloorWPM <= 0 {
		bad("race.floor_wpm must be positive")
	}
	if r.Tick <= 0 {
		bad("race.tick must be positive")
	}
	if r.MaxActive <= 0 {
		bad("race.max_active must be positive")
	}

	if c.Storage.PersistTimeout <= 0 {
		bad("storage.persist_timeout must be positive")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		bad("log.format %q is not one of text, json", c.Log.Format)
	}

	return errors.Join(errs...)
}

// Coordinator converts the relevant sections into a coordinator config.
func (c *Config) Coordinator() coordinator.Config {
	cfg := coordinator.DefaultConfig()
	cfg.MatchInterval = c.Matchmaking.Interval
	cfg.SessionTick = c.Race.Tick
	cfg.MaxActiveRaces = c.Race.MaxActive
	cfg.DefaultWPM = c.Matchmaking.DefaultWPM
	cfg.PersistTimeout = c.Storage.PersistTimeout
	cfg.PersistRetry = c.Storage.PersistRetry
	cfg.Queue = matchmaking.Config{
		MinParty:        c.Matchmaking.MinParty,
		MaxParty:        c.Matchmaking.MaxParty,
		BaseBand:        c.Matchmaking.BaseBand,
		BandWidenPerSec: c.Matchmaking.BandWidenPerSec,
		MaxBand:         c.Matchmaking.MaxBand,
		Grace:           c.Matchmaking.Grace,
		Capacity:        c.Matchmaking.Capacity,
	}
	cfg.Session = race.SessionConfig{
		StartDelay:       c.Race.StartDelay,
		Countdown:        c.Race.Countdown,
		ProgressInterval: c.Race.ProgressInterval,
		FloorWPM:         c.Race.FloorWPM,
		MinTimeout:       c.Race.MinTimeout,
		MinParticipants:  c.Matchmaking.MinParty,
	}
	return cfg
}
