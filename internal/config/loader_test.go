package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"github.com/00quasr/sokudo-sub009/internal/config"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sokudo.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

func clearConfigEnvVars() {
	for _, key := range []string{
		"SOKUDO_CONFIG",
		"SOKUDO_SERVER__ADDR",
		"SOKUDO_MATCHMAKING__CAPACITY",
		"SOKUDO_AUTH__SECRET",
	} {
		_ = os.Unsetenv(key)
	}
}

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		clearConfigEnvVars()

		convey.Convey("When loading config with defaults only", func() {
			cfg, err := config.Load("")

			convey.Convey("Then it should carry the documented defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Server.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.Auth.Mode, convey.ShouldEqual, config.AuthJWT)
				convey.So(cfg.Matchmaking.MinParty, convey.ShouldEqual, 2)
				convey.So(cfg.Matchmaking.MaxParty, convey.ShouldEqual, 4)
				convey.So(cfg.Matchmaking.Grace, convey.ShouldEqual, 10*time.Second)
				convey.So(cfg.Race.Countdown, convey.ShouldEqual, 3*time.Second)
				convey.So(cfg.Race.MaxActive, convey.ShouldEqual, 1000)
			})
		})

		convey.Convey("When loading config with a YAML file", func() {
			path := writeConfigFile(t, `
server:
  addr: ":9090"
auth:
  mode: query
matchmaking:
  max_party: 6
  grace: 30s
race:
  countdown: 5s
`)
			cfg, err := config.Load(path)

			convey.Convey("Then file values override defaults and the rest survive", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Server.Addr, convey.ShouldEqual, ":9090")
				convey.So(cfg.Auth.Mode, convey.ShouldEqual, config.AuthQuery)
				convey.So(cfg.Matchmaking.MaxParty, convey.ShouldEqual, 6)
				convey.So(cfg.Matchmaking.Grace, convey.ShouldEqual, 30*time.Second)
				convey.So(cfg.Matchmaking.MinParty, convey.ShouldEqual, 2)
				convey.So(cfg.Race.Countdown, convey.ShouldEqual, 5*time.Second)
				convey.So(cfg.Race.StartDelay, convey.ShouldEqual, time.Second)
			})
		})

		convey.Convey("When environment variables are set", func() {
			path := writeConfigFile(t, "server:\n  addr: \":9090\"\n")
			_ = os.Setenv("SOKUDO_CONFIG", path)
			_ = os.Setenv("SOKUDO_SERVER__ADDR", ":7070")
			_ = os.Setenv("SOKUDO_MATCHMAKING__CAPACITY", "50")
			_ = os.Setenv("SOKUDO_AUTH__SECRET", "0123456789abcdef")
			defer clearConfigEnvVars()

			cfg, err := config.Load("")

			convey.Convey("Then env wins over the file named by SOKUDO_CONFIG", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Server.Addr, convey.ShouldEqual, ":7070")
				convey.So(cfg.Matchmaking.Capacity, convey.ShouldEqual, 50)
				convey.So(cfg.Auth.Secret, convey.ShouldEqual, "0123456789abcdef")
			})
		})

		convey.Convey("When the file does not exist", func() {
			_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))

			convey.Convey("Then a load error is returned", func() {
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
			})
		})
	})
}

func TestConfigValidate(t *testing.T) {
	convey.Convey("Given the default config", t, func() {
		cfg := config.New()

		convey.Convey("When jwt mode has no secret", func() {
			err := cfg.Validate()

			convey.Convey("Then validation fails", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
				convey.So(err.Error(), convey.ShouldContainSubstring, "auth.secret")
			})
		})

		convey.Convey("When several settings are wrong", func() {
			cfg.Auth.Mode = config.AuthQuery
			cfg.Matchmaking.MinParty = 1
			cfg.Race.Countdown = 0
			cfg.Log.Format = "xml"
			err := cfg.Validate()

			convey.Convey("Then every problem is reported", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(err.Error(), convey.ShouldContainSubstring, "min_party")
				convey.So(err.Error(), convey.ShouldContainSubstring, "race.countdown")
				convey.So(err.Error(), convey.ShouldContainSubstring, "log.format")
			})
		})

		convey.Convey("When a secret is provided", func() {
			cfg.Auth.Secret = "0123456789abcdef"

			convey.Convey("Then the defaults are valid", func() {
				convey.So(cfg.Validate(), convey.ShouldBeNil)
			})
		})
	})
}

func TestConfigCoordinator(t *testing.T) {
	convey.Convey("Given a tuned config", t, func() {
		cfg := config.New()
		cfg.Matchmaking.MinParty = 3
		cfg.Matchmaking.Interval = 2 * time.Second
		cfg.Race.Tick = 25 * time.Millisecond
		cfg.Storage.PersistTimeout = time.Second

		cc := cfg.Coordinator()

		convey.Convey("Then the coordinator config mirrors it", func() {
			convey.So(cc.MatchInterval, convey.ShouldEqual, 2*time.Second)
			convey.So(cc.SessionTick, convey.ShouldEqual, 25*time.Millisecond)
			convey.So(cc.PersistTimeout, convey.ShouldEqual, time.Second)
			convey.So(cc.Queue.MinParty, convey.ShouldEqual, 3)
			convey.So(cc.Session.MinParticipants, convey.ShouldEqual, 3)
			convey.So(cc.Session.Countdown, convey.ShouldEqual, 3*time.Second)
		})
	})
}
