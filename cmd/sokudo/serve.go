package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/00quasr/sokudo-sub009/internal/config"
	"github.com/00quasr/sokudo-sub009/internal/coordinator"
	"github.com/00quasr/sokudo-sub009/internal/identity"
	"github.com/00quasr/sokudo-sub009/internal/metrics"
	"github.com/00quasr/sokudo-sub009/internal/platform/tui"
	"github.com/00quasr/sokudo-sub009/internal/storage"
	"github.com/00quasr/sokudo-sub009/internal/transport/ws"
)

var (
	flagAddr    string
	flagSSHAddr string
	flagHostKey string
	flagTexts   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the race server",
	Long: `Start the race server. Clients connect over websockets on /ws and
race each other; finished races are stored in the results database.

Operational endpoints:
  /livez    - process is up
  /readyz   - coordinator and database respond
  /metrics  - Prometheus metrics

With --ssh, users can also race straight from a terminal:
  ssh -p 2222 alice@localhost

Examples:
  sokudo serve                          # Listen on :8080
  sokudo serve --addr :9000 --ssh :2222
  sokudo serve --texts ./texts.yaml     # Use a custom text catalogue`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "Websocket listen address (overrides config)")
	serveCmd.Flags().StringVar(&flagSSHAddr, "ssh", "", "Also serve the terminal client over SSH on this address")
	serveCmd.Flags().StringVar(&flagHostKey, "host-key", "", "SSH host key path (generated if missing)")
	serveCmd.Flags().StringVar(&flagTexts, "texts", "", "Path to challenge texts YAML")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagAddr != "" {
		cfg.Server.Addr = flagAddr
	}
	if flagSSHAddr != "" {
		cfg.SSH.Enabled = true
		cfg.SSH.Addr = flagSSHAddr
	}
	if flagHostKey != "" {
		cfg.SSH.HostKeyPath = flagHostKey
	}
	if flagTexts != "" {
		cfg.Texts.Path = flagTexts
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.Log, "sokudo")

	texts, err := config.LoadTexts(cfg.Texts.Path)
	if err != nil {
		return err
	}
	logger.Info("challenge texts loaded", "count", texts.Len())

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	ident, err := newIdentityProvider(cfg.Auth, logger)
	if err != nil {
		return err
	}

	recorder := metrics.New(metrics.WithNamespace("sokudo"), metrics.WithRuntimeCollectors())

	coord := coordinator.New(cfg.Coordinator(),
		coordinator.WithLogger(logger.WithPrefix("coordinator")),
		coordinator.WithResultSink(store),
		coordinator.WithSkillLookup(store),
		coordinator.WithTexts(texts),
		coordinator.WithMetrics(recorder),
	)
	coord.Start()
	defer coord.Stop()

	server := ws.New(coord, ident, wsConfig(cfg.Server),
		ws.WithLogger(logger.WithPrefix("ws")),
		ws.WithFrameObserver(recorder),
		ws.WithMetricsHandler(recorder.Handler()),
		ws.WithReadinessCheck("storage", store.Ping),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.ListenAndServe(ctx) })

	if cfg.SSH.Enabled {
		sshCfg := tui.DefaultSSHServerConfig()
		sshCfg.Address = cfg.SSH.Addr
		sshCfg.HostKeyPath = cfg.SSH.HostKeyPath
		sshCfg.SendBuffer = cfg.Server.SendBuffer
		sshCfg.ProgressInterval = cfg.Race.ProgressInterval
		sshCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout

		sshServer, err := tui.NewSSHServer(coord, sshCfg, tui.WithSSHLogger(logger.WithPrefix("ssh")))
		if err != nil {
			return err
		}
		g.Go(func() error { return sshServer.ListenAndServe(ctx) })
		fmt.Printf("Race over SSH with: ssh -p %s <name>@localhost\n", portOf(cfg.SSH.Addr))
	}

	logger.Info("race server started", "addr", cfg.Server.Addr, "auth", cfg.Auth.Mode)
	err = g.Wait()
	logger.Info("race server stopped")
	return err
}

func wsConfig(c config.ServerConfig) ws.Config {
	out := ws.DefaultConfig()
	out.Addr = c.Addr
	out.SendBuffer = c.SendBuffer
	out.RatePerSec = c.RatePerSec
	out.RateBurst = c.RateBurst
	out.AllowedOrigins = c.AllowedOrigins
	out.ReadyTimeout = c.ReadyTimeout
	out.ShutdownTimeout = c.ShutdownTimeout
	return out
}

func newIdentityProvider(c config.AuthConfig, logger *log.Logger) (identity.Provider, error) {
	if c.Mode == config.AuthQuery {
		logger.Warn("auth mode is query: any client can claim any user id")
		return identity.QueryProvider{}, nil
	}
	return identity.NewJWTProvider(identity.JWTConfig{Secret: []byte(c.Secret), Issuer: c.Issuer})
}

func portOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[i+1:]
		}
	}
	return addr
}
