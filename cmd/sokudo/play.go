package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/00quasr/sokudo-sub009/internal/client"
	"github.com/00quasr/sokudo-sub009/internal/config"
	"github.com/00quasr/sokudo-sub009/internal/identity"
	"github.com/00quasr/sokudo-sub009/internal/platform/tui"
	"github.com/00quasr/sokudo-sub009/internal/race"
)

var (
	flagURL   string
	flagToken string
	flagUser  string
	flagName  string
	flagWPM   float64
)

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Race from this terminal",
	Long: `Connect to a race server and race other typists.

The client reconnects on its own when the connection drops and puts you
back in the queue if you were waiting for a race.

Controls:
  Enter      - Find a race
  Esc        - Leave the queue
  Backspace  - Fix a typo
  Q/Ctrl+C   - Quit

Examples:
  sokudo play --token $(sokudo token alice)
  sokudo play --url ws://race.example:8080/ws --token <token>
  sokudo play --user alice                 # server in query auth mode`,
	RunE: runPlay,
}

func init() {
	playCmd.Flags().StringVar(&flagURL, "url", "ws://localhost:8080/ws", "Server websocket URL")
	playCmd.Flags().StringVar(&flagToken, "token", "", "Access token (or $SOKUDO_TOKEN)")
	playCmd.Flags().StringVar(&flagUser, "user", "", "User id, for servers in query auth mode")
	playCmd.Flags().StringVar(&flagName, "name", "", "Display name, for servers in query auth mode")
	playCmd.Flags().Float64Var(&flagWPM, "wpm", 0, "Your typical WPM, used until you have race history")
}

func runPlay(_ *cobra.Command, _ []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd())) {
		return errors.New("play needs an interactive terminal")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	token := flagToken
	if token == "" {
		token = os.Getenv("SOKUDO_TOKEN")
	}
	id, wsURL, err := playIdentity(flagURL, token, flagUser, flagName)
	if err != nil {
		return err
	}

	width := 80
	if w, _, termErr := term.GetSize(int(os.Stdout.Fd())); termErr == nil {
		width = w
	}

	ccfg := client.DefaultConfig()
	ccfg.URL = wsURL
	ccfg.Token = token
	ccfg.Identity = id
	ccfg.AverageWPM = flagWPM
	// Logs would scribble over the alt screen, so they go to a file.
	logger := newLogger(cfg.Log, "client")
	logger.SetOutput(io.Discard)
	if f, err := openClientLog(); err == nil {
		defer f.Close()
		logger.SetOutput(f)
	}
	c := client.New(ccfg, client.WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	defer func() {
		c.Close()
		<-c.Done()
	}()

	rcfg := tui.DefaultRaceConfig()
	rcfg.Width = width
	rcfg.ProgressInterval = cfg.Race.ProgressInterval
	rcfg.AverageWPM = flagWPM

	p := tea.NewProgram(tui.NewRaceModel(c, rcfg), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run terminal UI: %w", err)
	}
	return nil
}

// playIdentity works out who the client is. With a token the identity comes
// from its claims; without one the server must accept query identities.
func playIdentity(rawURL, token, user, name string) (race.Identity, string, error) {
	if token != "" {
		id, err := identity.Peek(token)
		return id, rawURL, err
	}
	if user == "" {
		return race.Identity{}, "", errors.New("either --token or --user is required")
	}
	if name == "" {
		name = user
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return race.Identity{}, "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("userId", user)
	q.Set("userName", name)
	u.RawQuery = q.Encode()
	return race.Identity{UserID: race.UserID(user), DisplayName: identity.SanitizeName(name)}, u.String(), nil
}

func openClientLog() (*os.File, error) {
	path := config.ExpandHome("~/.sokudo/client.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}
