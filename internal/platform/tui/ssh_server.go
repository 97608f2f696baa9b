package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"github.com/charmbracelet/wish/bubbletea"

	"github.com/00quasr/sokudo-sub009/internal/coordinator"
	"github.com/00quasr/sokudo-sub009/internal/identity"
	"github.com/00quasr/sokudo-sub009/internal/race"
)

// SSHServerConfig configures the SSH race lobby.
type SSHServerConfig struct {
	// Address is the host:port to listen on (e.g., ":2222").
	Address string

	// HostKeyPath is the path to the host key file. Wish generates it when
	// missing.
	HostKeyPath string

	// IdleTimeout closes sessions with no input for this long.
	IdleTimeout time.Duration

	// SendBuffer is the event buffer of each attached session.
	SendBuffer int

	// ProgressInterval is how often typing progress is reported.
	ProgressInterval time.Duration

	ShutdownTimeout time.Duration
}

// DefaultSSHServerConfig listens on :2222 with a host key under ~/.sokudo.
func DefaultSSHServerConfig() SSHServerConfig {
	return SSHServerConfig{
		Address:          ":2222",
		HostKeyPath:      "~/.sokudo/ssh_host_ed25519",
		IdleTimeout:      30 * time.Minute,
		SendBuffer:       64,
		ProgressInterval: 100 * time.Millisecond,
		ShutdownTimeout:  10 * time.Second,
	}
}

// SSHServer serves the race TUI over SSH. The SSH user name is the
// player's identity.
type SSHServer struct {
	config SSHServerConfig
	coord  *coordinator.Coordinator
	server *ssh.Server
	logger *log.Logger
}

// SSHOption configures an SSHServer.
type SSHOption func(*SSHServer)

// WithSSHLogger sets the logger.
func WithSSHLogger(logger *log.Logger) SSHOption {
	return func(s *SSHServer) { s.logger = logger }
}

// NewSSHServer builds a wish server whose sessions race through coord.
func NewSSHServer(coord *coordinator.Coordinator, cfg SSHServerConfig, opts ...SSHOption) (*SSHServer, error) {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	srv := &SSHServer{
		config: cfg,
		coord:  coord,
		logger: log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(srv)
	}

	hostKeyPath := cfg.HostKeyPath
	if len(hostKeyPath) > 0 && hostKeyPath[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot get home directory: %w", err)
		}
		hostKeyPath = filepath.Join(home, hostKeyPath[1:])
	}
	if err := os.MkdirAll(filepath.Dir(hostKeyPath), 0o700); err != nil {
		return nil, fmt.Errorf("cannot create host key directory: %w", err)
	}

	server, err := wish.NewServer(
		wish.WithAddress(cfg.Address),
		wish.WithHostKeyPath(hostKeyPath),
		wish.WithIdleTimeout(cfg.IdleTimeout),
		wish.WithMiddleware(
			bubbletea.Middleware(srv.teaHandler),
			srv.loggingMiddleware,
		),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot create SSH server: %w", err)
	}
	srv.server = server
	return srv, nil
}

// sessionIdentity derives the player identity from the SSH user name.
func sessionIdentity(user string) (race.Identity, error) {
	name := identity.SanitizeName(user)
	if name == "" {
		return race.Identity{}, identity.ErrInvalidUser
	}
	return race.Identity{UserID: race.UserID(name), DisplayName: name}, nil
}

// teaHandler attaches each SSH session to the coordinator.
func (s *SSHServer) teaHandler(sshSession ssh.Session) (tea.Model, []tea.ProgramOption) {
	pty, _, ok := sshSession.Pty()
	if !ok {
		s.logger.Warn("no PTY requested", "user", sshSession.User())
		wish.Fatalln(sshSession, "sokudo needs an interactive terminal (ssh -t)")
		return nil, nil
	}
	id, err := sessionIdentity(sshSession.User())
	if err != nil {
		wish.Fatalln(sshSession, "invalid user name")
		return nil, nil
	}

	link := s.coord.Attach(id, s.config.SendBuffer)
	go func() {
		<-sshSession.Context().Done()
		link.Close()
	}()

	cfg := DefaultRaceConfig()
	cfg.Width = pty.Window.Width
	cfg.ProgressInterval = s.config.ProgressInterval
	return NewRaceModel(link, cfg), []tea.ProgramOption{tea.WithAltScreen()}
}

// loggingMiddleware logs session start and end with their duration.
func (s *SSHServer) loggingMiddleware(next ssh.Handler) ssh.Handler {
	return func(sshSession ssh.Session) {
		started := time.Now()
		s.logger.Info("session started",
			"user", sshSession.User(),
			"remote", sshSession.RemoteAddr().String(),
		)
		next(sshSession)
		s.logger.Info("session ended",
			"user", sshSession.User(),
			"duration", time.Since(started).Round(time.Second),
		)
	}
}

// ListenAndServe serves until ctx is cancelled, then shuts down.
func (s *SSHServer) ListenAndServe(ctx context.Context) error {
	s.logger.Info("starting SSH server", "address", s.config.Address)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, ssh.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down SSH server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr is the configured listen address.
func (s *SSHServer) Addr() string {
	return s.config.Address
}
