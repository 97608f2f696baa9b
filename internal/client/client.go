// Package client is a reconnecting websocket client for the race server.
//
// The user's intent (idle or racing) lives here, independent of any single
// connection. Every (re)connect starts with a resync, and the client
// reconciles the server's answer against its intent, re-joining the queue if
// a dropped connection cost the user their place.
package client

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/00quasr/sokudo-sub009/internal/protocol"
	"github.com/00quasr/sokudo-sub009/internal/race"
)

// Intent is what the user wants, regardless of connection state.
type Intent int

const (
	IntentIdle Intent = iota
	IntentRace
)

func (i Intent) String() string {
	if i == IntentRace {
		return "race"
	}
	return "idle"
}

// Config holds configuration for the client.
type Config struct {
	URL               string
	Token             string // sent as a bearer token when set
	Identity          race.Identity
	AverageWPM        float64 // optional join hint
	ReconnectInterval time.Duration
	WriteWait         time.Duration
	EventBuffer       int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectInterval: 2 * time.Second,
		WriteWait:         5 * time.Second,
		EventBuffer:       64,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// Client keeps a connection to the server alive and reconciles intent.
type Client struct {
	cfg    Config
	logger *log.Logger
	dialer *websocket.Dialer

	events chan race.Event
	out    chan race.Command
	done   chan struct{}

	connected atomic.Bool

	mu          sync.Mutex
	intent      Intent
	pendingJoin bool

	closeOnce sync.Once
	stop      chan struct{}
}

// New creates a client. Call Run to connect.
func New(cfg Config, opts ...Option) *Client {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 2 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 5 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	c := &Client{
		cfg:    cfg,
		logger: log.New(io.Discard),
		dialer: websocket.DefaultDialer,
		events: make(chan race.Event, cfg.EventBuffer),
		out:    make(chan race.Command, 16),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Identity returns who the client speaks for.
func (c *Client) Identity() race.Identity {
	return c.cfg.Identity
}

// Intent returns the current intent.
func (c *Client) Intent() Intent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intent
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Events returns the stream of server events.
func (c *Client) Events() <-chan race.Event {
	return c.events
}

// Done closes when Run returns.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Send updates intent for joins and leaves and forwards the command when
// connected. Joins and leaves issued while offline are carried by intent
// alone and reconciled after the next resync; other commands are dropped.
func (c *Client) Send(cmd race.Command) {
	c.mu.Lock()
	switch cmd.(type) {
	case race.JoinCommand:
		c.intent = IntentRace
	case race.LeaveCommand:
		c.intent = IntentIdle
	}
	c.mu.Unlock()

	if !c.Connected() {
		return
	}
	select {
	case c.out <- cmd:
	default:
		c.logger.Warn("outbound buffer full, command dropped", "command", cmd)
	}
}

// Close stops the client.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
}

// Run connects and reconnects until ctx is cancelled or Close is called.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		close(c.done)
	}()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("connection lost, retrying", "error", err, "in", c.cfg.ReconnectInterval)

		select {
		case <-time.After(c.cfg.ReconnectInterval):
		case <-ctx.Done():
			return nil
		}
	}
}

// session runs one connection from dial to close.
func (c *Client) session(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}
	defer ws.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := make(chan race.Event)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			evt, err := protocol.DecodeEvent(data)
			if err != nil {
				c.logger.Warn("undecodable event", "error", err)
				continue
			}
			select {
			case inbound <- evt:
			case <-connCtx.Done():
				return
			}
		}
	}()

	c.connected.Store(true)
	defer c.connected.Store(false)
	c.logger.Info("connected", "url", c.cfg.URL)

	c.mu.Lock()
	c.pendingJoin = false
	c.mu.Unlock()
	// Drop anything queued for the previous connection.
	for len(c.out) > 0 {
		<-c.out
	}

	if err := c.write(ws, race.ResyncCommand{UserID: c.cfg.Identity.UserID}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait))
			return nil
		case err := <-readErr:
			return err
		case evt := <-inbound:
			followUp := c.reconcile(evt)
			select {
			case c.events <- evt:
			case <-ctx.Done():
				return nil
			}
			if followUp != nil {
				if err := c.write(ws, followUp); err != nil {
					return err
				}
			}
		case cmd := <-c.out:
			if err := c.write(ws, cmd); err != nil {
				return err
			}
		}
	}
}

func (c *Client) write(ws *websocket.Conn, cmd race.Command) error {
	c.mu.Lock()
	switch cmd.(type) {
	case race.JoinCommand:
		if c.pendingJoin {
			// Reconciliation already sent one.
			c.mu.Unlock()
			return nil
		}
		c.pendingJoin = true
	case race.LeaveCommand:
		c.pendingJoin = false
	}
	c.mu.Unlock()

	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

// JoinCommand builds the join the client sends on the user's behalf.
func (c *Client) JoinCommand() race.JoinCommand {
	cmd := race.JoinCommand{UserID: c.cfg.Identity.UserID, DisplayName: c.cfg.Identity.DisplayName}
	if c.cfg.AverageWPM > 0 {
		cmd.AverageWPM = c.cfg.AverageWPM
		cmd.HasHint = true
	}
	return cmd
}

// reconcile updates intent bookkeeping from evt and returns a command to
// send in response, if any.
func (c *Client) reconcile(evt race.Event) race.Command {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e := evt.(type) {
	case race.StateEvent:
		c.pendingJoin = false
		if e.Status == race.StatusIdle && c.intent == IntentRace {
			return c.JoinCommand()
		}
		if e.Status != race.StatusIdle && c.intent == IntentIdle {
			// Another device queued this user; adopt it rather than fight it.
			c.intent = IntentRace
		}
	case race.QueuedEvent, race.MatchedEvent:
		c.pendingJoin = false
	case race.CancelledEvent:
		if c.intent == IntentRace {
			return c.JoinCommand()
		}
	case race.FinishedEvent:
		c.intent = IntentIdle
	case race.ErrorEvent:
		c.pendingJoin = false
	}
	return nil
}
