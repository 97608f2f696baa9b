// Package coordinator runs the single event loop that owns the matchmaking
// queue and every race session, and routes their events to connections.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/00quasr/sokudo-sub009/internal/matchmaking"
	"github.com/00quasr/sokudo-sub009/internal/race"
)

// ErrStopped is returned by calls made after Stop.
var ErrStopped = errors.New("coordinator stopped")

// Config holds configuration for the coordinator.
type Config struct {
	MatchInterval  time.Duration // matcher tick
	SessionTick    time.Duration // countdown, throttle and timeout checks
	PurgeInterval  time.Duration // disconnected queue entry sweep
	MaxActiveRaces int
	DefaultWPM     float64 // skill assumed for users without history
	PersistTimeout time.Duration
	PersistRetry   time.Duration
	Queue          matchmaking.Config
	Session        race.SessionConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MatchInterval:  time.Second,
		SessionTick:    50 * time.Millisecond,
		PurgeInterval:  time.Second,
		MaxActiveRaces: 1000,
		DefaultWPM:     40,
		PersistTimeout: 5 * time.Second,
		PersistRetry:   time.Second,
		Queue:          matchmaking.DefaultConfig(),
		Session:        race.DefaultSessionConfig(),
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithResultSink sets where finished races are persisted.
func WithResultSink(sink ResultSink) Option {
	return func(c *Coordinator) { c.sink = sink }
}

// WithSkillLookup sets the average WPM source for joins.
func WithSkillLookup(skills SkillLookup) Option {
	return func(c *Coordinator) { c.skills = skills }
}

// WithTexts sets the challenge text source.
func WithTexts(texts TextSource) Option {
	return func(c *Coordinator) { c.texts = texts }
}

// WithMetrics sets the metrics receiver.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithRaceIDs replaces the race ID generator.
func WithRaceIDs(next func() race.RaceID) Option {
	return func(c *Coordinator) { c.newRaceID = next }
}

// Coordinator owns the queue and the sessions. All mutations happen on the
// loop goroutine; other goroutines talk to it through messages.
type Coordinator struct {
	cfg       Config
	logger    *log.Logger
	now       func() time.Time
	sink      ResultSink
	skills    SkillLookup
	texts     TextSource
	metrics   Metrics
	newRaceID func() race.RaceID

	conns    *ConnectionRegistry
	dispatch *Dispatcher
	queue    *matchmaking.Queue
	races    *race.Directory

	// next persistence attempt for finished races whose save failed
	persistRetry map[race.RaceID]time.Time
	// races whose save is running off-loop
	persisting map[race.RaceID]struct{}

	msgChan  chan Message
	done     chan struct{}
	stopped  chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// New creates a coordinator. Call Start to run its loop.
func New(cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:          cfg,
		logger:       log.New(io.Discard),
		now:          time.Now,
		texts:        staticText(fallbackText),
		metrics:      noopMetrics{},
		newRaceID:    func() race.RaceID { return race.RaceID(uuid.NewString()) },
		conns:        NewConnectionRegistry(),
		races:        race.NewDirectory(cfg.MaxActiveRaces),
		persistRetry: make(map[race.RaceID]time.Time),
		persisting:   make(map[race.RaceID]struct{}),
		msgChan:      make(chan Message, 256),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dispatch = NewDispatcher(c.conns, c.logger)
	c.queue = matchmaking.NewQueue(cfg.Queue, matchmaking.WithActiveCheck(c.races.Active))
	return c
}

// Registry exposes the connection registry.
func (c *Coordinator) Registry() *ConnectionRegistry {
	return c.conns
}

// Start begins the coordinator's loop.
func (c *Coordinator) Start() {
	if c.started.CompareAndSwap(false, true) {
		go c.run()
	}
}

// Stop shuts the loop down and waits for it to exit.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
	if c.started.Load() {
		<-c.stopped
	}
}

// Send hands a message to the loop.
func (c *Coordinator) Send(msg Message) {
	select {
	case c.msgChan <- msg:
	case <-c.done:
	}
}

// Connect registers conn with the loop.
func (c *Coordinator) Connect(conn ConnectionHandle) {
	c.Send(ConnectMsg{Conn: conn})
}

// Disconnect reports that conn has closed.
func (c *Coordinator) Disconnect(conn ConnectionHandle) {
	c.Send(DisconnectMsg{ConnID: conn.ID(), UserID: conn.UserID()})
}

// Submit forwards a command from conn. Skill lookup for joins runs here, on
// the caller's goroutine, so storage latency never stalls the loop.
func (c *Coordinator) Submit(ctx context.Context, conn ConnectionHandle, cmd race.Command) {
	if join, ok := cmd.(race.JoinCommand); ok {
		join.AverageWPM = c.resolveSkill(ctx, join)
		cmd = join
	}
	c.Send(CommandMsg{ConnID: conn.ID(), UserID: conn.UserID(), Command: cmd})
}

// Stats asks the loop for a snapshot. It doubles as a liveness probe.
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case c.msgChan <- statsMsg{reply: reply}:
	case <-c.done:
		return Stats{}, ErrStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-c.done:
		return Stats{}, ErrStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (c *Coordinator) resolveSkill(ctx context.Context, join race.JoinCommand) float64 {
	if c.skills != nil {
		wpm, ok, err := c.skills.AverageWPM(ctx, join.UserID)
		if err != nil {
			c.logger.Warn("skill lookup failed", "user", join.UserID, "error", err)
		} else if ok {
			return wpm
		}
	}
	if join.HasHint {
		return join.AverageWPM
	}
	return c.cfg.DefaultWPM
}

func (c *Coordinator) run() {
	defer close(c.stopped)

	matchTicker := time.NewTicker(c.cfg.MatchInterval)
	defer matchTicker.Stop()
	sessionTicker := time.NewTicker(c.cfg.SessionTick)
	defer sessionTicker.Stop()
	purgeTicker := time.NewTicker(c.cfg.PurgeInterval)
	defer purgeTicker.Stop()

	for {
		select {
		case msg := <-c.msgChan:
			c.handleMessage(msg)
		case <-matchTicker.C:
			c.matchTick()
		case <-sessionTicker.C:
			c.sessionTick()
		case <-purgeTicker.C:
			c.purgeTick()
		case <-c.done:
			return
		}
		c.observe()
	}
}

func (c *Coordinator) observe() {
	c.metrics.ConnectionsChanged(c.conns.Count())
	c.metrics.QueueSizeChanged(c.queue.Len())
	c.metrics.ActiveRacesChanged(c.races.Len())
}

func (c *Coordinator) handleMessage(msg Message) {
	switch m := msg.(type) {
	case ConnectMsg:
		c.handleConnect(m.Conn)
	case DisconnectMsg:
		c.handleDisconnect(m.ConnID, m.UserID)
	case CommandMsg:
		c.handleCommand(m)
	case persistedMsg:
		c.handlePersisted(m)
	case statsMsg:
		m.reply <- Stats{
			Connections: c.conns.Count(),
			Queued:      c.queue.Len(),
			ActiveRaces: c.races.Len(),
		}
	}
}

func (c *Coordinator) handleConnect(conn ConnectionHandle) {
	userID := conn.UserID()
	if prev := c.conns.Register(conn); prev != nil {
		c.logger.Info("connection superseded", "user", userID, "old", prev.ID(), "new", conn.ID())
		prev.Close()
	}
	c.logger.Info("connected", "user", userID, "conn", conn.ID())

	c.queue.MarkConnected(userID)
	if s, ok := c.races.ForUser(userID); ok {
		c.afterSession(s, s.HandleReconnect(userID, c.now()))
	}
}

func (c *Coordinator) handleDisconnect(connID race.ConnID, userID race.UserID) {
	if !c.conns.Unregister(userID, connID) {
		// Already superseded by a newer connection.
		return
	}
	c.logger.Info("disconnected", "user", userID, "conn", connID)

	now := c.now()
	c.queue.MarkDisconnected(userID, now)
	if s, ok := c.races.ForUser(userID); ok {
		events, err := s.HandleDisconnect(userID, now)
		if err != nil {
			c.logger.Debug("disconnect ignored", "user", userID, "race", s.ID(), "error", err)
		}
		c.afterSession(s, events)
	}
}

func (c *Coordinator) handleCommand(m CommandMsg) {
	conn, ok := c.conns.Get(m.UserID)
	if !ok || conn.ID() != m.ConnID {
		c.logger.Debug("command from stale connection dropped", "user", m.UserID, "conn", m.ConnID)
		return
	}
	if owner := commandUser(m.Command); owner != m.UserID {
		c.reject(conn, race.Validation("userId %q does not match connection", owner))
		return
	}

	var err error
	switch cmd := m.Command.(type) {
	case race.JoinCommand:
		err = c.handleJoin(conn, cmd)
	case race.LeaveCommand:
		err = c.handleLeave(cmd)
	case race.ProgressCommand:
		err = c.handleProgress(cmd)
	case race.FinishCommand:
		err = c.handleFinish(cmd)
	case race.ResyncCommand:
		c.handleResync(conn)
	}
	if err != nil {
		c.reject(conn, err)
	}
}

func (c *Coordinator) reject(conn ConnectionHandle, err error) {
	kind := race.KindOf(err)
	if kind == race.KindExhausted {
		c.logger.Warn("command rejected", "user", conn.UserID(), "kind", kind, "error", err)
	} else {
		c.logger.Debug("command rejected", "user", conn.UserID(), "kind", kind, "error", err)
	}
	c.metrics.CommandRejected(kind)
	conn.Send(race.ErrorEventFor(err))
}

func (c *Coordinator) handleJoin(conn ConnectionHandle, cmd race.JoinCommand) error {
	now := c.now()
	name := cmd.DisplayName
	if name == "" {
		name = string(cmd.UserID)
	}
	st, err := c.queue.Enqueue(cmd.UserID, name, cmd.AverageWPM, now)
	if err != nil {
		return err
	}
	c.logger.Info("queued", "user", cmd.UserID, "wpm", cmd.AverageWPM, "band", st.Size)
	conn.Send(race.QueuedEvent{AverageWPM: st.AverageWPM, QueueSize: st.Size})

	_, members := c.queue.Band(cmd.UserID, now)
	c.notifyBand(members, cmd.UserID, now)
	return nil
}

func (c *Coordinator) handleLeave(cmd race.LeaveCommand) error {
	now := c.now()
	_, members := c.queue.Band(cmd.UserID, now)
	if c.queue.Dequeue(cmd.UserID) {
		c.logger.Info("left queue", "user", cmd.UserID)
		c.notifyBand(members, cmd.UserID, now)
	}

	s, ok := c.races.ForUser(cmd.UserID)
	if !ok {
		return nil
	}
	events, err := s.Withdraw(cmd.UserID)
	if err != nil {
		return err
	}
	c.logger.Info("left race", "user", cmd.UserID, "race", s.ID())
	c.afterSession(s, events)
	return nil
}

// notifyBand sends refreshed queue status to band members other than skip.
func (c *Coordinator) notifyBand(members []race.UserID, skip race.UserID, now time.Time) {
	for _, id := range members {
		if id == skip {
			continue
		}
		st, _ := c.queue.Band(id, now)
		if st.Size == 0 {
			continue
		}
		c.dispatch.ToUser(id, race.QueuedEvent{AverageWPM: st.AverageWPM, QueueSize: st.Size})
	}
}

func (c *Coordinator) handleProgress(cmd race.ProgressCommand) error {
	s, ok := c.races.Get(cmd.RaceID)
	if !ok {
		return race.Conflict(fmt.Errorf("race %s: %w", cmd.RaceID, race.ErrUnknownRace))
	}
	events, err := s.ReportProgress(cmd.UserID, cmd.CharsCorrect, cmd.ElapsedMs, c.now())
	c.afterSession(s, events)
	return err
}

func (c *Coordinator) handleFinish(cmd race.FinishCommand) error {
	s, ok := c.races.Get(cmd.RaceID)
	if !ok {
		return race.Conflict(fmt.Errorf("race %s: %w", cmd.RaceID, race.ErrUnknownRace))
	}
	events, err := s.ReportFinish(cmd.UserID, cmd.Stats, c.now())
	c.afterSession(s, events)
	return err
}

func (c *Coordinator) handleResync(conn ConnectionHandle) {
	userID := conn.UserID()
	if s, ok := c.races.ForUser(userID); ok {
		conn.Send(s.Snapshot())
		return
	}
	if c.queue.Contains(userID) {
		st, _ := c.queue.Band(userID, c.now())
		conn.Send(race.StateEvent{Status: race.StatusQueued, AverageWPM: st.AverageWPM, QueueSize: st.Size})
		return
	}
	conn.Send(race.StateEvent{Status: race.StatusIdle})
}

// afterSession delivers events to the roster and performs the bookkeeping
// that follows a state change: index sync, persistence and removal.
func (c *Coordinator) afterSession(s *race.Session, events []race.Event) {
	c.dispatch.ToRoster(s.Roster(), events)
	c.races.Sync(s)

	for _, evt := range events {
		switch evt.(type) {
		case race.FinishedEvent:
			c.logger.Info("race finished", "race", s.ID())
			c.metrics.RaceEnded(race.StateFinished)
		case race.CancelledEvent:
			c.logger.Info("race cancelled", "race", s.ID())
			c.metrics.RaceEnded(race.StateCancelled)
		}
	}

	if s.State() == race.StateFinished && !s.Persisted() {
		c.persist(s)
	}
	if s.Removable() {
		if err := c.races.Remove(s.ID()); err != nil {
			c.logger.Error("remove race", "race", s.ID(), "error", err)
		}
		delete(c.persistRetry, s.ID())
	}
}

// persist hands a finished race to the sink on its own goroutine; the
// outcome comes back to the loop as a persistedMsg. On failure the session
// stays in the directory and the save is retried after PersistRetry.
func (c *Coordinator) persist(s *race.Session) {
	id := s.ID()
	if _, busy := c.persisting[id]; busy {
		return
	}
	now := c.now()
	if at, ok := c.persistRetry[id]; ok && now.Before(at) {
		return
	}
	rec, ok := s.Record()
	if !ok {
		return
	}
	if c.sink == nil {
		s.MarkPersisted()
		return
	}

	c.persisting[id] = struct{}{}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PersistTimeout)
		defer cancel()
		err := c.sink.SaveRaceResult(ctx, rec)
		c.Send(persistedMsg{RaceID: id, Err: err})
	}()
}

func (c *Coordinator) handlePersisted(m persistedMsg) {
	delete(c.persisting, m.RaceID)
	s, ok := c.races.Get(m.RaceID)
	if !ok {
		return
	}
	if m.Err != nil {
		c.logger.Error("persist race results", "race", m.RaceID, "error", m.Err)
		c.metrics.PersistFailed()
		c.persistRetry[m.RaceID] = c.now().Add(c.cfg.PersistRetry)
		return
	}
	s.MarkPersisted()
	c.afterSession(s, nil)
}

func (c *Coordinator) matchTick() {
	now := c.now()
	for _, group := range c.queue.Tick(now) {
		if c.races.Full() {
			c.queue.Restore(group...)
			c.logger.Warn("active race ceiling reached, group left queued", "players", len(group))
			continue
		}
		id := c.newRaceID()
		s, events, err := c.races.Create(id, group.Players(), c.texts.Pick(), c.cfg.Session, now)
		if err != nil {
			c.queue.Restore(group...)
			c.logger.Error("create race", "race", id, "error", err)
			continue
		}
		c.logger.Info("race formed", "race", id, "players", len(group))
		c.metrics.RaceFormed(len(group), now.Sub(group[0].EnqueuedAt))
		c.afterSession(s, events)
	}
}

func (c *Coordinator) sessionTick() {
	now := c.now()
	for _, s := range c.races.Sessions() {
		c.afterSession(s, s.Tick(now))
	}
}

func (c *Coordinator) purgeTick() {
	for _, id := range c.queue.Purge(c.now()) {
		c.logger.Info("queue entry expired after disconnect", "user", id)
	}
}

func commandUser(cmd race.Command) race.UserID {
	switch cmd := cmd.(type) {
	case race.JoinCommand:
		return cmd.UserID
	case race.LeaveCommand:
		return cmd.UserID
	case race.ProgressCommand:
		return cmd.UserID
	case race.FinishCommand:
		return cmd.UserID
	case race.ResyncCommand:
		return cmd.UserID
	}
	return ""
}
