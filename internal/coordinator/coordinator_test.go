package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/00quasr/sokudo-sub009/internal/race"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

type memorySink struct {
	mu      sync.Mutex
	fail    int
	records []race.Record
}

func (m *memorySink) SaveRaceResult(_ context.Context, rec race.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail > 0 {
		m.fail--
		return errors.New("disk full")
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memorySink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type fixedSkills map[race.UserID]float64

func (f fixedSkills) AverageWPM(_ context.Context, id race.UserID) (float64, bool, error) {
	wpm, ok := f[id]
	return wpm, ok, nil
}

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	n := 0
	opts = append([]Option{
		WithClock(clock.Now),
		WithTexts(staticText("type this")),
		WithRaceIDs(func() race.RaceID {
			n++
			return race.RaceID("race-" + string(rune('0'+n)))
		}),
	}, opts...)
	return New(DefaultConfig(), opts...), clock
}

func connect(c *Coordinator, userID race.UserID, connID race.ConnID) *ChannelConnection {
	conn := NewChannelConnection(connID, race.Identity{UserID: userID, DisplayName: string(userID)}, 64)
	c.handleMessage(ConnectMsg{Conn: conn})
	return conn
}

func send(c *Coordinator, conn *ChannelConnection, cmd race.Command) {
	c.handleMessage(CommandMsg{ConnID: conn.ID(), UserID: conn.UserID(), Command: cmd})
}

func join(c *Coordinator, conn *ChannelConnection, wpm float64) {
	send(c, conn, race.JoinCommand{UserID: conn.UserID(), DisplayName: string(conn.UserID()), AverageWPM: wpm})
}

// settle hands the outcome of the pending save back to the handlers, as the
// loop would.
func settle(t *testing.T, c *Coordinator) {
	t.Helper()
	select {
	case msg := <-c.msgChan:
		if _, ok := msg.(persistedMsg); !ok {
			t.Fatalf("queued message = %T, want persistedMsg", msg)
		}
		c.handleMessage(msg)
	case <-time.After(2 * time.Second):
		t.Fatal("save outcome never arrived")
	}
}

func drain(conn *ChannelConnection) []race.Event {
	var out []race.Event
	for {
		select {
		case evt := <-conn.Events():
			out = append(out, evt)
		default:
			return out
		}
	}
}

func only[T race.Event](events []race.Event) []T {
	var out []T
	for _, e := range events {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func TestTwoPlayerRaceEndToEnd(t *testing.T) {
	sink := &memorySink{}
	c, clock := newTestCoordinator(t, WithResultSink(sink))
	a := connect(c, "a", "ca")
	b := connect(c, "b", "cb")

	join(c, a, 70)
	join(c, b, 72)
	if q := only[race.QueuedEvent](drain(a)); len(q) == 0 {
		t.Fatal("a received no queued status")
	}
	if q := only[race.QueuedEvent](drain(b)); len(q) != 1 || q[0].QueueSize != 2 {
		t.Fatalf("b queued status = %+v, want band of 2", q)
	}

	clock.Advance(time.Second)
	c.matchTick()

	ma := only[race.MatchedEvent](drain(a))
	mb := only[race.MatchedEvent](drain(b))
	if len(ma) != 1 || len(mb) != 1 {
		t.Fatalf("matched events: a=%d b=%d, want 1 each", len(ma), len(mb))
	}
	if ma[0].RaceID != mb[0].RaceID {
		t.Errorf("race IDs differ: %s vs %s", ma[0].RaceID, mb[0].RaceID)
	}
	if len(ma[0].Players) != 2 {
		t.Errorf("roster size = %d, want 2", len(ma[0].Players))
	}
	raceID := ma[0].RaceID

	var countA, countB []race.CountdownEvent
	for range 6 {
		clock.Advance(time.Second)
		c.sessionTick()
		countA = append(countA, only[race.CountdownEvent](drain(a))...)
		countB = append(countB, only[race.CountdownEvent](drain(b))...)
	}
	if len(countA) != 4 || len(countB) != 4 {
		t.Fatalf("countdown events: a=%d b=%d, want 4 each", len(countA), len(countB))
	}
	for i := range countA {
		if countA[i] != countB[i] {
			t.Errorf("countdown %d differs: %+v vs %+v", i, countA[i], countB[i])
		}
		if !countA[i].StartTime.Equal(countA[0].StartTime) {
			t.Errorf("countdown %d startTime moved", i)
		}
	}
	if countA[3].Value != 0 {
		t.Errorf("last countdown value = %d, want 0", countA[3].Value)
	}

	send(c, a, race.FinishCommand{RaceID: raceID, UserID: "a", Stats: race.FinalStats{WPM: 71, Accuracy: 98, DurationMs: 2500}})
	clock.Advance(100 * time.Millisecond)
	send(c, b, race.FinishCommand{RaceID: raceID, UserID: "b", Stats: race.FinalStats{WPM: 69, Accuracy: 97, DurationMs: 2600}})

	fa := only[race.FinishedEvent](drain(a))
	fb := only[race.FinishedEvent](drain(b))
	if len(fa) != 1 || len(fb) != 1 {
		t.Fatalf("finished events: a=%d b=%d, want 1 each", len(fa), len(fb))
	}
	if len(fa[0].Results) != 2 || fa[0].Results[0] != fb[0].Results[0] || fa[0].Results[1] != fb[0].Results[1] {
		t.Errorf("results differ: %+v vs %+v", fa[0].Results, fb[0].Results)
	}
	if fa[0].Results[0].UserID != "a" {
		t.Errorf("winner = %s, want a", fa[0].Results[0].UserID)
	}

	settle(t, c)
	if sink.count() != 1 {
		t.Errorf("sink has %d records, want 1", sink.count())
	}
	if c.races.Len() != 0 {
		t.Errorf("directory holds %d races after persistence, want 0", c.races.Len())
	}
}

func TestDisconnectBeforeMatchPurgesEntry(t *testing.T) {
	c, clock := newTestCoordinator(t)
	a := connect(c, "a", "ca")
	join(c, a, 60)

	c.handleMessage(DisconnectMsg{ConnID: a.ID(), UserID: "a"})
	clock.Advance(5 * time.Second)
	c.purgeTick()
	if !c.queue.Contains("a") {
		t.Fatal("entry purged inside grace window")
	}

	clock.Advance(6 * time.Second)
	c.purgeTick()
	if c.queue.Contains("a") {
		t.Fatal("entry still queued after grace window")
	}

	b := connect(c, "b", "cb")
	join(c, b, 60)
	clock.Advance(time.Second)
	c.matchTick()
	if c.races.Len() != 0 {
		t.Errorf("a race was created with %d races active", c.races.Len())
	}
}

func TestReconnectWithinGraceKeepsQueueEntry(t *testing.T) {
	c, clock := newTestCoordinator(t)
	a := connect(c, "a", "ca1")
	join(c, a, 60)
	c.handleMessage(DisconnectMsg{ConnID: a.ID(), UserID: "a"})

	clock.Advance(3 * time.Second)
	a2 := connect(c, "a", "ca2")
	send(c, a2, race.ResyncCommand{UserID: "a"})
	st := only[race.StateEvent](drain(a2))
	if len(st) != 1 || st[0].Status != race.StatusQueued {
		t.Fatalf("resync = %+v, want queued", st)
	}

	clock.Advance(20 * time.Second)
	c.purgeTick()
	if !c.queue.Contains("a") {
		t.Error("reconnected entry was purged")
	}
}

func TestDisconnectDuringCountdownCancelsRace(t *testing.T) {
	c, clock := newTestCoordinator(t)
	a := connect(c, "a", "ca")
	b := connect(c, "b", "cb")
	join(c, a, 70)
	join(c, b, 70)
	clock.Advance(time.Second)
	c.matchTick()
	clock.Advance(time.Second)
	c.sessionTick()
	if s, ok := c.races.ForUser("a"); !ok || s.State() != race.StateCountdown {
		t.Fatal("race is not counting down")
	}
	drain(a)

	c.handleMessage(DisconnectMsg{ConnID: b.ID(), UserID: "b"})
	events := drain(a)
	if len(only[race.CancelledEvent](events)) != 1 {
		t.Fatalf("a received %v, want a cancelled status", events)
	}

	for range 5 {
		clock.Advance(time.Second)
		c.sessionTick()
	}
	if cd := only[race.CountdownEvent](drain(a)); len(cd) != 0 {
		t.Errorf("countdown continued after cancel: %+v", cd)
	}
	if c.races.Len() != 0 {
		t.Errorf("cancelled race still held: %d", c.races.Len())
	}

	// The survivor may queue again right away.
	join(c, a, 70)
	if !c.queue.Contains("a") {
		t.Error("survivor could not re-queue")
	}
}

func TestDisconnectDuringRaceFreezesProgress(t *testing.T) {
	c, clock := newTestCoordinator(t)
	a := connect(c, "a", "ca1")
	b := connect(c, "b", "cb")
	join(c, a, 70)
	join(c, b, 70)
	clock.Advance(time.Second)
	c.matchTick()
	for range 5 {
		clock.Advance(time.Second)
		c.sessionTick()
	}
	s, ok := c.races.ForUser("a")
	if !ok || s.State() != race.StateInProgress {
		t.Fatal("race not in progress")
	}

	send(c, a, race.ProgressCommand{RaceID: s.ID(), UserID: "a", CharsCorrect: 4, ElapsedMs: 1000})
	c.handleMessage(DisconnectMsg{ConnID: a.ID(), UserID: "a"})
	if s.State() != race.StateInProgress {
		t.Fatalf("State() = %s after disconnect", s.State())
	}

	a2 := connect(c, "a", "ca2")
	send(c, a2, race.ResyncCommand{UserID: "a"})
	st := only[race.StateEvent](drain(a2))
	if len(st) != 1 || st[0].Status != race.StatusRacing || st[0].RaceID != s.ID() {
		t.Fatalf("resync = %+v, want racing in %s", st, s.ID())
	}
	for _, p := range st[0].Participants {
		if p.UserID == "a" && (p.CharsCorrect != 4 || !p.Connected) {
			t.Errorf("a after reconnect = %+v, want 4 chars and connected", p)
		}
	}
}

func TestSupersedingConnectionClosesOld(t *testing.T) {
	c, _ := newTestCoordinator(t)
	old := connect(c, "a", "c1")
	fresh := connect(c, "a", "c2")

	select {
	case <-old.Done():
	default:
		t.Fatal("old connection was not closed")
	}
	if !c.conns.Current("a", fresh.ID()) {
		t.Fatal("new connection is not current")
	}

	// The old connection's late close must not evict the new one.
	c.handleMessage(DisconnectMsg{ConnID: old.ID(), UserID: "a"})
	if !c.conns.Current("a", fresh.ID()) {
		t.Error("stale disconnect evicted the new connection")
	}

	// Commands from the superseded connection are dropped.
	send(c, old, race.JoinCommand{UserID: "a", AverageWPM: 50})
	if c.queue.Contains("a") {
		t.Error("command from superseded connection was applied")
	}
}

func TestDuplicateJoinIsRejected(t *testing.T) {
	c, _ := newTestCoordinator(t)
	a := connect(c, "a", "ca")
	join(c, a, 50)
	drain(a)
	join(c, a, 50)

	errs := only[race.ErrorEvent](drain(a))
	if len(errs) != 1 || errs[0].Code != race.CodeConflict {
		t.Errorf("errors = %+v, want one conflict", errs)
	}
	if c.queue.Len() != 1 {
		t.Errorf("queue length = %d, want 1", c.queue.Len())
	}
}

func TestJoinWhileRacingIsRejected(t *testing.T) {
	c, clock := newTestCoordinator(t)
	a := connect(c, "a", "ca")
	b := connect(c, "b", "cb")
	join(c, a, 70)
	join(c, b, 70)
	clock.Advance(time.Second)
	c.matchTick()
	drain(a)

	join(c, a, 70)
	errs := only[race.ErrorEvent](drain(a))
	if len(errs) != 1 || errs[0].Code != race.CodeConflict {
		t.Errorf("errors = %+v, want one conflict", errs)
	}
	if c.queue.Contains("a") {
		t.Error("racing user was queued")
	}
}

func TestProgressForUnknownRace(t *testing.T) {
	c, _ := newTestCoordinator(t)
	a := connect(c, "a", "ca")
	send(c, a, race.ProgressCommand{RaceID: "nope", UserID: "a", CharsCorrect: 1, ElapsedMs: 10})

	errs := only[race.ErrorEvent](drain(a))
	if len(errs) != 1 || errs[0].Code != race.CodeConflict {
		t.Errorf("errors = %+v, want one conflict", errs)
	}
}

func TestCommandForOtherUserIsRejected(t *testing.T) {
	c, _ := newTestCoordinator(t)
	a := connect(c, "a", "ca")
	send(c, a, race.JoinCommand{UserID: "b", AverageWPM: 50})

	errs := only[race.ErrorEvent](drain(a))
	if len(errs) != 1 || errs[0].Code != race.CodeValidation {
		t.Errorf("errors = %+v, want one validation error", errs)
	}
	if c.queue.Contains("b") {
		t.Error("impersonated join was applied")
	}
}

func TestLeaveBeforeStartCancels(t *testing.T) {
	c, clock := newTestCoordinator(t)
	a := connect(c, "a", "ca")
	b := connect(c, "b", "cb")
	join(c, a, 70)
	join(c, b, 70)
	clock.Advance(time.Second)
	c.matchTick()
	drain(b)

	send(c, a, race.LeaveCommand{UserID: "a"})
	if len(only[race.CancelledEvent](drain(b))) != 1 {
		t.Error("b was not told the race was cancelled")
	}
	if c.races.Active("a") || c.races.Active("b") {
		t.Error("users still marked as racing")
	}

	// Leaving twice is harmless.
	send(c, a, race.LeaveCommand{UserID: "a"})
	if errs := only[race.ErrorEvent](drain(a)); len(errs) != 0 {
		t.Errorf("second leave produced errors %+v", errs)
	}
}

func TestResyncIdle(t *testing.T) {
	c, _ := newTestCoordinator(t)
	a := connect(c, "a", "ca")
	send(c, a, race.ResyncCommand{UserID: "a"})
	st := only[race.StateEvent](drain(a))
	if len(st) != 1 || st[0].Status != race.StatusIdle {
		t.Errorf("resync = %+v, want idle", st)
	}
}

func TestPersistenceFailureKeepsSession(t *testing.T) {
	sink := &memorySink{fail: 2}
	c, clock := newTestCoordinator(t, WithResultSink(sink))
	a := connect(c, "a", "ca")
	b := connect(c, "b", "cb")
	join(c, a, 70)
	join(c, b, 70)
	clock.Advance(time.Second)
	c.matchTick()
	for range 5 {
		clock.Advance(time.Second)
		c.sessionTick()
	}
	s, _ := c.races.ForUser("a")
	id := s.ID()
	for _, u := range []*ChannelConnection{a, b} {
		send(c, u, race.FinishCommand{RaceID: id, UserID: u.UserID(), Stats: race.FinalStats{WPM: 60, Accuracy: 99, DurationMs: 1500}})
	}
	settle(t, c)

	if _, ok := c.races.Get(id); !ok {
		t.Fatal("session removed although persistence failed")
	}
	if c.races.Active("a") {
		t.Error("finished race still counts as active for a")
	}

	clock.Advance(1100 * time.Millisecond)
	c.sessionTick() // second failure
	settle(t, c)
	if _, ok := c.races.Get(id); !ok {
		t.Fatal("session removed after second failure")
	}

	clock.Advance(1100 * time.Millisecond)
	c.sessionTick()
	settle(t, c)
	if _, ok := c.races.Get(id); ok {
		t.Error("session kept after successful persistence")
	}
	if sink.count() != 1 {
		t.Errorf("sink has %d records, want 1", sink.count())
	}
}

type blockingSink struct {
	entered chan struct{}
	release chan struct{}
	memorySink
}

func newBlockingSink() *blockingSink {
	return &blockingSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (b *blockingSink) SaveRaceResult(ctx context.Context, rec race.Record) error {
	b.entered <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.memorySink.SaveRaceResult(ctx, rec)
}

func TestSlowSaveDoesNotStallLoop(t *testing.T) {
	sink := newBlockingSink()
	c, clock := newTestCoordinator(t, WithResultSink(sink))
	a := connect(c, "a", "ca")
	b := connect(c, "b", "cb")
	join(c, a, 70)
	join(c, b, 70)
	clock.Advance(time.Second)
	c.matchTick()
	for range 5 {
		clock.Advance(time.Second)
		c.sessionTick()
	}
	s, _ := c.races.ForUser("a")
	id := s.ID()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for _, u := range []*ChannelConnection{a, b} {
			send(c, u, race.FinishCommand{RaceID: id, UserID: u.UserID(), Stats: race.FinalStats{WPM: 60, Accuracy: 99, DurationMs: 1500}})
		}
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("handling the final finish waited for the save")
	}
	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("save never started")
	}

	c.sessionTick() // must not start a second save
	select {
	case <-sink.entered:
		t.Fatal("second save started while the first is in flight")
	default:
	}

	c.Start()
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	st, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() during a save failed: %v", err)
	}
	if st.ActiveRaces != 1 {
		t.Errorf("ActiveRaces = %d during the save, want 1", st.ActiveRaces)
	}

	close(sink.release)
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err := c.Stats(context.Background())
		if err != nil {
			t.Fatalf("Stats() failed: %v", err)
		}
		if st.ActiveRaces == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("race not removed after the save completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Errorf("sink has %d records, want 1", sink.count())
	}
}

func TestHardTimeoutFinishesRace(t *testing.T) {
	sink := &memorySink{}
	c, clock := newTestCoordinator(t, WithResultSink(sink))
	a := connect(c, "a", "ca")
	b := connect(c, "b", "cb")
	join(c, a, 70)
	join(c, b, 70)
	clock.Advance(time.Second)
	c.matchTick()
	for range 5 {
		clock.Advance(time.Second)
		c.sessionTick()
	}
	s, _ := c.races.ForUser("a")
	send(c, a, race.FinishCommand{RaceID: s.ID(), UserID: "a", Stats: race.FinalStats{WPM: 60, Accuracy: 99, DurationMs: 1500}})
	drain(b)

	clock.Advance(DefaultConfig().Session.MinTimeout)
	c.sessionTick()
	fin := only[race.FinishedEvent](drain(b))
	if len(fin) != 1 {
		t.Fatal("b got no finished results after timeout")
	}
	if !fin[0].Results[1].DNF || fin[0].Results[1].UserID != "b" {
		t.Errorf("b result = %+v, want DNF", fin[0].Results[1])
	}
}

func TestResolveSkill(t *testing.T) {
	c, _ := newTestCoordinator(t, WithSkillLookup(fixedSkills{"vet": 95}))

	tests := []struct {
		name string
		cmd  race.JoinCommand
		want float64
	}{
		{"history wins over hint", race.JoinCommand{UserID: "vet", AverageWPM: 20, HasHint: true}, 95},
		{"hint for new user", race.JoinCommand{UserID: "new", AverageWPM: 55, HasHint: true}, 55},
		{"default for new user", race.JoinCommand{UserID: "new"}, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.resolveSkill(context.Background(), tt.cmd); got != tt.want {
				t.Errorf("resolveSkill() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoopStats(t *testing.T) {
	c := New(DefaultConfig())
	c.Start()
	defer c.Stop()

	link := c.Attach(race.Identity{UserID: "a", DisplayName: "A"}, 16)
	link.Send(race.JoinCommand{UserID: "a"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if st.Connections != 1 || st.Queued != 1 {
		t.Errorf("Stats() = %+v, want 1 connection and 1 queued", st)
	}

	select {
	case evt := <-link.Events():
		if q, ok := evt.(race.QueuedEvent); !ok || q.AverageWPM != 40 {
			t.Errorf("first event = %#v, want queued at default wpm", evt)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}
