package race

import (
	"fmt"
	"math"
	"sort"
	"time"
	"unicode/utf8"
)

// SessionConfig holds the timing parameters of a race.
type SessionConfig struct {
	StartDelay       time.Duration // Waiting -> Countdown
	Countdown        time.Duration // Countdown -> InProgress
	ProgressInterval time.Duration // minimum gap between progress broadcasts
	FloorWPM         float64       // slowest speed the hard timeout allows for
	MinTimeout       time.Duration // lower bound of the hard timeout
	MinParticipants  int
}

// DefaultSessionConfig returns sensible defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		StartDelay:       time.Second,
		Countdown:        3 * time.Second,
		ProgressInterval: 100 * time.Millisecond,
		FloorWPM:         10,
		MinTimeout:       30 * time.Second,
		MinParticipants:  2,
	}
}

// HardTimeout is the longest a race over text may stay in progress.
func (c SessionConfig) HardTimeout(text string) time.Duration {
	floor := c.FloorWPM
	if floor <= 0 {
		floor = 10
	}
	words := float64(utf8.RuneCountInString(text)) / 5
	d := time.Duration(words / floor * float64(time.Minute))
	return max(d, c.MinTimeout)
}

// phase is the per-state data of a session. Each state carries only
// the fields that are meaningful in it.
type phase interface {
	state() State
}

type waitingPhase struct {
	startAt time.Time
}

type countdownPhase struct {
	announced int // last countdown value broadcast
}

type inProgressPhase struct {
	startedAt     time.Time
	hardDeadline  time.Time
	lastBroadcast time.Time
	dirty         bool
}

type finishedPhase struct {
	startedAt  time.Time
	finishedAt time.Time
	results    []Result
	persisted  bool
}

type cancelledPhase struct {
	reason string
}

func (waitingPhase) state() State     { return StateWaiting }
func (countdownPhase) state() State   { return StateCountdown }
func (*inProgressPhase) state() State { return StateInProgress }
func (*finishedPhase) state() State   { return StateFinished }
func (cancelledPhase) state() State   { return StateCancelled }

// Session is the authoritative state machine for one race. It is not safe
// for concurrent use; the coordinator loop owns every session.
type Session struct {
	id        RaceID
	text      string
	textLen   int
	cfg       SessionConfig
	createdAt time.Time

	// countdownDeadline is assigned once at Waiting -> Countdown.
	countdownDeadline time.Time

	order        []UserID // roster in match order
	participants map[UserID]*Participant
	phase        phase
}

// NewSession creates a session in Waiting and returns the matched broadcast.
func NewSession(id RaceID, players []Player, text string, cfg SessionConfig, now time.Time) (*Session, []Event) {
	s := &Session{
		id:           id,
		text:         text,
		textLen:      utf8.RuneCountInString(text),
		cfg:          cfg,
		createdAt:    now,
		participants: make(map[UserID]*Participant, len(players)),
		phase:        waitingPhase{startAt: now.Add(cfg.StartDelay)},
	}
	for _, p := range players {
		if _, dup := s.participants[p.UserID]; dup {
			continue
		}
		s.order = append(s.order, p.UserID)
		s.participants[p.UserID] = &Participant{Player: p, Connected: true}
	}
	return s, []Event{s.matchedEvent()}
}

// ID returns the race identifier.
func (s *Session) ID() RaceID { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.phase.state() }

// Text returns the challenge text.
func (s *Session) Text() string { return s.text }

// CreatedAt returns when the matcher formed the race.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// CountdownDeadline returns the absolute start time, or zero before Countdown.
func (s *Session) CountdownDeadline() time.Time { return s.countdownDeadline }

// Roster returns the current participants in match order.
func (s *Session) Roster() []UserID {
	out := make([]UserID, len(s.order))
	copy(out, s.order)
	return out
}

// Has reports whether userID is on the roster.
func (s *Session) Has(userID UserID) bool {
	_, ok := s.participants[userID]
	return ok
}

// Participant returns a copy of a participant's state.
func (s *Session) Participant(userID UserID) (Participant, bool) {
	p, ok := s.participants[userID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Start moves Waiting -> Countdown and fixes the countdown deadline.
func (s *Session) Start(now time.Time) ([]Event, error) {
	if _, ok := s.phase.(waitingPhase); !ok {
		return nil, Ignored(fmt.Errorf("start in %s: %w", s.State(), ErrWrongState))
	}
	if !s.countdownDeadline.IsZero() {
		return nil, Ignored(fmt.Errorf("countdown deadline already set: %w", ErrWrongState))
	}
	s.countdownDeadline = now.Add(s.cfg.Countdown)
	value := countdownValue(s.cfg.Countdown)
	s.phase = countdownPhase{announced: value}
	return []Event{CountdownEvent{RaceID: s.id, Value: value, StartTime: s.countdownDeadline}}, nil
}

// Tick advances timers: start delay, countdown, throttled progress and the hard timeout.
func (s *Session) Tick(now time.Time) []Event {
	switch ph := s.phase.(type) {
	case waitingPhase:
		if now.Before(ph.startAt) {
			return nil
		}
		events, _ := s.Start(now) //nolint:errcheck // phase checked above
		return append(events, s.Tick(now)...)
	case countdownPhase:
		return s.tickCountdown(ph, now)
	case *inProgressPhase:
		if !now.Before(ph.hardDeadline) {
			return s.finish(ph, now, true)
		}
		return s.flushProgress(ph, now, false)
	}
	return nil
}

func (s *Session) tickCountdown(ph countdownPhase, now time.Time) []Event {
	if !now.Before(s.countdownDeadline) {
		return s.OnCountdownElapsed(now)
	}
	remaining := countdownValue(s.countdownDeadline.Sub(now))
	if remaining >= ph.announced {
		return nil
	}
	s.phase = countdownPhase{announced: remaining}
	return []Event{CountdownEvent{RaceID: s.id, Value: remaining, StartTime: s.countdownDeadline}}
}

// OnCountdownElapsed moves Countdown -> InProgress once now reaches the deadline.
func (s *Session) OnCountdownElapsed(now time.Time) []Event {
	if _, ok := s.phase.(countdownPhase); !ok {
		return nil
	}
	if now.Before(s.countdownDeadline) {
		return nil
	}
	s.phase = &inProgressPhase{
		startedAt:    s.countdownDeadline,
		hardDeadline: s.countdownDeadline.Add(s.cfg.HardTimeout(s.text)),
	}
	return []Event{CountdownEvent{RaceID: s.id, Value: 0, StartTime: s.countdownDeadline}}
}

// ReportProgress applies a progress update from a participant.
func (s *Session) ReportProgress(userID UserID, charsCorrect int, elapsedMs int64, now time.Time) ([]Event, error) {
	ph, p, err := s.racing(userID)
	if err != nil {
		return nil, err
	}
	if p.Finished() {
		return nil, Ignored(fmt.Errorf("progress after finish: %w", ErrWrongState))
	}
	if charsCorrect < 0 || charsCorrect > s.textLen {
		return nil, Validation("charsCorrect %d out of range 0..%d", charsCorrect, s.textLen)
	}
	if elapsedMs < 0 {
		return nil, Validation("elapsedMs must not be negative")
	}
	if elapsedMs < p.ElapsedMs {
		return nil, Validation("elapsedMs went backwards: %d after %d", elapsedMs, p.ElapsedMs)
	}
	p.CharsCorrect = charsCorrect
	p.ElapsedMs = elapsedMs
	ph.dirty = true
	return s.flushProgress(ph, now, false), nil
}

// ReportFinish records a participant's completion and finishes the race
// once every participant is done.
func (s *Session) ReportFinish(userID UserID, stats FinalStats, now time.Time) ([]Event, error) {
	ph, p, err := s.racing(userID)
	if err != nil {
		return nil, err
	}
	if p.Finished() {
		return nil, Ignored(fmt.Errorf("duplicate finish: %w", ErrWrongState))
	}
	if err := validateStats(stats); err != nil {
		return nil, err
	}
	if stats.DurationMs < p.ElapsedMs {
		return nil, Validation("durationMs %d before last reported progress %d", stats.DurationMs, p.ElapsedMs)
	}
	p.FinishedAt = now
	p.Final = stats
	p.CharsCorrect = s.textLen
	p.ElapsedMs = stats.DurationMs
	ph.dirty = true

	for _, id := range s.order {
		if !s.participants[id].Finished() {
			return s.flushProgress(ph, now, false), nil
		}
	}
	return s.finish(ph, now, false), nil
}

// HandleDisconnect reacts to a participant losing its connection. Before the
// race starts this is a withdrawal; during the race progress is frozen.
func (s *Session) HandleDisconnect(userID UserID, now time.Time) ([]Event, error) {
	p, ok := s.participants[userID]
	if !ok {
		return nil, Ignored(ErrNotParticipant)
	}
	switch ph := s.phase.(type) {
	case waitingPhase, countdownPhase:
		return s.withdraw(userID), nil
	case *inProgressPhase:
		if !p.Connected {
			return nil, nil
		}
		p.Connected = false
		ph.dirty = true
		return s.flushProgress(ph, now, false), nil
	}
	return nil, Ignored(fmt.Errorf("disconnect in %s: %w", s.State(), ErrWrongState))
}

// Withdraw removes a participant before the race starts.
func (s *Session) Withdraw(userID UserID) ([]Event, error) {
	if !s.Has(userID) {
		return nil, Ignored(ErrNotParticipant)
	}
	switch s.phase.(type) {
	case waitingPhase, countdownPhase:
		return s.withdraw(userID), nil
	}
	return nil, Conflict(fmt.Errorf("cannot leave a race in %s: %w", s.State(), ErrWrongState))
}

// HandleReconnect marks a participant connected again during the race.
func (s *Session) HandleReconnect(userID UserID, now time.Time) []Event {
	p, ok := s.participants[userID]
	if !ok || p.Connected {
		return nil
	}
	p.Connected = true
	if ph, ok := s.phase.(*inProgressPhase); ok {
		ph.dirty = true
		return s.flushProgress(ph, now, false)
	}
	return nil
}

func (s *Session) withdraw(userID UserID) []Event {
	delete(s.participants, userID)
	for i, id := range s.order {
		if id == userID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if len(s.order) < max(s.cfg.MinParticipants, 2) {
		s.phase = cancelledPhase{reason: "not enough players"}
		return []Event{CancelledEvent{RaceID: s.id, Reason: "not enough players"}}
	}
	return []Event{s.matchedEvent()}
}

// racing checks that the session is in progress and userID is on the roster.
func (s *Session) racing(userID UserID) (*inProgressPhase, *Participant, error) {
	p, ok := s.participants[userID]
	if !ok {
		return nil, nil, Ignored(fmt.Errorf("user %s: %w", userID, ErrNotParticipant))
	}
	ph, ok := s.phase.(*inProgressPhase)
	if !ok {
		return nil, nil, Ignored(fmt.Errorf("race is %s: %w", s.State(), ErrWrongState))
	}
	return ph, p, nil
}

func (s *Session) flushProgress(ph *inProgressPhase, now time.Time, force bool) []Event {
	if !ph.dirty {
		return nil
	}
	if !force && !ph.lastBroadcast.IsZero() && now.Sub(ph.lastBroadcast) < s.cfg.ProgressInterval {
		return nil
	}
	ph.dirty = false
	ph.lastBroadcast = now
	return []Event{ProgressEvent{RaceID: s.id, Participants: s.progressEntries()}}
}

func (s *Session) finish(ph *inProgressPhase, now time.Time, timedOut bool) []Event {
	var events []Event
	events = append(events, s.flushProgress(ph, now, true)...)
	if timedOut {
		for _, id := range s.order {
			if p := s.participants[id]; !p.Finished() {
				p.DNF = true
			}
		}
	}
	results := s.rank()
	s.phase = &finishedPhase{startedAt: ph.startedAt, finishedAt: now, results: results}
	return append(events, FinishedEvent{RaceID: s.id, Results: results})
}

// rank orders finishers by finish time, then DNFs by characters typed.
func (s *Session) rank() []Result {
	ps := make([]*Participant, 0, len(s.order))
	for _, id := range s.order {
		ps = append(ps, s.participants[id])
	}
	sort.SliceStable(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if a.DNF != b.DNF {
			return !a.DNF
		}
		if !a.DNF {
			if !a.FinishedAt.Equal(b.FinishedAt) {
				return a.FinishedAt.Before(b.FinishedAt)
			}
			return a.Final.WPM > b.Final.WPM
		}
		return a.CharsCorrect > b.CharsCorrect
	})

	results := make([]Result, len(ps))
	for i, p := range ps {
		r := Result{
			UserID:       p.UserID,
			DisplayName:  p.DisplayName,
			Rank:         i + 1,
			CharsCorrect: p.CharsCorrect,
			DNF:          p.DNF,
		}
		if p.DNF {
			r.WPM = round2(p.LiveWPM())
			r.DurationMs = p.ElapsedMs
		} else {
			r.WPM = p.Final.WPM
			r.Accuracy = p.Final.Accuracy
			r.DurationMs = p.Final.DurationMs
		}
		results[i] = r
	}
	return results
}

// Results returns the final ranking, or nil before Finished.
func (s *Session) Results() []Result {
	if ph, ok := s.phase.(*finishedPhase); ok {
		out := make([]Result, len(ph.results))
		copy(out, ph.results)
		return out
	}
	return nil
}

// Record builds the persistence payload of a finished race.
func (s *Session) Record() (Record, bool) {
	ph, ok := s.phase.(*finishedPhase)
	if !ok {
		return Record{}, false
	}
	return Record{
		RaceID:     s.id,
		Text:       s.text,
		CreatedAt:  s.createdAt,
		StartedAt:  ph.startedAt,
		FinishedAt: ph.finishedAt,
		Results:    s.Results(),
	}, true
}

// MarkPersisted records that the results sink accepted the race.
func (s *Session) MarkPersisted() {
	if ph, ok := s.phase.(*finishedPhase); ok {
		ph.persisted = true
	}
}

// Persisted reports whether a finished race has been handed to the sink.
func (s *Session) Persisted() bool {
	ph, ok := s.phase.(*finishedPhase)
	return ok && ph.persisted
}

// Removable reports whether the directory may drop the session.
func (s *Session) Removable() bool {
	switch s.phase.(type) {
	case cancelledPhase:
		return true
	case *finishedPhase:
		return s.Persisted()
	}
	return false
}

// Snapshot builds the resync reply for a participant.
func (s *Session) Snapshot() StateEvent {
	return StateEvent{
		Status:       StatusRacing,
		RaceID:       s.id,
		State:        s.State(),
		Players:      s.players(),
		Text:         s.text,
		StartTime:    s.countdownDeadline,
		Participants: s.progressEntries(),
	}
}

func (s *Session) matchedEvent() MatchedEvent {
	return MatchedEvent{RaceID: s.id, Players: s.players(), Text: s.text}
}

func (s *Session) players() []Player {
	out := make([]Player, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.participants[id].Player)
	}
	return out
}

func (s *Session) progressEntries() []ProgressEntry {
	out := make([]ProgressEntry, 0, len(s.order))
	for _, id := range s.order {
		p := s.participants[id]
		var pct float64
		if s.textLen > 0 {
			pct = round2(float64(p.CharsCorrect) / float64(s.textLen) * 100)
		}
		out = append(out, ProgressEntry{
			UserID:       id,
			Progress:     pct,
			WPM:          round2(p.LiveWPM()),
			CharsCorrect: p.CharsCorrect,
			Finished:     p.Finished(),
			Connected:    p.Connected,
		})
	}
	return out
}

func validateStats(st FinalStats) error {
	switch {
	case math.IsNaN(st.WPM) || st.WPM < 0 || st.WPM > MaxWPM:
		return Validation("wpm %.2f out of range 0..%d", st.WPM, MaxWPM)
	case math.IsNaN(st.Accuracy) || st.Accuracy < 0 || st.Accuracy > 100:
		return Validation("accuracy %.2f out of range 0..100", st.Accuracy)
	case st.DurationMs <= 0:
		return Validation("durationMs must be positive")
	}
	return nil
}

// MaxWPM bounds client-reported speeds.
const MaxWPM = 400

// countdownValue is the whole number of seconds left, rounded up.
func countdownValue(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
