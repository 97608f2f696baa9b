// Package race holds the race domain: identifiers, the command and event
// unions exchanged with clients, and the RaceSession state machine.
package race

import "time"

// UserID identifies an authenticated user.
type UserID string

// RaceID uniquely identifies a race session.
type RaceID string

// ConnID identifies one duplex connection.
type ConnID string

// State is the lifecycle state of a race session.
type State int

const (
	StateWaiting State = iota
	StateCountdown
	StateInProgress
	StateFinished
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateCountdown:
		return "countdown"
	case StateInProgress:
		return "in_progress"
	case StateFinished:
		return "finished"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, bool) {
	for st := StateWaiting; st <= StateCancelled; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateCancelled
}

// Identity is what the identity provider knows about a connection.
type Identity struct {
	UserID      UserID
	DisplayName string
}

// Player is a roster entry as announced to clients.
type Player struct {
	UserID      UserID
	DisplayName string
	AverageWPM  float64
}

// FinalStats are the client-reported numbers for a completed run.
type FinalStats struct {
	WPM        float64
	Accuracy   float64
	DurationMs int64
}

// Participant is the live per-user state inside a session.
type Participant struct {
	Player

	CharsCorrect int
	ElapsedMs    int64
	Connected    bool
	FinishedAt   time.Time // zero until the participant finishes
	Final        FinalStats
	DNF          bool
}

// Finished reports whether the participant completed the text.
func (p *Participant) Finished() bool {
	return !p.FinishedAt.IsZero()
}

// LiveWPM derives words per minute from correct characters and elapsed time.
// A word is five characters.
func (p *Participant) LiveWPM() float64 {
	if p.ElapsedMs <= 0 {
		return 0
	}
	minutes := float64(p.ElapsedMs) / 60000
	return float64(p.CharsCorrect) / 5 / minutes
}

// ProgressEntry is one participant row in a progress broadcast.
type ProgressEntry struct {
	UserID       UserID
	Progress     float64 // percent of the challenge typed correctly, 0..100
	WPM          float64
	CharsCorrect int
	Finished     bool
	Connected    bool
}

// Result is one ranked line of a finished race.
type Result struct {
	UserID       UserID
	DisplayName  string
	Rank         int
	WPM          float64
	Accuracy     float64
	DurationMs   int64
	CharsCorrect int
	DNF          bool
}

// Record is what gets handed to the results sink once a race is finished.
type Record struct {
	RaceID     RaceID
	Text       string
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []Result
}

// Status describes where a user currently is, as seen by resync.
type Status string

const (
	StatusIdle   Status = "idle"
	StatusQueued Status = "queued"
	StatusRacing Status = "racing"
)
