package race

import "time"

// Command is a typed client request. The set of commands is closed.
type Command interface {
	command()
}

// JoinCommand asks to enter the matchmaking queue.
type JoinCommand struct {
	UserID      UserID
	DisplayName string
	// AverageWPM is resolved server-side before the command reaches the loop.
	// A client-supplied value is only used when the user has no history.
	AverageWPM float64
	HasHint    bool
}

func (JoinCommand) command() {}

// LeaveCommand withdraws from the queue or from a race that has not started.
type LeaveCommand struct {
	UserID UserID
}

func (LeaveCommand) command() {}

// ProgressCommand reports live typing progress.
type ProgressCommand struct {
	RaceID       RaceID
	UserID       UserID
	CharsCorrect int
	ElapsedMs    int64
}

func (ProgressCommand) command() {}

// FinishCommand reports that the user typed the whole challenge.
type FinishCommand struct {
	RaceID RaceID
	UserID UserID
	Stats  FinalStats
}

func (FinishCommand) command() {}

// ResyncCommand asks for the user's current queue or race status.
type ResyncCommand struct {
	UserID UserID
}

func (ResyncCommand) command() {}

// Event is a server-to-client notification. The set of events is closed.
type Event interface {
	event()
}

// QueuedEvent confirms queue membership and describes the user's band.
type QueuedEvent struct {
	AverageWPM float64
	QueueSize  int
}

func (QueuedEvent) event() {}

// MatchedEvent announces a race roster and the challenge text.
type MatchedEvent struct {
	RaceID  RaceID
	Players []Player
	Text    string
}

func (MatchedEvent) event() {}

// CancelledEvent tells survivors that the race will not run.
type CancelledEvent struct {
	RaceID RaceID
	Reason string
}

func (CancelledEvent) event() {}

// CountdownEvent carries the absolute start time. Value 0 means the race has started.
type CountdownEvent struct {
	RaceID    RaceID
	Value     int
	StartTime time.Time
}

func (CountdownEvent) event() {}

// ProgressEvent is the throttled roster progress broadcast.
type ProgressEvent struct {
	RaceID       RaceID
	Participants []ProgressEntry
}

func (ProgressEvent) event() {}

// FinishedEvent carries the final ranking.
type FinishedEvent struct {
	RaceID  RaceID
	Results []Result
}

func (FinishedEvent) event() {}

// ErrorCode classifies an error reply.
type ErrorCode string

const (
	CodeValidation ErrorCode = "validation"
	CodeConflict   ErrorCode = "conflict"
	CodeExhausted  ErrorCode = "exhausted"
)

// ErrorEvent is a reply to the sender of a rejected frame.
type ErrorEvent struct {
	Code    ErrorCode
	Message string
}

func (ErrorEvent) event() {}

// StateEvent answers a resync request.
type StateEvent struct {
	Status Status

	// Queue fields, set when Status is StatusQueued.
	AverageWPM float64
	QueueSize  int

	// Race fields, set when Status is StatusRacing.
	RaceID       RaceID
	State        State
	Players      []Player
	Text         string
	StartTime    time.Time
	Participants []ProgressEntry
}

func (StateEvent) event() {}
