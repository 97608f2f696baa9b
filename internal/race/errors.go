package race

import (
	"errors"
	"fmt"
)

// Kind classifies a rejected command.
type Kind int

const (
	KindValidation Kind = iota + 1 // malformed frame or value out of range
	KindConflict                   // command does not fit current queue/race state
	KindExhausted                  // a capacity ceiling was hit
	KindIgnored                    // roster or state mismatch inside a session
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindExhausted:
		return "exhausted"
	case KindIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Code maps the kind to the error code sent to clients.
func (k Kind) Code() ErrorCode {
	switch k {
	case KindValidation:
		return CodeValidation
	case KindExhausted:
		return CodeExhausted
	default:
		return CodeConflict
	}
}

// Error is a classified command failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Sentinel errors shared by the queue, the sessions and the coordinator.
var (
	ErrAlreadyQueued  = errors.New("already queued")
	ErrQueueFull      = errors.New("matchmaking queue is full")
	ErrTooManyRaces   = errors.New("too many active races")
	ErrUnknownRace    = errors.New("unknown race")
	ErrNotParticipant = errors.New("not a participant of this race")
	ErrWrongState     = errors.New("command not allowed in current race state")
	ErrNotPersisted   = errors.New("race results not persisted yet")
)

// Validation wraps a formatted message as a validation error.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

// Conflict wraps err as a state conflict.
func Conflict(err error) error {
	return &Error{Kind: KindConflict, Err: err}
}

// Exhausted wraps err as a resource exhaustion error.
func Exhausted(err error) error {
	return &Error{Kind: KindExhausted, Err: err}
}

// Ignored wraps err as an ignored session event.
func Ignored(err error) error {
	return &Error{Kind: KindIgnored, Err: err}
}

// KindOf returns the classification of err, or 0 if err is not a race error.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return 0
}

// ErrorEventFor converts err into the reply sent to the offending connection.
func ErrorEventFor(err error) ErrorEvent {
	return ErrorEvent{Code: KindOf(err).Code(), Message: err.Error()}
}
