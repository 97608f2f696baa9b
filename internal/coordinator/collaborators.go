package coordinator

import (
	"context"
	"time"

	"github.com/00quasr/sokudo-sub009/internal/race"
)

// ResultSink persists finished races.
// This allows the coordinator to save results without depending on the storage package.
type ResultSink interface {
	SaveRaceResult(ctx context.Context, rec race.Record) error
}

// SkillLookup resolves a user's average WPM from history.
// ok is false when the user has no usable history.
type SkillLookup interface {
	AverageWPM(ctx context.Context, userID race.UserID) (wpm float64, ok bool, err error)
}

// TextSource hands out challenge texts.
type TextSource interface {
	Pick() string
}

// Metrics receives coordinator observations.
type Metrics interface {
	ConnectionsChanged(n int)
	QueueSizeChanged(n int)
	ActiveRacesChanged(n int)
	RaceFormed(players int, wait time.Duration)
	RaceEnded(state race.State)
	CommandRejected(kind race.Kind)
	PersistFailed()
}

type noopMetrics struct{}

func (noopMetrics) ConnectionsChanged(int) {}
func (noopMetrics) QueueSizeChanged(int) {}
func (noopMetrics) ActiveRacesChanged(int) {}
func (noopMetrics) RaceFormed(int, time.Duration) {}
func (noopMetrics) RaceEnded(race.State) {}
func (noopMetrics) CommandRejected(race.Kind) {}
func (noopMetrics) PersistFailed() {}

type staticText string

func (s staticText) Pick() string { return string(s) }

const fallbackText = "the quick brown fox jumps over the lazy dog"
