package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/00quasr/sokudo-sub009/internal/race"
)

type playerFrame struct {
	UserID     string  `json:"userId"`
	UserName   string  `json:"userName"`
	AverageWPM float64 `json:"averageWpm"`
}

type participantFrame struct {
	UserID       string  `json:"userId"`
	Progress     float64 `json:"progress"`
	WPM          float64 `json:"wpm"`
	CharsCorrect int     `json:"charsCorrect"`
	Finished     bool    `json:"finished"`
	Connected    bool    `json:"connected"`
}

type resultFrame struct {
	UserID       string  `json:"userId"`
	UserName     string  `json:"userName"`
	Rank         int     `json:"rank"`
	WPM          float64 `json:"wpm"`
	Accuracy     float64 `json:"accuracy"`
	DurationMs   int64   `json:"durationMs"`
	CharsCorrect int     `json:"charsCorrect"`
	DNF          bool    `json:"dnf"`
}

// eventFrame is the wire form of every server event. Fields not used by a
// given type are omitted.
type eventFrame struct {
	Type         string             `json:"type"`
	Status       string             `json:"status,omitempty"`
	RaceID       string             `json:"raceId,omitempty"`
	AverageWPM   *float64           `json:"averageWpm,omitempty"`
	QueueSize    *int               `json:"queueSize,omitempty"`
	Players      []playerFrame      `json:"players,omitempty"`
	Text         string             `json:"text,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	Value        *int               `json:"countdownValue,omitempty"`
	StartTime    int64              `json:"startTime,omitempty"`
	State        string             `json:"state,omitempty"`
	Participants []participantFrame `json:"participants,omitempty"`
	Results      []resultFrame      `json:"results,omitempty"`
	Code         string             `json:"code,omitempty"`
	Message      string             `json:"message,omitempty"`
}

// EncodeEvent serializes a server event into one frame.
func EncodeEvent(evt race.Event) ([]byte, error) {
	var f eventFrame
	switch e := evt.(type) {
	case race.QueuedEvent:
		f = eventFrame{Type: TypeStatus, Status: statusQueued, AverageWPM: &e.AverageWPM, QueueSize: &e.QueueSize}
	case race.MatchedEvent:
		f = eventFrame{Type: TypeStatus, Status: statusMatched, RaceID: string(e.RaceID), Players: playerFrames(e.Players), Text: e.Text}
	case race.CancelledEvent:
		f = eventFrame{Type: TypeStatus, Status: statusCancelled, RaceID: string(e.RaceID), Reason: e.Reason}
	case race.CountdownEvent:
		f = eventFrame{Type: TypeCountdown, RaceID: string(e.RaceID), Value: &e.Value, StartTime: unixMs(e.StartTime)}
	case race.ProgressEvent:
		f = eventFrame{Type: TypeProgress, RaceID: string(e.RaceID), Participants: participantFrames(e.Participants)}
	case race.FinishedEvent:
		f = eventFrame{Type: TypeFinished, RaceID: string(e.RaceID), Results: resultFrames(e.Results)}
	case race.ErrorEvent:
		f = eventFrame{Type: TypeError, Code: string(e.Code), Message: e.Message}
	case race.StateEvent:
		f = eventFrame{Type: TypeState, Status: string(e.Status)}
		switch e.Status {
		case race.StatusQueued:
			f.AverageWPM = &e.AverageWPM
			f.QueueSize = &e.QueueSize
		case race.StatusRacing:
			f.RaceID = string(e.RaceID)
			f.State = e.State.String()
			f.Players = playerFrames(e.Players)
			f.Text = e.Text
			f.StartTime = unixMs(e.StartTime)
			f.Participants = participantFrames(e.Participants)
		}
	default:
		return nil, fmt.Errorf("protocol: unsupported event %T", evt)
	}
	return json.Marshal(f)
}

// DecodeEvent parses a server frame. Used by clients.
func DecodeEvent(data []byte) (race.Event, error) {
	var f eventFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("protocol: malformed event: %w", err)
	}

	switch f.Type {
	case TypeStatus:
		switch f.Status {
		case statusQueued:
			return race.QueuedEvent{AverageWPM: deref(f.AverageWPM), QueueSize: deref(f.QueueSize)}, nil
		case statusMatched:
			return race.MatchedEvent{RaceID: race.RaceID(f.RaceID), Players: players(f.Players), Text: f.Text}, nil
		case statusCancelled:
			return race.CancelledEvent{RaceID: race.RaceID(f.RaceID), Reason: f.Reason}, nil
		}
		return nil, fmt.Errorf("protocol: unknown status %q", f.Status)
	case TypeCountdown:
		if f.Value == nil {
			return nil, fmt.Errorf("protocol: countdown without value")
		}
		return race.CountdownEvent{RaceID: race.RaceID(f.RaceID), Value: *f.Value, StartTime: fromUnixMs(f.StartTime)}, nil
	case TypeProgress:
		return race.ProgressEvent{RaceID: race.RaceID(f.RaceID), Participants: participants(f.Participants)}, nil
	case TypeFinished:
		return race.FinishedEvent{RaceID: race.RaceID(f.RaceID), Results: results(f.Results)}, nil
	case TypeError:
		return race.ErrorEvent{Code: race.ErrorCode(f.Code), Message: f.Message}, nil
	case TypeState:
		st := race.StateEvent{
			Status:       race.Status(f.Status),
			AverageWPM:   deref(f.AverageWPM),
			QueueSize:    deref(f.QueueSize),
			RaceID:       race.RaceID(f.RaceID),
			Players:      players(f.Players),
			Text:         f.Text,
			StartTime:    fromUnixMs(f.StartTime),
			Participants: participants(f.Participants),
		}
		if f.State != "" {
			s, ok := race.ParseState(f.State)
			if !ok {
				return nil, fmt.Errorf("protocol: unknown race state %q", f.State)
			}
			st.State = s
		}
		return st, nil
	}
	return nil, fmt.Errorf("protocol: unknown event type %q", f.Type)
}

func playerFrames(ps []race.Player) []playerFrame {
	out := make([]playerFrame, len(ps))
	for i, p := range ps {
		out[i] = playerFrame{UserID: string(p.UserID), UserName: p.DisplayName, AverageWPM: p.AverageWPM}
	}
	return out
}

func players(fs []playerFrame) []race.Player {
	if len(fs) == 0 {
		return nil
	}
	out := make([]race.Player, len(fs))
	for i, f := range fs {
		out[i] = race.Player{UserID: race.UserID(f.UserID), DisplayName: f.UserName, AverageWPM: f.AverageWPM}
	}
	return out
}

func participantFrames(ps []race.ProgressEntry) []participantFrame {
	out := make([]participantFrame, len(ps))
	for i, p := range ps {
		out[i] = participantFrame{
			UserID:       string(p.UserID),
			Progress:     p.Progress,
			WPM:          p.WPM,
			CharsCorrect: p.CharsCorrect,
			Finished:     p.Finished,
			Connected:    p.Connected,
		}
	}
	return out
}

func participants(fs []participantFrame) []race.ProgressEntry {
	if len(fs) == 0 {
		return nil
	}
	out := make([]race.ProgressEntry, len(fs))
	for i, f := range fs {
		out[i] = race.ProgressEntry{
			UserID:       race.UserID(f.UserID),
			Progress:     f.Progress,
			WPM:          f.WPM,
			CharsCorrect: f.CharsCorrect,
			Finished:     f.Finished,
			Connected:    f.Connected,
		}
	}
	return out
}

func resultFrames(rs []race.Result) []resultFrame {
	out := make([]resultFrame, len(rs))
	for i, r := range rs {
		out[i] = resultFrame{
			UserID:       string(r.UserID),
			UserName:     r.DisplayName,
			Rank:         r.Rank,
			WPM:          r.WPM,
			Accuracy:     r.Accuracy,
			DurationMs:   r.DurationMs,
			CharsCorrect: r.CharsCorrect,
			DNF:          r.DNF,
		}
	}
	return out
}

func results(fs []resultFrame) []race.Result {
	out := make([]race.Result, len(fs))
	for i, f := range fs {
		out[i] = race.Result{
			UserID:       race.UserID(f.UserID),
			DisplayName:  f.UserName,
			Rank:         f.Rank,
			WPM:          f.WPM,
			Accuracy:     f.Accuracy,
			DurationMs:   f.DurationMs,
			CharsCorrect: f.CharsCorrect,
			DNF:          f.DNF,
		}
	}
	return out
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
