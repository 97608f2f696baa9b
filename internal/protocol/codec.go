// Package protocol converts between JSON frames and race commands/events.
// Every frame is one JSON object with a "type" discriminator.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/00quasr/sokudo-sub009/internal/race"
)

// MaxFrameBytes bounds an inbound frame.
const MaxFrameBytes = 4096

// Frame types.
const (
	TypeJoin        = "matchmaking:join"
	TypeLeave       = "matchmaking:leave"
	TypeProgress    = "race:progress"
	TypeFinish      = "race:finish"
	TypeResync      = "session:resync"
	TypeStatus      = "matchmaking:status"
	TypeCountdown   = "race:countdown"
	TypeFinished    = "race:finished"
	TypeError       = "error"
	TypeState       = "session:state"
	statusQueued    = "queued"
	statusMatched   = "matched"
	statusCancelled = "cancelled"
)

const maxIDLen = 128

type envelope struct {
	Type string `json:"type"`
}

type joinFrame struct {
	Type       string   `json:"type"`
	UserID     string   `json:"userId"`
	UserName   string   `json:"userName"`
	AverageWPM *float64 `json:"averageWpm,omitempty"`
}

type leaveFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type progressFrame struct {
	Type         string `json:"type"`
	RaceID       string `json:"raceId"`
	UserID       string `json:"userId"`
	CharsCorrect *int   `json:"charsCorrect"`
	ElapsedMs    *int64 `json:"elapsedMs"`
}

type finishFrame struct {
	Type       string   `json:"type"`
	RaceID     string   `json:"raceId"`
	UserID     string   `json:"userId"`
	WPM        *float64 `json:"wpm"`
	Accuracy   *float64 `json:"accuracy"`
	DurationMs *int64   `json:"durationMs"`
}

type resyncFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// DecodeCommand parses and validates one inbound frame. Every failure is a
// race validation error, so callers can answer with a single error reply.
func DecodeCommand(data []byte) (race.Command, error) {
	if len(data) > MaxFrameBytes {
		return nil, race.Validation("frame exceeds %d bytes", MaxFrameBytes)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, race.Validation("malformed frame: %v", err)
	}

	switch env.Type {
	case TypeJoin:
		var f joinFrame
		if err := strictUnmarshal(data, &f); err != nil {
			return nil, err
		}
		if err := checkID("userId", f.UserID); err != nil {
			return nil, err
		}
		cmd := race.JoinCommand{UserID: race.UserID(f.UserID), DisplayName: f.UserName}
		if f.AverageWPM != nil {
			if !finiteIn(*f.AverageWPM, 0, race.MaxWPM) {
				return nil, race.Validation("averageWpm out of range")
			}
			cmd.AverageWPM = *f.AverageWPM
			cmd.HasHint = true
		}
		return cmd, nil

	case TypeLeave:
		var f leaveFrame
		if err := strictUnmarshal(data, &f); err != nil {
			return nil, err
		}
		if err := checkID("userId", f.UserID); err != nil {
			return nil, err
		}
		return race.LeaveCommand{UserID: race.UserID(f.UserID)}, nil

	case TypeProgress:
		var f progressFrame
		if err := strictUnmarshal(data, &f); err != nil {
			return nil, err
		}
		if err := checkIDs(f.RaceID, f.UserID); err != nil {
			return nil, err
		}
		if f.CharsCorrect == nil || f.ElapsedMs == nil {
			return nil, race.Validation("charsCorrect and elapsedMs are required")
		}
		if *f.CharsCorrect < 0 || *f.ElapsedMs < 0 {
			return nil, race.Validation("charsCorrect and elapsedMs must not be negative")
		}
		return race.ProgressCommand{
			RaceID:       race.RaceID(f.RaceID),
			UserID:       race.UserID(f.UserID),
			CharsCorrect: *f.CharsCorrect,
			ElapsedMs:    *f.ElapsedMs,
		}, nil

	case TypeFinish:
		var f finishFrame
		if err := strictUnmarshal(data, &f); err != nil {
			return nil, err
		}
		if err := checkIDs(f.RaceID, f.UserID); err != nil {
			return nil, err
		}
		if f.WPM == nil || f.Accuracy == nil || f.DurationMs == nil {
			return nil, race.Validation("wpm, accuracy and durationMs are required")
		}
		if !finiteIn(*f.WPM, 0, race.MaxWPM) {
			return nil, race.Validation("wpm out of range")
		}
		if !finiteIn(*f.Accuracy, 0, 100) {
			return nil, race.Validation("accuracy out of range")
		}
		if *f.DurationMs <= 0 {
			return nil, race.Validation("durationMs must be positive")
		}
		return race.FinishCommand{
			RaceID: race.RaceID(f.RaceID),
			UserID: race.UserID(f.UserID),
			Stats:  race.FinalStats{WPM: *f.WPM, Accuracy: *f.Accuracy, DurationMs: *f.DurationMs},
		}, nil

	case TypeResync:
		var f resyncFrame
		if err := strictUnmarshal(data, &f); err != nil {
			return nil, err
		}
		if err := checkID("userId", f.UserID); err != nil {
			return nil, err
		}
		return race.ResyncCommand{UserID: race.UserID(f.UserID)}, nil

	case "":
		return nil, race.Validation("frame type is required")
	default:
		return nil, race.Validation("unknown frame type %q", env.Type)
	}
}

// EncodeCommand serializes a command. Used by clients.
func EncodeCommand(cmd race.Command) ([]byte, error) {
	switch c := cmd.(type) {
	case race.JoinCommand:
		f := joinFrame{Type: TypeJoin, UserID: string(c.UserID), UserName: c.DisplayName}
		if c.HasHint {
			wpm := c.AverageWPM
			f.AverageWPM = &wpm
		}
		return json.Marshal(f)
	case race.LeaveCommand:
		return json.Marshal(leaveFrame{Type: TypeLeave, UserID: string(c.UserID)})
	case race.ProgressCommand:
		return json.Marshal(progressFrame{
			Type:         TypeProgress,
			RaceID:       string(c.RaceID),
			UserID:       string(c.UserID),
			CharsCorrect: &c.CharsCorrect,
			ElapsedMs:    &c.ElapsedMs,
		})
	case race.FinishCommand:
		return json.Marshal(finishFrame{
			Type:       TypeFinish,
			RaceID:     string(c.RaceID),
			UserID:     string(c.UserID),
			WPM:        &c.Stats.WPM,
			Accuracy:   &c.Stats.Accuracy,
			DurationMs: &c.Stats.DurationMs,
		})
	case race.ResyncCommand:
		return json.Marshal(resyncFrame{Type: TypeResync, UserID: string(c.UserID)})
	}
	return nil, fmt.Errorf("protocol: unsupported command %T", cmd)
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return race.Validation("malformed frame: %v", err)
	}
	return nil
}

func checkID(field, v string) error {
	if v == "" {
		return race.Validation("%s is required", field)
	}
	if len(v) > maxIDLen {
		return race.Validation("%s is too long", field)
	}
	return nil
}

func checkIDs(raceID, userID string) error {
	if err := checkID("raceId", raceID); err != nil {
		return err
	}
	return checkID("userId", userID)
}

func finiteIn(v, lo, hi float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= lo && v <= hi
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
