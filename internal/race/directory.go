package race

import (
	"fmt"
	"sort"
	"time"
)

// Directory owns the active sessions, keyed by race ID, and the index of
// which user is racing where. Like Session it belongs to a single goroutine.
type Directory struct {
	maxActive int
	sessions  map[RaceID]*Session
	byUser    map[UserID]RaceID
}

// NewDirectory creates an empty directory. maxActive <= 0 means unbounded.
func NewDirectory(maxActive int) *Directory {
	return &Directory{
		maxActive: maxActive,
		sessions:  make(map[RaceID]*Session),
		byUser:    make(map[UserID]RaceID),
	}
}

// Create registers a new session for players.
func (d *Directory) Create(id RaceID, players []Player, text string, cfg SessionConfig, now time.Time) (*Session, []Event, error) {
	if d.Full() {
		return nil, nil, Exhausted(ErrTooManyRaces)
	}
	if _, exists := d.sessions[id]; exists {
		return nil, nil, Conflict(fmt.Errorf("race %s already exists", id))
	}
	for _, p := range players {
		if other, busy := d.byUser[p.UserID]; busy {
			return nil, nil, Conflict(fmt.Errorf("user %s already racing in %s", p.UserID, other))
		}
	}

	s, events := NewSession(id, players, text, cfg, now)
	d.sessions[id] = s
	for _, uid := range s.order {
		d.byUser[uid] = id
	}
	return s, events, nil
}

// Get looks up a session by ID.
func (d *Directory) Get(id RaceID) (*Session, bool) {
	s, ok := d.sessions[id]
	return s, ok
}

// ForUser returns the non-terminal session userID belongs to.
func (d *Directory) ForUser(userID UserID) (*Session, bool) {
	id, ok := d.byUser[userID]
	if !ok {
		return nil, false
	}
	s, ok := d.sessions[id]
	return s, ok
}

// Active reports whether userID is in a non-terminal race.
func (d *Directory) Active(userID UserID) bool {
	_, ok := d.byUser[userID]
	return ok
}

// Sync refreshes the user index after s changed. Users that left the
// roster, and every user of a terminal session, are released.
func (d *Directory) Sync(s *Session) {
	terminal := s.State().Terminal()
	for uid, id := range d.byUser {
		if id != s.id {
			continue
		}
		if terminal || !s.Has(uid) {
			delete(d.byUser, uid)
		}
	}
}

// Remove drops a terminal session. A finished session must be persisted first.
func (d *Directory) Remove(id RaceID) error {
	s, ok := d.sessions[id]
	if !ok {
		return nil
	}
	if !s.Removable() {
		if s.State() == StateFinished {
			return ErrNotPersisted
		}
		return fmt.Errorf("remove race in %s: %w", s.State(), ErrWrongState)
	}
	d.Sync(s)
	delete(d.sessions, id)
	return nil
}

// Sessions returns every session ordered by creation time, then ID.
func (d *Directory) Sessions() []*Session {
	out := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].createdAt.Before(out[j].createdAt)
		}
		return out[i].id < out[j].id
	})
	return out
}

// Len returns the number of sessions held, including unpersisted finished ones.
func (d *Directory) Len() int {
	return len(d.sessions)
}

// Full reports whether the active-race ceiling is reached.
func (d *Directory) Full() bool {
	return d.maxActive > 0 && len(d.sessions) >= d.maxActive
}
