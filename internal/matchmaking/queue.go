// Package matchmaking groups waiting users into races by skill band.
package matchmaking

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/00quasr/sokudo-sub009/internal/race"
)

// Config holds banding and capacity parameters.
type Config struct {
	MinParty        int
	MaxParty        int
	BaseBand        float64       // WPM tolerance for a fresh entry
	BandWidenPerSec float64       // extra tolerance per second of waiting
	MaxBand         float64       // tolerance cap
	Grace           time.Duration // how long a disconnected entry is kept
	Capacity        int           // 0 means unbounded
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinParty:        2,
		MaxParty:        4,
		BaseBand:        10,
		BandWidenPerSec: 2,
		MaxBand:         80,
		Grace:           10 * time.Second,
		Capacity:        10000,
	}
}

// Entry is one waiting user.
type Entry struct {
	UserID         race.UserID
	DisplayName    string
	AverageWPM     float64
	EnqueuedAt     time.Time
	DisconnectedAt time.Time // zero while connected

	seq uint64
}

// Connected reports whether the entry's connection is live.
func (e Entry) Connected() bool {
	return e.DisconnectedAt.IsZero()
}

// Player converts the entry into a roster player.
func (e Entry) Player() race.Player {
	return race.Player{UserID: e.UserID, DisplayName: e.DisplayName, AverageWPM: e.AverageWPM}
}

// BandStatus is the immediate feedback given on enqueue.
type BandStatus struct {
	Size       int
	AverageWPM float64
}

// Group is a set of entries selected to race together, in FIFO order.
type Group []Entry

// Players returns the roster for the group.
func (g Group) Players() []race.Player {
	out := make([]race.Player, len(g))
	for i, e := range g {
		out[i] = e.Player()
	}
	return out
}

// Option configures a Queue.
type Option func(*Queue)

// WithActiveCheck installs the predicate used to reject users already in a race.
func WithActiveCheck(active func(race.UserID) bool) Option {
	return func(q *Queue) {
		q.active = active
	}
}

// Queue holds users waiting for opponents. It is owned by the coordinator
// loop and is not safe for concurrent use.
type Queue struct {
	cfg     Config
	entries map[race.UserID]*Entry
	nextSeq uint64
	active  func(race.UserID) bool
}

// NewQueue creates an empty queue.
func NewQueue(cfg Config, opts ...Option) *Queue {
	if cfg.MinParty < 2 {
		cfg.MinParty = 2
	}
	if cfg.MaxParty < cfg.MinParty {
		cfg.MaxParty = cfg.MinParty
	}
	q := &Queue{
		cfg:     cfg,
		entries: make(map[race.UserID]*Entry),
		active:  func(race.UserID) bool { return false },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a user and returns the size and average WPM of their band.
func (q *Queue) Enqueue(userID race.UserID, displayName string, averageWPM float64, now time.Time) (BandStatus, error) {
	if userID == "" {
		return BandStatus{}, race.Validation("userId is required")
	}
	if math.IsNaN(averageWPM) || averageWPM < 0 || averageWPM > race.MaxWPM {
		return BandStatus{}, race.Validation("averageWpm %.2f out of range", averageWPM)
	}
	if _, ok := q.entries[userID]; ok {
		return BandStatus{}, race.Conflict(race.ErrAlreadyQueued)
	}
	if q.active(userID) {
		return BandStatus{}, race.Conflict(fmt.Errorf("%w: user is in an active race", race.ErrAlreadyQueued))
	}
	if q.cfg.Capacity > 0 && len(q.entries) >= q.cfg.Capacity {
		return BandStatus{}, race.Exhausted(race.ErrQueueFull)
	}

	q.nextSeq++
	q.entries[userID] = &Entry{
		UserID:      userID,
		DisplayName: displayName,
		AverageWPM:  averageWPM,
		EnqueuedAt:  now,
		seq:         q.nextSeq,
	}
	status, _ := q.Band(userID, now)
	return status, nil
}

// Dequeue removes a user. Removing an absent user is not an error.
func (q *Queue) Dequeue(userID race.UserID) bool {
	if _, ok := q.entries[userID]; !ok {
		return false
	}
	delete(q.entries, userID)
	return true
}

// Restore puts matched entries back with their original position, for when
// a group could not be turned into a race. Users that re-joined meanwhile keep
// their newer entry.
func (q *Queue) Restore(entries ...Entry) {
	for _, e := range entries {
		if _, ok := q.entries[e.UserID]; ok {
			continue
		}
		restored := e
		q.entries[e.UserID] = &restored
	}
}

// Get returns a copy of a user's entry.
func (q *Queue) Get(userID race.UserID) (Entry, bool) {
	e, ok := q.entries[userID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Contains reports whether userID has an entry.
func (q *Queue) Contains(userID race.UserID) bool {
	_, ok := q.entries[userID]
	return ok
}

// Len returns the number of entries, connected or not.
func (q *Queue) Len() int {
	return len(q.entries)
}

// MarkDisconnected starts the grace window for a user's entry.
func (q *Queue) MarkDisconnected(userID race.UserID, now time.Time) bool {
	e, ok := q.entries[userID]
	if !ok {
		return false
	}
	if e.Connected() {
		e.DisconnectedAt = now
	}
	return true
}

// MarkConnected reattaches a reconnecting user to their entry.
func (q *Queue) MarkConnected(userID race.UserID) bool {
	e, ok := q.entries[userID]
	if !ok {
		return false
	}
	e.DisconnectedAt = time.Time{}
	return true
}

// Purge drops entries whose grace window has expired.
func (q *Queue) Purge(now time.Time) []race.UserID {
	var purged []race.UserID
	for id, e := range q.entries {
		if !e.Connected() && now.Sub(e.DisconnectedAt) >= q.cfg.Grace {
			delete(q.entries, id)
			purged = append(purged, id)
		}
	}
	sort.Slice(purged, func(i, j int) bool { return purged[i] < purged[j] })
	return purged
}

// tolerance is the WPM distance an entry accepts after waiting since enqueuedAt.
func (q *Queue) tolerance(enqueuedAt, now time.Time) float64 {
	waited := now.Sub(enqueuedAt).Seconds()
	if waited < 0 {
		waited = 0
	}
	w := q.cfg.BaseBand + q.cfg.BandWidenPerSec*waited
	if q.cfg.MaxBand > 0 && w > q.cfg.MaxBand {
		w = q.cfg.MaxBand
	}
	return w
}

// Band returns the status of userID's band and the connected members in it.
func (q *Queue) Band(userID race.UserID, now time.Time) (BandStatus, []race.UserID) {
	self, ok := q.entries[userID]
	if !ok {
		return BandStatus{}, nil
	}
	width := q.tolerance(self.EnqueuedAt, now)

	var (
		members []race.UserID
		sum     float64
	)
	for _, e := range q.fifo() {
		if e.UserID != userID && !e.Connected() {
			continue
		}
		if math.Abs(e.AverageWPM-self.AverageWPM) > width {
			continue
		}
		members = append(members, e.UserID)
		sum += e.AverageWPM
	}
	return BandStatus{Size: len(members), AverageWPM: math.Round(sum/float64(len(members))*100) / 100}, members
}

// Tick forms as many groups as the current entries allow. Entries are
// anchored oldest first; each anchor gathers connected entries within its
// tolerance, which grows with the anchor's wait, and takes them FIFO up to
// the maximum party size. Groups smaller than the minimum party stay queued.
func (q *Queue) Tick(now time.Time) []Group {
	var groups []Group
	taken := make(map[race.UserID]bool)

	candidates := q.fifo()
	for _, anchor := range candidates {
		if taken[anchor.UserID] || !anchor.Connected() {
			continue
		}
		width := q.tolerance(anchor.EnqueuedAt, now)

		group := Group{*anchor}
		for _, e := range candidates {
			if len(group) >= q.cfg.MaxParty {
				break
			}
			if e.UserID == anchor.UserID || taken[e.UserID] || !e.Connected() {
				continue
			}
			if math.Abs(e.AverageWPM-anchor.AverageWPM) <= width {
				group = append(group, *e)
			}
		}
		if len(group) < q.cfg.MinParty {
			continue
		}

		sort.SliceStable(group, func(i, j int) bool { return group[i].seq < group[j].seq })
		for _, e := range group {
			taken[e.UserID] = true
			delete(q.entries, e.UserID)
		}
		groups = append(groups, group)
	}
	return groups
}

// fifo returns entries in enqueue order.
func (q *Queue) fifo() []*Entry {
	out := make([]*Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Snapshot returns every entry in enqueue order.
func (q *Queue) Snapshot() []Entry {
	fifo := q.fifo()
	out := make([]Entry, len(fifo))
	for i, e := range fifo {
		out[i] = *e
	}
	return out
}
