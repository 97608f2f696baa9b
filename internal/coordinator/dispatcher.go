package coordinator

import (
	"io"

	"github.com/charmbracelet/log"

	"github.com/00quasr/sokudo-sub009/internal/race"
)

// Dispatcher fans events out to live connections. There is no
// store-and-forward: users without a live connection miss the event and
// catch up with a resync.
type Dispatcher struct {
	conns  *ConnectionRegistry
	logger *log.Logger
}

// NewDispatcher creates a dispatcher over conns.
func NewDispatcher(conns *ConnectionRegistry, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Dispatcher{conns: conns, logger: logger}
}

// ToUser delivers evt to the user's live connection.
func (d *Dispatcher) ToUser(userID race.UserID, evt race.Event) bool {
	conn, ok := d.conns.Get(userID)
	if !ok {
		return false
	}
	if !conn.Send(evt) {
		d.logger.Warn("send buffer overflow, connection closed", "user", userID, "conn", conn.ID())
		return false
	}
	return true
}

// ToUsers delivers evt to each user in order.
func (d *Dispatcher) ToUsers(userIDs []race.UserID, evt race.Event) {
	for _, id := range userIDs {
		d.ToUser(id, evt)
	}
}

// ToRoster delivers events, in order, to every member of a race roster.
func (d *Dispatcher) ToRoster(roster []race.UserID, events []race.Event) {
	for _, evt := range events {
		d.ToUsers(roster, evt)
	}
}
