package coordinator

import "github.com/00quasr/sokudo-sub009/internal/race"

// Message is an input to the coordinator loop.
type Message interface {
	coordinatorMessage()
}

// ConnectMsg registers a newly opened connection.
type ConnectMsg struct {
	Conn ConnectionHandle
}

func (ConnectMsg) coordinatorMessage() {}

// DisconnectMsg is sent when a connection closes for any reason.
type DisconnectMsg struct {
	ConnID race.ConnID
	UserID race.UserID
}

func (DisconnectMsg) coordinatorMessage() {}

// CommandMsg carries a decoded client command.
type CommandMsg struct {
	ConnID  race.ConnID
	UserID  race.UserID
	Command race.Command
}

func (CommandMsg) coordinatorMessage() {}

// persistedMsg reports the outcome of an off-loop save.
type persistedMsg struct {
	RaceID race.RaceID
	Err    error
}

func (persistedMsg) coordinatorMessage() {}

type statsMsg struct {
	reply chan Stats
}

func (statsMsg) coordinatorMessage() {}

// Stats is a point-in-time view of the coordinator.
type Stats struct {
	Connections int
	Queued      int
	ActiveRaces int
}
