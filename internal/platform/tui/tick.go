// Package tui provides the Bubble Tea race client and the SSH server that
// hosts it.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/00quasr/sokudo-sub009/internal/race"
)

// TickMsg drives countdown rendering and progress reporting.
type TickMsg time.Time

// tickCmd sends a TickMsg after interval.
func tickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// Link is a duplex channel to the coordinator, either in-process or over
// the network.
type Link interface {
	Identity() race.Identity
	Send(cmd race.Command)
	Events() <-chan race.Event
	Done() <-chan struct{}
}

// EventMsg wraps a coordinator event for the Bubble Tea loop.
type EventMsg struct {
	Event race.Event
}

// LinkClosedMsg reports that the link went away.
type LinkClosedMsg struct{}

// waitForEvent blocks until the link delivers an event or closes.
func waitForEvent(link Link) tea.Cmd {
	return func() tea.Msg {
		select {
		case evt := <-link.Events():
			return EventMsg{Event: evt}
		case <-link.Done():
			return LinkClosedMsg{}
		}
	}
}
