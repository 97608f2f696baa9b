package tui

import "github.com/charmbracelet/bubbles/key"

// RaceKeyMap defines the key bindings outside of typing.
type RaceKeyMap struct {
	Join  key.Binding
	Leave key.Binding
	Quit  key.Binding
}

// ShortHelp returns key bindings for the short help view.
func (k RaceKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Join, k.Leave, k.Quit}
}

// FullHelp returns key bindings for the full help view.
func (k RaceKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Join, k.Leave}, {k.Quit}}
}

// DefaultRaceKeyMap returns default key bindings.
func DefaultRaceKeyMap() RaceKeyMap {
	return RaceKeyMap{
		Join: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "find a race"),
		),
		Leave: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "leave"),
		),
		Quit: key.NewBinding(
			key.WithKeys("ctrl+c", "q"),
			key.WithHelp("q", "quit"),
		),
	}
}

// ResultsKeyMap defines the key bindings for the results browser.
type ResultsKeyMap struct {
	Up     key.Binding
	Down   key.Binding
	Switch key.Binding
	Quit   key.Binding
}

// ShortHelp returns key bindings for the short help view.
func (k ResultsKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Switch, k.Quit}
}

// FullHelp returns key bindings for the full help view.
func (k ResultsKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Up, k.Down, k.Switch}, {k.Quit}}
}

// DefaultResultsKeyMap returns default key bindings.
func DefaultResultsKeyMap() ResultsKeyMap {
	return ResultsKeyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("up/k", "scroll up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("down/j", "scroll down"),
		),
		Switch: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "recent/mine"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "esc", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}
