package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/00quasr/sokudo-sub009/internal/race"
	"github.com/00quasr/sokudo-sub009/internal/storage"
)

const maxRows = 100

// HistorySource is the read side of the results store.
type HistorySource interface {
	RecentRaces(ctx context.Context, limit int) ([]storage.RaceSummary, error)
	UserHistory(ctx context.Context, userID race.UserID, limit int) ([]storage.HistoryEntry, error)
}

type resultsView int

const (
	viewRecent resultsView = iota
	viewMine
)

// ResultsModel browses stored races.
type ResultsModel struct {
	source HistorySource
	userID race.UserID
	view   resultsView
	table  table.Model
	help   help.Model
	keys   ResultsKeyMap
	width  int
	height int
	err    error

	recent  []storage.RaceSummary
	history []storage.HistoryEntry

	quitting bool
}

// NewResultsModel creates a results browser. With an empty userID only the
// recent races view is available.
func NewResultsModel(source HistorySource, userID race.UserID, width, height int) ResultsModel {
	h := help.New()
	h.ShowAll = false
	m := ResultsModel{
		source: source,
		userID: userID,
		help:   h,
		keys:   DefaultResultsKeyMap(),
		width:  width,
		height: height,
	}
	m.load()
	return m
}

func (m *ResultsModel) load() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m.err = nil
	switch m.view {
	case viewRecent:
		m.recent, m.err = m.source.RecentRaces(ctx, maxRows)
	case viewMine:
		m.history, m.err = m.source.UserHistory(ctx, m.userID, maxRows)
	}
	m.table = m.createTable()
}

func (m *ResultsModel) createTable() table.Model {
	var columns []table.Column
	var rows []table.Row

	switch m.view {
	case viewRecent:
		columns = []table.Column{
			{Title: "Finished", Width: 14},
			{Title: "Players", Width: 8},
			{Title: "Winner", Width: 18},
			{Title: "WPM", Width: 7},
			{Title: "Text", Width: max(m.width-60, 20)},
		}
		for _, r := range m.recent {
			rows = append(rows, table.Row{
				r.FinishedAt.Local().Format("Jan 02 15:04"),
				fmt.Sprintf("%d", r.Players),
				r.WinnerName,
				fmt.Sprintf("%.1f", r.WinnerWPM),
				truncate(r.Text, max(m.width-60, 20)),
			})
		}
	case viewMine:
		columns = []table.Column{
			{Title: "Finished", Width: 14},
			{Title: "Rank", Width: 8},
			{Title: "WPM", Width: 7},
			{Title: "Accuracy", Width: 9},
		}
		for _, h := range m.history {
			rank := fmt.Sprintf("%d/%d", h.Rank, h.Players)
			wpm := fmt.Sprintf("%.1f", h.WPM)
			if h.DNF {
				rank, wpm = "DNF", "-"
			}
			rows = append(rows, table.Row{
				h.FinishedAt.Local().Format("Jan 02 15:04"),
				rank,
				wpm,
				fmt.Sprintf("%.1f%%", h.Accuracy),
			})
		}
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithRows(rows),
		table.WithFocused(true),
		table.WithHeight(max(m.height-8, 5)),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Init initializes the model.
func (m ResultsModel) Init() tea.Cmd {
	return nil
}

// Update handles messages.
func (m ResultsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Switch):
			if m.userID == "" {
				return m, nil
			}
			if m.view == viewRecent {
				m.view = viewMine
			} else {
				m.view = viewRecent
			}
			m.load()
			return m, nil
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.table = m.createTable()
		return m, nil
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View renders the browser.
func (m ResultsModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	title := "RECENT RACES"
	if m.view == viewMine {
		title = fmt.Sprintf("RACES OF %s", m.userID)
	}
	b.WriteString(titleStyle.Render(centerText(title, m.width)))
	b.WriteString("\n\n")

	switch {
	case m.err != nil:
		b.WriteString(errorStyle.Render(m.err.Error()))
	case len(m.table.Rows()) == 0:
		empty := lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true).
			Padding(2, 4)
		b.WriteString(empty.Render("No races recorded yet."))
	default:
		b.WriteString(panelStyle.Render(m.table.View()))
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render(m.help.View(m.keys)))
	return b.String()
}

// RunResults runs the results browser until the user quits.
func RunResults(source HistorySource, userID race.UserID, width, height int) error {
	p := tea.NewProgram(NewResultsModel(source, userID, width, height), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
