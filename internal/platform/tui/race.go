package tui

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/00quasr/sokudo-sub009/internal/race"
)

// Phase is where the local user is in the race flow.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseQueued
	PhaseCountdown
	PhaseRacing
	PhaseSubmitted // finished typing, waiting for the others
	PhaseResults
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseQueued:
		return "queued"
	case PhaseCountdown:
		return "countdown"
	case PhaseRacing:
		return "racing"
	case PhaseSubmitted:
		return "submitted"
	case PhaseResults:
		return "results"
	default:
		return "unknown"
	}
}

// RaceConfig holds configuration for the race model.
type RaceConfig struct {
	ProgressInterval time.Duration
	AverageWPM       float64 // join hint, zero for none
	Width            int
	Now              func() time.Time
}

// DefaultRaceConfig returns sensible defaults.
func DefaultRaceConfig() RaceConfig {
	return RaceConfig{
		ProgressInterval: 100 * time.Millisecond,
		Width:            80,
		Now:              time.Now,
	}
}

// RaceModel is the Bubble Tea model for joining and typing races.
type RaceModel struct {
	link Link
	cfg  RaceConfig
	keys RaceKeyMap
	help help.Model
	bar  progress.Model

	phase     Phase
	queueSize int
	bandWPM   float64

	raceID       race.RaceID
	text         string
	players      []race.Player
	startTime    time.Time
	participants []race.ProgressEntry
	results      []race.Result

	typing       typingState
	lastReported int
	lastSent     time.Time

	notice   string
	offline  bool
	quitting bool
}

// NewRaceModel creates a race model speaking over link.
func NewRaceModel(link Link, cfg RaceConfig) RaceModel {
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 100 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Width <= 0 {
		cfg.Width = 80
	}
	h := help.New()
	h.ShowAll = false
	return RaceModel{
		link: link,
		cfg:  cfg,
		keys: DefaultRaceKeyMap(),
		help: h,
		bar:  progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage(), progress.WithWidth(30)),
	}
}

// Init asks for the current status and starts listening.
func (m RaceModel) Init() tea.Cmd {
	m.link.Send(race.ResyncCommand{UserID: m.link.Identity().UserID})
	return tea.Batch(waitForEvent(m.link), tickCmd(m.cfg.ProgressInterval))
}

// Update handles messages.
func (m RaceModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.cfg.Width = msg.Width
		m.help.Width = msg.Width
		return m, nil
	case TickMsg:
		m.reportProgress(time.Time(msg))
		return m, tickCmd(m.cfg.ProgressInterval)
	case EventMsg:
		m.handleEvent(msg.Event)
		return m, waitForEvent(m.link)
	case LinkClosedMsg:
		m.offline = true
		m.notice = "connection closed"
		return m, nil
	}
	return m, nil
}

func (m RaceModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		m.quitting = true
		return m, tea.Quit
	}

	if m.phase == PhaseRacing {
		switch msg.Type {
		case tea.KeyRunes:
			for _, r := range msg.Runes {
				m.typing.Type(r)
			}
		case tea.KeySpace:
			m.typing.Type(' ')
		case tea.KeyBackspace:
			m.typing.Backspace()
		}
		if m.typing.Complete() {
			m.submit(m.cfg.Now())
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.phase == PhaseQueued || m.phase == PhaseCountdown {
			m.link.Send(race.LeaveCommand{UserID: m.link.Identity().UserID})
		}
		m.quitting = true
		return m, tea.Quit
	case key.Matches(msg, m.keys.Join):
		if m.phase == PhaseIdle || m.phase == PhaseResults {
			m.join()
		}
	case key.Matches(msg, m.keys.Leave):
		if m.phase == PhaseQueued || m.phase == PhaseCountdown {
			m.link.Send(race.LeaveCommand{UserID: m.link.Identity().UserID})
			m.resetRace()
			m.phase = PhaseIdle
		}
	}
	return m, nil
}

func (m *RaceModel) join() {
	id := m.link.Identity()
	cmd := race.JoinCommand{UserID: id.UserID, DisplayName: id.DisplayName}
	if m.cfg.AverageWPM > 0 {
		cmd.AverageWPM = m.cfg.AverageWPM
		cmd.HasHint = true
	}
	m.link.Send(cmd)
	m.notice = ""
	m.resetRace()
	m.phase = PhaseQueued
}

func (m *RaceModel) resetRace() {
	m.raceID = ""
	m.text = ""
	m.players = nil
	m.participants = nil
	m.results = nil
	m.startTime = time.Time{}
	m.typing = typingState{}
	m.lastReported = 0
	m.lastSent = time.Time{}
}

func (m *RaceModel) handleEvent(evt race.Event) {
	now := m.cfg.Now()
	switch e := evt.(type) {
	case race.QueuedEvent:
		m.phase = PhaseQueued
		m.queueSize = e.QueueSize
		m.bandWPM = e.AverageWPM
	case race.MatchedEvent:
		m.resetRace()
		m.phase = PhaseCountdown
		m.raceID = e.RaceID
		m.text = e.Text
		m.players = e.Players
		m.notice = ""
	case race.CountdownEvent:
		if e.RaceID != m.raceID {
			return
		}
		m.startTime = e.StartTime
		if e.Value == 0 && m.phase == PhaseCountdown {
			m.startRacing(now, 0)
		}
	case race.ProgressEvent:
		if e.RaceID == m.raceID {
			m.participants = e.Participants
		}
	case race.FinishedEvent:
		if e.RaceID != m.raceID {
			return
		}
		m.results = e.Results
		m.phase = PhaseResults
	case race.CancelledEvent:
		if e.RaceID != m.raceID {
			return
		}
		m.resetRace()
		m.phase = PhaseIdle
		m.notice = "race cancelled: " + e.Reason
	case race.ErrorEvent:
		m.notice = e.Message
	case race.StateEvent:
		m.applyState(e)
	}
}

// applyState restores the view from a resync reply.
func (m *RaceModel) applyState(st race.StateEvent) {
	switch st.Status {
	case race.StatusIdle:
		if m.phase != PhaseResults {
			m.resetRace()
			m.phase = PhaseIdle
		}
	case race.StatusQueued:
		m.phase = PhaseQueued
		m.queueSize = st.QueueSize
		m.bandWPM = st.AverageWPM
	case race.StatusRacing:
		if m.raceID != st.RaceID {
			m.resetRace()
			m.raceID = st.RaceID
			m.text = st.Text
		}
		m.players = st.Players
		m.startTime = st.StartTime
		m.participants = st.Participants
		switch st.State {
		case race.StateWaiting, race.StateCountdown:
			m.phase = PhaseCountdown
		case race.StateInProgress:
			if m.phase != PhaseRacing && m.phase != PhaseSubmitted {
				m.startRacing(m.startTime, m.ownProgress())
			}
		}
	}
}

// ownProgress is what the server last accepted from this user.
func (m *RaceModel) ownProgress() int {
	me := m.link.Identity().UserID
	for _, p := range m.participants {
		if p.UserID == me {
			return p.CharsCorrect
		}
	}
	return 0
}

func (m *RaceModel) startRacing(started time.Time, resumeAt int) {
	m.phase = PhaseRacing
	m.typing = newTypingState(m.text, started)
	for _, r := range m.typing.target[:min(resumeAt, len(m.typing.target))] {
		m.typing.Type(r)
	}
	m.lastReported = m.typing.CharsCorrect()
}

// reportProgress sends a progress update at most once per interval and
// only when something changed.
func (m *RaceModel) reportProgress(now time.Time) {
	if m.phase == PhaseCountdown && !m.startTime.IsZero() && !now.Before(m.startTime) {
		m.startRacing(now, 0)
	}
	if m.phase != PhaseRacing || m.offline {
		return
	}
	correct := m.typing.CharsCorrect()
	if correct == m.lastReported || now.Sub(m.lastSent) < m.cfg.ProgressInterval {
		return
	}
	m.link.Send(race.ProgressCommand{
		RaceID:       m.raceID,
		UserID:       m.link.Identity().UserID,
		CharsCorrect: correct,
		ElapsedMs:    m.typing.Elapsed(now).Milliseconds(),
	})
	m.lastReported = correct
	m.lastSent = now
}

func (m *RaceModel) submit(now time.Time) {
	elapsed := m.typing.Elapsed(now)
	wpm := math.Min(m.typing.WPM(elapsed), race.MaxWPM)
	m.link.Send(race.FinishCommand{
		RaceID: m.raceID,
		UserID: m.link.Identity().UserID,
		Stats: race.FinalStats{
			WPM:        math.Round(wpm*100) / 100,
			Accuracy:   math.Round(m.typing.Accuracy()*100) / 100,
			DurationMs: elapsed.Milliseconds(),
		},
	})
	m.phase = PhaseSubmitted
}

// Phase returns the current phase.
func (m RaceModel) Phase() Phase {
	return m.phase
}

// IsQuitting returns true if the user asked to quit.
func (m RaceModel) IsQuitting() bool {
	return m.quitting
}

// View renders the current phase.
func (m RaceModel) View() string {
	if m.quitting {
		return ""
	}
	width := m.cfg.Width

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(titleStyle.Render(centerText("SOKUDO", width)))
	b.WriteString("\n\n")

	switch m.phase {
	case PhaseIdle:
		b.WriteString(centerText(fmt.Sprintf("Signed in as %s", m.link.Identity().DisplayName), width))
		b.WriteString("\n\n")
		b.WriteString(centerText("Press enter to find a race", width))
	case PhaseQueued:
		b.WriteString(centerText("Looking for opponents...", width))
		if m.queueSize > 0 {
			b.WriteString("\n")
			b.WriteString(dimStyle.Render(centerText(
				fmt.Sprintf("%d in your band, avg %.0f wpm", m.queueSize, m.bandWPM), width)))
		}
	case PhaseCountdown:
		b.WriteString(m.viewCountdown())
	case PhaseRacing, PhaseSubmitted:
		b.WriteString(m.viewRace())
	case PhaseResults:
		b.WriteString(m.viewResults())
	}

	if m.notice != "" {
		b.WriteString("\n\n")
		b.WriteString(errorStyle.Render(centerText(m.notice, width)))
	}
	if m.offline {
		b.WriteString("\n")
		b.WriteString(dimStyle.Render(centerText("offline", width)))
	}

	b.WriteString("\n\n")
	b.WriteString(dimStyle.Render(m.help.View(m.keys)))
	return b.String()
}

func (m RaceModel) viewCountdown() string {
	var b strings.Builder
	names := make([]string, 0, len(m.players))
	for _, p := range m.players {
		names = append(names, p.DisplayName)
	}
	b.WriteString(centerText("Matched with "+strings.Join(names, ", "), m.cfg.Width))
	b.WriteString("\n\n")
	if m.startTime.IsZero() {
		b.WriteString(centerText("Get ready...", m.cfg.Width))
		return b.String()
	}
	left := int(math.Ceil(m.startTime.Sub(m.cfg.Now()).Seconds()))
	b.WriteString(countStyle.Render(centerText(fmt.Sprintf("%d", max(left, 0)), m.cfg.Width)))
	return b.String()
}

func (m RaceModel) viewRace() string {
	var b strings.Builder
	me := m.link.Identity().UserID
	textWidth := min(m.cfg.Width-4, 70)

	// Render line by line so wrapping never splits a styled rune.
	var lines []string
	offset := 0
	for _, line := range wrap(m.typing.target, textWidth) {
		end := offset + len(line)
		var typed []rune
		if len(m.typing.typed) > offset {
			typed = m.typing.typed[offset:min(end, len(m.typing.typed))]
		}
		lines = append(lines, renderTyped(line, typed))
		offset = end
	}
	b.WriteString(panelStyle.Render(strings.Join(lines, "\n")))
	b.WriteString("\n\n")

	for _, p := range m.participants {
		name := fmt.Sprintf("%-16s", m.displayName(p.UserID))
		if p.UserID == me {
			name = youStyle.Render(name)
		}
		status := fmt.Sprintf("%3.0f wpm", p.WPM)
		if p.Finished {
			status = "done"
		} else if !p.Connected {
			status = "away"
		}
		b.WriteString(fmt.Sprintf("%s %s %s\n", name, m.bar.ViewAs(p.Progress/100), status))
	}

	if m.phase == PhaseSubmitted {
		b.WriteString("\n")
		b.WriteString(dimStyle.Render("Finished. Waiting for the others..."))
	}
	return b.String()
}

func (m RaceModel) viewResults() string {
	var rows []string
	for _, r := range m.results {
		line := fmt.Sprintf("#%d  %-16s %6.1f wpm  %5.1f%%", r.Rank, r.DisplayName, r.WPM, r.Accuracy)
		if r.DNF {
			line = fmt.Sprintf("--  %-16s did not finish", r.DisplayName)
		}
		if r.UserID == m.link.Identity().UserID {
			line = youStyle.Render(line)
		}
		rows = append(rows, line)
	}
	body := lipgloss.JoinVertical(lipgloss.Left, rows...)
	return panelStyle.Render(body) + "\n\n" + centerText("Press enter to race again", m.cfg.Width)
}

func (m RaceModel) displayName(id race.UserID) string {
	for _, p := range m.players {
		if p.UserID == id {
			return p.DisplayName
		}
	}
	return string(id)
}
