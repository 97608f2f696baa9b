package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	correctStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	wrongStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("1"))
	cursorStyle  = lipgloss.NewStyle().Underline(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	youStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	countStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// centerText pads text so it sits in the middle of width columns.
func centerText(text string, width int) string {
	w := lipgloss.Width(text)
	if w >= width {
		return text
	}
	return strings.Repeat(" ", (width-w)/2) + text
}

// renderTyped colours the challenge text: typed runes green or red, the
// next rune underlined, the rest dimmed.
func renderTyped(target, typed []rune) string {
	var b strings.Builder
	for i, r := range target {
		s := string(r)
		switch {
		case i < len(typed) && typed[i] == r:
			b.WriteString(correctStyle.Render(s))
		case i < len(typed):
			if r == ' ' {
				s = "_"
			}
			b.WriteString(wrongStyle.Render(s))
		case i == len(typed):
			b.WriteString(cursorStyle.Render(s))
		default:
			b.WriteString(dimStyle.Render(s))
		}
	}
	return b.String()
}

// wrap breaks s into lines of at most width runes on spaces.
func wrap(s []rune, width int) [][]rune {
	if width <= 0 || len(s) <= width {
		return [][]rune{s}
	}
	var lines [][]rune
	for len(s) > width {
		cut := width
		for i := width; i > 0; i-- {
			if s[i-1] == ' ' {
				cut = i
				break
			}
		}
		lines = append(lines, s[:cut])
		s = s[cut:]
	}
	return append(lines, s)
}
