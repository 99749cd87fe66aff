package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/lucid/internal/session"
)

var (
	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("180"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	roleStyles = map[session.Role]lipgloss.Style{
		session.RoleUser:   lipgloss.NewStyle().Foreground(lipgloss.Color("221")),
		session.RoleAgent:  lipgloss.NewStyle().Foreground(lipgloss.Color("75")),
		session.RoleSystem: lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true),
	}

	logStyles = map[session.LogType]lipgloss.Style{
		session.LogSystem:       lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		session.LogError:        lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		session.LogCmdOutput:    lipgloss.NewStyle().Foreground(lipgloss.Color("114")),
		session.LogAgentMessage: lipgloss.NewStyle().Foreground(lipgloss.Color("75")),
		session.LogUser:         lipgloss.NewStyle().Foreground(lipgloss.Color("221")),
		session.LogFileWrite:    lipgloss.NewStyle().Foreground(lipgloss.Color("213")),
	}
)

// logStyle falls back to the system colour for types the engine invents.
func logStyle(t session.LogType) lipgloss.Style {
	if s, ok := logStyles[t]; ok {
		return s
	}
	return logStyles[session.LogSystem]
}

func stateStyle(s session.State) lipgloss.Style {
	switch s {
	case session.StateConnected, session.StateWorking:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("114")).Bold(true)
	case session.StateStarting, session.StateConnecting:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("221")).Bold(true)
	case session.StateError:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Bold(true)
	}
}

var rolePrefix = map[session.Role]string{
	session.RoleUser:   "You: ",
	session.RoleAgent:  "Agent: ",
	session.RoleSystem: "",
}

func chatLines(msgs []session.ChatMessage, width int) []string {
	lines := make([]string, 0, len(msgs)*2)
	for _, m := range msgs {
		style, ok := roleStyles[m.Role]
		if !ok {
			style = roleStyles[session.RoleSystem]
		}
		for _, l := range wrap(rolePrefix[m.Role]+m.Content, width) {
			lines = append(lines, style.Render(l))
		}
	}
	return lines
}

func logLines(entries []session.LogEntry, width int) []string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		style := logStyle(e.Type)
		for _, l := range wrap(e.Content, width) {
			lines = append(lines, style.Render(l))
		}
	}
	return lines
}

func fileLines(files []string, width int) []string {
	if len(files) == 0 {
		return []string{dimStyle.Render("(no files yet)")}
	}
	lines := make([]string, 0, len(files))
	for _, f := range files {
		lines = append(lines, truncate(f, width))
	}
	return lines
}

// renderPane draws a bordered box whose body is the tail of lines that fits.
func renderPane(title string, lines []string, width, height int) string {
	body := height - 1 // title row
	if body < 1 {
		body = 1
	}
	if len(lines) > body {
		lines = lines[len(lines)-body:]
	}
	content := titleStyle.Render(title) + "\n" + strings.Join(lines, "\n")
	return paneStyle.Width(width).Height(height).Render(content)
}

// wrap hard-wraps text to width runes per line. Non-positive width disables wrapping.
func wrap(text string, width int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if width <= 0 {
			out = append(out, line)
			continue
		}
		r := []rune(line)
		for len(r) > width {
			out = append(out, string(r[:width]))
			r = r[width:]
		}
		out = append(out, string(r))
	}
	return out
}

func truncate(s string, width int) string {
	r := []rune(s)
	if width <= 1 || len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}
