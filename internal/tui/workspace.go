// Package tui is the interactive terminal workspace: chat, terminal log and
// files side by side, with one input line routed to the session.
package tui

import (
	"context"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/lucid/internal/bus"
	"github.com/basket/lucid/internal/session"
)

// Controller is the part of *session.Session the workspace drives.
type Controller interface {
	Start(task string)
	SendMessage(text string)
	SendCommand(cmd string)
	Stop()
	MarkWorking()
	Snapshot() session.Snapshot
	Subscribe() *bus.Subscription
	Unsubscribe(sub *bus.Subscription)
}

type Config struct {
	Session Controller
	// Title is shown in the header, typically the project id.
	Title string
	// AutoStart starts a session with Task as soon as the program is up.
	AutoStart bool
	Task      string
}

type (
	ctxDoneMsg   struct{}
	snapshotMsg  session.Snapshot
	subClosedMsg struct{}
)

const (
	defaultWidth  = 120
	defaultHeight = 32
)

type model struct {
	ctx context.Context
	cfg Config
	sub *bus.Subscription

	snap   session.Snapshot
	editor lineEditor
	notice string
	help   bool

	width  int
	height int
}

func newModel(ctx context.Context, cfg Config) model {
	return model{
		ctx:  ctx,
		cfg:  cfg,
		sub:  cfg.Session.Subscribe(),
		snap: cfg.Session.Snapshot(),
	}
}

// Run blocks until the user quits or ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	// Bubbletea restores the terminal on exit, but an interrupt at the wrong
	// moment can leave ICRNL off.
	defer bestEffortResetTTY()

	m := newModel(ctx, cfg)
	defer cfg.Session.Unsubscribe(m.sub)

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithInput(os.Stdin), tea.WithOutput(os.Stdout))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m model) Init() tea.Cmd {
	cmds := []tea.Cmd{waitCtxDone(m.ctx), waitForSnapshot(m.sub)}
	if m.cfg.AutoStart {
		ctl, task := m.cfg.Session, m.cfg.Task
		cmds = append(cmds, func() tea.Msg {
			ctl.Start(task)
			return nil
		})
	}
	return tea.Batch(cmds...)
}

func waitCtxDone(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return ctxDoneMsg{}
	}
}

// waitForSnapshot blocks until the session publishes. The subscription
// coalesces, so a slow renderer only ever sees the newest snapshot.
func waitForSnapshot(sub *bus.Subscription) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub.Ch()
		if !ok {
			return subClosedMsg{}
		}
		snap, ok := ev.Payload.(session.Snapshot)
		if !ok {
			return nil
		}
		return snapshotMsg(snap)
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ctxDoneMsg:
		return m, tea.Quit

	case snapshotMsg:
		m.snap = session.Snapshot(msg)
		return m, waitForSnapshot(m.sub)

	case subClosedMsg:
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "ctrl+d":
			return m, tea.Quit
		case "enter", "ctrl+m", "ctrl+j":
			return m.submit(m.editor.submit())
		case "esc":
			m.help = false
			m.notice = ""
			return m, nil
		}
		if m.editor.key(msg.String()) {
			return m, nil
		}
		if msg.Type == tea.KeyRunes {
			m.editor.typeRunes(msg.Runes)
		}
	}
	return m, nil
}

// submit runs one input line against the session. Session commands are
// processed synchronously by its loop, so the snapshot read afterwards
// already reflects them.
func (m model) submit(line string) (tea.Model, tea.Cmd) {
	a := parseInput(line)
	if a.kind == actNone {
		return m, nil
	}
	m.notice = ""
	m.help = false

	ctl := m.cfg.Session
	switch a.kind {
	case actMessage:
		ctl.SendMessage(a.arg)
	case actCommand:
		ctl.SendCommand(a.arg)
	case actStart:
		ctl.Start(a.arg)
	case actStop:
		ctl.Stop()
	case actWorking:
		ctl.MarkWorking()
	case actQuit:
		return m, tea.Quit
	case actHelp:
		m.help = true
		return m, nil
	case actUnknown:
		m.notice = fmt.Sprintf("Unknown command %q. Type /help for commands.", a.arg)
		return m, nil
	}
	m.snap = ctl.Snapshot()
	return m, nil
}

func (m model) View() string {
	width, height := m.width, m.height
	if width <= 0 {
		width = defaultWidth
	}
	if height <= 0 {
		height = defaultHeight
	}

	// header + notice + input rows, and two border rows per pane.
	paneH := height - 5
	if paneH < 4 {
		paneH = 4
	}
	chatW := width * 2 / 5
	logW := width * 2 / 5
	filesW := width - chatW - logW
	// Width passed to lipgloss excludes the border; text excludes the padding too.
	chatBox, logBox, filesBox := chatW-2, logW-2, filesW-2

	var chat []string
	if m.help {
		chat = wrap(helpText, chatBox-2)
	} else {
		chat = chatLines(m.snap.Chat, chatBox-2)
	}
	panes := lipgloss.JoinHorizontal(lipgloss.Top,
		renderPane("Chat", chat, chatBox, paneH),
		renderPane("Terminal", logLines(m.snap.Logs, logBox-2), logBox, paneH),
		renderPane(fmt.Sprintf("Files (%d)", len(m.snap.Files)), fileLines(m.snap.Files, filesBox-2), filesBox, paneH),
	)

	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n")
	b.WriteString(panes)
	b.WriteString("\n")
	if m.notice != "" {
		b.WriteString(noticeStyle.Render(m.notice))
	} else {
		b.WriteString(dimStyle.Render("Enter to send · !cmd runs a command · /help · Ctrl+D quits"))
	}
	b.WriteString("\n> ")
	b.WriteString(m.editor.view())
	return b.String()
}

func (m model) header() string {
	title := m.cfg.Title
	if title == "" {
		title = "lucid"
	}
	parts := []string{
		titleStyle.Render(title),
		stateStyle(m.snap.State).Render(string(m.snap.State)),
	}
	if m.snap.SessionID != "" {
		parts = append(parts, dimStyle.Render("session "+m.snap.SessionID))
	}
	if m.snap.Reconnects > 0 {
		parts = append(parts, dimStyle.Render(fmt.Sprintf("reconnects %d", m.snap.Reconnects)))
	}
	if m.snap.Error != "" {
		parts = append(parts, errorStyle.Render(m.snap.Error))
	}
	return strings.Join(parts, "  ")
}
