package tui

import "strings"

type actionKind int

const (
	actNone actionKind = iota
	actMessage
	actCommand
	actStart
	actStop
	actWorking
	actQuit
	actHelp
	actUnknown
)

// action is one submitted input line resolved to what the workspace should do.
type action struct {
	kind actionKind
	arg  string
}

// parseInput routes a submitted line. Plain text is a chat message, a leading
// "!" runs a shell command in the agent sandbox, and "/" introduces a local command.
func parseInput(line string) action {
	line = strings.TrimSpace(line)
	if line == "" {
		return action{kind: actNone}
	}
	if strings.HasPrefix(line, "!") {
		cmd := strings.TrimSpace(line[1:])
		if cmd == "" {
			return action{kind: actUnknown, arg: line}
		}
		return action{kind: actCommand, arg: cmd}
	}
	if !strings.HasPrefix(line, "/") {
		return action{kind: actMessage, arg: line}
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(name) {
	case "/start":
		return action{kind: actStart, arg: rest}
	case "/stop":
		return action{kind: actStop}
	case "/working":
		return action{kind: actWorking}
	case "/quit", "/exit":
		return action{kind: actQuit}
	case "/help":
		return action{kind: actHelp}
	default:
		return action{kind: actUnknown, arg: name}
	}
}

const helpText = `Commands:
  <text>           Send a message to the agent (starts a session if none is open)
  !<command>       Run a shell command in the agent workspace
  /start [task]    Start a session with the given or configured task
  /stop            Stop the session
  /working         Mark the session as working
  /help            Show this help
  /quit            Leave (Ctrl+C / Ctrl+D also work)`

// lineEditor is the single-line input with cursor movement and history recall.
type lineEditor struct {
	input  []rune
	cursor int // rune index within input

	history []string
	histIdx int    // 0..len(history); len = editing a new line
	draft   string // line being edited before entering history
}

// submit returns the current line, records it in history and clears the editor.
func (e *lineEditor) submit() string {
	line := strings.TrimSpace(string(e.input))
	e.input = nil
	e.cursor = 0
	e.draft = ""
	if line != "" {
		e.history = append(e.history, line)
	}
	e.histIdx = len(e.history)
	return line
}

func (e *lineEditor) prev() {
	if len(e.history) == 0 {
		return
	}
	if e.histIdx == len(e.history) {
		e.draft = string(e.input)
	}
	if e.histIdx > 0 {
		e.histIdx--
		e.input = []rune(e.history[e.histIdx])
		e.cursor = len(e.input)
	}
}

func (e *lineEditor) next() {
	if e.histIdx >= len(e.history) {
		return
	}
	e.histIdx++
	if e.histIdx == len(e.history) {
		e.input = []rune(e.draft)
	} else {
		e.input = []rune(e.history[e.histIdx])
	}
	e.cursor = len(e.input)
}

// key applies an editing key. It reports whether the key was consumed.
func (e *lineEditor) key(k string) bool {
	switch k {
	case "up", "ctrl+p":
		e.prev()
	case "down", "ctrl+n":
		e.next()
	case "backspace":
		e.input, e.cursor = deleteRuneLeft(e.input, e.cursor)
	case "delete":
		e.input, e.cursor = deleteRuneRight(e.input, e.cursor)
	case " ":
		// Some terminals report space as KeySpace rather than runes.
		e.input, e.cursor = insertRunes(e.input, e.cursor, []rune{' '})
	case "left", "ctrl+b":
		if e.cursor > 0 {
			e.cursor--
		}
	case "right", "ctrl+f":
		if e.cursor < len(e.input) {
			e.cursor++
		}
	case "home", "ctrl+a":
		e.cursor = 0
	case "end", "ctrl+e":
		e.cursor = len(e.input)
	case "ctrl+k":
		if e.cursor < len(e.input) {
			e.input = append([]rune(nil), e.input[:e.cursor]...)
		}
	case "ctrl+u":
		e.input = nil
		e.cursor = 0
	case "ctrl+w", "alt+backspace":
		e.input, e.cursor = deleteWordLeft(e.input, e.cursor)
	default:
		return false
	}
	return true
}

// typeRunes inserts printable runes, dropping control characters some
// terminals report as runes (Enter as '\r' in particular).
func (e *lineEditor) typeRunes(rs []rune) {
	filtered := make([]rune, 0, len(rs))
	for _, r := range rs {
		if r < 0x20 {
			continue
		}
		filtered = append(filtered, r)
	}
	if len(filtered) > 0 {
		e.input, e.cursor = insertRunes(e.input, e.cursor, filtered)
	}
}

func (e *lineEditor) view() string {
	if e.cursor >= len(e.input) {
		return string(e.input) + "█"
	}
	return string(e.input[:e.cursor]) + "█" + string(e.input[e.cursor:])
}

func insertRunes(in []rune, cursor int, r []rune) ([]rune, int) {
	cursor = clamp(cursor, 0, len(in))
	out := make([]rune, 0, len(in)+len(r))
	out = append(out, in[:cursor]...)
	out = append(out, r...)
	out = append(out, in[cursor:]...)
	return out, cursor + len(r)
}

func deleteRuneLeft(in []rune, cursor int) ([]rune, int) {
	if cursor <= 0 || len(in) == 0 {
		return in, 0
	}
	cursor = clamp(cursor, 0, len(in))
	out := append([]rune(nil), in[:cursor-1]...)
	out = append(out, in[cursor:]...)
	return out, cursor - 1
}

func deleteRuneRight(in []rune, cursor int) ([]rune, int) {
	cursor = clamp(cursor, 0, len(in))
	if cursor >= len(in) {
		return in, len(in)
	}
	out := append([]rune(nil), in[:cursor]...)
	out = append(out, in[cursor+1:]...)
	return out, cursor
}

func deleteWordLeft(in []rune, cursor int) ([]rune, int) {
	if len(in) == 0 || cursor <= 0 {
		return in, 0
	}
	cursor = clamp(cursor, 0, len(in))
	i := cursor
	for i > 0 && isSpace(in[i-1]) {
		i--
	}
	for i > 0 && !isSpace(in[i-1]) {
		i--
	}
	out := append([]rune(nil), in[:i]...)
	out = append(out, in[cursor:]...)
	return out, i
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
