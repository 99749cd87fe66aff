package session

import "time"

type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// LogType categorizes a log stream entry. Frames may name types outside the
// constants below; those are kept verbatim.
type LogType string

const (
	LogSystem       LogType = "system"
	LogError        LogType = "error"
	LogCmdOutput    LogType = "cmd_output"
	LogAgentMessage LogType = "agent_message"
	LogUser         LogType = "user"
	LogFileWrite    LogType = "file_write"
)

type ChatMessage struct {
	ID        uint64    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type LogEntry struct {
	ID        uint64    `json:"id"`
	Content   string    `json:"content"`
	Type      LogType   `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// projections holds the three folded views. Owned by the event loop.
type projections struct {
	nextID uint64
	now    func() time.Time

	chat  []ChatMessage
	logs  []LogEntry
	files []string
	seen  map[string]struct{}
}

func newProjections(now func() time.Time) *projections {
	if now == nil {
		now = time.Now
	}
	return &projections{now: now, seen: make(map[string]struct{})}
}

func (p *projections) id() uint64 {
	p.nextID++
	return p.nextID
}

func (p *projections) appendChat(role Role, content string) ChatMessage {
	m := ChatMessage{ID: p.id(), Role: role, Content: content, Timestamp: p.now()}
	p.chat = append(p.chat, m)
	return m
}

func (p *projections) appendLog(typ LogType, content string) LogEntry {
	if typ == "" {
		typ = LogSystem
	}
	e := LogEntry{ID: p.id(), Content: content, Type: typ, Timestamp: p.now()}
	p.logs = append(p.logs, e)
	return e
}

// replaceFiles swaps the file list for paths, dropping duplicates while keeping first-seen order.
func (p *projections) replaceFiles(paths []string) {
	p.files = p.files[:0:0]
	p.seen = make(map[string]struct{}, len(paths))
	for _, path := range paths {
		p.addFile(path)
	}
}

// addFile unions path into the list. Dedup is by exact string.
func (p *projections) addFile(path string) bool {
	if _, ok := p.seen[path]; ok {
		return false
	}
	p.seen[path] = struct{}{}
	p.files = append(p.files, path)
	return true
}

func (p *projections) apply(u Update) {
	switch u.Kind {
	case UpdateChat:
		p.appendChat(u.Role, u.Content)
	case UpdateLog:
		p.appendLog(u.LogType, u.Content)
	case UpdateReplaceFiles:
		p.replaceFiles(u.Files)
	case UpdateAddFile:
		p.addFile(u.Content)
	}
}
