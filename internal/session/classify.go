package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type UpdateKind int

const (
	UpdateChat UpdateKind = iota + 1
	UpdateLog
	UpdateReplaceFiles
	UpdateAddFile
)

// Update is one change to a projection. Content holds the path for UpdateAddFile.
type Update struct {
	Kind    UpdateKind
	Role    Role
	LogType LogType
	Content string
	Files   []string
}

// Outcome is everything one inbound frame asks of the session, in order.
type Outcome struct {
	FrameType string
	Updates   []Update

	SessionID string // non-empty when the frame carries one
	Error     string
	HasError  bool
	Trigger   Trigger // empty when the frame does not move the state
	Completed bool    // engine reported the task finished
}

func (o *Outcome) chat(role Role, content string) {
	o.Updates = append(o.Updates, Update{Kind: UpdateChat, Role: role, Content: content})
}

func (o *Outcome) log(typ LogType, content string) {
	o.Updates = append(o.Updates, Update{Kind: UpdateLog, LogType: typ, Content: content})
}

func (o *Outcome) replaceFiles(files []string) {
	o.Updates = append(o.Updates, Update{Kind: UpdateReplaceFiles, Files: files})
}

func (o *Outcome) addFile(path string) {
	o.Updates = append(o.Updates, Update{Kind: UpdateAddFile, Content: path})
}

// frame is a decoded inbound object. Field values are kept raw so any shape
// the engine sends can be inspected without failing the decode.
type frame map[string]json.RawMessage

// str returns a field as text: strings unquoted, other non-null values as JSON.
func (f frame) str(key string) string {
	raw, ok := f[key]
	if !ok {
		return ""
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// array decodes a field that must be a JSON array. ok is false for any other shape.
// Non-string elements are rendered as JSON text.
func (f frame) array(key string) ([]string, bool) {
	raw, ok := f[key]
	if !ok {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || items == nil {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		out = append(out, string(bytes.TrimSpace(item)))
	}
	return out, true
}

// compact serializes the whole frame for fallback log entries.
func compact(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// Classify maps one inbound payload to its projection updates and state effects.
// It never panics; payloads that are not a JSON object become a single system
// log entry holding the raw text.
func Classify(raw []byte) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{}
			out.log(LogSystem, string(raw))
		}
	}()

	var f frame
	if err := json.Unmarshal(raw, &f); err != nil || f == nil {
		out.log(LogSystem, string(raw))
		return out
	}

	out.FrameType = f.str("type")
	switch out.FrameType {
	case "status":
		classifyStatus(f, &out)
	case "agent_event":
		classifyAgentEvent(f, &out)
	case "file_tree":
		if tree, ok := f.array("tree"); ok {
			out.replaceFiles(tree)
		}
	case "file_change":
		classifyFileChange(f, &out)
	case "log", "observation":
		text := f.str("content")
		if text == "" {
			text = f.str("message")
		}
		if text == "" {
			text = compact(raw)
		}
		event := f.str("event")
		typ := LogType(event)
		if typ == "" {
			typ = LogSystem
		}
		out.log(typ, text)
		if isAgentMessageMarker(event) {
			out.chat(RoleAgent, text)
		}
	case "message":
		out.chat(RoleAgent, f.str("content"))
	case "complete":
		out.chat(RoleSystem, "Agent task completed.")
		out.log(LogSystem, "Task completed")
		out.Completed = true
	case "error":
		msg := f.str("message")
		if msg == "" {
			msg = "Unknown error"
		}
		out.Error = msg
		out.HasError = true
		out.Trigger = TriggerFatal
		out.chat(RoleSystem, msg)
		out.log(LogError, msg)
	case "pong", "ack":
	default:
		out.log(LogSystem, compact(raw))
	}
	return out
}

func classifyStatus(f frame, out *Outcome) {
	status := f.str("status")
	message := f.str("message")
	out.log(LogSystem, strings.TrimRight(fmt.Sprintf("[%s] %s", status, message), " "))

	out.SessionID = f.str("sessionId")

	switch status {
	case "initializing":
		out.Trigger = TriggerInitializing
	case "ready", "mock_mode":
		out.Trigger = TriggerReady
		if message == "" {
			message = "Agent is ready."
		}
		out.chat(RoleSystem, message)
	case "working":
		out.Trigger = TriggerWorking
	case "completed":
		if message == "" {
			message = "Task completed."
		}
		out.chat(RoleSystem, message)
		out.Completed = true
	}
}

func classifyAgentEvent(f frame, out *Outcome) {
	content := f.str("content")
	event := f.str("event")
	tag := f.str("eventType")
	if tag == "" {
		tag = event
	}
	kind := classifyTag(tag)

	chatted := false
	if kind.Chat {
		out.chat(RoleAgent, content)
		chatted = true
	}
	if cmd := f.str("command"); cmd != "" {
		out.log(LogCmdOutput, "$ "+cmd)
	}
	if content != "" {
		typ := kind.Log
		if typ == LogSystem && isAgentMessageMarker(event) {
			typ = LogAgentMessage
		}
		out.log(typ, content)
	}
	if isAgentMessageMarker(event) && !chatted {
		out.chat(RoleAgent, content)
	}
	if tree, ok := f.array("fileTree"); ok {
		out.replaceFiles(tree)
	}
}

func classifyFileChange(f frame, out *Outcome) {
	path := f.str("path")
	files, isArray := f.array("files")
	switch {
	case isArray:
		out.replaceFiles(files)
	case path != "":
		out.addFile(path)
	}

	desc := path
	if desc == "" && isArray {
		desc = strings.Join(files, ", ")
	}
	if desc == "" {
		desc = "unknown"
	}
	out.log(LogFileWrite, "File changed: "+desc)
}
