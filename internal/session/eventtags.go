package session

import "strings"

// tagKind says where an agent_event with a given tag lands.
type tagKind struct {
	Log  LogType // log stream category for the event's content
	Chat bool    // content is also an agent chat message
}

// exactTags covers the event tags the engine is known to emit.
var exactTags = map[string]tagKind{
	"CmdOutputObservation": {Log: LogCmdOutput},
	"FileWriteAction":      {Log: LogFileWrite},
	"FileWriteObservation": {Log: LogFileWrite},
	"FileEditAction":       {Log: LogFileWrite},
	"FileEditObservation":  {Log: LogFileWrite},
	"ErrorObservation":     {Log: LogError},
	"AgentErrorEvent":      {Log: LogError},
	"MessageAction":        {Log: LogAgentMessage, Chat: true},
	"AgentMessageAction":   {Log: LogAgentMessage, Chat: true},
	"AgentThinkAction":     {Log: LogSystem, Chat: true},
	"agent_message":        {Log: LogAgentMessage, Chat: true},
}

// logFragments is consulted in order for tags missing from exactTags.
// The first fragment contained in the tag decides the log category.
var logFragments = []struct {
	fragment string
	log      LogType
}{
	{"CmdOutput", LogCmdOutput},
	{"FileWrite", LogFileWrite},
	{"FileEdit", LogFileWrite},
	{"Error", LogError},
	{"Message", LogAgentMessage},
}

// chatFragments mark unknown tags whose content belongs in the chat transcript.
var chatFragments = []string{"Message", "Think"}

// classifyTag resolves an agent_event tag. Unknown tags fall back to a
// system log entry with no chat output, so new engine event types stay
// visible in the log stream without leaking into the transcript.
func classifyTag(tag string) tagKind {
	if k, ok := exactTags[tag]; ok {
		return k
	}
	k := tagKind{Log: LogSystem}
	for _, f := range logFragments {
		if strings.Contains(tag, f.fragment) {
			k.Log = f.log
			break
		}
	}
	for _, f := range chatFragments {
		if strings.Contains(tag, f) {
			k.Chat = true
			break
		}
	}
	return k
}

// isAgentMessageMarker reports whether an event field marks an agent reply.
func isAgentMessageMarker(event string) bool {
	return event == "agent_message" || event == "AgentMessageAction"
}
