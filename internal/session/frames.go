package session

// Handshake is the first frame written after the socket opens. It is sent
// unwrapped, without a type field.
type Handshake struct {
	Token         string `json:"token"`
	ProjectID     string `json:"projectId"`
	ModelProvider string `json:"modelProvider"`
	RepoURL       string `json:"repoUrl"`
	Task          string `json:"task"`
}

// OutboundFrame covers the typed client frames: ping, message and stop.
type OutboundFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

func pingFrame() OutboundFrame { return OutboundFrame{Type: "ping"} }

func messageFrame(content string) OutboundFrame {
	return OutboundFrame{Type: "message", Content: content}
}

func stopFrame() OutboundFrame { return OutboundFrame{Type: "stop", Content: "stop"} }

// frameType labels an outbound value for metrics.
func frameType(v any) string {
	switch f := v.(type) {
	case OutboundFrame:
		return f.Type
	case Handshake:
		return "handshake"
	}
	return "unknown"
}
