package agent

import (
	"encoding/json"
	"strings"
)

// EventKind classifies an agent event.
type EventKind string

// Event kinds emitted by Agent.Stream, in the order a run produces them.
const (
	EventChainStart      EventKind = "on_chain_start"
	EventChatModelStart  EventKind = "on_chat_model_start"
	EventChatModelStream EventKind = "on_chat_model_stream"
	EventChatModelEnd    EventKind = "on_chat_model_end"
	EventToolStart       EventKind = "on_tool_start"
	EventToolEnd         EventKind = "on_tool_end"
	EventChainEnd        EventKind = "on_chain_end"
)

// Event is one step of an agent run. The type of Data depends on Kind: Chunk for
// EventChatModelStream, ToolInput for EventToolStart, ToolOutput for EventToolEnd, nil otherwise.
type Event struct {
	Kind  EventKind
	Name  string
	RunID string
	Data  any
}

// Chunk is an incremental piece of model output. Content keeps the provider's native shape: a
// string, a slice of ContentPart, or a single ContentPart.
type Chunk struct {
	Content any
}

// ToolInput is the payload of an EventToolStart.
type ToolInput struct {
	Input json.RawMessage
}

// ToolOutput is the payload of an EventToolEnd. Output is the tool's text result, or a message
// starting with the tool error marker when the call failed.
type ToolOutput struct {
	Output string
}

// ContentPart is a typed fragment of model output.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ChunkText extracts the text carried by a chunk's content. The shapes are tried in priority
// order: a plain string; a sequence of parts, whose text fields are joined; an object with a text
// field. The boolean is false when no shape matches.
func ChunkText(content any) (string, bool) {
	switch c := content.(type) {
	case string:
		return c, true
	case []ContentPart:
		var sb strings.Builder
		for _, p := range c {
			sb.WriteString(p.Text)
		}
		return sb.String(), len(c) > 0
	case []any:
		var sb strings.Builder
		found := false
		for _, p := range c {
			if text, ok := objectText(p); ok {
				sb.WriteString(text)
				found = true
			}
		}
		return sb.String(), found
	}
	return objectText(content)
}

func objectText(v any) (string, bool) {
	switch o := v.(type) {
	case ContentPart:
		return o.Text, true
	case *ContentPart:
		if o == nil {
			return "", false
		}
		return o.Text, true
	case map[string]any:
		text, ok := o["text"].(string)
		return text, ok
	}
	return "", false
}
