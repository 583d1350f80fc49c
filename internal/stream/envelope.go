// Package stream defines the envelope protocol spoken between the chat relay and its clients,
// together with the SSE framing used to carry it: an encoder for the server side and an
// incremental decoder for the client side.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Type is the tag of an Envelope.
type Type string

const (
	// TypeConnected is the first envelope of every stream.
	TypeConnected Type = "connected"
	// TypeToken carries one incremental fragment of assistant output.
	TypeToken Type = "token"
	// TypeToolStart signals that the agent began invoking a tool.
	TypeToolStart Type = "tool_start"
	// TypeToolEnd signals that the most recently started tool completed.
	TypeToolEnd Type = "tool_end"
	// TypeError reports a failure; the stream closes after it.
	TypeError Type = "error"
	// TypeDone is the terminal envelope of a successful stream. On the wire it is the
	// DoneSentinel rather than a JSON object.
	TypeDone Type = "done"
)

// Wire framing constants.
const (
	DataPrefix   = "data: "
	DoneSentinel = "[DONE]"
	Delimiter    = "\n\n"
)

// ToolErrorMarker prefixes tool outputs that describe a failed tool call. Such outputs are
// annotations, not protocol errors: the stream continues.
const ToolErrorMarker = "❌ Tool Error:"

// Envelope is one discrete typed unit of streamed information. Only the fields relevant to Type
// are set.
type Envelope struct {
	Type Type `json:"type"`

	// Token is set for TypeToken.
	Token string `json:"token,omitempty"`

	// Tool is set for TypeToolStart and TypeToolEnd.
	Tool string `json:"tool,omitempty"`
	// Input is set for TypeToolStart.
	Input json.RawMessage `json:"input,omitempty"`
	// Output is set for TypeToolEnd. It is either arbitrary JSON or a JSON string.
	Output json.RawMessage `json:"output,omitempty"`

	// Error is set for TypeError.
	Error string `json:"error,omitempty"`
}

// Connected returns the liveness envelope.
func Connected() Envelope { return Envelope{Type: TypeConnected} }

// Token returns a token envelope carrying text.
func Token(text string) Envelope { return Envelope{Type: TypeToken, Token: text} }

// ToolStart returns a tool-start envelope. The input is serialized to JSON.
func ToolStart(tool string, input any) Envelope {
	return Envelope{Type: TypeToolStart, Tool: tool, Input: rawJSON(input)}
}

// ToolEnd returns a tool-end envelope. The output is serialized to JSON; plain strings become
// JSON strings.
func ToolEnd(tool string, output any) Envelope {
	return Envelope{Type: TypeToolEnd, Tool: tool, Output: rawJSON(output)}
}

// Error returns an error envelope.
func Error(message string) Envelope { return Envelope{Type: TypeError, Error: message} }

// Done returns the terminal envelope.
func Done() Envelope { return Envelope{Type: TypeDone} }

// Known reports whether t is one of the recognized envelope tags.
func (t Type) Known() bool {
	switch t {
	case TypeConnected, TypeToken, TypeToolStart, TypeToolEnd, TypeError, TypeDone:
		return true
	}
	return false
}

// Terminal reports whether no further envelopes may follow e.
func (e Envelope) Terminal() bool {
	return e.Type == TypeDone || e.Type == TypeError
}

// HasOutput reports whether a tool-end envelope carries a meaningful output. Empty strings, null,
// false and zero count as absent.
func (e Envelope) HasOutput() bool {
	out := bytes.TrimSpace(e.Output)
	switch string(out) {
	case "", "null", `""`, "false", "0":
		return false
	}
	return true
}

// OutputText returns the tool output as text: JSON strings are unquoted, any other JSON value is
// returned verbatim.
func (e Envelope) OutputText() string {
	var s string
	if err := json.Unmarshal(e.Output, &s); err == nil {
		return s
	}
	return string(e.Output)
}

func rawJSON(v any) json.RawMessage {
	switch v := v.(type) {
	case nil:
		return nil
	case json.RawMessage:
		if len(v) == 0 {
			return nil
		}
		if json.Valid(v) {
			return v
		}
		return rawJSON(string(v))
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(fmt.Sprint(v))
	}
	return b
}
