package stream

import (
	"encoding/json"
	"strings"
)

const parseFailureMessage = "Failed to parse SSE message"

// Decoder reassembles envelopes from an SSE byte stream delivered in chunks of arbitrary size.
// A single envelope may span several chunks and a chunk may hold several envelopes.
//
// Decoder never fails: a frame that cannot be parsed is reported as an error envelope and the
// following frames are still decoded. Decoder is not safe for concurrent use.
type Decoder struct {
	buf string
}

// Feed appends chunk to the internal buffer and returns every envelope completed by it, in
// order. Frames without the data prefix and empty frames are padding and are dropped, as are
// JSON frames with an unrecognized type.
func (d *Decoder) Feed(chunk string) []Envelope {
	d.buf += chunk

	frames := strings.Split(d.buf, Delimiter)
	// The last fragment is either empty or an incomplete frame.
	d.buf = frames[len(frames)-1]

	var envs []Envelope
	for _, frame := range frames[:len(frames)-1] {
		if e, ok := decodeFrame(frame); ok {
			envs = append(envs, e)
		}
	}
	return envs
}

// Pending returns the buffered bytes of a frame that has not been terminated yet.
func (d *Decoder) Pending() string {
	return d.buf
}

func decodeFrame(frame string) (Envelope, bool) {
	trimmed := strings.TrimSpace(frame)
	if trimmed == "" || !strings.HasPrefix(trimmed, DataPrefix) {
		return Envelope{}, false
	}

	data := trimmed[len(DataPrefix):]
	if data == DoneSentinel {
		return Done(), true
	}

	var e Envelope
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return Error(parseFailureMessage), true
	}
	if !e.Type.Known() {
		return Envelope{}, false
	}
	return e, true
}
