package stream

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/tmaxmax/go-sse"
)

// Encode converts an envelope into its SSE message: a single data field holding the JSON
// serialization of the envelope, or the DoneSentinel for TypeDone. No id, event or retry fields
// are set, so the message is written as "data: <payload>\n\n".
func Encode(e Envelope) (*sse.Message, error) {
	payload := DoneSentinel
	if e.Type != TypeDone {
		b, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s envelope: %w", e.Type, err)
		}
		payload = string(b)
	}

	m := &sse.Message{}
	m.AppendData(payload)
	return m, nil
}

// WriteFrame encodes e and writes its wire bytes to w.
func WriteFrame(w io.Writer, e Envelope) error {
	m, err := Encode(e)
	if err != nil {
		return err
	}
	if _, err := m.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", e.Type, err)
	}
	return nil
}
