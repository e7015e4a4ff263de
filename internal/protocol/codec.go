package protocol

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a message for the wire. Every value that Encode accepts
// round-trips through Decode value-wise.
func Encode(m Message) ([]byte, error) {
	if !known(m.Type) {
		return nil, fmt.Errorf("encode: unknown message type %q", m.Type)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses one wire message. Unknown or untagged payloads are decode
// errors; the caller decides whether that is fatal (reliable channel) or
// droppable (datagram).
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode: %w", err)
	}
	if !known(m.Type) {
		return Message{}, fmt.Errorf("decode: unknown message type %q", m.Type)
	}
	return m, nil
}
