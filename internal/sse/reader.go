package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const maxMessageSize = 1 << 20

// Message is one parsed event-stream message.
type Message struct {
	Event string
	Data  []byte
}

// Decode unmarshals the message's Event envelope, placing the payload in data.
func (m Message) Decode(data any) (Event, error) {
	var raw struct {
		Type      EventType       `json:"type"`
		Data      json.RawMessage `json:"data"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(m.Data, &raw); err != nil {
		return Event{}, fmt.Errorf("decode %s event: %w", m.Event, err)
	}
	if data != nil && len(raw.Data) > 0 {
		if err := json.Unmarshal(raw.Data, data); err != nil {
			return Event{}, fmt.Errorf("decode %s payload: %w", m.Event, err)
		}
	}
	return Event{Type: raw.Type, Data: data}, nil
}

// Reader parses a text/event-stream body.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
	return &Reader{scanner: scanner}
}

// Next returns the next message. Comment lines and unknown fields are
// skipped. It returns io.EOF when the stream ends cleanly.
func (r *Reader) Next() (Message, error) {
	var (
		msg  Message
		data bytes.Buffer
		seen bool
	)
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if !seen {
				continue
			}
			msg.Data = data.Bytes()
			if msg.Event == "" {
				msg.Event = "message"
			}
			return msg, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			msg.Event = value
			seen = true
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			seen = true
		}
	}
	if err := r.scanner.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}
