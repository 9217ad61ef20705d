package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event names a frame sent to a client
type Event string

// Events, the complete set a client may receive
const (
	EventConnect     Event = "sse-connect"
	EventPullStart   Event = "sse-pull-start"
	EventPullEnd     Event = "sse-pull-end"
	EventRunStart    Event = "sse-run-start"
	EventResult      Event = "sse-result"
	EventResultChunk Event = "sse-result-chunk"
	EventError       Event = "sse-error"
	EventRunEnd      Event = "sse-run-end"
)

// ErrUnknownEvent is returned when encoding an event outside the known set
var ErrUnknownEvent = errors.New("unknown event")

// Heartbeat is the comment frame that keeps idle connections open
var Heartbeat = []byte(": \n\n")

// Valid reports whether e is one of the known events
func (e Event) Valid() bool {
	switch e {
	case EventConnect, EventPullStart, EventPullEnd, EventRunStart,
		EventResult, EventResultChunk, EventError, EventRunEnd:
		return true
	}
	return false
}

// Result is the payload of sse-result and sse-result-chunk
type Result struct {
	Result string `json:"result"`
}

// Failure is the payload of sse-error
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Encode renders one frame: "event: <name>\ndata: <payload>\n\n". Strings
// are written raw, one data line per line of text; every other payload is
// JSON encoded.
func Encode(event Event, payload any) ([]byte, error) {
	if !event.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}

	var data string
	switch p := payload.(type) {
	case nil:
	case string:
		data = p
	case []byte:
		data = string(p)
	default:
		encoded, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		data = string(encoded)
	}

	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(string(event))
	b.WriteByte('\n')
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}
