package session

import "strings"

// Event names used on proxy streams.
const (
	// EventEndpoint is the discovery event telling the client where to
	// POST follow-up messages.
	EventEndpoint = "endpoint"

	// EventMessage carries a JSON-RPC payload.
	EventMessage = "message"

	// EventPing is the gateway heartbeat.
	EventPing = "ping"

	// EventError carries a terminal error before the stream closes.
	EventError = "error"
)

// Event is a single server-sent event queued for delivery on a session's
// stream.
type Event struct {
	// Type is the SSE event name ("endpoint", "message", "ping", ...).
	Type string

	// Data is the event payload. Multi-line payloads are rendered as one
	// data: line per line.
	Data string

	// Result, when non-nil, receives the delivery outcome once the writer
	// has flushed (or failed to flush) the event. Senders that want an
	// acknowledgement must use a buffered channel.
	Result chan<- error
}

// NewEvent creates an event with the given name and payload.
func NewEvent(eventType, data string) Event {
	return Event{Type: eventType, Data: data}
}

// Settle reports the delivery outcome to the event's waiter, if any.
// It never blocks and is safe to call on events without a Result channel.
func (e Event) Settle(err error) {
	if e.Result == nil {
		return
	}
	select {
	case e.Result <- err:
	default:
	}
}

// SSE renders the event in wire format: an event: line, one data: line
// per payload line, and a terminating blank line.
func (e Event) SSE() string {
	var sb strings.Builder
	sb.WriteString("event: ")
	sb.WriteString(e.Type)
	sb.WriteString("\n")
	for _, line := range strings.Split(e.Data, "\n") {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	return sb.String()
}
