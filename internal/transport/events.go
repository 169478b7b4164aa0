package transport

import (
	"time"

	"github.com/helpdesk/ticketchat/internal/chat"
)

// EventType discriminates transport events.
type EventType int

const (
	EventOpen EventType = iota + 1
	EventMessage
	EventTyping
	EventPresenceOnline
	EventPresenceOffline
	EventAck
	EventStatus
	EventError
	EventAuthError
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventTyping:
		return "typing"
	case EventPresenceOnline:
		return "presence-online"
	case EventPresenceOffline:
		return "presence-offline"
	case EventAck:
		return "ack"
	case EventStatus:
		return "status"
	case EventError:
		return "error"
	case EventAuthError:
		return "auth-error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Participant identifies the subject of a typing or presence event.
type Participant struct {
	ID   string
	Name string
	Role chat.Role
}

// CloseInfo describes a connection closure that was not requested with
// Close.
type CloseInfo struct {
	Code   int    // WebSocket close code, 0 if the connection dropped without one
	Reason string // close reason or the underlying error text
	Opened bool   // false when the dial itself failed
	Notice bool   // true for the first closure since the last successful open
}

// Event is one item on the transport's event stream. Only the fields for
// the given Type are set.
type Event struct {
	Type EventType

	Message     chat.Message // EventMessage
	Participant Participant  // EventTyping, EventPresenceOnline, EventPresenceOffline
	IsTyping    bool         // EventTyping
	Local       bool         // EventPresenceOnline emitted for the local user on open

	ClientID  string      // EventAck, EventError
	MessageID string      // EventAck, EventStatus
	Status    chat.Status // EventStatus
	Timestamp time.Time   // EventAck

	Code string // EventError
	Err  error  // EventError, EventAuthError, EventClosed

	Close CloseInfo // EventClosed
}
