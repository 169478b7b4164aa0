// Package protocol defines the WebSocket message types exchanged between
// the ticket chat client and the relay. All messages are JSON objects with
// a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Types sent in both directions.
const (
	TypeChat   = "chat"
	TypeTyping = "typing"
)

// Client -> Server message types.
const (
	TypeUserOnline = "user_online"
	TypePing       = "ping"
)

// Server -> Client message types.
const (
	TypeUserOffline   = "user_offline"
	TypeMessageAck    = "message_ack"
	TypeMessageStatus = "message_status"
	TypeError         = "error"
	TypeAuthError     = "auth_error"
	TypePong          = "pong"
)

// Close codes used by the relay in addition to the RFC 6455 ones.
const (
	CloseUnauthorized = 4001
	CloseForbidden    = 4003
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest can be decoded into the matching struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared payloads
// ---------------------------------------------------------------------------

// WireAttachment is an attachment on the wire. Data carries a base64 data
// URL when the file was not uploaded to attachment storage first.
type WireAttachment struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type,omitempty"`
	Ref      string `json:"ref,omitempty"`
	Data     string `json:"data,omitempty"`
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ChatMsg is a message composed on the client. ClientID is the provisional
// id the relay echoes back in the acknowledgement.
type ChatMsg struct {
	Type        string           `json:"type"`
	ClientID    string           `json:"client_id"`
	Message     string           `json:"message"`
	Timestamp   Time             `json:"timestamp"`
	Attachments []WireAttachment `json:"attachments,omitempty"`
}

// TypingMsg reports whether the local user is composing.
type TypingMsg struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

// UserOnlineMsg announces the local user to the room.
type UserOnlineMsg struct {
	Type string `json:"type"`
}

// PingMsg is the client's application-level keepalive.
type PingMsg struct {
	Type      string `json:"type"`
	Timestamp Time   `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ServerChatMsg is a chat message relayed to the room. ClientID is set when
// the message originated from a client that supplied one.
type ServerChatMsg struct {
	Type        string           `json:"type"`
	ID          string           `json:"message_id"`
	ClientID    string           `json:"client_id,omitempty"`
	Message     string           `json:"message"`
	UserID      string           `json:"user_id"`
	UserName    string           `json:"user_name,omitempty"`
	UserType    string           `json:"user_type"`
	Timestamp   Time             `json:"timestamp"`
	Attachments []WireAttachment `json:"attachments,omitempty"`
}

// ServerTypingMsg relays another participant's typing state.
type ServerTypingMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	UserType string `json:"user_type,omitempty"`
	IsTyping bool   `json:"is_typing"`
}

// PresenceMsg is used for both user_online and user_offline.
type PresenceMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	UserType string `json:"user_type,omitempty"`
}

// MessageAckMsg confirms a client message and assigns its durable id.
type MessageAckMsg struct {
	Type      string `json:"type"`
	ClientID  string `json:"client_id"`
	ID        string `json:"message_id"`
	Timestamp Time   `json:"timestamp"`
}

// MessageStatusMsg reports a delivery status change for a durable id.
type MessageStatusMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// ErrorMsg is sent by the relay to communicate an error condition. ClientID
// names the message that failed, if any.
type ErrorMsg struct {
	Type     string `json:"type"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	ClientID string `json:"client_id,omitempty"`
}

// AuthErrorMsg tells the client its credential was rejected or expired.
type AuthErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PongMsg is the relay's response to a client ping.
type PongMsg struct {
	Type      string `json:"type"`
	Timestamp Time   `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw bytes received by the relay into a typed
// client message.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeChat:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUserOnline:
		var m UserOnlineMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// ParseServerMessage parses raw bytes received by the client into a typed
// server message.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeChat:
		var m ServerChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m ServerTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUserOnline, TypeUserOffline:
		var m PresenceMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageAck:
		var m MessageAckMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageStatus:
		var m MessageStatusMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAuthError:
		var m AuthErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		var m PongMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewMessage creates the JSON encoding of payload with msgType injected
// under the "type" key, so callers never have to set Type themselves.
func NewMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}
