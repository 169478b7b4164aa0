// Package chat holds the conversation data model shared by every layer of
// the ticket chat client: messages, attachments, their validation, and the
// reconciler that merges the live, polled, and bridged sources into one
// timeline.
package chat

import (
	"strconv"
	"strings"
	"time"
)

// Origin identifies where a message came from.
type Origin string

const (
	OriginDescription  Origin = "original-description"
	OriginIntervention Origin = "intervention-record"
	OriginLiveChat     Origin = "live-chat"
	OriginBridged      Origin = "bridged-external"
)

// Role is the author's role on the ticket.
type Role string

const (
	RoleClient     Role = "client"
	RoleTechnician Role = "technician"
	RoleAdmin      Role = "admin"
	RoleBridge     Role = "bridge"
)

// ParseRole maps a wire value onto a Role. Unknown values map to client,
// which is how the platform treats anonymous ticket authors.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleTechnician:
		return RoleTechnician
	case RoleAdmin:
		return RoleAdmin
	case RoleBridge:
		return RoleBridge
	default:
		return RoleClient
	}
}

// Status is the delivery status of a message authored by this client.
// Messages from other participants carry an empty status.
type Status string

const (
	StatusNone      Status = ""
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// rank orders statuses so merges only move a message forward.
func (s Status) rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	default:
		return 0
	}
}

// Attachment describes a file attached to a message. Ref is a URL or a
// storage reference once uploaded; Data carries the raw bytes of a local
// attachment that has not been uploaded yet.
type Attachment struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
	Ref      string `json:"ref,omitempty"`
	Data     []byte `json:"-"`
}

// Message is one entry of a conversation timeline.
type Message struct {
	ID          string
	ClientID    string // provisional id this message was submitted under, if any
	Origin      Origin
	Body        string
	AuthorID    string
	AuthorRole  Role
	AuthorName  string
	Timestamp   time.Time
	Status      Status
	Attachments []Attachment
}

// Fingerprint identifies the logical message independent of its source.
// Timestamps are compared at millisecond precision because record stores
// and the live relay serialize instants differently.
func (m Message) Fingerprint() string {
	return m.AuthorID + "|" + strconv.FormatInt(m.Timestamp.UnixMilli(), 10) + "|" + m.Body
}

// Own reports whether the message was authored by this client. Only own
// messages carry a delivery status.
func (m Message) Own() bool {
	return m.Status != StatusNone
}

func (m Message) clone() Message {
	if m.Attachments != nil {
		atts := make([]Attachment, len(m.Attachments))
		copy(atts, m.Attachments)
		m.Attachments = atts
	}
	return m
}

// richness scores attachment detail so the more complete copy of a
// message wins a merge.
func richness(atts []Attachment) int {
	n := 0
	for _, a := range atts {
		n += 2
		if a.Ref != "" {
			n++
		}
		if a.MimeType != "" {
			n++
		}
	}
	return n
}
