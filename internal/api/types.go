package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/helpdesk/ticketchat/internal/chat"
	"github.com/helpdesk/ticketchat/internal/protocol"
)

// ID accepts both JSON strings and numbers; the REST backend uses integer
// primary keys while the relay uses strings.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("api: invalid id %s", data)
	}
	*id = ID(n.String())
	return nil
}

// User is the account embedded in clients and technicians.
type User struct {
	ID        ID     `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email,omitempty"`
}

// DisplayName joins first and last name.
func (u User) DisplayName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Party is a client or technician profile.
type Party struct {
	ID   ID   `json:"id"`
	User User `json:"user"`
}

// Ticket is the subset of a ticket record the conversation needs.
type Ticket struct {
	ID          ID            `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Status      string        `json:"status"`
	Priority    string        `json:"priority,omitempty"`
	CreatedAt   protocol.Time `json:"created_at"`
	Client      Party         `json:"client"`
	Technician  *Party        `json:"technician,omitempty"`
}

// DescriptionMessage renders the ticket's original description as the
// first message of the conversation, authored by the ticket's client.
func (t Ticket) DescriptionMessage() chat.Message {
	return chat.Message{
		ID:         "description:" + string(t.ID),
		Origin:     chat.OriginDescription,
		Body:       t.Description,
		AuthorID:   string(t.Client.User.ID),
		AuthorRole: chat.RoleClient,
		AuthorName: t.Client.User.DisplayName(),
		Timestamp:  t.CreatedAt.Time,
	}
}

// InterventionAttachment is a file stored with an intervention.
type InterventionAttachment struct {
	ID   ID     `json:"id"`
	File string `json:"file"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Intervention is a technician report filed on a ticket.
type Intervention struct {
	ID          ID                       `json:"id"`
	Report      string                   `json:"report"`
	CreatedAt   protocol.Time            `json:"created_at"`
	Technician  *Party                   `json:"technician,omitempty"`
	Attachments []InterventionAttachment `json:"attachments,omitempty"`
}

// ToMessage converts the intervention into a timeline message. Reports
// without a technician are attributed to the ticket's client.
func (i Intervention) ToMessage(t Ticket) chat.Message {
	m := chat.Message{
		ID:         "intervention:" + string(i.ID),
		Origin:     chat.OriginIntervention,
		Body:       i.Report,
		AuthorID:   string(t.Client.User.ID),
		AuthorRole: chat.RoleClient,
		AuthorName: t.Client.User.DisplayName(),
		Timestamp:  i.CreatedAt.Time,
	}
	if i.Technician != nil {
		m.AuthorID = string(i.Technician.User.ID)
		m.AuthorRole = chat.RoleTechnician
		m.AuthorName = i.Technician.User.DisplayName()
	}
	for _, a := range i.Attachments {
		m.Attachments = append(m.Attachments, chat.Attachment{Name: a.Name, Size: a.Size, Ref: a.File})
	}
	return m
}

// Bridge message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// BridgeAuthorID is the author id given to every bridged message.
const BridgeAuthorID = "whatsapp"

// BridgeMessage is one entry of the external messaging history.
type BridgeMessage struct {
	ID        ID            `json:"id"`
	Body      string        `json:"body"`
	Direction string        `json:"direction"`
	Status    string        `json:"status"`
	Timestamp protocol.Time `json:"timestamp"`
}

// ToMessage converts the bridged entry into a timeline message. Inbound
// entries were written by the ticket's client on the external channel.
func (b BridgeMessage) ToMessage() chat.Message {
	m := chat.Message{
		ID:         "bridge:" + string(b.ID),
		Origin:     chat.OriginBridged,
		Body:       b.Body,
		AuthorID:   BridgeAuthorID,
		AuthorRole: chat.RoleBridge,
		AuthorName: "WhatsApp",
		Timestamp:  b.Timestamp.Time,
		Status:     bridgeStatus(b.Status),
	}
	if b.Direction == DirectionInbound {
		m.AuthorRole = chat.RoleClient
	}
	return m
}

func bridgeStatus(s string) chat.Status {
	switch strings.ToLower(s) {
	case "sent", "queued", "accepted":
		return chat.StatusSent
	case "delivered", "read":
		return chat.StatusDelivered
	case "failed", "undelivered":
		return chat.StatusFailed
	default:
		return ""
	}
}
