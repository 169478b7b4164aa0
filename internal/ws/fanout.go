package ws

import (
	"encoding/json"

	"github.com/helpdesk/ticketchat/internal/messaging"
)

// Fanout carries room events between relay instances.
type Fanout interface {
	PublishRoom(ticketID string, data []byte) error
	SubscribeRoom(ticketID string, handler func(data []byte)) error
	UnsubscribeRoom(ticketID string) error
}

var _ Fanout = (*messaging.NATSClient)(nil)

// roomEvent wraps a server frame published to other relay instances.
type roomEvent struct {
	Origin      string          `json:"origin"`                 // publishing relay instance
	ExcludeUser string          `json:"exclude_user,omitempty"` // user that must not receive the frame
	Frame       json.RawMessage `json:"frame"`
}
