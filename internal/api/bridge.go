package api

import (
	"context"
	"fmt"

	"github.com/helpdesk/ticketchat/internal/chat"
)

// Recipient selects which party a bridged message is addressed to. The
// zero value lets the backend pick the ticket's client.
type Recipient string

const (
	RecipientDefault    Recipient = ""
	RecipientClient     Recipient = "client"
	RecipientTechnician Recipient = "technician"
)

// BridgeEnabled reports whether the external messaging bridge is
// configured on the backend.
func (c *Client) BridgeEnabled(ctx context.Context) (bool, error) {
	var out struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.getJSON(ctx, "/whatsapp/config/", &out); err != nil {
		return false, err
	}
	return out.Enabled, nil
}

// BridgeHistory returns the bridged messages of a ticket as timeline
// messages.
func (c *Client) BridgeHistory(ctx context.Context, ticketID string) ([]chat.Message, error) {
	var raw []BridgeMessage
	if err := c.getJSON(ctx, "/tickets/"+ticketID+"/whatsapp-messages/", &raw); err != nil {
		return nil, err
	}
	out := make([]chat.Message, len(raw))
	for i, b := range raw {
		out[i] = b.ToMessage()
	}
	return out, nil
}

// BridgeSend sends body over the bridge and waits for the backend to
// accept it.
func (c *Client) BridgeSend(ctx context.Context, ticketID string, to Recipient, body string) error {
	path := "/tickets/" + ticketID + "/send-whatsapp/"
	switch to {
	case RecipientDefault:
	case RecipientClient:
		path = "/tickets/" + ticketID + "/send-to-client/"
	case RecipientTechnician:
		path = "/tickets/" + ticketID + "/send-to-technician/"
	default:
		return fmt.Errorf("api: unknown bridge recipient %q", to)
	}
	return c.postJSON(ctx, path, map[string]string{"content": body}, nil)
}

// HTTPBridge adapts Client to the conversation's bridge provider.
type HTTPBridge struct {
	Client *Client
	To     Recipient
}

func (b HTTPBridge) Enabled(ctx context.Context) (bool, error) {
	return b.Client.BridgeEnabled(ctx)
}

func (b HTTPBridge) History(ctx context.Context, ticketID string) ([]chat.Message, error) {
	return b.Client.BridgeHistory(ctx, ticketID)
}

func (b HTTPBridge) Send(ctx context.Context, ticketID, body string) error {
	return b.Client.BridgeSend(ctx, ticketID, b.To, body)
}
