package conversation

import (
	"context"
	"time"

	"github.com/helpdesk/ticketchat/internal/chat"
	"github.com/helpdesk/ticketchat/internal/transport"
)

// Transport is the live connection for one ticket. *transport.Transport
// satisfies it.
type Transport interface {
	Events() <-chan transport.Event
	Connect(ctx context.Context, conversationID, token string) error
	Connected() bool
	SendChat(msg chat.Message) error
	SendTyping(isTyping bool) error
	Close(reason string)
}

// RecordStore returns the structured history of a ticket: its original
// description followed by intervention records.
type RecordStore interface {
	Records(ctx context.Context, ticketID string) ([]chat.Message, error)
}

// BridgeProvider reaches the external messaging channel. Send is
// synchronous and never flows through the live transport.
type BridgeProvider interface {
	Enabled(ctx context.Context) (bool, error)
	History(ctx context.Context, ticketID string) ([]chat.Message, error)
	Send(ctx context.Context, ticketID, body string) error
}

// AttachmentStore uploads attachment bytes and returns a stable reference.
type AttachmentStore interface {
	Upload(ctx context.Context, ticketID string, att chat.Attachment) (string, error)
}

// TokenSource supplies the bearer credential used at connect time.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Deps are the controller's collaborators. Bridge and Attachments are
// optional; without an attachment store, attachment bytes travel inline.
type Deps struct {
	Transport   Transport
	Records     RecordStore
	Tokens      TokenSource
	Bridge      BridgeProvider
	Attachments AttachmentStore
}

var _ Transport = (*transport.Transport)(nil)

// lockedTimeline lets the outbound queue write into the controller's
// reconciler under the controller lock.
type lockedTimeline struct{ c *Controller }

func (l lockedTimeline) Ingest(src chat.Source, msg chat.Message) bool {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	return l.c.timeline.Ingest(src, msg)
}

func (l lockedTimeline) Acknowledge(provisionalID, durableID string, ts time.Time) bool {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	return l.c.timeline.Acknowledge(provisionalID, durableID, ts)
}

func (l lockedTimeline) SetStatus(id string, status chat.Status) bool {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	return l.c.timeline.SetStatus(id, status)
}

func (l lockedTimeline) Remove(id string) bool {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	return l.c.timeline.Remove(id)
}

// chatSender adapts Transport to outbound.Sender.
type chatSender struct{ t Transport }

func (s chatSender) Connected() bool             { return s.t.Connected() }
func (s chatSender) Send(msg chat.Message) error { return s.t.SendChat(msg) }
