package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helpdesk/ticketchat/internal/chat"
)

// MemoryBridge is an in-process bridge backend for the development relay.
// Sent messages are recorded as outbound bridged entries and marked
// delivered immediately.
type MemoryBridge struct {
	mu       sync.Mutex
	now      func() time.Time
	messages map[string][]chat.Message
}

// NewMemoryBridge returns an empty, enabled bridge.
func NewMemoryBridge() *MemoryBridge {
	return &MemoryBridge{now: time.Now, messages: make(map[string][]chat.Message)}
}

func (b *MemoryBridge) Enabled(context.Context) (bool, error) {
	return true, nil
}

func (b *MemoryBridge) History(_ context.Context, ticketID string) ([]chat.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]chat.Message, len(b.messages[ticketID]))
	copy(out, b.messages[ticketID])
	return out, nil
}

func (b *MemoryBridge) Send(_ context.Context, ticketID, body string) error {
	if strings.TrimSpace(body) == "" {
		return errors.New("empty message")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[ticketID] = append(b.messages[ticketID], chat.Message{
		ID:         "bridge:" + uuid.NewString(),
		Origin:     chat.OriginBridged,
		Body:       body,
		AuthorID:   "whatsapp",
		AuthorRole: chat.RoleBridge,
		AuthorName: "WhatsApp",
		Timestamp:  b.now().UTC().Truncate(time.Millisecond),
		Status:     chat.StatusDelivered,
	})
	return nil
}

// Inbound records a message received from the external party.
func (b *MemoryBridge) Inbound(ticketID, body string) chat.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := chat.Message{
		ID:         "bridge:" + uuid.NewString(),
		Origin:     chat.OriginBridged,
		Body:       body,
		AuthorID:   "whatsapp",
		AuthorRole: chat.RoleClient,
		AuthorName: "WhatsApp",
		Timestamp:  b.now().UTC().Truncate(time.Millisecond),
	}
	b.messages[ticketID] = append(b.messages[ticketID], m)
	return m
}
