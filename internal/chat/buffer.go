package chat

import "sync"

// MaxBufferMessages is the default number of recent messages retained per
// ticket room.
const MaxBufferMessages = 50

// MessageBuffer stores the last N messages per ticket in memory so a
// relay can replay recent history to a client that joins or reconnects.
// It is goroutine-safe and uses a ring buffer per ticket.
type MessageBuffer struct {
	mu      sync.RWMutex
	size    int
	buffers map[string]*ringBuffer // ticketID -> ring buffer
}

type ringBuffer struct {
	items []Message
	pos   int
	count int
}

// NewMessageBuffer creates an empty MessageBuffer holding up to size
// messages per ticket. A non-positive size selects MaxBufferMessages.
func NewMessageBuffer(size int) *MessageBuffer {
	if size <= 0 {
		size = MaxBufferMessages
	}
	return &MessageBuffer{
		size:    size,
		buffers: make(map[string]*ringBuffer),
	}
}

// Add appends a message to the ticket's ring buffer, overwriting the
// oldest entry when full.
func (mb *MessageBuffer) Add(ticketID string, msg Message) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	rb, ok := mb.buffers[ticketID]
	if !ok {
		rb = &ringBuffer{items: make([]Message, mb.size)}
		mb.buffers[ticketID] = rb
	}

	rb.items[rb.pos] = msg.clone()
	rb.pos = (rb.pos + 1) % mb.size
	if rb.count < mb.size {
		rb.count++
	}
}

// Get returns the buffered messages for a ticket oldest first. It never
// returns nil.
func (mb *MessageBuffer) Get(ticketID string) []Message {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	rb, ok := mb.buffers[ticketID]
	if !ok {
		return []Message{}
	}

	result := make([]Message, rb.count)
	start := (rb.pos - rb.count + mb.size) % mb.size
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%mb.size].clone()
	}
	return result
}

// Remove deletes the buffer for a ticket (called when the room empties).
func (mb *MessageBuffer) Remove(ticketID string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	delete(mb.buffers, ticketID)
}
