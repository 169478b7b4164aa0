// Package outbound implements the optimistic send path for composed
// messages. Every submitted message appears in the timeline immediately
// with status sending, and ends either acknowledged (sent) or failed with
// a retry affordance. Nothing is ever queued silently while offline.
package outbound

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helpdesk/ticketchat/internal/chat"
	"github.com/helpdesk/ticketchat/internal/clock"
	"github.com/helpdesk/ticketchat/internal/metrics"
)

// ProvisionalPrefix marks client-generated ids.
const ProvisionalPrefix = "temp_"

var (
	ErrUnknownMessage = errors.New("outbound: unknown message")
	ErrNotCancellable = errors.New("outbound: message is not sending")
	ErrNotRetryable   = errors.New("outbound: message has not failed")
	ErrNotConnected   = errors.New("outbound: not connected")
	ErrConnectionLost = errors.New("outbound: connection lost before acknowledgement")
)

// Sender hands a message to the live transport.
type Sender interface {
	Connected() bool
	Send(msg chat.Message) error
}

// Timeline is the subset of chat.Reconciler the queue writes to.
type Timeline interface {
	Ingest(src chat.Source, msg chat.Message) bool
	Acknowledge(provisionalID, durableID string, ts time.Time) bool
	SetStatus(id string, status chat.Status) bool
	Remove(id string) bool
}

// Author is the local participant stamped on every outbound message.
type Author struct {
	ID   string
	Role chat.Role
	Name string
}

// Config tunes the queue.
type Config struct {
	Author            Author
	MaxAttachmentSize int64 // bytes; <= 0 selects chat.DefaultMaxAttachmentSize

	Clock  clock.Clock
	Logger *zap.Logger
	NewID  func() string
}

// Pending is a message awaiting acknowledgement or user action.
type Pending struct {
	ProvisionalID string
	Body          string
	Attachments   []chat.Attachment
	AttemptCount  int
	Status        chat.Status
	LastError     error
	SubmittedAt   time.Time
	Timestamp     time.Time
	Held          bool // waiting for Release
}

// Queue is safe for concurrent use, but the conversation controller
// drives it from a single goroutine so timeline writes stay ordered.
type Queue struct {
	mu        sync.Mutex
	cfg       Config
	timeline  Timeline
	sender    Sender
	pending   map[string]*Pending
	order     []string
	cancelled map[string]*Pending
}

// New returns an empty Queue writing optimistic entries into timeline.
func New(cfg Config, timeline Timeline, sender Sender) *Queue {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return ProvisionalPrefix + uuid.NewString() }
	}
	return &Queue{
		cfg:       cfg,
		timeline:  timeline,
		sender:    sender,
		pending:   make(map[string]*Pending),
		cancelled: make(map[string]*Pending),
	}
}

// Submit validates the message locally, adds a sending entry to the
// timeline, and hands it to the sender. Validation failures return a
// *chat.ValidationError and create no entry. Delivery failures do not
// return an error; they show up as a failed status on the entry.
func (q *Queue) Submit(body string, atts []chat.Attachment) (string, error) {
	if err := chat.ValidateOutbound(body, atts, q.cfg.MaxAttachmentSize); err != nil {
		metrics.OutboundMessages.WithLabelValues("rejected").Inc()
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	p := q.addLocked(body, atts)
	q.dispatchLocked(p)
	return p.ProvisionalID, nil
}

// Hold is Submit without the send: the sending entry is in the timeline
// but the message waits for Release, e.g. while its attachments upload.
func (q *Queue) Hold(body string, atts []chat.Attachment) (string, error) {
	if err := chat.ValidateOutbound(body, atts, q.cfg.MaxAttachmentSize); err != nil {
		metrics.OutboundMessages.WithLabelValues("rejected").Inc()
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	p := q.addLocked(body, atts)
	p.Held = true
	return p.ProvisionalID, nil
}

// Release stores the final attachments of a held message and hands it to
// the sender. A message that failed or was cancelled in the meantime
// keeps the attachments but is not sent; Release then reports false.
func (q *Queue) Release(id string, atts []chat.Attachment) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.pending[id]
	if !ok {
		if c, ok := q.cancelled[id]; ok {
			c.Attachments = atts
		}
		return false
	}
	p.Attachments = atts
	if !p.Held || p.Status != chat.StatusSending {
		return false
	}
	p.Held = false
	q.dispatchLocked(p)
	return true
}

// Retry resends a failed message under the same provisional id. No new
// timeline entry is created.
func (q *Queue) Retry(id string) error {
	return q.retry(id, false)
}

// RetryHeld moves a failed message back to sending without sending it;
// Release completes the retry.
func (q *Queue) RetryHeld(id string) error {
	return q.retry(id, true)
}

func (q *Queue) retry(id string, hold bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.pending[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if p.Status != chat.StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, p.Status)
	}
	p.AttemptCount++
	p.Status = chat.StatusSending
	p.LastError = nil
	p.SubmittedAt = q.cfg.Clock.Now()
	p.Held = hold
	q.timeline.SetStatus(id, chat.StatusSending)
	metrics.OutboundMessages.WithLabelValues("retried").Inc()

	if !hold {
		q.dispatchLocked(p)
	}
	return nil
}

// Cancel withdraws a message that is still sending and removes it from
// the timeline. If the relay acknowledges it anyway, Ack restores it.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.pending[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if p.Status != chat.StatusSending {
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, p.Status)
	}
	q.removeLocked(id)
	q.cancelled[id] = p
	q.timeline.Remove(id)
	metrics.OutboundMessages.WithLabelValues("cancelled").Inc()
	return nil
}

// Dismiss is the user acknowledging a permanent failure; the entry is
// dropped from the queue and the timeline.
func (q *Queue) Dismiss(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.pending[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if p.Status != chat.StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, p.Status)
	}
	q.removeLocked(id)
	q.timeline.Remove(id)
	return nil
}

// Ack records the relay's acknowledgement of clientID under durableID.
// It reports whether clientID belonged to this queue.
func (q *Queue) Ack(clientID, durableID string, ts time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if p, ok := q.pending[clientID]; ok {
		q.removeLocked(clientID)
		q.timeline.Acknowledge(clientID, durableID, ts)
		metrics.OutboundMessages.WithLabelValues("sent").Inc()
		metrics.AckLatency.Observe(q.cfg.Clock.Now().Sub(p.SubmittedAt).Seconds())
		q.cfg.Logger.Debug("outbound_acked",
			zap.String("client_id", clientID),
			zap.String("id", durableID),
			zap.Int("attempts", p.AttemptCount))
		return true
	}

	// Delivered despite a cancel: show it rather than hide a message
	// other participants can see.
	if p, ok := q.cancelled[clientID]; ok {
		delete(q.cancelled, clientID)
		msg := q.messageLocked(p)
		msg.ID = durableID
		msg.Status = chat.StatusSent
		if !ts.IsZero() {
			msg.Timestamp = ts
		}
		q.timeline.Ingest(chat.SourceTransport, msg)
		q.cfg.Logger.Info("outbound_cancelled_but_delivered", zap.String("client_id", clientID), zap.String("id", durableID))
		return true
	}
	return false
}

// Fail marks a sending message failed, e.g. on a relay error that names
// its client id.
func (q *Queue) Fail(id string, cause error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.pending[id]
	if !ok || p.Status != chat.StatusSending {
		return false
	}
	q.failLocked(p, cause)
	return true
}

// FailAll fails every sending message. Called when the connection drops
// so nothing waits on an acknowledgement that cannot arrive.
func (q *Queue) FailAll(cause error) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var failed []string
	for _, id := range q.order {
		p := q.pending[id]
		if p.Status == chat.StatusSending {
			q.failLocked(p, cause)
			failed = append(failed, id)
		}
	}
	return failed
}

// Pending returns a snapshot of every unacknowledged message in submit order.
func (q *Queue) Pending() []Pending {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Pending, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, *q.pending[id])
	}
	return out
}

// Get returns the pending message with the given provisional id.
func (q *Queue) Get(id string) (Pending, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.pending[id]
	if !ok {
		return Pending{}, false
	}
	return *p, true
}

func (q *Queue) addLocked(body string, atts []chat.Attachment) *Pending {
	now := q.cfg.Clock.Now()
	p := &Pending{
		ProvisionalID: q.cfg.NewID(),
		Body:          body,
		Attachments:   atts,
		AttemptCount:  1,
		Status:        chat.StatusSending,
		SubmittedAt:   now,
		Timestamp:     now,
	}
	q.pending[p.ProvisionalID] = p
	q.order = append(q.order, p.ProvisionalID)
	q.timeline.Ingest(chat.SourceLocal, q.messageLocked(p))
	metrics.OutboundMessages.WithLabelValues("submitted").Inc()
	return p
}

func (q *Queue) dispatchLocked(p *Pending) {
	if q.sender == nil || !q.sender.Connected() {
		q.failLocked(p, ErrNotConnected)
		return
	}
	if err := q.sender.Send(q.messageLocked(p)); err != nil {
		q.failLocked(p, err)
	}
}

func (q *Queue) failLocked(p *Pending, cause error) {
	p.Status = chat.StatusFailed
	p.LastError = cause
	q.timeline.SetStatus(p.ProvisionalID, chat.StatusFailed)
	metrics.OutboundMessages.WithLabelValues("failed").Inc()
	q.cfg.Logger.Warn("outbound_failed",
		zap.String("client_id", p.ProvisionalID),
		zap.Int("attempt", p.AttemptCount),
		zap.Error(cause))
}

func (q *Queue) removeLocked(id string) {
	delete(q.pending, id)
	for i, v := range q.order {
		if v == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

func (q *Queue) messageLocked(p *Pending) chat.Message {
	return chat.Message{
		ID:          p.ProvisionalID,
		ClientID:    p.ProvisionalID,
		Origin:      chat.OriginLiveChat,
		Body:        p.Body,
		AuthorID:    q.cfg.Author.ID,
		AuthorRole:  q.cfg.Author.Role,
		AuthorName:  q.cfg.Author.Name,
		Timestamp:   p.Timestamp,
		Status:      p.Status,
		Attachments: p.Attachments,
	}
}
