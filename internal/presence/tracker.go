// Package presence tracks who is online in a ticket conversation and who
// is currently typing.
//
// Typing entries expire a fixed TypingTTL after their last renewal and are
// pruned on every read rather than by a background timer. Presence entries
// persist until an explicit offline event unless a liveness window is
// configured.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/helpdesk/ticketchat/internal/chat"
	"github.com/helpdesk/ticketchat/internal/clock"
)

// TypingTTL is how long a typing indicator stays visible without renewal.
const TypingTTL = 3 * time.Second

// Participant identifies someone in the conversation.
type Participant struct {
	ID          string
	DisplayName string
	Role        chat.Role
}

// Entry is an online participant.
type Entry struct {
	ParticipantID string
	DisplayName   string
	Role          chat.Role
	LastSeenAt    time.Time
}

// TypingEntry is a participant currently composing a message.
type TypingEntry struct {
	ParticipantID string
	DisplayName   string
	ExpiresAt     time.Time
}

// Config tunes the tracker.
type Config struct {
	// SelfID is the local participant. Its typing events are never
	// reported back.
	SelfID string

	// LivenessWindow expires presence entries not refreshed within the
	// window. Zero keeps entries until an explicit offline event.
	LivenessWindow time.Duration

	Clock clock.Clock
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	selfID   string
	liveness time.Duration
	clk      clock.Clock
	online   map[string]Entry
	typing   map[string]TypingEntry
}

// NewTracker returns an empty Tracker.
func NewTracker(cfg Config) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Tracker{
		selfID:   cfg.SelfID,
		liveness: cfg.LivenessWindow,
		clk:      cfg.Clock,
		online:   make(map[string]Entry),
		typing:   make(map[string]TypingEntry),
	}
}

// RecordOnline marks p online, refreshing LastSeenAt if already present.
func (t *Tracker) RecordOnline(p Participant) {
	if p.ID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.online[p.ID]
	e := Entry{ParticipantID: p.ID, DisplayName: p.DisplayName, Role: p.Role, LastSeenAt: t.clk.Now()}
	if ok {
		if e.DisplayName == "" {
			e.DisplayName = prev.DisplayName
		}
		if e.Role == "" {
			e.Role = prev.Role
		}
	}
	t.online[p.ID] = e
}

// RecordOffline removes a participant and any typing indicator they had.
func (t *Tracker) RecordOffline(participantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.online, participantID)
	delete(t.typing, participantID)
}

// RecordTyping starts or renews a typing indicator. Typing also counts as
// activity for the liveness window. Self events are ignored.
func (t *Tracker) RecordTyping(p Participant) {
	if p.ID == "" || p.ID == t.selfID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clk.Now()
	t.typing[p.ID] = TypingEntry{ParticipantID: p.ID, DisplayName: p.DisplayName, ExpiresAt: now.Add(TypingTTL)}
	if e, ok := t.online[p.ID]; ok {
		e.LastSeenAt = now
		t.online[p.ID] = e
	}
}

// ClearTyping drops a typing indicator, e.g. when that participant's
// message arrives.
func (t *Tracker) ClearTyping(participantID string) {
	t.mu.Lock()
	delete(t.typing, participantID)
	t.mu.Unlock()
}

// CurrentlyTyping returns unexpired typing entries for everyone except
// the local participant, ordered by display name.
func (t *Tracker) CurrentlyTyping() []TypingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clk.Now()
	out := make([]TypingEntry, 0, len(t.typing))
	for id, e := range t.typing {
		if !now.Before(e.ExpiresAt) {
			delete(t.typing, id)
			continue
		}
		if id == t.selfID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ParticipantID < out[j].ParticipantID
	})
	return out
}

// OnlineParticipants returns a snapshot keyed by participant id.
func (t *Tracker) OnlineParticipants() map[string]Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneStaleLocked()
	out := make(map[string]Entry, len(t.online))
	for id, e := range t.online {
		out[id] = e
	}
	return out
}

// NextTypingExpiry returns the earliest typing expiry, so a view can
// schedule one re-render instead of polling.
func (t *Tracker) NextTypingExpiry() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var next time.Time
	for id, e := range t.typing {
		if id == t.selfID {
			continue
		}
		if next.IsZero() || e.ExpiresAt.Before(next) {
			next = e.ExpiresAt
		}
	}
	return next, !next.IsZero()
}

// Reset forgets everyone. Used when the transport reconnects so stale
// presence from the previous connection is not shown.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.online = make(map[string]Entry)
	t.typing = make(map[string]TypingEntry)
	t.mu.Unlock()
}

func (t *Tracker) pruneStaleLocked() {
	if t.liveness <= 0 {
		return
	}
	now := t.clk.Now()
	for id, e := range t.online {
		if id == t.selfID {
			continue
		}
		if now.Sub(e.LastSeenAt) > t.liveness {
			delete(t.online, id)
		}
	}
}
