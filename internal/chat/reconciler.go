package chat

import (
	"sort"
	"time"
)

// Source names the feed a message was ingested from.
type Source string

const (
	SourceTransport Source = "transport" // live relay events
	SourceRecords   Source = "records"   // polled ticket and intervention records
	SourceBridge    Source = "bridge"    // external messaging bridge history
	SourceLocal     Source = "local"     // optimistic entries from the outbound queue
)

// Conflict records two sources reporting the same logical message with
// different bodies. The first-seen body is kept.
type Conflict struct {
	ID       string
	Kept     string
	Rejected string
	Source   Source
}

type entry struct {
	msg         Message
	seq         uint64
	keys        []string
	provisional bool
	removed     bool
}

// Reconciler merges messages from every source into one ordered,
// de-duplicated timeline. It is not safe for concurrent use; the
// conversation controller serializes access from its event loop.
type Reconciler struct {
	byKey         map[string]*entry
	byFingerprint map[string]*entry
	entries       []*entry
	seq           uint64
	conflicts     []Conflict
	seenConflicts map[conflictKey]struct{}
}

type conflictKey struct{ id, rejected string }

// NewReconciler returns an empty Reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{
		byKey:         make(map[string]*entry),
		byFingerprint: make(map[string]*entry),
		seenConflicts: make(map[conflictKey]struct{}),
	}
}

// Ingest merges msg into the timeline and reports whether the visible
// state changed. Re-ingesting a known message with no new detail is a
// no-op. Messages from SourceLocal are keyed by their provisional id
// until Acknowledge re-keys them.
func (r *Reconciler) Ingest(src Source, msg Message) bool {
	msg = msg.clone()
	key := msg.ID
	if key == "" {
		key = "fp:" + msg.Fingerprint()
	}

	e := r.lookup(key, msg)
	if e == nil {
		r.seq++
		e = &entry{msg: msg, seq: r.seq, provisional: src == SourceLocal}
		e.msg.ID = key
		r.entries = append(r.entries, e)
		r.alias(e, key)
		if msg.ClientID != "" {
			r.alias(e, msg.ClientID)
		}
		r.byFingerprint[msg.Fingerprint()] = e
		return true
	}

	changed := r.merge(e, src, msg)

	// A durable id reported for a provisional entry takes over the key
	// without moving the entry.
	if e.provisional && src != SourceLocal && msg.ID != "" && msg.ID != e.msg.ID {
		e.msg.ID = msg.ID
		e.provisional = false
		changed = true
	}
	r.alias(e, key)
	if msg.ClientID != "" {
		r.alias(e, msg.ClientID)
	}
	if _, ok := r.byFingerprint[msg.Fingerprint()]; !ok {
		r.byFingerprint[msg.Fingerprint()] = e
	}
	return changed
}

// Acknowledge re-keys the provisional entry to durableID in place and
// marks it sent. If a separate entry for durableID already exists it is
// folded into the provisional one so the position is kept.
func (r *Reconciler) Acknowledge(provisionalID, durableID string, ts time.Time) bool {
	e := r.byKey[provisionalID]
	if e == nil || e.removed {
		return false
	}
	if durableID != "" && durableID != e.msg.ID {
		if other := r.byKey[durableID]; other != nil && other != e && !other.removed {
			r.merge(e, SourceTransport, other.msg)
			r.drop(other)
		}
		e.msg.ID = durableID
		e.provisional = false
		r.alias(e, durableID)
	}
	if e.msg.ClientID == "" {
		e.msg.ClientID = provisionalID
	}
	if StatusSent.rank() > e.msg.Status.rank() {
		e.msg.Status = StatusSent
	}
	if !ts.IsZero() {
		fp := Message{AuthorID: e.msg.AuthorID, Body: e.msg.Body, Timestamp: ts}.Fingerprint()
		if _, ok := r.byFingerprint[fp]; !ok {
			r.byFingerprint[fp] = e
		}
	}
	return true
}

// SetStatus overrides the delivery status of the message with the given
// id. It is the only way to move a message to StatusFailed.
func (r *Reconciler) SetStatus(id string, status Status) bool {
	e := r.byKey[id]
	if e == nil || e.removed || e.msg.Status == status {
		return false
	}
	e.msg.Status = status
	return true
}

// AdvanceStatus applies a delivery report from the relay. Only sent and
// delivered are accepted, and only when they move the message forward;
// failed belongs to the outbound queue and is set through SetStatus.
func (r *Reconciler) AdvanceStatus(id string, status Status) bool {
	if status != StatusSent && status != StatusDelivered {
		return false
	}
	e := r.byKey[id]
	if e == nil || e.removed || e.msg.Status == StatusFailed {
		return false
	}
	if status.rank() <= e.msg.Status.rank() {
		return false
	}
	e.msg.Status = status
	return true
}

// Remove drops a message from the timeline.
func (r *Reconciler) Remove(id string) bool {
	e := r.byKey[id]
	if e == nil || e.removed {
		return false
	}
	r.drop(e)
	return true
}

// Get returns the current merged copy of the message known under id,
// which may be a provisional or a durable id.
func (r *Reconciler) Get(id string) (Message, bool) {
	e := r.byKey[id]
	if e == nil || e.removed {
		return Message{}, false
	}
	return e.msg.clone(), true
}

// Timeline returns the full merged state ordered by timestamp, ties
// broken by insertion order. Every call recomputes from current state.
func (r *Reconciler) Timeline() []Message {
	live := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.removed {
			live = append(live, e)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		ti, tj := live[i].msg.Timestamp, live[j].msg.Timestamp
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return live[i].seq < live[j].seq
	})
	out := make([]Message, len(live))
	for i, e := range live {
		out[i] = e.msg.clone()
	}
	return out
}

// Len returns the number of messages in the timeline.
func (r *Reconciler) Len() int {
	n := 0
	for _, e := range r.entries {
		if !e.removed {
			n++
		}
	}
	return n
}

// recordConflict keeps one entry per id and rejected body; polling
// re-delivers the same record on every tick.
func (r *Reconciler) recordConflict(c Conflict) {
	k := conflictKey{c.ID, c.Rejected}
	if _, ok := r.seenConflicts[k]; ok {
		return
	}
	r.seenConflicts[k] = struct{}{}
	r.conflicts = append(r.conflicts, c)
}

// Conflicts returns every distinct body conflict observed so far.
func (r *Reconciler) Conflicts() []Conflict {
	out := make([]Conflict, len(r.conflicts))
	copy(out, r.conflicts)
	return out
}

func (r *Reconciler) lookup(key string, msg Message) *entry {
	if e := r.byKey[key]; e != nil && !e.removed {
		return e
	}
	if msg.ClientID != "" {
		if e := r.byKey[msg.ClientID]; e != nil && !e.removed {
			return e
		}
	}
	if e := r.byFingerprint[msg.Fingerprint()]; e != nil && !e.removed {
		return e
	}
	return nil
}

func (r *Reconciler) alias(e *entry, key string) {
	if cur, ok := r.byKey[key]; ok && cur == e {
		return
	}
	r.byKey[key] = e
	e.keys = append(e.keys, key)
}

func (r *Reconciler) drop(e *entry) {
	e.removed = true
	for _, k := range e.keys {
		if r.byKey[k] == e {
			delete(r.byKey, k)
		}
	}
	for fp, fe := range r.byFingerprint {
		if fe == e {
			delete(r.byFingerprint, fp)
		}
	}
}

// merge folds incoming detail into e and reports whether anything changed.
// Position (timestamp and sequence) is never touched.
func (r *Reconciler) merge(e *entry, src Source, in Message) bool {
	changed := false
	cur := &e.msg

	switch {
	case cur.Body == "" && in.Body != "":
		cur.Body = in.Body
		changed = true
	case in.Body != "" && in.Body != cur.Body:
		r.recordConflict(Conflict{ID: cur.ID, Kept: cur.Body, Rejected: in.Body, Source: src})
	}

	if richness(in.Attachments) > richness(cur.Attachments) {
		cur.Attachments = in.Attachments
		changed = true
	}

	if in.Status != StatusFailed && in.Status.rank() > cur.Status.rank() {
		cur.Status = in.Status
		changed = true
	}

	if cur.AuthorName == "" && in.AuthorName != "" {
		cur.AuthorName = in.AuthorName
		changed = true
	}
	if cur.AuthorRole == "" && in.AuthorRole != "" {
		cur.AuthorRole = in.AuthorRole
		changed = true
	}
	if cur.AuthorID == "" && in.AuthorID != "" {
		cur.AuthorID = in.AuthorID
		changed = true
	}
	if cur.ClientID == "" && in.ClientID != "" {
		cur.ClientID = in.ClientID
	}
	return changed
}
