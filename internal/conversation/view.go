package conversation

import (
	"sort"
	"time"

	"github.com/helpdesk/ticketchat/internal/chat"
	"github.com/helpdesk/ticketchat/internal/outbound"
	"github.com/helpdesk/ticketchat/internal/presence"
	"github.com/helpdesk/ticketchat/internal/reconnect"
)

// Filter selects which origins a view shows.
type Filter string

const (
	FilterAll           Filter = "all"
	FilterInterventions Filter = "interventions" // original description and intervention records
	FilterBridged       Filter = "bridged"
	FilterChat          Filter = "chat"
)

// ParseFilter maps a user-facing name to a Filter, defaulting to FilterAll.
func ParseFilter(s string) Filter {
	switch Filter(s) {
	case FilterInterventions, FilterBridged, FilterChat:
		return Filter(s)
	default:
		return FilterAll
	}
}

// Match reports whether messages of origin o belong in the view.
func (f Filter) Match(o chat.Origin) bool {
	switch f {
	case FilterInterventions:
		return o == chat.OriginDescription || o == chat.OriginIntervention
	case FilterBridged:
		return o == chat.OriginBridged
	case FilterChat:
		return o == chat.OriginLiveChat
	default:
		return true
	}
}

// Apply returns the messages of tl that match f, in timeline order. tl is
// not modified.
func (f Filter) Apply(tl []chat.Message) []chat.Message {
	if f == FilterAll || f == "" {
		return tl
	}
	out := make([]chat.Message, 0, len(tl))
	for _, m := range tl {
		if f.Match(m.Origin) {
			out = append(out, m)
		}
	}
	return out
}

// Phase is the controller lifecycle.
type Phase int

const (
	PhaseNew Phase = iota
	PhaseLoading
	PhaseReady
	PhaseUnmounted
)

func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	case PhaseUnmounted:
		return "unmounted"
	default:
		return "unknown"
	}
}

// NoticeKind classifies user-facing notices.
type NoticeKind int

const (
	NoticeDisconnected     NoticeKind = iota + 1 // transient: reconnecting
	NoticeConnectionFailed                       // terminal: retries exhausted
	NoticeAuth                                   // credentials rejected
	NoticeSyncFailed                             // a record or bridge fetch failed
	NoticeError                                  // unrecoverable local error
)

// Notice is a message for the user about the conversation as a whole.
// Persistent notices stay in Status until the connection recovers.
type Notice struct {
	Kind       NoticeKind
	Text       string
	Err        error
	Persistent bool
	At         time.Time
}

// Update signals that the view should re-render.
type Update struct {
	ScrollToLatest bool // a message was added to the timeline
}

// Status is a snapshot for surrounding chrome.
type Status struct {
	Phase         Phase
	Connection    reconnect.Snapshot
	Online        []presence.Entry
	Typing        []presence.TypingEntry
	Pending       []outbound.Pending
	Notice        *Notice
	BridgeEnabled bool
}

func sortedOnline(m map[string]presence.Entry) []presence.Entry {
	out := make([]presence.Entry, 0, len(m))
	for _, e := range m {
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
