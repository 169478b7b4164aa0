package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/helpdesk/ticketchat/internal/chat"
	"github.com/helpdesk/ticketchat/internal/clock"
	"github.com/helpdesk/ticketchat/internal/messaging"
	"github.com/helpdesk/ticketchat/internal/outbound"
	"github.com/helpdesk/ticketchat/internal/presence"
	"github.com/helpdesk/ticketchat/internal/reconnect"
	"github.com/helpdesk/ticketchat/internal/transport"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeTransport delivers events on an unbuffered channel, so a push
// returns only once the event loop has taken the event.
type fakeTransport struct {
	t      *testing.T
	events chan transport.Event

	mu          sync.Mutex
	connected   bool
	noticeSent  bool
	connects    int
	sent        []chat.Message
	typing      []bool
	closed      bool
	closeReason string
}

func newFakeTransport(t *testing.T) *fakeTransport {
	return &fakeTransport{t: t, events: make(chan transport.Event)}
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) Connect(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	f.connects++
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) SendChat(msg chat.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) SendTyping(isTyping bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.typing = append(f.typing, isTyping)
	return nil
}

func (f *fakeTransport) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.connected = false
	f.closeReason = reason
	close(f.events)
}

func (f *fakeTransport) push(ev transport.Event) {
	f.t.Helper()
	select {
	case f.events <- ev:
	case <-time.After(2 * time.Second):
		f.t.Fatalf("event loop did not take %s event", ev.Type)
	}
}

// flush returns once every previously pushed event has been handled.
func (f *fakeTransport) flush() {
	f.t.Helper()
	f.push(transport.Event{Type: transport.EventError, Code: "flush"})
}

func (f *fakeTransport) open() {
	f.t.Helper()
	f.mu.Lock()
	f.connected = true
	f.noticeSent = false
	f.mu.Unlock()
	f.push(transport.Event{Type: transport.EventOpen})
	f.flush()
}

func (f *fakeTransport) drop(opened bool) {
	f.t.Helper()
	f.mu.Lock()
	f.connected = false
	notice := !f.noticeSent
	f.noticeSent = true
	f.mu.Unlock()
	f.push(transport.Event{
		Type:  transport.EventClosed,
		Err:   errors.New("connection reset"),
		Close: transport.CloseInfo{Opened: opened, Notice: notice},
	})
	f.flush()
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) sentMessages() []chat.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.Message(nil), f.sent...)
}

func (f *fakeTransport) typingFrames() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.typing...)
}

type fakeRecords struct {
	mu   sync.Mutex
	msgs []chat.Message
	err  error
}

func (r *fakeRecords) Records(context.Context, string) ([]chat.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return append([]chat.Message(nil), r.msgs...), nil
}

func (r *fakeRecords) set(msgs []chat.Message, err error) {
	r.mu.Lock()
	r.msgs, r.err = msgs, err
	r.mu.Unlock()
}

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

// fakeUploads stores attachments under files/. When gate is set each
// upload waits for a value on it; err fails the next uploads.
type fakeUploads struct {
	gate chan struct{}

	mu    sync.Mutex
	names []string
	err   error
}

func (u *fakeUploads) Upload(ctx context.Context, _ string, att chat.Attachment) (string, error) {
	if u.gate != nil {
		select {
		case <-u.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return "", u.err
	}
	u.names = append(u.names, att.Name)
	return "files/" + att.Name, nil
}

func (u *fakeUploads) fail(err error) {
	u.mu.Lock()
	u.err = err
	u.mu.Unlock()
}

func (u *fakeUploads) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.names)
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

var self = presence.Participant{ID: "u1", DisplayName: "Ada", Role: chat.RoleClient}

type fixture struct {
	t    *testing.T
	c    *Controller
	clk  *clock.FakeClock
	tr   *fakeTransport
	recs *fakeRecords
}

func newFixture(t *testing.T, records []chat.Message, mutate func(*Config, *Deps)) *fixture {
	t.Helper()
	f := &fixture{
		t:    t,
		clk:  clock.Fake(epoch),
		tr:   newFakeTransport(t),
		recs: &fakeRecords{msgs: records},
	}
	cfg := Config{
		TicketID:  "42",
		Self:      self,
		Reconnect: reconnect.Config{Base: time.Second, Cap: 2 * time.Second, MaxAttempts: 10},
		Clock:     f.clk,
	}
	deps := Deps{Transport: f.tr, Records: f.recs, Tokens: staticToken("tok")}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	c, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.c = c
	t.Cleanup(c.Unmount)
	return f
}

func (f *fixture) mount() {
	f.t.Helper()
	if err := f.c.Mount(context.Background()); err != nil {
		f.t.Fatalf("Mount: %v", err)
	}
	eventually(f.t, "initial connect", func() bool { return f.tr.connectCount() == 1 })
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func drainNotices(c *Controller) []Notice {
	var out []Notice
	for {
		select {
		case n, ok := <-c.Notices():
			if !ok {
				return out
			}
			out = append(out, n)
		default:
			return out
		}
	}
}

func drainUpdates(c *Controller) {
	for {
		select {
		case _, ok := <-c.Updates():
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Test: End-to-end scenario
// ---------------------------------------------------------------------------

func TestController_Scenario(t *testing.T) {
	t1 := epoch.Add(-time.Hour)
	record := chat.Message{
		ID: "A", Origin: chat.OriginIntervention, Body: "Replaced the toner",
		AuthorID: "t9", AuthorRole: chat.RoleTechnician, AuthorName: "Tom", Timestamp: t1,
	}
	f := newFixture(t, []chat.Message{record}, nil)
	f.mount()
	f.tr.open()

	if st := f.c.ConnectionStatus().State; st != reconnect.StateConnected {
		t.Fatalf("state = %s, want connected", st)
	}

	// The relay echoes the same message.
	echo := record
	echo.Origin = chat.OriginLiveChat
	f.tr.push(transport.Event{Type: transport.EventMessage, Message: echo})
	f.tr.flush()
	if n := len(f.c.Timeline()); n != 1 {
		t.Fatalf("timeline length = %d after echo, want 1", n)
	}

	id, err := f.c.Submit(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	tl := f.c.Timeline()
	if len(tl) != 2 || tl[1].ID != id || tl[1].Status != chat.StatusSending {
		t.Fatalf("after submit: %+v", tl)
	}
	if sent := f.tr.sentMessages(); len(sent) != 1 || sent[0].ClientID != id {
		t.Fatalf("sent = %+v", sent)
	}

	f.tr.push(transport.Event{Type: transport.EventAck, ClientID: id, MessageID: "B", Timestamp: epoch})
	f.tr.flush()
	tl = f.c.Timeline()
	if len(tl) != 2 {
		t.Fatalf("timeline length = %d after ack, want 2", len(tl))
	}
	if tl[0].ID != "A" || tl[1].ID != "B" || tl[1].Status != chat.StatusSent {
		t.Fatalf("after ack: %+v", tl)
	}

	// Three consecutive failures: the open connection drops, then two
	// reconnect attempts fail before opening.
	var delays []time.Duration
	f.tr.drop(true)
	for i := 0; i < 3; i++ {
		s := f.c.ConnectionStatus()
		if s.State != reconnect.StateDisconnected {
			t.Fatalf("failure %d: state = %s, want disconnected", i+1, s.State)
		}
		delays = append(delays, s.NextDelay)
		if i == 2 {
			break
		}
		f.clk.Advance(s.NextDelay)
		want := i + 2
		eventually(t, "reconnect attempt", func() bool { return f.tr.connectCount() == want })
		f.tr.drop(false)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 2 * time.Second}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delays = %v, want %v", delays, want)
			break
		}
	}

	disconnects := 0
	for _, n := range drainNotices(f.c) {
		if n.Kind == NoticeDisconnected {
			disconnects++
		}
	}
	if disconnects != 1 {
		t.Errorf("disconnect notices = %d, want exactly 1", disconnects)
	}

	f.c.OnNavigateAway()
	if f.tr.closeReason != UnmountReason {
		t.Errorf("close reason = %q, want %q", f.tr.closeReason, UnmountReason)
	}
	if st := f.c.ConnectionStatus().State; st != reconnect.StateIdle {
		t.Errorf("state after unmount = %s, want idle", st)
	}
	if n := f.clk.Pending(); n != 0 {
		t.Errorf("%d timers still pending after unmount", n)
	}
	for range f.c.Updates() {
	}
	f.clk.Advance(time.Minute)
	if n := f.tr.connectCount(); n != 3 {
		t.Errorf("connect attempts after unmount = %d, want 3", n)
	}
}

// ---------------------------------------------------------------------------
// Test: Lifecycle
// ---------------------------------------------------------------------------

func TestController_MountLifecycle(t *testing.T) {
	f := newFixture(t, nil, nil)

	if _, err := f.c.Submit(context.Background(), "early", nil); !errors.Is(err, ErrNotMounted) {
		t.Errorf("Submit before mount: %v, want ErrNotMounted", err)
	}

	f.recs.set(nil, errors.New("api down"))
	if err := f.c.Mount(context.Background()); err == nil {
		t.Fatal("expected mount error when records fail")
	}
	if p := f.c.Status().Phase; p != PhaseNew {
		t.Errorf("phase after failed mount = %s, want new", p)
	}

	f.recs.set(nil, nil)
	f.mount()
	if p := f.c.Status().Phase; p != PhaseReady {
		t.Errorf("phase = %s, want ready", p)
	}
	if err := f.c.Mount(context.Background()); !errors.Is(err, ErrAlreadyMounted) {
		t.Errorf("second mount: %v, want ErrAlreadyMounted", err)
	}

	f.c.Unmount()
	f.c.Unmount()
	if err := f.c.Mount(context.Background()); !errors.Is(err, ErrNotMounted) {
		t.Errorf("mount after unmount: %v, want ErrNotMounted", err)
	}
	if err := f.c.NotifyTyping(true); !errors.Is(err, ErrNotMounted) {
		t.Errorf("NotifyTyping after unmount: %v", err)
	}
	for range f.c.Notices() {
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Error("expected error without ticket id")
	}
	if _, err := New(Config{TicketID: "1"}, Deps{}); err == nil {
		t.Error("expected error without collaborators")
	}
}

// ---------------------------------------------------------------------------
// Test: Filtering
// ---------------------------------------------------------------------------

func TestController_Views(t *testing.T) {
	bridge := messaging.NewMemoryBridge()
	bridge.Inbound("42", "sent from my phone")

	records := []chat.Message{
		{ID: "description:42", Origin: chat.OriginDescription, Body: "Printer offline", AuthorID: "u1", Timestamp: epoch.Add(-2 * time.Hour)},
		{ID: "intervention:1", Origin: chat.OriginIntervention, Body: "On site", AuthorID: "t9", Timestamp: epoch.Add(-time.Hour)},
	}
	f := newFixture(t, records, func(_ *Config, d *Deps) { d.Bridge = bridge })
	f.mount()
	f.tr.open()
	f.tr.push(transport.Event{Type: transport.EventMessage, Message: chat.Message{
		ID: "m1", Origin: chat.OriginLiveChat, Body: "Any update?", AuthorID: "u1", Timestamp: epoch,
	}})
	f.tr.flush()

	tests := []struct {
		filter Filter
		want   int
	}{
		{FilterAll, 4},
		{FilterInterventions, 2},
		{FilterBridged, 1},
		{FilterChat, 1},
	}
	for _, tc := range tests {
		if got := len(f.c.View(tc.filter)); got != tc.want {
			t.Errorf("View(%s) = %d messages, want %d", tc.filter, got, tc.want)
		}
	}
	if n := len(f.c.Timeline()); n != 4 {
		t.Errorf("filtering must not change the timeline, got %d", n)
	}
	if !f.c.Status().BridgeEnabled {
		t.Error("bridge should be enabled")
	}
}

func TestParseFilter(t *testing.T) {
	tests := map[string]Filter{
		"interventions": FilterInterventions,
		"bridged":       FilterBridged,
		"chat":          FilterChat,
		"all":           FilterAll,
		"":              FilterAll,
		"bogus":         FilterAll,
	}
	for in, want := range tests {
		if got := ParseFilter(in); got != want {
			t.Errorf("ParseFilter(%q) = %s, want %s", in, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Outbound
// ---------------------------------------------------------------------------

func TestController_SubmitWhileDisconnectedFails(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.mount()
	ctx := context.Background()

	id, err := f.c.Submit(ctx, "are you there?", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	tl := f.c.Timeline()
	if len(tl) != 1 || tl[0].Status != chat.StatusFailed {
		t.Fatalf("offline submit must fail immediately, got %+v", tl)
	}

	f.tr.open()
	if err := f.c.Retry(ctx, id); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	pending := f.c.Status().Pending
	if len(pending) != 1 || pending[0].AttemptCount != 2 || pending[0].Status != chat.StatusSending {
		t.Fatalf("pending after retry = %+v", pending)
	}
	if n := len(f.c.Timeline()); n != 1 {
		t.Errorf("retry must not add an entry, timeline has %d", n)
	}
	if err := f.c.Dismiss(ctx, id); !errors.Is(err, outbound.ErrNotRetryable) {
		t.Errorf("Dismiss while sending: %v, want ErrNotRetryable", err)
	}

	if err := f.c.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if n := len(f.c.Timeline()); n != 0 {
		t.Errorf("cancelled message still shown, timeline has %d", n)
	}
}

func TestController_SubmitValidation(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.mount()
	f.tr.open()
	ctx := context.Background()

	if _, err := f.c.Submit(ctx, "   ", nil); !errors.Is(err, chat.ErrEmptyMessage) {
		t.Errorf("empty: %v, want ErrEmptyMessage", err)
	}
	pdf := chat.Attachment{Name: "invoice.pdf", MimeType: "application/pdf", Size: 100}
	if _, err := f.c.Submit(ctx, "see attached", []chat.Attachment{pdf}); !errors.Is(err, chat.ErrNotImage) {
		t.Errorf("pdf: %v, want ErrNotImage", err)
	}
	huge := chat.Attachment{Name: "screen.png", MimeType: "image/png", Size: chat.DefaultMaxAttachmentSize + 1}
	if _, err := f.c.Submit(ctx, "", []chat.Attachment{huge}); !errors.Is(err, chat.ErrAttachmentTooLarge) {
		t.Errorf("huge: %v, want ErrAttachmentTooLarge", err)
	}
	if n := len(f.c.Timeline()); n != 0 {
		t.Errorf("rejected messages must not enter the timeline, got %d", n)
	}
	if n := len(f.tr.sentMessages()); n != 0 {
		t.Errorf("rejected messages must not reach the transport, got %d", n)
	}
}

func TestController_UploadsAttachments(t *testing.T) {
	uploads := &fakeUploads{}
	f := newFixture(t, nil, func(_ *Config, d *Deps) { d.Attachments = uploads })
	f.mount()
	f.tr.open()

	img := chat.Attachment{Name: "screen.png", MimeType: "image/png", Data: []byte("\x89PNG")}
	if _, err := f.c.Submit(context.Background(), "", []chat.Attachment{img}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	eventually(t, "upload and send", func() bool { return len(f.tr.sentMessages()) == 1 })
	sent := f.tr.sentMessages()
	if len(sent[0].Attachments) != 1 {
		t.Fatalf("sent = %+v", sent)
	}
	a := sent[0].Attachments[0]
	if a.Ref != "files/screen.png" || a.Data != nil || a.Size != 4 {
		t.Errorf("attachment not uploaded: %+v", a)
	}
}

func TestController_SubmitDoesNotWaitForUpload(t *testing.T) {
	uploads := &fakeUploads{gate: make(chan struct{})}
	f := newFixture(t, nil, func(_ *Config, d *Deps) { d.Attachments = uploads })
	f.mount()
	f.tr.open()

	img := chat.Attachment{Name: "screen.png", MimeType: "image/png", Data: []byte("\x89PNG")}
	done := make(chan string, 1)
	go func() {
		id, err := f.c.Submit(context.Background(), "printer error", []chat.Attachment{img})
		if err != nil {
			t.Errorf("Submit: %v", err)
		}
		done <- id
	}()

	var id string
	select {
	case id = <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on the attachment upload")
	}
	tl := f.c.Timeline()
	if len(tl) != 1 || tl[0].ID != id || tl[0].Status != chat.StatusSending {
		t.Fatalf("timeline during upload = %+v, want one sending entry", tl)
	}
	if n := len(f.tr.sentMessages()); n != 0 {
		t.Fatalf("message sent before its upload finished: %d", n)
	}

	uploads.gate <- struct{}{}
	eventually(t, "send after upload", func() bool { return len(f.tr.sentMessages()) == 1 })
	if got := f.tr.sentMessages()[0]; got.ClientID != id || got.Attachments[0].Ref != "files/screen.png" {
		t.Errorf("sent = %+v", got)
	}
}

func TestController_FailedUploadIsRetryable(t *testing.T) {
	uploads := &fakeUploads{}
	uploads.fail(errors.New("storage unavailable"))
	f := newFixture(t, nil, func(_ *Config, d *Deps) { d.Attachments = uploads })
	f.mount()
	f.tr.open()
	ctx := context.Background()

	img := chat.Attachment{Name: "screen.png", MimeType: "image/png", Data: []byte("\x89PNG")}
	id, err := f.c.Submit(ctx, "", []chat.Attachment{img})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	eventually(t, "upload failure", func() bool {
		p := f.c.Status().Pending
		return len(p) == 1 && p[0].Status == chat.StatusFailed
	})
	if tl := f.c.Timeline(); len(tl) != 1 || tl[0].Status != chat.StatusFailed {
		t.Fatalf("timeline = %+v, want one failed entry", tl)
	}
	if p := f.c.Status().Pending[0]; p.LastError == nil {
		t.Error("failed upload must keep its cause")
	}

	uploads.fail(nil)
	if err := f.c.Retry(ctx, id); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	eventually(t, "retried upload and send", func() bool { return len(f.tr.sentMessages()) == 1 })
	if uploads.count() != 1 {
		t.Errorf("uploads = %d, want 1", uploads.count())
	}
	p := f.c.Status().Pending
	if len(p) != 1 || p[0].AttemptCount != 2 || p[0].Status != chat.StatusSending {
		t.Errorf("pending after retry = %+v", p)
	}
	if n := len(f.c.Timeline()); n != 1 {
		t.Errorf("retry must not add an entry, timeline has %d", n)
	}
}

func TestController_EchoBeforeAck(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.mount()
	f.tr.open()

	id, err := f.c.Submit(context.Background(), "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	f.tr.push(transport.Event{Type: transport.EventMessage, Message: chat.Message{
		ID: "srv-1", ClientID: id, Origin: chat.OriginLiveChat, Body: "hello",
		AuthorID: self.ID, AuthorRole: self.Role, Timestamp: epoch.Add(time.Millisecond),
	}})
	f.tr.push(transport.Event{Type: transport.EventAck, ClientID: id, MessageID: "srv-1", Timestamp: epoch})
	f.tr.push(transport.Event{Type: transport.EventStatus, MessageID: "srv-1", Status: chat.StatusDelivered})
	f.tr.flush()

	tl := f.c.Timeline()
	if len(tl) != 1 {
		t.Fatalf("timeline = %+v, want one entry", tl)
	}
	if tl[0].ID != "srv-1" || tl[0].Status != chat.StatusDelivered {
		t.Errorf("entry = %+v", tl[0])
	}
	if n := len(f.c.Status().Pending); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestController_StatusEventsNeverRegress(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.mount()
	f.tr.open()

	id, err := f.c.Submit(context.Background(), "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	f.tr.push(transport.Event{Type: transport.EventAck, ClientID: id, MessageID: "srv-1", Timestamp: epoch})
	f.tr.push(transport.Event{Type: transport.EventStatus, MessageID: "srv-1", Status: chat.StatusDelivered})
	f.tr.push(transport.Event{Type: transport.EventStatus, MessageID: "srv-1", Status: chat.StatusSent})
	f.tr.push(transport.Event{Type: transport.EventStatus, MessageID: "srv-1", Status: "seen"})
	f.tr.push(transport.Event{Type: transport.EventStatus, MessageID: "srv-1", Status: chat.StatusFailed})
	f.tr.flush()

	tl := f.c.Timeline()
	if len(tl) != 1 || tl[0].Status != chat.StatusDelivered {
		t.Fatalf("timeline = %+v, want one delivered entry", tl)
	}
}

func TestController_RelayErrorFailsMessage(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.mount()
	f.tr.open()

	id, _ := f.c.Submit(context.Background(), "hello", nil)
	f.tr.push(transport.Event{Type: transport.EventError, ClientID: id, Code: "rate_limited", Err: errors.New("too many messages")})
	f.tr.flush()

	pending := f.c.Status().Pending
	if len(pending) != 1 || pending[0].Status != chat.StatusFailed {
		t.Fatalf("pending = %+v", pending)
	}
	var re *RelayError
	if !errors.As(pending[0].LastError, &re) || re.Code != "rate_limited" {
		t.Errorf("LastError = %v, want RelayError", pending[0].LastError)
	}
}

func TestController_DisconnectFailsPending(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.mount()
	f.tr.open()

	if _, err := f.c.Submit(context.Background(), "hello", nil); err != nil {
		t.Fatal(err)
	}
	f.tr.drop(true)

	pending := f.c.Status().Pending
	if len(pending) != 1 || !errors.Is(pending[0].LastError, outbound.ErrConnectionLost) {
		t.Errorf("pending = %+v", pending)
	}
}

// ---------------------------------------------------------------------------
// Test: Presence and typing
// ---------------------------------------------------------------------------

func TestController_PresenceAndTyping(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.mount()
	f.tr.open()

	tech := transport.Participant{ID: "t9", Name: "Tom", Role: chat.RoleTechnician}
	me := transport.Participant{ID: self.ID, Name: self.DisplayName, Role: self.Role}
	f.tr.push(transport.Event{Type: transport.EventPresenceOnline, Participant: me, Local: true})
	f.tr.push(transport.Event{Type: transport.EventPresenceOnline, Participant: tech})
	f.tr.push(transport.Event{Type: transport.EventPresenceOnline, Participant: me})
	f.tr.push(transport.Event{Type: transport.EventTyping, Participant: tech, IsTyping: true})
	f.tr.push(transport.Event{Type: transport.EventTyping, Participant: me, IsTyping: true})
	f.tr.flush()

	st := f.c.Status()
	if len(st.Online) != 2 {
		t.Errorf("online = %+v, want self once and Tom", st.Online)
	}
	if len(st.Typing) != 1 || st.Typing[0].ParticipantID != "t9" {
		t.Fatalf("typing = %+v, want only Tom", st.Typing)
	}

	drainUpdates(f.c)
	f.clk.Advance(presence.TypingTTL)
	select {
	case <-f.c.Updates():
	case <-time.After(2 * time.Second):
		t.Fatal("typing expiry did not refresh the view")
	}
	if typing := f.c.Status().Typing; len(typing) != 0 {
		t.Errorf("typing after expiry = %+v", typing)
	}

	f.tr.push(transport.Event{Type: transport.EventPresenceOffline, Participant: tech})
	f.tr.flush()
	if online := f.c.Status().Online; len(online) != 1 || online[0].ParticipantID != self.ID {
		t.Errorf("online after offline = %+v", online)
	}
}

func TestController_NotifyTypingThrottled(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.mount()
	f.tr.open()
	barrier := func() {
		t.Helper()
		if err := f.c.exec(context.Background(), func() {}); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 3; i++ {
		_ = f.c.NotifyTyping(true)
	}
	barrier()
	if got := f.tr.typingFrames(); len(got) != 1 || !got[0] {
		t.Fatalf("typing frames = %v, want one start", got)
	}

	f.clk.Advance(time.Second)
	_ = f.c.NotifyTyping(true)
	_ = f.c.NotifyTyping(false)
	_ = f.c.NotifyTyping(false)
	barrier()
	if got := f.tr.typingFrames(); len(got) != 3 || !got[1] || got[2] {
		t.Errorf("typing frames = %v, want [true true false]", got)
	}
}

// ---------------------------------------------------------------------------
// Test: Failure handling
// ---------------------------------------------------------------------------

func TestController_AuthErrorIsNotRetried(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.mount()
	f.tr.open()

	f.tr.push(transport.Event{Type: transport.EventAuthError, Err: errors.New("token expired")})
	f.tr.flush()

	st := f.c.Status()
	if st.Notice == nil || st.Notice.Kind != NoticeAuth || !st.Notice.Persistent {
		t.Fatalf("notice = %+v, want persistent auth notice", st.Notice)
	}
	if st.Connection.State != reconnect.StateIdle {
		t.Errorf("state = %s, want idle", st.Connection.State)
	}
	f.clk.Advance(time.Minute)
	if n := f.tr.connectCount(); n != 1 {
		t.Errorf("auth failure was retried: %d connects", n)
	}

	f.tr.mu.Lock()
	f.tr.connected = false
	f.tr.mu.Unlock()
	if err := f.c.Reconnect(); err != nil {
		t.Fatal(err)
	}
	eventually(t, "explicit reconnect", func() bool { return f.tr.connectCount() == 2 })
	if n := f.c.Status().Notice; n != nil {
		t.Errorf("notice not cleared by reconnect: %+v", n)
	}
}

func TestController_RetriesExhausted(t *testing.T) {
	f := newFixture(t, nil, func(c *Config, _ *Deps) { c.Reconnect.MaxAttempts = 2 })
	f.mount()
	f.tr.open()

	f.tr.drop(true)
	for i := 0; i < 2; i++ {
		f.clk.Advance(f.c.ConnectionStatus().NextDelay)
		want := i + 2
		eventually(t, "retry", func() bool { return f.tr.connectCount() == want })
		f.tr.drop(false)
	}

	st := f.c.Status()
	if st.Connection.State != reconnect.StateFailed {
		t.Fatalf("state = %s, want failed", st.Connection.State)
	}
	if st.Notice == nil || st.Notice.Kind != NoticeConnectionFailed {
		t.Errorf("notice = %+v, want connection failed", st.Notice)
	}
	f.clk.Advance(time.Hour)
	if n := f.tr.connectCount(); n != 3 {
		t.Errorf("connects after failure = %d, want 3", n)
	}

	_ = f.c.Reconnect()
	eventually(t, "manual reconnect", func() bool { return f.tr.connectCount() == 4 })
	if st := f.c.ConnectionStatus().State; st != reconnect.StateConnecting {
		t.Errorf("state = %s, want connecting", st)
	}
}

// ---------------------------------------------------------------------------
// Test: Polling and the bridge
// ---------------------------------------------------------------------------

func TestController_PollMergesNewRecords(t *testing.T) {
	first := chat.Message{ID: "intervention:1", Origin: chat.OriginIntervention, Body: "On site", AuthorID: "t9", Timestamp: epoch.Add(-time.Hour)}
	f := newFixture(t, []chat.Message{first}, func(c *Config, _ *Deps) { c.PollInterval = 10 * time.Second })
	f.mount()

	second := chat.Message{ID: "intervention:2", Origin: chat.OriginIntervention, Body: "Fixed", AuthorID: "t9", Timestamp: epoch.Add(-time.Minute)}
	f.recs.set([]chat.Message{first, second}, nil)
	f.clk.Advance(10 * time.Second)

	eventually(t, "polled record", func() bool { return len(f.c.Timeline()) == 2 })
	if tl := f.c.Timeline(); tl[1].ID != "intervention:2" {
		t.Errorf("timeline = %+v", tl)
	}
}

func TestController_SendBridged(t *testing.T) {
	bridge := messaging.NewMemoryBridge()
	f := newFixture(t, nil, func(_ *Config, d *Deps) { d.Bridge = bridge })
	f.mount()

	if err := f.c.SendBridged(context.Background(), "  "); !errors.Is(err, chat.ErrEmptyMessage) {
		t.Errorf("empty bridged send: %v", err)
	}
	if err := f.c.SendBridged(context.Background(), "Can you call me?"); err != nil {
		t.Fatalf("SendBridged: %v", err)
	}
	view := f.c.View(FilterBridged)
	if len(view) != 1 || view[0].Body != "Can you call me?" || view[0].Origin != chat.OriginBridged {
		t.Errorf("bridged view = %+v", view)
	}
}

func TestController_SendBridgedDisabled(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.mount()
	if err := f.c.SendBridged(context.Background(), "hi"); !errors.Is(err, ErrBridgeDisabled) {
		t.Errorf("err = %v, want ErrBridgeDisabled", err)
	}
}
