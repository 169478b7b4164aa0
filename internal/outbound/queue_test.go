package outbound

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/helpdesk/ticketchat/internal/chat"
	"github.com/helpdesk/ticketchat/internal/clock"
)

type fakeSender struct {
	connected bool
	err       error
	sent      []chat.Message
}

func (f *fakeSender) Connected() bool { return f.connected }

func (f *fakeSender) Send(msg chat.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newQueue(connected bool) (*Queue, *chat.Reconciler, *fakeSender, *clock.FakeClock) {
	clk := clock.Fake(epoch)
	rec := chat.NewReconciler()
	snd := &fakeSender{connected: connected}
	n := 0
	q := New(Config{
		Author: Author{ID: "me", Role: chat.RoleClient, Name: "Me"},
		Clock:  clk,
		NewID: func() string {
			n++
			return fmt.Sprintf("%sp%d", ProvisionalPrefix, n)
		},
	}, rec, snd)
	return q, rec, snd, clk
}

func TestSubmitIsOptimistic(t *testing.T) {
	q, rec, snd, _ := newQueue(true)

	id, err := q.Submit("hello", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "temp_p1" {
		t.Fatalf("unexpected provisional id %q", id)
	}
	m, ok := rec.Get(id)
	if !ok || m.Status != chat.StatusSending {
		t.Fatalf("expected sending entry in timeline, got %+v (found=%v)", m, ok)
	}
	if m.AuthorID != "me" || m.Origin != chat.OriginLiveChat {
		t.Errorf("unexpected author/origin %+v", m)
	}
	if len(snd.sent) != 1 || snd.sent[0].ClientID != id {
		t.Fatalf("expected message handed to sender, got %+v", snd.sent)
	}
}

func TestSubmitWhileDisconnectedFailsImmediately(t *testing.T) {
	q, rec, snd, _ := newQueue(false)

	id, err := q.Submit("anyone there?", nil)
	if err != nil {
		t.Fatalf("delivery failure must not be a submit error: %v", err)
	}
	if m, _ := rec.Get(id); m.Status != chat.StatusFailed {
		t.Fatalf("expected failed, got %q", m.Status)
	}
	p, _ := q.Get(id)
	if !errors.Is(p.LastError, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", p.LastError)
	}
	if len(snd.sent) != 0 {
		t.Error("nothing should reach the sender while disconnected")
	}
}

func TestValidationRejectsWithoutEntry(t *testing.T) {
	q, rec, snd, _ := newQueue(true)

	_, err := q.Submit("log attached", []chat.Attachment{{Name: "syslog.txt", Size: 10, MimeType: "text/plain"}})
	if !errors.Is(err, chat.ErrNotImage) {
		t.Fatalf("expected ErrNotImage, got %v", err)
	}
	_, err = q.Submit("", []chat.Attachment{{Name: "huge.png", Size: 50 << 20, MimeType: "image/png"}})
	if !errors.Is(err, chat.ErrAttachmentTooLarge) {
		t.Fatalf("expected ErrAttachmentTooLarge, got %v", err)
	}
	if rec.Len() != 0 || len(snd.sent) != 0 || len(q.Pending()) != 0 {
		t.Error("rejected submissions must not touch timeline, sender, or queue")
	}
}

func TestAckMovesToSentAndRekeys(t *testing.T) {
	q, rec, _, clk := newQueue(true)
	id, _ := q.Submit("hello", nil)

	clk.Advance(120 * time.Millisecond)
	if !q.Ack(id, "B", epoch.Add(100*time.Millisecond)) {
		t.Fatal("expected ack to match")
	}
	tl := rec.Timeline()
	if len(tl) != 1 || tl[0].ID != "B" || tl[0].Status != chat.StatusSent {
		t.Fatalf("expected single sent entry B, got %+v", tl)
	}
	if len(q.Pending()) != 0 {
		t.Error("acknowledged message should leave the queue")
	}
	if q.Ack(id, "B", time.Time{}) {
		t.Error("duplicate ack should not match")
	}
}

func TestRetryKeepsProvisionalID(t *testing.T) {
	q, rec, snd, _ := newQueue(true)
	snd.err = errors.New("write: broken pipe")

	id, _ := q.Submit("retry me", nil)
	if m, _ := rec.Get(id); m.Status != chat.StatusFailed {
		t.Fatalf("expected failed after send error, got %q", m.Status)
	}

	snd.err = nil
	if err := q.Retry(id); err != nil {
		t.Fatalf("retry: %v", err)
	}
	p, _ := q.Get(id)
	if p.AttemptCount != 2 || p.Status != chat.StatusSending {
		t.Fatalf("unexpected pending state %+v", p)
	}
	if rec.Len() != 1 {
		t.Fatalf("retry must not create a new entry, timeline has %d", rec.Len())
	}
	if snd.sent[0].ClientID != id {
		t.Errorf("retry used a different id %q", snd.sent[0].ClientID)
	}
	if err := q.Retry(id); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("retrying a sending message should fail, got %v", err)
	}
}

func TestCancelOnlyWhileSending(t *testing.T) {
	q, rec, snd, _ := newQueue(true)
	id, _ := q.Submit("never mind", nil)

	if err := q.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if rec.Len() != 0 {
		t.Fatal("cancelled message should leave the timeline")
	}
	if err := q.Cancel(id); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("expected ErrUnknownMessage, got %v", err)
	}

	snd.connected = false
	failed, _ := q.Submit("offline", nil)
	if err := q.Cancel(failed); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("cancelling a failed message should be refused, got %v", err)
	}
}

func TestAckAfterCancelRestoresMessage(t *testing.T) {
	q, rec, _, _ := newQueue(true)
	id, _ := q.Submit("too late", nil)
	_ = q.Cancel(id)

	if !q.Ack(id, "D", epoch) {
		t.Fatal("ack for a cancelled message should still be consumed")
	}
	m, ok := rec.Get("D")
	if !ok || m.Status != chat.StatusSent || m.Body != "too late" {
		t.Fatalf("expected delivered message restored, got %+v", m)
	}
}

func TestFailAllAndDismiss(t *testing.T) {
	q, rec, _, _ := newQueue(true)
	a, _ := q.Submit("one", nil)
	b, _ := q.Submit("two", nil)

	failed := q.FailAll(ErrConnectionLost)
	if len(failed) != 2 || failed[0] != a || failed[1] != b {
		t.Fatalf("expected [%s %s] failed, got %v", a, b, failed)
	}
	for _, m := range rec.Timeline() {
		if m.Status != chat.StatusFailed {
			t.Errorf("%s: expected failed, got %q", m.ID, m.Status)
		}
	}

	if err := q.Dismiss(a); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if rec.Len() != 1 || len(q.Pending()) != 1 {
		t.Fatalf("expected one remaining message, timeline=%d pending=%d", rec.Len(), len(q.Pending()))
	}
}

func TestFailOnlyAffectsNamedMessage(t *testing.T) {
	q, rec, _, _ := newQueue(true)
	a, _ := q.Submit("one", nil)
	b, _ := q.Submit("two", nil)

	if !q.Fail(a, errors.New("rejected by relay")) {
		t.Fatal("expected fail to apply")
	}
	if m, _ := rec.Get(b); m.Status != chat.StatusSending {
		t.Errorf("other pending message changed to %q", m.Status)
	}
	if q.Fail(a, errors.New("again")) {
		t.Error("failing an already failed message should report false")
	}
}

func TestHoldShowsEntryBeforeRelease(t *testing.T) {
	q, rec, snd, _ := newQueue(true)
	img := chat.Attachment{Name: "screen.png", MimeType: "image/png", Data: []byte("png")}

	id, err := q.Hold("see screenshot", []chat.Attachment{img})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if m, ok := rec.Get(id); !ok || m.Status != chat.StatusSending {
		t.Fatalf("expected sending entry while held, got %+v (found=%v)", m, ok)
	}
	if len(snd.sent) != 0 {
		t.Fatalf("held message reached the sender: %+v", snd.sent)
	}

	uploaded := []chat.Attachment{{Name: "screen.png", MimeType: "image/png", Size: 3, Ref: "files/screen.png"}}
	if !q.Release(id, uploaded) {
		t.Fatal("release should send the held message")
	}
	if len(snd.sent) != 1 || snd.sent[0].Attachments[0].Ref != "files/screen.png" {
		t.Fatalf("expected released message with uploaded ref, got %+v", snd.sent)
	}
	if q.Release(id, uploaded) {
		t.Error("second release must not send again")
	}
}

func TestReleaseAfterFailureKeepsAttachments(t *testing.T) {
	q, _, snd, _ := newQueue(true)
	img := chat.Attachment{Name: "a.png", MimeType: "image/png", Data: []byte("x")}

	id, _ := q.Hold("", []chat.Attachment{img})
	q.FailAll(ErrConnectionLost)

	uploaded := []chat.Attachment{{Name: "a.png", MimeType: "image/png", Size: 1, Ref: "files/a.png"}}
	if q.Release(id, uploaded) {
		t.Fatal("a failed message must not be sent on release")
	}
	if len(snd.sent) != 0 {
		t.Fatalf("sender got %+v", snd.sent)
	}

	if err := q.Retry(id); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(snd.sent) != 1 || snd.sent[0].Attachments[0].Ref != "files/a.png" {
		t.Fatalf("retry should reuse the uploaded attachment, got %+v", snd.sent)
	}
}

func TestRetryHeldWaitsForRelease(t *testing.T) {
	q, rec, snd, _ := newQueue(true)
	img := chat.Attachment{Name: "a.png", MimeType: "image/png", Data: []byte("x")}

	id, _ := q.Hold("", []chat.Attachment{img})
	q.Fail(id, errors.New("upload: 503"))
	if m, _ := rec.Get(id); m.Status != chat.StatusFailed {
		t.Fatalf("expected failed, got %q", m.Status)
	}

	if err := q.RetryHeld(id); err != nil {
		t.Fatalf("retry held: %v", err)
	}
	p, _ := q.Get(id)
	if !p.Held || p.Status != chat.StatusSending || p.AttemptCount != 2 {
		t.Fatalf("unexpected pending state %+v", p)
	}
	if len(snd.sent) != 0 {
		t.Fatal("held retry must wait for release")
	}
	if !q.Release(id, []chat.Attachment{{Name: "a.png", MimeType: "image/png", Ref: "files/a.png"}}) {
		t.Fatal("release after held retry should send")
	}
}
