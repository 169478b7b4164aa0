package reconnect

import (
	"testing"
	"time"

	"github.com/helpdesk/ticketchat/internal/clock"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newPolicy(base, cap time.Duration, max int) (*Policy, *clock.FakeClock, *int) {
	clk := clock.Fake(epoch)
	retries := 0
	p := New(Config{Base: base, Cap: cap, MaxAttempts: max, Clock: clk}, func() { retries++ })
	return p, clk, &retries
}

func TestDelay(t *testing.T) {
	p, _, _ := newPolicy(time.Second, 30*time.Second, 10)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{9, 30 * time.Second},
		{200, 30 * time.Second},
	}
	for _, tc := range tests {
		if got := p.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d): expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}

func TestBackoffMonotonicUntilExhausted(t *testing.T) {
	p, clk, retries := newPolicy(time.Second, 30*time.Second, 10)
	p.OnConnecting()
	p.OnConnected()

	var prev time.Duration
	for i := 0; i < 10; i++ {
		d := p.OnClosed(false)
		if !d.Retry {
			t.Fatalf("closure %d: expected a retry, got %+v", i, d)
		}
		if d.Delay < prev {
			t.Fatalf("closure %d: delay decreased from %v to %v", i, prev, d.Delay)
		}
		prev = d.Delay
		clk.Advance(d.Delay)
		if p.State() != StateConnecting {
			t.Fatalf("closure %d: expected connecting after delay, got %v", i, p.State())
		}
	}
	if *retries != 10 {
		t.Fatalf("expected 10 retries, got %d", *retries)
	}

	d := p.OnClosed(false)
	if d.Retry || !d.Terminal || d.Delay != 0 {
		t.Fatalf("expected terminal decision without delay, got %+v", d)
	}
	if p.State() != StateFailed {
		t.Fatalf("expected failed, got %v", p.State())
	}

	// Failed is terminal: further closures and connecting reports do nothing.
	if d := p.OnClosed(false); d.Retry {
		t.Error("failed policy must not retry")
	}
	p.OnConnecting()
	if p.State() != StateFailed {
		t.Error("failed policy must require an explicit reset")
	}
	clk.Advance(time.Hour)
	if *retries != 10 {
		t.Errorf("unexpected retry after failure, total %d", *retries)
	}
}

func TestScenarioDelaysCapped(t *testing.T) {
	p, clk, _ := newPolicy(time.Second, 2*time.Second, 10)
	p.OnConnecting()
	p.OnConnected()

	var delays []time.Duration
	for i := 0; i < 3; i++ {
		d := p.OnClosed(false)
		delays = append(delays, d.Delay)
		clk.Advance(d.Delay)
	}
	if delays[0] != time.Second || delays[1] != 2*time.Second || delays[2] != 2*time.Second {
		t.Fatalf("expected [1s 2s 2s], got %v", delays)
	}
}

func TestNormalClosureNeverRetries(t *testing.T) {
	p, clk, retries := newPolicy(time.Second, 30*time.Second, 10)
	p.OnConnecting()
	p.OnConnected()

	if d := p.OnClosed(true); d.Retry {
		t.Fatalf("normal closure scheduled a retry: %+v", d)
	}
	clk.Advance(time.Minute)
	if *retries != 0 || p.State() != StateIdle {
		t.Fatalf("expected idle with no retries, got %v / %d", p.State(), *retries)
	}
}

func TestStopCancelsPendingRetry(t *testing.T) {
	p, clk, retries := newPolicy(time.Second, 30*time.Second, 10)
	p.OnConnecting()
	p.OnClosed(false)
	if clk.Pending() != 1 {
		t.Fatalf("expected one pending timer, got %d", clk.Pending())
	}

	p.Stop()
	if clk.Pending() != 0 {
		t.Fatalf("expected timer cancelled, got %d pending", clk.Pending())
	}
	clk.Advance(time.Minute)
	if *retries != 0 {
		t.Errorf("retry fired after Stop")
	}
}

func TestSingleTimerAtATime(t *testing.T) {
	p, clk, retries := newPolicy(time.Second, 30*time.Second, 10)
	p.OnConnecting()
	p.OnClosed(false)
	// A connect attempt that fails before the first retry fires replaces
	// the pending timer instead of adding a second one.
	p.OnConnecting()
	p.OnClosed(false)

	if clk.Pending() != 1 {
		t.Fatalf("expected exactly one pending timer, got %d", clk.Pending())
	}
	clk.Advance(time.Minute)
	if *retries != 1 {
		t.Fatalf("expected one retry, got %d", *retries)
	}
}

func TestDialFailureConsumesAttempt(t *testing.T) {
	p, clk, _ := newPolicy(time.Second, 30*time.Second, 3)
	p.OnConnecting()
	for i := 0; i < 3; i++ {
		d := p.OnClosed(false)
		if d.Attempt != i+1 {
			t.Fatalf("expected attempt %d, got %d", i+1, d.Attempt)
		}
		clk.Advance(d.Delay)
	}
	if d := p.OnClosed(false); !d.Terminal {
		t.Fatalf("expected terminal after 3 failed dials, got %+v", d)
	}
}

func TestResetAfterFailure(t *testing.T) {
	p, _, _ := newPolicy(time.Second, 30*time.Second, 1)
	p.OnConnecting()
	p.OnClosed(false)
	p.OnConnecting()
	p.OnClosed(false)
	if p.State() != StateFailed {
		t.Fatalf("expected failed, got %v", p.State())
	}

	p.Reset()
	p.OnConnecting()
	if s := p.Snapshot(); s.State != StateConnecting || s.Attempt != 0 {
		t.Fatalf("expected fresh connecting state, got %+v", s)
	}
}

func TestSnapshotReportsNextRetry(t *testing.T) {
	p, _, _ := newPolicy(time.Second, 30*time.Second, 10)
	p.OnConnecting()
	p.OnClosed(false)

	s := p.Snapshot()
	if s.State != StateDisconnected || s.Attempt != 1 || s.NextDelay != time.Second {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	if !s.NextRetry.Equal(epoch.Add(time.Second)) {
		t.Errorf("expected next retry at %v, got %v", epoch.Add(time.Second), s.NextRetry)
	}
}
