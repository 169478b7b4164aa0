// Package clock abstracts the time operations used by the conversation
// core so that reconnect backoff, typing expiry, and record polling can be
// driven deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package the core depends on.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine (real) or synchronously
	// during Advance (fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer

	// NewTicker delivers ticks on C() every d. Panics if d <= 0.
	NewTicker(d time.Duration) Ticker
}

// Timer is a cancellable pending call created by AfterFunc.
type Timer interface {
	// Stop reports whether the call was prevented from firing.
	Stop() bool
}

// Ticker is a periodic tick source.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }
