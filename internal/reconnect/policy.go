// Package reconnect decides when a dropped ticket connection is retried.
//
// The Policy is an explicit state machine:
//
//	Idle -> Connecting -> Connected
//	Connected|Connecting -> Disconnected -> Connecting   (retry after backoff)
//	Disconnected -> Failed                                (attempts exhausted)
//
// Exactly one retry timer is pending at any time; scheduling a new one
// always cancels the previous one.
package reconnect

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helpdesk/ticketchat/internal/clock"
	"github.com/helpdesk/ticketchat/internal/metrics"
)

// State is the policy's view of the connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config holds backoff tuning.
type Config struct {
	Base        time.Duration // first retry delay (default: 1s)
	Cap         time.Duration // upper bound for any delay (default: 30s)
	MaxAttempts int           // retries before giving up (default: 10)

	Clock  clock.Clock
	Logger *zap.Logger
}

// DefaultConfig returns the production backoff settings.
func DefaultConfig() Config {
	return Config{
		Base:        time.Second,
		Cap:         30 * time.Second,
		MaxAttempts: 10,
	}
}

// Decision is the outcome of reporting a closure.
type Decision struct {
	Retry    bool
	Delay    time.Duration
	Attempt  int  // attempt number the scheduled retry will be
	Terminal bool // attempts exhausted; no further automatic retries
}

// Snapshot is a read-only view for status banners and metrics.
type Snapshot struct {
	State     State
	Attempt   int
	NextDelay time.Duration
	NextRetry time.Time // zero unless a retry is pending
}

// Policy is safe for concurrent use. The retry callback runs without the
// policy lock held.
type Policy struct {
	mu      sync.Mutex
	cfg     Config
	state   State
	attempt int
	timer   clock.Timer
	gen     uint64
	delay   time.Duration
	nextAt  time.Time
	onRetry func()
}

// New returns an idle Policy. onRetry is invoked each time a scheduled
// retry fires; it should start a new connection attempt.
func New(cfg Config, onRetry func()) *Policy {
	def := DefaultConfig()
	if cfg.Base <= 0 {
		cfg.Base = def.Base
	}
	if cfg.Cap <= 0 {
		cfg.Cap = def.Cap
	}
	if cfg.Cap < cfg.Base {
		cfg.Cap = cfg.Base
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Policy{cfg: cfg, onRetry: onRetry}
}

// Delay returns min(Base * 2^attempt, Cap).
func (p *Policy) Delay(attempt int) time.Duration {
	d := p.cfg.Base
	for i := 0; i < attempt && d < p.cfg.Cap; i++ {
		d *= 2
	}
	if d > p.cfg.Cap {
		d = p.cfg.Cap
	}
	return d
}

// OnConnecting records that a connection attempt is in flight. An
// explicit connect from Idle starts a fresh attempt budget.
func (p *Policy) OnConnecting() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateFailed {
		return
	}
	if p.state == StateIdle {
		p.attempt = 0
	}
	p.cancelLocked()
	p.state = StateConnecting
}

// OnConnected resets the attempt counter after a successful open.
func (p *Policy) OnConnected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelLocked()
	p.state = StateConnected
	p.attempt = 0
	p.delay = 0
}

// OnClosed reports a closure. A normal closure moves to Idle and never
// retries. An abnormal closure, including a dial that failed before the
// connection opened, consumes one attempt and schedules the retry, or
// moves to Failed once MaxAttempts retries have been used.
func (p *Policy) OnClosed(normal bool) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	if normal {
		p.cancelLocked()
		p.state = StateIdle
		p.attempt = 0
		p.delay = 0
		return Decision{}
	}

	switch p.state {
	case StateIdle, StateFailed:
		return Decision{Terminal: p.state == StateFailed}
	}

	if p.attempt >= p.cfg.MaxAttempts {
		p.cancelLocked()
		p.state = StateFailed
		p.delay = 0
		metrics.ReconnectAttempts.WithLabelValues("exhausted").Inc()
		p.cfg.Logger.Warn("reconnect_exhausted", zap.Int("attempts", p.attempt))
		return Decision{Terminal: true, Attempt: p.attempt}
	}

	delay := p.Delay(p.attempt)
	p.attempt++
	p.state = StateDisconnected
	p.delay = delay
	p.scheduleLocked(delay)
	p.nextAt = p.cfg.Clock.Now().Add(delay)

	metrics.ReconnectAttempts.WithLabelValues("scheduled").Inc()
	p.cfg.Logger.Info("reconnect_scheduled",
		zap.Int("attempt", p.attempt),
		zap.Duration("delay", delay))
	return Decision{Retry: true, Delay: delay, Attempt: p.attempt}
}

// Stop cancels any pending retry and returns to Idle. Called on unmount.
func (p *Policy) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelLocked()
	p.state = StateIdle
	p.attempt = 0
	p.delay = 0
}

// Reset clears a terminal failure so an explicit user action can start
// over with a full attempt budget.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelLocked()
	p.state = StateIdle
	p.attempt = 0
	p.delay = 0
}

// Snapshot returns the current state.
func (p *Policy) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Snapshot{State: p.state, Attempt: p.attempt, NextDelay: p.delay}
	if p.state == StateDisconnected && p.timer != nil {
		s.NextRetry = p.nextAt
	}
	return s
}

// State returns the current state.
func (p *Policy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Policy) scheduleLocked(delay time.Duration) {
	p.cancelLocked()
	gen := p.gen
	p.timer = p.cfg.Clock.AfterFunc(delay, func() { p.fire(gen) })
}

func (p *Policy) fire(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || p.state != StateDisconnected {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	p.state = StateConnecting
	cb := p.onRetry
	p.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// cancelLocked stops the pending timer and invalidates any callback that
// already started racing for the lock.
func (p *Policy) cancelLocked() {
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.nextAt = time.Time{}
}
