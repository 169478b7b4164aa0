// Package transport owns the single live WebSocket connection of one
// ticket conversation.
//
// A Transport never retries on its own. Unexpected closures are reported
// as EventClosed on the event stream and the owner decides, through the
// reconnection policy, whether to call Connect again. All events for the
// lifetime of a Transport are delivered on one channel, which is closed
// when Close returns.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/helpdesk/ticketchat/internal/chat"
	"github.com/helpdesk/ticketchat/internal/metrics"
	"github.com/helpdesk/ticketchat/internal/protocol"
)

var (
	ErrNotConnected         = errors.New("transport: not connected")
	ErrClosed               = errors.New("transport: closed")
	ErrConversationMismatch = errors.New("transport: bound to a different conversation")
)

// State is the connection state read by the controller to gate sending.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
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
	default:
		return "unknown"
	}
}

// Config holds transport settings.
type Config struct {
	BaseURL      string        // relay base, e.g. ws://localhost:8080
	Self         Participant   // local user, announced on open
	DialTimeout  time.Duration // handshake timeout (default: 10s)
	WriteTimeout time.Duration // per-frame write timeout (default: 10s)
	Heartbeat    HeartbeatConfig
	EventBuffer  int // event channel capacity (default: 256)
	Logger       *zap.Logger
}

// DefaultConfig returns transport defaults for the given relay.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:      baseURL,
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Heartbeat:    DefaultHeartbeatConfig(),
		EventBuffer:  256,
	}
}

// Transport is safe for concurrent use.
type Transport struct {
	cfg Config

	mu             sync.Mutex
	state          State
	conversationID string
	conn           *connection
	stopConn       chan struct{}
	cancelDial     context.CancelFunc
	gen            uint64
	disposed       bool
	noticeSent     bool

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// New returns an idle Transport. Call Close to dispose it.
func New(cfg Config) *Transport {
	def := DefaultConfig(cfg.BaseURL)
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.Heartbeat.Interval <= 0 {
		cfg.Heartbeat.Interval = def.Heartbeat.Interval
	}
	if cfg.Heartbeat.Timeout <= 0 {
		cfg.Heartbeat.Timeout = def.Heartbeat.Timeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Transport{
		cfg:    cfg,
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),
	}
}

// Events returns the event stream. It is closed once Close has returned.
func (t *Transport) Events() <-chan Event {
	return t.events
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connected reports whether frames can be sent.
func (t *Transport) Connected() bool {
	return t.State() == StateConnected
}

// Connect starts opening the connection for conversationID and returns
// without waiting for the handshake. It is a no-op while already
// connecting or connected. A Transport serves exactly one conversation.
func (t *Transport) Connect(ctx context.Context, conversationID, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disposed {
		return ErrClosed
	}
	if t.conversationID != "" && t.conversationID != conversationID {
		return fmt.Errorf("%w: %s", ErrConversationMismatch, t.conversationID)
	}
	if t.state == StateConnecting || t.state == StateConnected {
		return nil
	}

	target, err := BuildURL(t.cfg.BaseURL, conversationID, token)
	if err != nil {
		return err
	}

	t.conversationID = conversationID
	t.setStateLocked(StateConnecting)
	t.gen++
	gen := t.gen

	dctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	t.cancelDial = cancel

	t.wg.Add(1)
	go t.run(dctx, cancel, gen, target, token)
	return nil
}

// Send encodes payload under msgType and writes it. It returns
// ErrNotConnected instead of buffering when there is no open connection.
func (t *Transport) Send(msgType string, payload interface{}) error {
	t.mu.Lock()
	c := t.conn
	connected := t.state == StateConnected
	t.mu.Unlock()

	if !connected || c == nil {
		return ErrNotConnected
	}
	data, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	if err := c.writeText(data); err != nil {
		return fmt.Errorf("transport: write %s: %w", msgType, err)
	}
	return nil
}

// SendChat sends an outbound chat message.
func (t *Transport) SendChat(msg chat.Message) error {
	return t.Send(protocol.TypeChat, protocol.NewChatMsg(msg))
}

// SendTyping reports the local user's typing state.
func (t *Transport) SendTyping(isTyping bool) error {
	return t.Send(protocol.TypeTyping, protocol.TypingMsg{IsTyping: isTyping})
}

// Close sends a normal closure carrying reason, stops every goroutine, and
// closes the event stream. The transport cannot be reused afterwards.
// Close never produces EventClosed, so no retry follows it.
func (t *Transport) Close(reason string) {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.disposed = true
	t.gen++
	c := t.conn
	t.conn = nil
	if t.stopConn != nil {
		close(t.stopConn)
		t.stopConn = nil
	}
	if t.cancelDial != nil {
		t.cancelDial()
		t.cancelDial = nil
	}
	t.setStateLocked(StateIdle)
	conversationID := t.conversationID
	t.mu.Unlock()

	if c != nil {
		if err := c.writeClose(ws.StatusNormalClosure, reason); err != nil {
			t.cfg.Logger.Debug("close_frame_failed", zap.String("ticket", conversationID), zap.Error(err))
		}
		_ = c.close()
	}

	close(t.done)
	t.wg.Wait()
	close(t.events)

	t.cfg.Logger.Info("transport_closed", zap.String("ticket", conversationID), zap.String("reason", reason))
}

// BuildURL returns the relay endpoint for a ticket. http(s) bases are
// mapped to ws(s).
func BuildURL(base, conversationID, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("transport: invalid base url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	u.Path = u.Path + "/ws/ticket/" + url.PathEscape(conversationID) + "/chat/"
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *Transport) run(ctx context.Context, cancel context.CancelFunc, gen uint64, target, token string) {
	defer t.wg.Done()
	defer cancel()

	dialer := ws.Dialer{Timeout: t.cfg.DialTimeout}
	if token != "" {
		dialer.Header = ws.HandshakeHeaderHTTP(http.Header{"Authorization": []string{"Bearer " + token}})
	}

	conn, br, _, err := dialer.Dial(ctx, target)
	if err != nil {
		t.onDialError(gen, err)
		return
	}

	c := newConnection(conn, br, t.cfg.WriteTimeout)
	stop := make(chan struct{})

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.setStateLocked(StateConnected)
	t.conn = c
	t.stopConn = stop
	t.cancelDial = nil
	t.noticeSent = false
	conversationID := t.conversationID
	t.mu.Unlock()

	t.cfg.Logger.Info("transport_open", zap.String("ticket", conversationID))
	t.emit(Event{Type: EventOpen})
	t.emit(Event{Type: EventPresenceOnline, Participant: t.cfg.Self, Local: true})
	if err := t.Send(protocol.TypeUserOnline, protocol.UserOnlineMsg{}); err != nil {
		t.cfg.Logger.Warn("announce_failed", zap.String("ticket", conversationID), zap.Error(err))
	}

	t.wg.Add(1)
	go t.heartbeat(c, stop)

	t.readLoop(gen, c, stop)
}

// readLoop reads frames until the connection fails, then reports the
// closure unless it was superseded by Close.
func (t *Transport) readLoop(gen uint64, c *connection, stop chan struct{}) {
	var (
		readErr    error
		authFailed bool
	)
	for {
		c.setReadDeadline(t.cfg.Heartbeat.readWindow())
		data, op, err := wsutil.ReadServerData(c)
		if err != nil {
			readErr = err
			break
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		if t.dispatch(data) {
			authFailed = true
			readErr = errAuthFrame
			break
		}
	}

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.setStateLocked(StateDisconnected)
	t.conn = nil
	if t.stopConn == stop {
		close(stop)
		t.stopConn = nil
	}
	notice := !t.noticeSent
	t.noticeSent = true
	conversationID := t.conversationID
	t.mu.Unlock()

	_ = c.close()

	if authFailed {
		return
	}

	info := CloseInfo{Opened: true, Notice: notice, Reason: readErr.Error()}
	if isTimeout(readErr) {
		info.Reason = "heartbeat timeout"
	}
	var closed wsutil.ClosedError
	if errors.As(readErr, &closed) {
		info.Code = int(closed.Code)
		info.Reason = closed.Reason
		if isAuthClose(info.Code) {
			t.cfg.Logger.Warn("transport_auth_rejected", zap.String("ticket", conversationID), zap.Int("code", info.Code))
			t.emit(Event{Type: EventAuthError, Err: fmt.Errorf("transport: relay closed with %d: %s", info.Code, info.Reason)})
			return
		}
	}

	t.cfg.Logger.Warn("transport_closed_unexpectedly",
		zap.String("ticket", conversationID),
		zap.Int("code", info.Code),
		zap.String("reason", info.Reason))
	t.emit(Event{Type: EventClosed, Err: readErr, Close: info})
}

var errAuthFrame = errors.New("transport: relay rejected credentials")

func (t *Transport) onDialError(gen uint64, err error) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.setStateLocked(StateDisconnected)
	t.cancelDial = nil
	notice := !t.noticeSent
	t.noticeSent = true
	conversationID := t.conversationID
	t.mu.Unlock()

	var status ws.StatusError
	if errors.As(err, &status) && (int(status) == http.StatusUnauthorized || int(status) == http.StatusForbidden) {
		t.cfg.Logger.Warn("transport_auth_rejected", zap.String("ticket", conversationID), zap.Int("status", int(status)))
		t.emit(Event{Type: EventAuthError, Err: fmt.Errorf("transport: handshake rejected: %w", err)})
		return
	}

	t.cfg.Logger.Warn("transport_dial_failed", zap.String("ticket", conversationID), zap.Error(err))
	t.emit(Event{Type: EventClosed, Err: err, Close: CloseInfo{Opened: false, Notice: notice, Reason: err.Error()}})
}

func (t *Transport) setStateLocked(s State) {
	t.state = s
	metrics.SetConnectionState(s.String())
}

// emit delivers ev unless the transport is being disposed.
func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *Transport) conversationIDSafe() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversationID
}

func isAuthClose(code int) bool {
	return code == protocol.CloseUnauthorized || code == protocol.CloseForbidden
}

// isTimeout reports whether err is a network timeout.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
