// Package conversation hosts one ticket conversation for a view. The
// Controller loads the ticket history, keeps the live transport open
// through the reconnection policy, merges every message source into one
// timeline, and exposes the user's actions.
//
// All state changes run on a single event-loop goroutine. Transport
// events, poll results, timer callbacks and user actions are funneled
// into it; views read snapshots under a mutex.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/helpdesk/ticketchat/internal/chat"
	"github.com/helpdesk/ticketchat/internal/clock"
	"github.com/helpdesk/ticketchat/internal/outbound"
	"github.com/helpdesk/ticketchat/internal/presence"
	"github.com/helpdesk/ticketchat/internal/reconnect"
)

// UnmountReason accompanies the normal closure sent on unmount.
const UnmountReason = "component unmounting"

var (
	ErrNotMounted     = errors.New("conversation: not mounted")
	ErrAlreadyMounted = errors.New("conversation: already mounted")
	ErrBridgeDisabled = errors.New("conversation: bridge is not enabled")
	ErrAuthRejected   = errors.New("conversation: credentials rejected")
)

// Config tunes one controller.
type Config struct {
	TicketID string
	Self     presence.Participant

	PollInterval       time.Duration // record polling (default: 15s)
	MaxAttachmentSize  int64         // bytes (default: chat.DefaultMaxAttachmentSize)
	LivenessWindow     time.Duration // presence expiry; 0 disables
	TypingSendInterval time.Duration // minimum gap between typing frames (default: 1s)
	Reconnect          reconnect.Config

	Clock  clock.Clock
	Logger *zap.Logger
}

// Controller is safe for concurrent use by a hosting view.
type Controller struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
	clk  clock.Clock

	mu       sync.Mutex
	timeline *chat.Reconciler
	phase    Phase
	notice   *Notice
	bridgeOn bool
	poll     clock.Ticker

	tracker *presence.Tracker
	policy  *reconnect.Policy
	queue   *outbound.Queue

	// Owned by the event loop.
	typingLimiter *rate.Limiter
	typingSent    bool
	typingTimer   clock.Timer
	polling       bool
	opened        bool

	ctx         context.Context
	cancel      context.CancelFunc
	actions     chan func()
	updates     chan Update
	notices     chan Notice
	done        chan struct{}
	wg          sync.WaitGroup
	unmountOnce sync.Once
}

// New returns an unmounted controller.
func New(cfg Config, deps Deps) (*Controller, error) {
	if cfg.TicketID == "" {
		return nil, errors.New("conversation: ticket id is required")
	}
	if deps.Transport == nil || deps.Records == nil || deps.Tokens == nil {
		return nil, errors.New("conversation: transport, records and tokens are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.MaxAttachmentSize <= 0 {
		cfg.MaxAttachmentSize = chat.DefaultMaxAttachmentSize
	}
	if cfg.TypingSendInterval <= 0 {
		cfg.TypingSendInterval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	log := cfg.Logger.With(zap.String("ticket", cfg.TicketID))

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:           cfg,
		deps:          deps,
		log:           log,
		clk:           cfg.Clock,
		timeline:      chat.NewReconciler(),
		typingLimiter: rate.NewLimiter(rate.Every(cfg.TypingSendInterval), 1),
		ctx:           ctx,
		cancel:        cancel,
		actions:       make(chan func(), 16),
		updates:       make(chan Update, 32),
		notices:       make(chan Notice, 8),
		done:          make(chan struct{}),
	}
	c.tracker = presence.NewTracker(presence.Config{
		SelfID:         cfg.Self.ID,
		LivenessWindow: cfg.LivenessWindow,
		Clock:          cfg.Clock,
	})

	rc := cfg.Reconnect
	rc.Clock = cfg.Clock
	rc.Logger = log
	c.policy = reconnect.New(rc, func() { c.post(c.connect) })

	c.queue = outbound.New(outbound.Config{
		Author:            outbound.Author{ID: cfg.Self.ID, Role: cfg.Self.Role, Name: cfg.Self.DisplayName},
		MaxAttachmentSize: cfg.MaxAttachmentSize,
		Clock:             cfg.Clock,
		Logger:            log,
	}, lockedTimeline{c}, chatSender{deps.Transport})
	return c, nil
}

// Mount loads the ticket history, then opens the live connection. It
// returns once the history is in the timeline; the connection is opened
// in the background.
func (c *Controller) Mount(ctx context.Context) error {
	c.mu.Lock()
	switch c.phase {
	case PhaseNew:
	case PhaseUnmounted:
		c.mu.Unlock()
		return ErrNotMounted
	default:
		c.mu.Unlock()
		return ErrAlreadyMounted
	}
	c.phase = PhaseLoading
	c.mu.Unlock()

	syncErr, err := c.loadInitial(ctx)

	c.mu.Lock()
	if c.phase != PhaseLoading {
		c.mu.Unlock()
		return ErrNotMounted
	}
	if err != nil {
		c.phase = PhaseNew
		c.mu.Unlock()
		return err
	}
	c.phase = PhaseReady
	c.poll = c.clk.NewTicker(c.cfg.PollInterval)
	c.wg.Add(1)
	c.mu.Unlock()

	c.log.Info("conversation_ready", zap.Int("messages", c.timelineLen()))
	if syncErr != nil {
		c.raise(Notice{Kind: NoticeSyncFailed, Text: "bridged messages could not be loaded", Err: syncErr})
	}
	c.signal(true)
	go c.loop()
	c.post(c.connect)
	return nil
}

// loadInitial fetches records and bridge history. A bridge failure does
// not fail the mount; it is returned separately as syncErr.
func (c *Controller) loadInitial(ctx context.Context) (syncErr, err error) {
	records, err := c.deps.Records.Records(ctx, c.cfg.TicketID)
	if err != nil {
		return nil, fmt.Errorf("conversation: load records: %w", err)
	}

	var bridged []chat.Message
	enabled := false
	if c.deps.Bridge != nil {
		enabled, err = c.deps.Bridge.Enabled(ctx)
		if err != nil {
			c.log.Warn("bridge_probe_failed", zap.Error(err))
			enabled = false
		}
		if enabled {
			bridged, syncErr = c.deps.Bridge.History(ctx, c.cfg.TicketID)
			if syncErr != nil {
				c.log.Warn("bridge_history_failed", zap.Error(syncErr))
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range records {
		c.timeline.Ingest(chat.SourceRecords, m)
	}
	for _, m := range bridged {
		c.timeline.Ingest(chat.SourceBridge, m)
	}
	c.bridgeOn = enabled
	return syncErr, nil
}

// Unmount closes the transport with a normal closure, cancels the retry
// timer, the poll ticker and the typing refresh, and closes Updates and
// Notices. It is idempotent.
func (c *Controller) Unmount() {
	c.unmountOnce.Do(func() {
		c.mu.Lock()
		c.phase = PhaseUnmounted
		poll := c.poll
		c.mu.Unlock()

		c.policy.Stop()
		c.cancel()
		close(c.done)
		c.wg.Wait()

		if poll != nil {
			poll.Stop()
		}
		if c.typingTimer != nil {
			c.typingTimer.Stop()
			c.typingTimer = nil
		}
		c.deps.Transport.Close(UnmountReason)
		c.policy.Stop()
		c.tracker.Reset()

		close(c.updates)
		close(c.notices)
		c.log.Info("conversation_unmounted")
	})
}

// OnNavigateAway must be called by the hosting view before it is removed.
func (c *Controller) OnNavigateAway() { c.Unmount() }

// Updates delivers re-render signals. Closed on unmount.
func (c *Controller) Updates() <-chan Update { return c.updates }

// Notices delivers conversation-level notices. Closed on unmount.
func (c *Controller) Notices() <-chan Notice { return c.notices }

// Timeline returns the full merged timeline.
func (c *Controller) Timeline() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeline.Timeline()
}

// View returns the timeline restricted to f. The merged state is not
// affected.
func (c *Controller) View(f Filter) []chat.Message {
	return f.Apply(c.Timeline())
}

// Conflicts lists messages reported by two sources with different bodies.
func (c *Controller) Conflicts() []chat.Conflict {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeline.Conflicts()
}

// ConnectionStatus is the read-only connection signal for banners.
func (c *Controller) ConnectionStatus() reconnect.Snapshot {
	return c.policy.Snapshot()
}

// Status returns a snapshot of everything around the timeline.
func (c *Controller) Status() Status {
	c.mu.Lock()
	s := Status{Phase: c.phase, BridgeEnabled: c.bridgeOn}
	if c.notice != nil {
		n := *c.notice
		s.Notice = &n
	}
	c.mu.Unlock()

	s.Connection = c.policy.Snapshot()
	s.Online = sortedOnline(c.tracker.OnlineParticipants())
	s.Typing = c.tracker.CurrentlyTyping()
	s.Pending = c.queue.Pending()
	return s
}

// Submit validates and sends a composed message. The returned provisional
// id identifies the timeline entry until the relay acknowledges it.
// Validation errors are *chat.ValidationError; delivery failures surface
// as a failed status on the entry instead of an error. Attachments are
// uploaded in the background after the sending entry is shown.
func (c *Controller) Submit(ctx context.Context, body string, atts []chat.Attachment) (string, error) {
	if !c.running() {
		return "", ErrNotMounted
	}
	if err := chat.ValidateOutbound(body, atts, c.cfg.MaxAttachmentSize); err != nil {
		return "", err
	}

	var (
		id        string
		submitErr error
	)
	if err := c.exec(ctx, func() {
		if !c.needsUpload(atts) {
			id, submitErr = c.queue.Submit(body, atts)
		} else if id, submitErr = c.queue.Hold(body, atts); submitErr == nil {
			c.startUpload(id, atts)
		}
		if submitErr == nil {
			c.signal(true)
		}
	}); err != nil {
		return "", err
	}
	return id, submitErr
}

func (c *Controller) needsUpload(atts []chat.Attachment) bool {
	if c.deps.Attachments == nil {
		return false
	}
	for _, a := range atts {
		if a.Ref == "" && len(a.Data) > 0 {
			return true
		}
	}
	return false
}

// startUpload runs on the loop. The upload itself runs off it; its result
// releases or fails the held message back on the loop.
func (c *Controller) startUpload(id string, atts []chat.Attachment) {
	if !c.deps.Transport.Connected() {
		c.queue.Fail(id, outbound.ErrNotConnected)
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		uploaded, err := c.upload(c.ctx, atts)
		c.post(func() {
			if err != nil {
				if c.queue.Fail(id, err) {
					c.signal(false)
				}
				return
			}
			c.queue.Release(id, uploaded)
			c.signal(false)
		})
	}()
}

func (c *Controller) upload(ctx context.Context, atts []chat.Attachment) ([]chat.Attachment, error) {
	out := make([]chat.Attachment, len(atts))
	for i, a := range atts {
		if a.Ref == "" && len(a.Data) > 0 {
			ref, err := c.deps.Attachments.Upload(ctx, c.cfg.TicketID, a)
			if err != nil {
				return nil, fmt.Errorf("conversation: upload %s: %w", a.Name, err)
			}
			if a.Size == 0 {
				a.Size = int64(len(a.Data))
			}
			a.Ref = ref
			a.Data = nil
		}
		out[i] = a
	}
	return out, nil
}

// Retry resends a failed message under its provisional id, uploading its
// attachments again if they never made it to storage.
func (c *Controller) Retry(ctx context.Context, id string) error {
	return c.queueAction(ctx, func() error {
		p, ok := c.queue.Get(id)
		if !ok || p.Status != chat.StatusFailed || !c.needsUpload(p.Attachments) {
			return c.queue.Retry(id)
		}
		if err := c.queue.RetryHeld(id); err != nil {
			return err
		}
		c.startUpload(id, p.Attachments)
		return nil
	})
}

// Cancel withdraws a message that is still sending.
func (c *Controller) Cancel(ctx context.Context, id string) error {
	return c.queueAction(ctx, func() error { return c.queue.Cancel(id) })
}

// Dismiss drops a failed message the user gave up on.
func (c *Controller) Dismiss(ctx context.Context, id string) error {
	return c.queueAction(ctx, func() error { return c.queue.Dismiss(id) })
}

func (c *Controller) queueAction(ctx context.Context, fn func() error) error {
	var actionErr error
	if err := c.exec(ctx, func() {
		actionErr = fn()
		if actionErr == nil {
			c.signal(false)
		}
	}); err != nil {
		return err
	}
	return actionErr
}

// SendBridged sends body through the external messaging bridge and merges
// the refreshed bridge history.
func (c *Controller) SendBridged(ctx context.Context, body string) error {
	if !c.running() {
		return ErrNotMounted
	}
	if !c.bridgeEnabled() {
		return ErrBridgeDisabled
	}
	if err := chat.ValidateOutbound(body, nil, 0); err != nil {
		return err
	}
	if err := c.deps.Bridge.Send(ctx, c.cfg.TicketID, strings.TrimSpace(body)); err != nil {
		return fmt.Errorf("conversation: bridge send: %w", err)
	}

	history, err := c.deps.Bridge.History(ctx, c.cfg.TicketID)
	if err != nil {
		// Sent; the next poll picks it up.
		c.log.Warn("bridge_history_failed", zap.Error(err))
		return nil
	}
	return c.exec(ctx, func() {
		if c.ingest(chat.SourceBridge, history) {
			c.signal(true)
		}
	})
}

// NotifyTyping reports the local user's composing state. Starts are
// rate limited; a stop is sent only after a start went out.
func (c *Controller) NotifyTyping(isTyping bool) error {
	if !c.running() {
		return ErrNotMounted
	}
	c.post(func() { c.sendTyping(isTyping) })
	return nil
}

// Reconnect starts over after a terminal failure or an auth rejection,
// with a full attempt budget.
func (c *Controller) Reconnect() error {
	if !c.running() {
		return ErrNotMounted
	}
	c.post(func() {
		if c.deps.Transport.Connected() {
			return
		}
		c.policy.Reset()
		c.clearNotice()
		c.connect()
	})
	return nil
}

func (c *Controller) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == PhaseReady
}

func (c *Controller) bridgeEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bridgeOn && c.deps.Bridge != nil
}

func (c *Controller) timelineLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeline.Len()
}

// post queues fn for the event loop. Never call it from the loop itself.
func (c *Controller) post(fn func()) {
	select {
	case c.actions <- fn:
	case <-c.done:
	}
}

// exec runs fn on the event loop and waits for it.
func (c *Controller) exec(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case c.actions <- func() { fn(); close(finished) }:
	case <-c.done:
		return ErrNotMounted
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrNotMounted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signal and raise never block; a view that lags re-reads full state.
func (c *Controller) signal(scroll bool) {
	select {
	case c.updates <- Update{ScrollToLatest: scroll}:
	default:
	}
}

func (c *Controller) raise(n Notice) {
	n.At = c.clk.Now()
	if n.Persistent {
		c.mu.Lock()
		c.notice = &n
		c.mu.Unlock()
	}
	select {
	case c.notices <- n:
	default:
		c.log.Debug("notice_dropped", zap.String("text", n.Text))
	}
}

func (c *Controller) clearNotice() {
	c.mu.Lock()
	c.notice = nil
	c.mu.Unlock()
}

func (c *Controller) ingest(src chat.Source, msgs []chat.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := false
	for _, m := range msgs {
		if c.timeline.Ingest(src, m) {
			changed = true
		}
	}
	return changed
}
