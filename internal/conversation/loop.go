package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/helpdesk/ticketchat/internal/chat"
	"github.com/helpdesk/ticketchat/internal/outbound"
	"github.com/helpdesk/ticketchat/internal/presence"
	"github.com/helpdesk/ticketchat/internal/transport"
)

// RelayError is a per-message rejection reported by the relay.
type RelayError struct {
	Code string
	Err  error
}

func (e *RelayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("relay rejected message (%s): %v", e.Code, e.Err)
	}
	return "relay rejected message (" + e.Code + ")"
}

func (e *RelayError) Unwrap() error { return e.Err }

func (c *Controller) loop() {
	defer c.wg.Done()

	events := c.deps.Transport.Events()
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.handleEvent(ev)
		case fn := <-c.actions:
			fn()
		case <-c.poll.C():
			c.startPoll()
		}
	}
}

func (c *Controller) handleEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventOpen:
		c.policy.OnConnected()
		c.tracker.Reset()
		c.clearNotice()
		c.log.Info("conversation_connected")
		if c.opened {
			// Records may have changed while we were away.
			c.startPoll()
		}
		c.opened = true
		c.signal(false)

	case transport.EventMessage:
		m := ev.Message
		if m.ClientID != "" && m.AuthorID == c.cfg.Self.ID {
			c.queue.Ack(m.ClientID, m.ID, m.Timestamp)
		}
		grew := c.ingest(chat.SourceTransport, []chat.Message{m})
		c.tracker.ClearTyping(m.AuthorID)
		c.signal(grew)

	case transport.EventTyping:
		if ev.IsTyping {
			c.tracker.RecordTyping(participant(ev.Participant))
		} else {
			c.tracker.ClearTyping(ev.Participant.ID)
		}
		c.scheduleTypingRefresh()
		c.signal(false)

	case transport.EventPresenceOnline:
		c.tracker.RecordOnline(participant(ev.Participant))
		c.signal(false)

	case transport.EventPresenceOffline:
		c.tracker.RecordOffline(ev.Participant.ID)
		c.signal(false)

	case transport.EventAck:
		if c.queue.Ack(ev.ClientID, ev.MessageID, ev.Timestamp) {
			c.signal(false)
		}

	case transport.EventStatus:
		c.mu.Lock()
		changed := c.timeline.AdvanceStatus(ev.MessageID, ev.Status)
		c.mu.Unlock()
		if changed {
			c.signal(false)
		}

	case transport.EventError:
		if ev.ClientID != "" && c.queue.Fail(ev.ClientID, &RelayError{Code: ev.Code, Err: ev.Err}) {
			c.signal(false)
			return
		}
		c.log.Warn("relay_error", zap.String("code", ev.Code), zap.Error(ev.Err))

	case transport.EventAuthError:
		c.policy.Stop()
		c.queue.FailAll(ErrAuthRejected)
		c.typingSent = false
		c.raise(Notice{Kind: NoticeAuth, Text: "your session was rejected, sign in again", Err: ev.Err, Persistent: true})
		c.signal(false)

	case transport.EventClosed:
		c.onClosed(ev)
	}
}

func (c *Controller) onClosed(ev transport.Event) {
	c.queue.FailAll(outbound.ErrConnectionLost)
	c.typingSent = false

	d := c.policy.OnClosed(false)
	if ev.Close.Notice {
		c.raise(Notice{Kind: NoticeDisconnected, Text: "connection lost, reconnecting", Err: ev.Err})
	}
	if d.Terminal {
		c.raise(Notice{Kind: NoticeConnectionFailed, Text: "connection lost, please reload", Err: ev.Err, Persistent: true})
	}
	c.log.Info("conversation_disconnected",
		zap.Bool("opened", ev.Close.Opened),
		zap.Int("code", ev.Close.Code),
		zap.Bool("retry", d.Retry),
		zap.Duration("delay", d.Delay))
	c.signal(false)
}

// connect runs on the loop, both for the initial open and for every retry
// the policy schedules.
func (c *Controller) connect() {
	token, err := c.deps.Tokens.Token(c.ctx)
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.policy.Stop()
		c.raise(Notice{Kind: NoticeAuth, Text: "no credentials available", Err: err, Persistent: true})
		c.signal(false)
		return
	}

	c.policy.OnConnecting()
	if err := c.deps.Transport.Connect(c.ctx, c.cfg.TicketID, token); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return
		}
		c.policy.Stop()
		c.log.Error("connect_failed", zap.Error(err))
		c.raise(Notice{Kind: NoticeError, Text: "cannot open the conversation", Err: err, Persistent: true})
		c.signal(false)
	}
}

// startPoll fetches records (and bridge history) off the loop and merges
// the result back on it. Overlapping polls are skipped.
func (c *Controller) startPoll() {
	if c.polling {
		return
	}
	c.polling = true
	withBridge := c.bridgeEnabled()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.PollInterval)
		defer cancel()

		records, err := c.deps.Records.Records(ctx, c.cfg.TicketID)
		var (
			bridged   []chat.Message
			bridgeErr error
		)
		if withBridge {
			bridged, bridgeErr = c.deps.Bridge.History(ctx, c.cfg.TicketID)
		}

		c.post(func() {
			c.polling = false
			if err != nil {
				c.log.Warn("poll_records_failed", zap.Error(err))
				c.raise(Notice{Kind: NoticeSyncFailed, Text: "ticket history could not be refreshed", Err: err})
			}
			if bridgeErr != nil {
				c.log.Warn("poll_bridge_failed", zap.Error(bridgeErr))
			}
			grew := c.ingest(chat.SourceRecords, records)
			if c.ingest(chat.SourceBridge, bridged) {
				grew = true
			}
			if grew {
				c.signal(true)
			}
		})
	}()
}

func (c *Controller) sendTyping(isTyping bool) {
	if !c.deps.Transport.Connected() {
		c.typingSent = false
		return
	}
	if isTyping {
		if !c.typingLimiter.AllowN(c.clk.Now(), 1) {
			return
		}
		if err := c.deps.Transport.SendTyping(true); err != nil {
			c.log.Debug("typing_send_failed", zap.Error(err))
			return
		}
		c.typingSent = true
		return
	}
	if c.typingSent {
		if err := c.deps.Transport.SendTyping(false); err != nil {
			c.log.Debug("typing_send_failed", zap.Error(err))
		}
		c.typingSent = false
	}
}

// scheduleTypingRefresh keeps one timer pending for the earliest typing
// expiry so the view re-renders when an indicator disappears.
func (c *Controller) scheduleTypingRefresh() {
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	next, ok := c.tracker.NextTypingExpiry()
	if !ok {
		return
	}
	d := next.Sub(c.clk.Now())
	if d < time.Millisecond {
		d = time.Millisecond
	}
	c.typingTimer = c.clk.AfterFunc(d, func() { c.post(c.onTypingExpired) })
}

func (c *Controller) onTypingExpired() {
	c.typingTimer = nil
	c.tracker.CurrentlyTyping()
	c.signal(false)
	c.scheduleTypingRefresh()
}

func participant(p transport.Participant) presence.Participant {
	return presence.Participant{ID: p.ID, DisplayName: p.Name, Role: p.Role}
}
