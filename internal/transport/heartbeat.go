package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/helpdesk/ticketchat/internal/protocol"
)

// HeartbeatConfig holds keepalive tuning.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // extra time allowed for any frame to arrive (default: 10s)
}

// DefaultHeartbeatConfig returns the keepalive defaults.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// readWindow is how long the reader waits for any frame before treating
// the peer as dead. The relay answers every ping, so a healthy connection
// always delivers a frame within one interval.
func (h HeartbeatConfig) readWindow() time.Duration {
	return h.Interval + h.Timeout
}

// heartbeat sends an application ping every interval until stop closes. A
// failed ping closes the socket so the reader surfaces the closure.
func (t *Transport) heartbeat(c *connection, stop <-chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			data, err := protocol.NewMessage(protocol.TypePing, protocol.PingMsg{Timestamp: protocol.NewTime(now)})
			if err != nil {
				t.cfg.Logger.Error("heartbeat_encode_failed", zap.Error(err))
				continue
			}
			if err := c.writeText(data); err != nil {
				t.cfg.Logger.Warn("heartbeat_ping_failed", zap.String("ticket", t.conversationIDSafe()), zap.Error(err))
				_ = c.close()
				return
			}
		}
	}
}
