package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/helpdesk/ticketchat/internal/chat"
)

// BridgeBackend is the external messaging channel served over NATS.
type BridgeBackend interface {
	Enabled(ctx context.Context) (bool, error)
	History(ctx context.Context, ticketID string) ([]chat.Message, error)
	Send(ctx context.Context, ticketID, body string) error
}

type bridgeRequest struct {
	TicketID string `json:"ticket_id,omitempty"`
	Body     string `json:"body,omitempty"`
}

type bridgeReply struct {
	Enabled  bool           `json:"enabled,omitempty"`
	Messages []chat.Message `json:"messages,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// ErrBridgeRejected wraps an error reported by the remote bridge.
var ErrBridgeRejected = errors.New("bridge: request rejected")

// NATSBridge is a bridge provider that forwards every call as a NATS
// request to whichever service answers the bridge subjects.
type NATSBridge struct {
	conn    *nats.Conn
	timeout time.Duration
}

// NewNATSBridge returns a bridge provider over c. timeout bounds calls
// whose context carries no deadline.
func NewNATSBridge(c *NATSClient, timeout time.Duration) *NATSBridge {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NATSBridge{conn: c.Conn(), timeout: timeout}
}

func (b *NATSBridge) Enabled(ctx context.Context) (bool, error) {
	reply, err := b.request(ctx, SubjectBridgeEnabled, bridgeRequest{})
	if err != nil {
		return false, err
	}
	return reply.Enabled, nil
}

func (b *NATSBridge) History(ctx context.Context, ticketID string) ([]chat.Message, error) {
	reply, err := b.request(ctx, SubjectBridgeHistory, bridgeRequest{TicketID: ticketID})
	if err != nil {
		return nil, err
	}
	return reply.Messages, nil
}

func (b *NATSBridge) Send(ctx context.Context, ticketID, body string) error {
	_, err := b.request(ctx, SubjectBridgeSend, bridgeRequest{TicketID: ticketID, Body: body})
	return err
}

func (b *NATSBridge) request(ctx context.Context, subject string, req bridgeRequest) (bridgeReply, error) {
	var reply bridgeReply
	data, err := json.Marshal(req)
	if err != nil {
		return reply, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	msg, err := b.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return reply, fmt.Errorf("bridge %s: %w", subject, err)
	}
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return reply, fmt.Errorf("bridge %s: decode reply: %w", subject, err)
	}
	if reply.Error != "" {
		return reply, fmt.Errorf("%w: %s", ErrBridgeRejected, reply.Error)
	}
	return reply, nil
}

// ServeBridge answers the bridge subjects on c using backend until c is
// closed. Each call gets its own timeout.
func ServeBridge(c *NATSClient, backend BridgeBackend, timeout time.Duration, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	handle := func(subject string, fn func(ctx context.Context, req bridgeRequest) bridgeReply) error {
		return c.Subscribe("bridge:"+subject, subject, func(msg *nats.Msg) {
			var req bridgeRequest
			var reply bridgeReply
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				reply.Error = "malformed request"
			} else {
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				reply = fn(ctx, req)
				cancel()
			}
			data, err := json.Marshal(reply)
			if err != nil {
				log.Error("bridge_reply_encode_failed", zap.String("subject", subject), zap.Error(err))
				return
			}
			if err := msg.Respond(data); err != nil {
				log.Warn("bridge_reply_failed", zap.String("subject", subject), zap.Error(err))
			}
		})
	}

	if err := handle(SubjectBridgeEnabled, func(ctx context.Context, _ bridgeRequest) bridgeReply {
		on, err := backend.Enabled(ctx)
		return bridgeReply{Enabled: on, Error: errText(err)}
	}); err != nil {
		return err
	}
	if err := handle(SubjectBridgeHistory, func(ctx context.Context, req bridgeRequest) bridgeReply {
		msgs, err := backend.History(ctx, req.TicketID)
		return bridgeReply{Messages: msgs, Error: errText(err)}
	}); err != nil {
		return err
	}
	return handle(SubjectBridgeSend, func(ctx context.Context, req bridgeRequest) bridgeReply {
		err := backend.Send(ctx, req.TicketID, req.Body)
		if err == nil {
			log.Info("bridge_message_sent", zap.String("ticket", req.TicketID))
		}
		return bridgeReply{Error: errText(err)}
	})
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
