package ws

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helpdesk/ticketchat/internal/chat"
	"github.com/helpdesk/ticketchat/internal/metrics"
	"github.com/helpdesk/ticketchat/internal/protocol"
	"github.com/helpdesk/ticketchat/internal/ratelimit"
	"github.com/helpdesk/ticketchat/internal/session"
)

// MessageHandler is the callback signature for handling a parsed client
// message. msg is the concrete struct returned by
// protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered
// handlers based on the message type. It answers ping internally and sends
// structured errors for malformed or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher creates a MessageDispatcher bound to the given server.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
	}
}

// Register associates a MessageHandler with a message type, replacing any
// previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses the raw bytes into a typed message, handles ping
// internally, and routes all other types to the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.server.log.Debug("relay_parse_failed", zap.String("conn", conn.ID), zap.Error(err))
		d.sendError(conn, "parse_error", "invalid message format", "")
		return
	}
	metrics.RelayMessages.WithLabelValues(msgType).Inc()

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.sendError(conn, "unsupported_type", "unsupported message type", "")
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) sendError(conn *Connection, code, message, clientID string) {
	data, err := protocol.NewMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:     code,
		Message:  message,
		ClientID: clientID,
	})
	if err != nil {
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		d.server.log.Debug("relay_error_send_failed", zap.String("conn", conn.ID), zap.Error(err))
	}
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	data, err := protocol.NewMessage(protocol.TypePong, protocol.PongMsg{Timestamp: protocol.NewTime(d.server.now())})
	if err != nil {
		return
	}
	_ = conn.WriteMessage(data)
}

// registerHandlers wires the ticket room message types.
func (s *Server) registerHandlers() {
	s.dispatcher.Register(protocol.TypeChat, s.handleChat)
	s.dispatcher.Register(protocol.TypeTyping, s.handleTyping)
	s.dispatcher.Register(protocol.TypeUserOnline, s.handleUserOnline)
}

// handleChat validates a message, assigns its durable id, acknowledges it
// to the sender, and relays it to the whole room, sender included. When
// someone else is in the room the sender also learns it was delivered.
func (s *Server) handleChat(conn *Connection, msg interface{}) {
	in, ok := msg.(protocol.ChatMsg)
	if !ok {
		return
	}

	allowed, _ := s.deps.Throttle.Allow(context.Background(), conn.User.ID, ratelimit.RuleMessage)
	if !allowed {
		metrics.RelayThrottled.WithLabelValues("message").Inc()
		s.dispatcher.sendError(conn, "rate_limited", "too many messages", in.ClientID)
		return
	}

	atts := protocol.FromWireAttachments(in.Attachments)
	if err := chat.ValidateOutbound(in.Message, atts, s.config.MaxAttachmentSize); err != nil {
		code := "invalid_message"
		if errors.Is(err, chat.ErrNotImage) || errors.Is(err, chat.ErrAttachmentTooLarge) {
			code = "invalid_attachment"
		}
		s.dispatcher.sendError(conn, code, err.Error(), in.ClientID)
		return
	}

	ts := in.Timestamp.Time
	if ts.IsZero() {
		ts = s.now()
	}
	m := chat.Message{
		ID:          uuid.NewString(),
		ClientID:    in.ClientID,
		Origin:      chat.OriginLiveChat,
		Body:        in.Message,
		AuthorID:    conn.User.ID,
		AuthorRole:  chat.ParseRole(conn.User.Role),
		AuthorName:  conn.User.Name,
		Timestamp:   ts.UTC().Truncate(time.Millisecond),
		Attachments: atts,
	}
	s.history.Add(conn.TicketID, m)

	if in.ClientID != "" {
		ack, err := protocol.NewMessage(protocol.TypeMessageAck, protocol.MessageAckMsg{
			ClientID:  in.ClientID,
			ID:        m.ID,
			Timestamp: protocol.NewTime(m.Timestamp),
		})
		if err == nil {
			_ = conn.WriteMessage(ack)
		}
	}

	frame, err := newChatFrame(m)
	if err != nil {
		s.log.Error("relay_chat_encode_failed", zap.Error(err))
		return
	}
	s.broadcast(conn.TicketID, frame, "")

	if s.othersPresent(conn) {
		status, err := protocol.NewMessage(protocol.TypeMessageStatus, protocol.MessageStatusMsg{
			MessageID: m.ID,
			Status:    string(chat.StatusDelivered),
		})
		if err == nil {
			_ = conn.WriteMessage(status)
		}
	}
}

// handleTyping forwards typing state to everyone else, at most once per
// throttle window per user.
func (s *Server) handleTyping(conn *Connection, msg interface{}) {
	in, ok := msg.(protocol.TypingMsg)
	if !ok {
		return
	}
	// Stop events always pass so indicators clear promptly.
	if in.IsTyping {
		if allowed, _ := s.deps.Throttle.Allow(context.Background(), conn.TicketID+":"+conn.User.ID, ratelimit.RuleTyping); !allowed {
			metrics.RelayThrottled.WithLabelValues("typing").Inc()
			return
		}
	}
	frame, err := protocol.NewMessage(protocol.TypeTyping, protocol.ServerTypingMsg{
		UserID:   conn.User.ID,
		UserName: conn.User.Name,
		UserType: conn.User.Role,
		IsTyping: in.IsTyping,
	})
	if err != nil {
		return
	}
	s.broadcast(conn.TicketID, frame, conn.User.ID)
}

// handleUserOnline records presence and announces it to everyone else.
func (s *Server) handleUserOnline(conn *Connection, _ interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := s.deps.Presence.Join(ctx, conn.TicketID, session.Member{
		ID:   conn.User.ID,
		Name: conn.User.Name,
		Role: conn.User.Role,
	}); err != nil {
		s.log.Warn("relay_presence_join_failed", zap.String("ticket", conn.TicketID), zap.Error(err))
	}

	if allowed, _ := s.deps.Throttle.Allow(ctx, conn.TicketID+":"+conn.User.ID, ratelimit.RuleOnline); !allowed {
		metrics.RelayThrottled.WithLabelValues("online").Inc()
		return
	}
	frame, err := newPresenceFrame(true, conn.User)
	if err != nil {
		return
	}
	s.broadcast(conn.TicketID, frame, conn.User.ID)
}

// othersPresent reports whether anyone but the sender is in the room.
func (s *Server) othersPresent(conn *Connection) bool {
	for _, c := range s.conns.Room(conn.TicketID) {
		if c.User.ID != conn.User.ID {
			return true
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	members, err := s.deps.Presence.Members(ctx, conn.TicketID)
	if err != nil {
		return false
	}
	for _, m := range members {
		if m.ID != conn.User.ID {
			return true
		}
	}
	return false
}

func newChatFrame(m chat.Message) ([]byte, error) {
	return protocol.NewMessage(protocol.TypeChat, protocol.ServerChatMsg{
		ID:          m.ID,
		ClientID:    m.ClientID,
		Message:     m.Body,
		UserID:      m.AuthorID,
		UserName:    m.AuthorName,
		UserType:    string(m.AuthorRole),
		Timestamp:   protocol.NewTime(m.Timestamp),
		Attachments: protocol.ToWireAttachments(m.Attachments),
	})
}

func newPresenceFrame(online bool, who Identity) ([]byte, error) {
	msgType := protocol.TypeUserOffline
	if online {
		msgType = protocol.TypeUserOnline
	}
	return protocol.NewMessage(msgType, protocol.PresenceMsg{
		UserID:   who.ID,
		UserName: who.Name,
		UserType: who.Role,
	})
}
