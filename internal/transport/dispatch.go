package transport

import (
	"errors"

	"go.uber.org/zap"

	"github.com/helpdesk/ticketchat/internal/chat"
	"github.com/helpdesk/ticketchat/internal/metrics"
	"github.com/helpdesk/ticketchat/internal/protocol"
)

// dispatch decodes one server frame and emits the matching event. It
// returns true when the relay rejected the credential and the connection
// must be abandoned without a retry.
func (t *Transport) dispatch(data []byte) bool {
	msgType, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		t.cfg.Logger.Debug("frame_dropped", zap.String("type", msgType), zap.Error(err))
		return false
	}
	metrics.InboundEvents.WithLabelValues(msgType).Inc()

	switch m := msg.(type) {
	case protocol.ServerChatMsg:
		t.emit(Event{Type: EventMessage, Message: m.ToMessage()})

	case protocol.ServerTypingMsg:
		if m.UserID == t.cfg.Self.ID {
			return false
		}
		t.emit(Event{
			Type:        EventTyping,
			Participant: Participant{ID: m.UserID, Name: m.UserName, Role: chat.ParseRole(m.UserType)},
			IsTyping:    m.IsTyping,
		})

	case protocol.PresenceMsg:
		typ := EventPresenceOnline
		if msgType == protocol.TypeUserOffline {
			typ = EventPresenceOffline
		}
		t.emit(Event{
			Type:        typ,
			Participant: Participant{ID: m.UserID, Name: m.UserName, Role: chat.ParseRole(m.UserType)},
		})

	case protocol.MessageAckMsg:
		t.emit(Event{Type: EventAck, ClientID: m.ClientID, MessageID: m.ID, Timestamp: m.Timestamp.Time})

	case protocol.MessageStatusMsg:
		t.emit(Event{Type: EventStatus, MessageID: m.MessageID, Status: chat.Status(m.Status)})

	case protocol.ErrorMsg:
		t.emit(Event{Type: EventError, Code: m.Code, ClientID: m.ClientID, Err: errors.New(m.Message)})

	case protocol.AuthErrorMsg:
		t.cfg.Logger.Warn("transport_auth_rejected", zap.String("ticket", t.conversationIDSafe()), zap.String("detail", m.Message))
		t.emit(Event{Type: EventAuthError, Err: errors.New(m.Message)})
		return true

	case protocol.PongMsg:
		// Any inbound frame already refreshed the read deadline.
	}
	return false
}
