package protocol

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/helpdesk/ticketchat/internal/chat"
)

// ToMessage converts a relayed chat frame into a timeline message.
func (m ServerChatMsg) ToMessage() chat.Message {
	return chat.Message{
		ID:          m.ID,
		ClientID:    m.ClientID,
		Origin:      chat.OriginLiveChat,
		Body:        m.Message,
		AuthorID:    m.UserID,
		AuthorRole:  chat.ParseRole(m.UserType),
		AuthorName:  m.UserName,
		Timestamp:   m.Timestamp.Time,
		Attachments: FromWireAttachments(m.Attachments),
	}
}

// NewChatMsg builds the client frame for an outbound message.
func NewChatMsg(msg chat.Message) ChatMsg {
	return ChatMsg{
		ClientID:    msg.ClientID,
		Message:     msg.Body,
		Timestamp:   NewTime(msg.Timestamp),
		Attachments: ToWireAttachments(msg.Attachments),
	}
}

// ToWireAttachments encodes attachments for the wire. Attachments that
// have not been uploaded travel inline as base64 data URLs.
func ToWireAttachments(atts []chat.Attachment) []WireAttachment {
	if len(atts) == 0 {
		return nil
	}
	out := make([]WireAttachment, len(atts))
	for i, a := range atts {
		w := WireAttachment{Name: a.Name, Size: a.Size, MimeType: a.MimeType, Ref: a.Ref}
		if a.Ref == "" && len(a.Data) > 0 {
			w.Data = "data:" + a.MimeType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
			if w.Size == 0 {
				w.Size = int64(len(a.Data))
			}
		}
		out[i] = w
	}
	return out
}

// FromWireAttachments decodes wire attachments. Inline data is decoded
// back into Data; malformed data URLs are dropped from Data but keep
// their metadata.
func FromWireAttachments(ws []WireAttachment) []chat.Attachment {
	if len(ws) == 0 {
		return nil
	}
	out := make([]chat.Attachment, len(ws))
	for i, w := range ws {
		a := chat.Attachment{Name: w.Name, Size: w.Size, MimeType: w.MimeType, Ref: w.Ref}
		if w.Data != "" {
			if mt, data, err := DecodeDataURL(w.Data); err == nil {
				a.Data = data
				if a.MimeType == "" {
					a.MimeType = mt
				}
			}
		}
		out[i] = a
	}
	return out
}

// DecodeDataURL splits a base64 data URL into its MIME type and bytes.
func DecodeDataURL(s string) (string, []byte, error) {
	if !strings.HasPrefix(s, "data:") {
		return "", nil, fmt.Errorf("protocol: not a data URL")
	}
	header, payload, ok := strings.Cut(s[len("data:"):], ",")
	if !ok {
		return "", nil, fmt.Errorf("protocol: data URL has no payload")
	}
	mt, enc, _ := strings.Cut(header, ";")
	if enc != "base64" {
		return "", nil, fmt.Errorf("protocol: data URL is not base64")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("protocol: decode data URL: %w", err)
	}
	return mt, data, nil
}
