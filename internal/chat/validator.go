package chat

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
)

const (
	MaxMessageBytes = 16384 // 16KB max body size
	MaxTextChars    = 5000  // max character count

	// DefaultMaxAttachmentSize applies when no policy threshold is configured.
	DefaultMaxAttachmentSize = 5 << 20
)

var (
	ErrEmptyMessage       = errors.New("message has neither text nor attachments")
	ErrMessageTooLong     = errors.New("message text too long")
	ErrInvalidEncoding    = errors.New("message contains invalid UTF-8")
	ErrNotImage           = errors.New("attachment is not an image")
	ErrAttachmentTooLarge = errors.New("attachment exceeds size limit")
)

// ValidationError reports a local, synchronous rejection of an outbound
// message. It unwraps to one of the Err* sentinels above.
type ValidationError struct {
	Field  string // "body" or "attachments[i]"
	Detail string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("chat: invalid %s: %s", e.Field, e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ValidateMessage checks that a chat message body meets content requirements.
// An empty body is allowed here; ValidateOutbound decides whether the
// message as a whole is empty.
func ValidateMessage(text string) error {
	if len(text) > MaxMessageBytes {
		return &ValidationError{Field: "body", Detail: fmt.Sprintf("exceeds %d byte limit", MaxMessageBytes), Err: ErrMessageTooLong}
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return &ValidationError{Field: "body", Detail: fmt.Sprintf("exceeds %d character limit", MaxTextChars), Err: ErrMessageTooLong}
	}
	if !utf8.ValidString(text) {
		return &ValidationError{Field: "body", Detail: "invalid UTF-8", Err: ErrInvalidEncoding}
	}
	return nil
}

// ValidateAttachment enforces the image-only policy and the size threshold.
// maxSize <= 0 selects DefaultMaxAttachmentSize.
func ValidateAttachment(a Attachment, maxSize int64) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxAttachmentSize
	}
	if !IsImage(a) {
		return &ValidationError{Field: "attachment " + a.Name, Detail: "only images are accepted", Err: ErrNotImage}
	}
	size := a.Size
	if n := int64(len(a.Data)); n > size {
		size = n
	}
	if size > maxSize {
		return &ValidationError{
			Field:  "attachment " + a.Name,
			Detail: fmt.Sprintf("%s exceeds the %s limit", humanize.Bytes(uint64(size)), humanize.Bytes(uint64(maxSize))),
			Err:    ErrAttachmentTooLarge,
		}
	}
	return nil
}

// ValidateOutbound validates a composed message before it is handed to
// the transport.
func ValidateOutbound(body string, atts []Attachment, maxSize int64) error {
	if strings.TrimSpace(body) == "" && len(atts) == 0 {
		return &ValidationError{Field: "body", Detail: "nothing to send", Err: ErrEmptyMessage}
	}
	if err := ValidateMessage(body); err != nil {
		return err
	}
	for _, a := range atts {
		if err := ValidateAttachment(a, maxSize); err != nil {
			return err
		}
	}
	return nil
}

// IsImage reports whether the attachment is an image, using the declared
// MIME type and falling back to the file extension.
func IsImage(a Attachment) bool {
	mt := a.MimeType
	if mt == "" {
		mt = mime.TypeByExtension(strings.ToLower(filepath.Ext(a.Name)))
	}
	return strings.HasPrefix(mt, "image/")
}
