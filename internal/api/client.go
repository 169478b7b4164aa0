// Package api is the REST client for the ticketing backend: ticket and
// intervention records, attachment uploads, and the HTTP flavour of the
// external messaging bridge.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/helpdesk/ticketchat/internal/chat"
)

var (
	ErrUnauthorized = errors.New("api: unauthorized")
	ErrNotFound     = errors.New("api: not found")
)

// StatusError is returned for any other non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: unexpected status %d: %s", e.Code, e.Body)
}

// TokenSource supplies the bearer credential for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// Config holds REST client settings.
type Config struct {
	BaseURL string        // e.g. http://127.0.0.1:8000/api
	Timeout time.Duration // per-request timeout when ctx has no deadline (default: 15s)
	Logger  *zap.Logger

	// Dial overrides the network dialer; tests use an in-memory listener.
	Dial func(addr string) (net.Conn, error)
}

// Client talks to the ticketing backend. It is safe for concurrent use.
type Client struct {
	cfg    Config
	tokens TokenSource
	http   *fasthttp.Client
}

// NewClient returns a client for cfg.BaseURL authenticated by tokens.
func NewClient(cfg Config, tokens TokenSource) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		http: &fasthttp.Client{
			Name:                "ticketchat",
			Dial:                cfg.Dial,
			MaxIdleConnDuration: 30 * time.Second,
		},
	}
}

// Ticket fetches one ticket.
func (c *Client) Ticket(ctx context.Context, ticketID string) (Ticket, error) {
	var t Ticket
	err := c.getJSON(ctx, "/tickets/"+ticketID+"/", &t)
	return t, err
}

// Interventions lists the interventions of a ticket. Both paginated
// ({"results": [...]}) and bare array responses are accepted.
func (c *Client) Interventions(ctx context.Context, ticketID string) ([]Intervention, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/interventions/?ticket="+ticketID, &raw); err != nil {
		return nil, err
	}
	var out []Intervention
	if err := decodeList(raw, &out); err != nil {
		return nil, fmt.Errorf("api: decode interventions: %w", err)
	}
	return out, nil
}

// Records returns the ticket description followed by every intervention as
// timeline messages.
func (c *Client) Records(ctx context.Context, ticketID string) ([]chat.Message, error) {
	t, err := c.Ticket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	ivs, err := c.Interventions(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	out := make([]chat.Message, 0, len(ivs)+1)
	if strings.TrimSpace(t.Description) != "" {
		out = append(out, t.DescriptionMessage())
	}
	for _, iv := range ivs {
		out = append(out, iv.ToMessage(t))
	}
	return out, nil
}

// Upload stores an attachment against a ticket and returns its reference.
func (c *Client) Upload(ctx context.Context, ticketID string, att chat.Attachment) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, att.Name))
	if att.MimeType != "" {
		h.Set("Content-Type", att.MimeType)
	}
	part, err := w.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(att.Data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	var out InterventionAttachment
	if err := c.do(ctx, fasthttp.MethodPost, "/tickets/"+ticketID+"/attachments/", w.FormDataContentType(), body.Bytes(), &out); err != nil {
		return "", err
	}
	if out.File == "" {
		return "", fmt.Errorf("api: upload of %s returned no file reference", att.Name)
	}
	return out.File, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, fasthttp.MethodGet, path, "", nil, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("api: encode request: %w", err)
	}
	return c.do(ctx, fasthttp.MethodPost, path, "application/json", data, out)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("api: token: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.cfg.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.SetContentType(contentType)
		req.SetBody(body)
	}

	start := time.Now()
	if deadline, ok := ctx.Deadline(); ok {
		err = c.http.DoDeadline(req, resp, deadline)
	} else {
		err = c.http.DoTimeout(req, resp, c.cfg.Timeout)
	}
	if err != nil {
		c.cfg.Logger.Warn("api_request_failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}

	status := resp.StatusCode()
	c.cfg.Logger.Debug("api_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", status),
		zap.Duration("took", time.Since(start)))

	switch {
	case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden:
		return ErrUnauthorized
	case status == fasthttp.StatusNotFound:
		return ErrNotFound
	case status < 200 || status >= 300:
		return &StatusError{Code: status, Body: errorDetail(resp.Body())}
	}

	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("api: decode %s: %w", path, err)
	}
	return nil
}

// decodeList decodes either a bare JSON array or a paginated object.
func decodeList(raw json.RawMessage, out interface{}) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, out)
	}
	var page struct {
		Results json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(trimmed, &page); err != nil {
		return err
	}
	if len(page.Results) == 0 {
		return nil
	}
	return json.Unmarshal(page.Results, out)
}

// errorDetail extracts {"error": ...} or {"detail": ...} from an error body.
func errorDetail(body []byte) string {
	var e struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Detail != "" {
			return e.Detail
		}
	}
	const max = 200
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}
