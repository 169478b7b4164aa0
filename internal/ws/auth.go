package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrUnauthorized = errors.New("ws: missing or invalid token")
	ErrForbidden    = errors.New("ws: not a participant of this ticket")
)

// Authenticator resolves a bearer token into the participant it belongs
// to for the given ticket.
type Authenticator interface {
	Authenticate(ctx context.Context, ticketID, token string) (Identity, error)
}

// TokenGrant binds one token to a participant, optionally restricted to a
// set of tickets.
type TokenGrant struct {
	Identity `yaml:",inline"`
	Token    string   `yaml:"token"`
	Tickets  []string `yaml:"tickets,omitempty"` // empty: every ticket
}

// StaticAuthenticator checks tokens against a fixed table; used by the
// development relay.
type StaticAuthenticator struct {
	grants map[string]TokenGrant
}

// NewStaticAuthenticator indexes grants by token.
func NewStaticAuthenticator(grants []TokenGrant) *StaticAuthenticator {
	a := &StaticAuthenticator{grants: make(map[string]TokenGrant, len(grants))}
	for _, g := range grants {
		a.grants[g.Token] = g
	}
	return a
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, ticketID, token string) (Identity, error) {
	g, ok := a.grants[token]
	if !ok || token == "" {
		return Identity{}, ErrUnauthorized
	}
	if len(g.Tickets) == 0 {
		return g.Identity, nil
	}
	for _, t := range g.Tickets {
		if t == ticketID {
			return g.Identity, nil
		}
	}
	return Identity{}, ErrForbidden
}

// tokenFromRequest reads the bearer token from the query string or the
// Authorization header.
func tokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// ticketFromPath extracts the ticket id from /ws/ticket/<id>/chat/.
func ticketFromPath(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/ws/ticket/")
	if !ok {
		return "", false
	}
	id, tail, ok := strings.Cut(rest, "/")
	if !ok || id == "" || strings.Trim(tail, "/") != "chat" {
		return "", false
	}
	return id, true
}
