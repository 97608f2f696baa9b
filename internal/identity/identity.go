// Package identity resolves who is on the other end of a connection.
// The coordinator trusts only identities produced here, never the userId a
// client puts inside a frame.
package identity

import (
	"errors"
	"net/http"
	"strings"
	"unicode"

	"github.com/00quasr/sokudo-sub009/internal/race"
)

var (
	ErrMissingCredentials = errors.New("identity: credentials are required")
	ErrInvalidToken       = errors.New("identity: token is invalid")
	ErrExpiredToken       = errors.New("identity: token is expired")
	ErrInvalidUser        = errors.New("identity: user id is invalid")
)

const (
	maxUserIDLen = 128
	maxNameLen   = 32
)

// Provider identifies the user behind an upgrade request.
type Provider interface {
	Identify(r *http.Request) (race.Identity, error)
}

// QueryProvider trusts the userId and userName query parameters. It is meant
// for local development and tests only.
type QueryProvider struct{}

// Identify implements Provider.
func (QueryProvider) Identify(r *http.Request) (race.Identity, error) {
	q := r.URL.Query()
	uid := strings.TrimSpace(q.Get("userId"))
	if uid == "" {
		return race.Identity{}, ErrMissingCredentials
	}
	return newIdentity(uid, q.Get("userName"))
}

func newIdentity(uid, name string) (race.Identity, error) {
	if len(uid) > maxUserIDLen || strings.ContainsFunc(uid, unicode.IsControl) {
		return race.Identity{}, ErrInvalidUser
	}
	name = SanitizeName(name)
	if name == "" {
		name = uid
		if len(name) > maxNameLen {
			name = name[:maxNameLen]
		}
	}
	return race.Identity{UserID: race.UserID(uid), DisplayName: name}, nil
}

// SanitizeName strips control characters and bounds the display name.
func SanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.Join(strings.Fields(name), " ")
	if runes := []rune(name); len(runes) > maxNameLen {
		name = string(runes[:maxNameLen])
	}
	return name
}

// bearer extracts a token from the Authorization header, falling back to the
// token query parameter since browsers cannot set headers on websocket dials.
func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, tok, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
