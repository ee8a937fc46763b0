// Package auth authenticates API tokens and decides which sessions a
// token may watch or drive.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
)

var (
	// ErrUnauthenticated is returned for a missing or unknown token.
	ErrUnauthenticated = errors.New("missing or invalid token")
	// ErrForbidden is returned when a token may not access a session.
	ErrForbidden = errors.New("token may not access this session")
)

// Identity is an authenticated caller.
type Identity struct {
	Name     string
	Sessions []string // glob patterns
}

// Authorizer is the authorization check consulted before any session
// resource is allocated.
type Authorizer interface {
	Authenticate(token string) (*Identity, error)
	Authorize(id *Identity, sessionID string) error
}

// Entry is one configured token.
type Entry struct {
	Name     string
	Hash     string   // hex SHA-256 of the raw token
	Sessions []string // glob patterns, empty means all sessions
}

// TokenAuthorizer checks raw tokens against configured SHA-256 hashes.
// With no entries it runs open and every caller may access every session.
type TokenAuthorizer struct {
	entries []entry
}

type entry struct {
	name     string
	hash     []byte
	sessions []string
}

// NewTokenAuthorizer validates entries and builds an authorizer.
func NewTokenAuthorizer(entries []Entry) (*TokenAuthorizer, error) {
	a := &TokenAuthorizer{}
	for i, e := range entries {
		h, err := hex.DecodeString(strings.TrimSpace(e.Hash))
		if err != nil || len(h) != sha256.Size {
			return nil, fmt.Errorf("token %d (%s): hash must be 64 hex characters", i, e.Name)
		}
		for _, p := range e.Sessions {
			if _, err := path.Match(p, ""); err != nil {
				return nil, fmt.Errorf("token %d (%s): bad session pattern %q: %w", i, e.Name, p, err)
			}
		}
		sessions := e.Sessions
		if len(sessions) == 0 {
			sessions = []string{"*"}
		}
		a.entries = append(a.entries, entry{name: e.Name, hash: h, sessions: sessions})
	}
	if len(a.entries) == 0 {
		slog.Warn("no API tokens configured, every session is open to every caller")
	}
	return a, nil
}

// Open reports whether the authorizer accepts every caller.
func (a *TokenAuthorizer) Open() bool {
	return len(a.entries) == 0
}

// Authenticate implements Authorizer.
func (a *TokenAuthorizer) Authenticate(token string) (*Identity, error) {
	if a.Open() {
		return &Identity{Name: "anonymous", Sessions: []string{"*"}}, nil
	}
	if token == "" {
		return nil, ErrUnauthenticated
	}

	sum := sha256.Sum256([]byte(token))
	var match *entry
	for i := range a.entries {
		// Keep comparing after a match so timing does not reveal the position.
		if subtle.ConstantTimeCompare(sum[:], a.entries[i].hash) == 1 && match == nil {
			match = &a.entries[i]
		}
	}
	if match == nil {
		return nil, ErrUnauthenticated
	}
	return &Identity{Name: match.name, Sessions: match.sessions}, nil
}

// Authorize implements Authorizer.
func (a *TokenAuthorizer) Authorize(id *Identity, sessionID string) error {
	if id == nil {
		return ErrUnauthenticated
	}
	if sessionID == "" {
		return ErrForbidden
	}
	for _, p := range id.Sessions {
		if matchSession(p, sessionID) {
			return nil
		}
	}
	return ErrForbidden
}

// matchSession is path.Match, except a lone "*" also crosses slashes.
func matchSession(pattern, sessionID string) bool {
	if pattern == "*" {
		return true
	}
	ok, _ := path.Match(pattern, sessionID)
	return ok
}

// HashToken returns the hex SHA-256 of a raw token, the form stored in
// configuration.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GenerateToken creates a random 256-bit hex-encoded token.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
