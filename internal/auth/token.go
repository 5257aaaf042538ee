package auth

import (
	"fmt"
	"time"

	"github.com/willemschots/chatwidget/internal/krypto"
)

// TokenKind distinguishes the lifetimes of issued tokens.
type TokenKind int

const (
	// SessionToken authenticates a client after login or verification.
	SessionToken TokenKind = iota
	// ActionToken proves control of an email address, it is used for
	// email verification and password resets.
	ActionToken
)

func (k TokenKind) String() string {
	switch k {
	case SessionToken:
		return "session"
	case ActionToken:
		return "action"
	default:
		return fmt.Sprintf("TokenKind(%d)", int(k))
	}
}

// TokenLifetimes configures how long issued tokens remain valid.
type TokenLifetimes struct {
	Session time.Duration
	Action  time.Duration
}

// DefaultTokenLifetimes returns 30 days for sessions and 24 hours for action tokens.
func DefaultTokenLifetimes() TokenLifetimes {
	return TokenLifetimes{
		Session: 30 * 24 * time.Hour,
		Action:  24 * time.Hour,
	}
}

// IssuedToken is a freshly generated token and the moment it expires.
type IssuedToken struct {
	Token     krypto.Token
	ExpiresAt time.Time
}

// State returns the persisted form of the issued token.
func (t IssuedToken) State() TokenState {
	exp := t.ExpiresAt
	return TokenState{
		Digest:    t.Token.Digest(),
		ExpiresAt: &exp,
	}
}

// Issue generates a new token of the given kind that expires relative to now.
func (l TokenLifetimes) Issue(kind TokenKind, now time.Time) (IssuedToken, error) {
	var lifetime time.Duration
	switch kind {
	case SessionToken:
		lifetime = l.Session
	case ActionToken:
		lifetime = l.Action
	default:
		return IssuedToken{}, fmt.Errorf("unknown token kind %v", kind)
	}

	tok, err := krypto.GenerateToken()
	if err != nil {
		return IssuedToken{}, err
	}

	return IssuedToken{
		Token:     tok,
		ExpiresAt: now.Add(lifetime),
	}, nil
}

// IsExpired reports whether expiresAt lies at or before now.
// A missing expiry is always considered expired.
func IsExpired(expiresAt *time.Time, now time.Time) bool {
	if expiresAt == nil {
		return true
	}
	return !now.Before(*expiresAt)
}

// TokenState is the persisted state of a single token family on an account.
// An empty Digest means no token of that family is live.
type TokenState struct {
	Digest    string
	ExpiresAt *time.Time
}

// IsZero reports whether no token is present.
func (s TokenState) IsZero() bool {
	return s.Digest == ""
}

// check compares a token against the state. The returned reason is empty
// when the token matches and has not expired.
func (s TokenState) check(tok krypto.Token, now time.Time) Reason {
	if s.IsZero() || !tok.MatchDigest(s.Digest) {
		return ReasonInvalidToken
	}

	if IsExpired(s.ExpiresAt, now) {
		return ReasonTokenExpired
	}

	return ""
}
