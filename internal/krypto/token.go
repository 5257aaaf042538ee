package krypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
)

const (
	tokenLen = 32
)

var ErrInvalidToken = errors.New("invalid token")

// Token is 256 bits of randomness, handed to users via email or
// as a session credential.
//
// Tokens are confidential. They should never be logged and are only
// persisted as a Digest.
type Token [tokenLen]byte

// GenerateToken creates a new random token.
func GenerateToken() (Token, error) {
	b, err := randBytes(tokenLen)
	if err != nil {
		return Token{}, err
	}
	return Token(b), nil
}

// ParseToken parses a hex encoded token. Surrounding whitespace is ignored.
func ParseToken(raw string) (Token, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) != tokenLen*2 {
		return Token{}, ErrInvalidToken
	}

	b, err := hex.DecodeString(raw)
	if err != nil {
		return Token{}, ErrInvalidToken
	}

	return Token(b), nil
}

// String returns the hex representation of the token. Unlike a password
// this is allowed, tokens need to be embedded in emails and responses.
func (t Token) String() string {
	return hex.EncodeToString(t[:])
}

// Digest returns the hex encoded SHA-256 digest of the token.
// Tokens carry enough entropy that a fast hash is sufficient.
func (t Token) Digest() string {
	sum := sha256.Sum256(t[:])
	return hex.EncodeToString(sum[:])
}

// MatchDigest reports whether digest belongs to t, in constant time.
func (t Token) MatchDigest(digest string) bool {
	if digest == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(t.Digest()), []byte(digest)) == 1
}

// LogValue implements the slog.LogValuer interface.
func (t Token) LogValue() slog.Value {
	return slog.StringValue(SecretMarker)
}

func randBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}
