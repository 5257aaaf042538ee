package krypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const (
	keyLen = 32

	// SecretMarker replaces secret values in formatted and logged output.
	// Grep the logs for it to find places that handle secrets.
	SecretMarker = "<!SECRET_REDACTED!>"
)

var ErrInvalidKey = errors.New("invalid key")

// redacted renders as SecretMarker in fmt, text and slog output.
// Types that hold sensitive values embed it.
type redacted struct{}

func (redacted) Format(f fmt.State, _ rune) {
	_, _ = f.Write([]byte(SecretMarker))
}

func (redacted) MarshalText() ([]byte, error) {
	return []byte(SecretMarker), nil
}

func (redacted) LogValue() slog.Value {
	return slog.StringValue(SecretMarker)
}

// Secret is a credential for a third party, like an API key
// or a webhook signing secret.
type Secret struct {
	redacted
	value []byte
}

func NewSecret(raw string) Secret {
	return Secret{value: []byte(raw)}
}

// SecretValue returns the raw secret, for handing it to the
// client library or request that needs it.
func (s Secret) SecretValue() []byte {
	return s.value
}

// Key is a 32 byte key used for encryption and blind indexes.
type Key struct {
	redacted
	value []byte
}

// ParseKey expects 32 bytes, hex encoded.
func ParseKey(raw string) (Key, error) {
	if len(raw) != keyLen*2 {
		return Key{}, fmt.Errorf("%w: want %d hex characters, got %d", ErrInvalidKey, keyLen*2, len(raw))
	}

	k, err := hex.DecodeString(raw)
	if err != nil {
		return Key{}, fmt.Errorf("%w: not hex encoded", ErrInvalidKey)
	}

	return Key{value: k}, nil
}

// ParseKeys parses a comma separated list of keys, oldest first.
func ParseKeys(raw string) ([]Key, error) {
	parts := strings.Split(raw, ",")
	keys := make([]Key, 0, len(parts))
	for i, p := range parts {
		k, err := ParseKey(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		keys = append(keys, k)
	}

	return keys, nil
}

func (k Key) SecretValue() []byte {
	return k.value
}
