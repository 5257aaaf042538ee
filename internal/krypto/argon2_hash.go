package krypto

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argon2Variant     = "argon2id"
	argon2MemoryKiB   = 47104
	argon2Iterations  = 1
	argon2Parallelism = 1
	argon2SaltLen     = 16
	argon2KeyLen      = 32
)

// ErrInvalidInput indicates the input can not be hashed or parsed.
var ErrInvalidInput = errors.New("invalid input")

var b64 = base64.RawStdEncoding

// Argon2Hash is an argon2id hash and the parameters used to create it.
//
// In text form it uses the PHC string format:
//
//	$argon2id$v=19$m=47104,t=1,p=1$<salt>$<hash>
type Argon2Hash struct {
	Variant     string
	Version     int
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	Salt        []byte
	Hash        []byte
}

// HashArgon2 hashes data with a random salt.
func HashArgon2(data []byte) (Argon2Hash, error) {
	salt, err := randBytes(argon2SaltLen)
	if err != nil {
		return Argon2Hash{}, err
	}

	return hashArgon2(data, salt)
}

// HashArgon2WithKey hashes data using the key as salt. The output is
// deterministic, which makes it usable as a blind index.
func HashArgon2WithKey(data []byte, key Key) (Argon2Hash, error) {
	if len(key.value) == 0 {
		return Argon2Hash{}, fmt.Errorf("empty key: %w", ErrInvalidInput)
	}

	return hashArgon2(data, key.value)
}

func hashArgon2(data, salt []byte) (Argon2Hash, error) {
	if len(data) == 0 {
		return Argon2Hash{}, fmt.Errorf("empty data: %w", ErrInvalidInput)
	}

	return Argon2Hash{
		Variant:     argon2Variant,
		Version:     argon2.Version,
		MemoryKiB:   argon2MemoryKiB,
		Iterations:  argon2Iterations,
		Parallelism: argon2Parallelism,
		Salt:        salt,
		Hash:        argon2.IDKey(data, salt, argon2Iterations, argon2MemoryKiB, argon2Parallelism, argon2KeyLen),
	}, nil
}

// ParseArgon2Hash parses a hash in PHC string format.
func ParseArgon2Hash(s string) (Argon2Hash, error) {
	parts := strings.Split(s, "$")
	if len(parts) != 6 || parts[0] != "" {
		return Argon2Hash{}, fmt.Errorf("expected 6 segments: %w", ErrInvalidInput)
	}

	if parts[1] != argon2Variant {
		return Argon2Hash{}, fmt.Errorf("unsupported variant %q: %w", parts[1], ErrInvalidInput)
	}

	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || !strings.HasPrefix(parts[2], "v=") {
		return Argon2Hash{}, fmt.Errorf("invalid version: %w", ErrInvalidInput)
	}

	if version != argon2.Version {
		return Argon2Hash{}, fmt.Errorf("unsupported version %d: %w", version, ErrInvalidInput)
	}

	h := Argon2Hash{
		Variant: argon2Variant,
		Version: version,
	}

	err = h.parseParams(parts[3])
	if err != nil {
		return Argon2Hash{}, err
	}

	h.Salt, err = b64.DecodeString(parts[4])
	if err != nil {
		return Argon2Hash{}, fmt.Errorf("invalid salt: %w", ErrInvalidInput)
	}

	h.Hash, err = b64.DecodeString(parts[5])
	if err != nil || len(h.Hash) == 0 {
		return Argon2Hash{}, fmt.Errorf("invalid hash: %w", ErrInvalidInput)
	}

	return h, nil
}

func (h *Argon2Hash) parseParams(s string) error {
	params := strings.Split(s, ",")
	if len(params) != 3 {
		return fmt.Errorf("expected 3 parameters: %w", ErrInvalidInput)
	}

	values := make([]uint64, 0, 3)
	for i, prefix := range []string{"m=", "t=", "p="} {
		if !strings.HasPrefix(params[i], prefix) {
			return fmt.Errorf("expected parameter %q: %w", prefix, ErrInvalidInput)
		}

		bitSize := 32
		if prefix == "p=" {
			bitSize = 8
		}

		v, err := strconv.ParseUint(strings.TrimPrefix(params[i], prefix), 10, bitSize)
		if err != nil {
			return fmt.Errorf("invalid parameter %q: %w", prefix, ErrInvalidInput)
		}

		values = append(values, v)
	}

	h.MemoryKiB = uint32(values[0])
	h.Iterations = uint32(values[1])
	h.Parallelism = uint8(values[2])
	return nil
}

// MatchBytes reports whether data hashes to h using the parameters of h.
func (h Argon2Hash) MatchBytes(data []byte) bool {
	if len(h.Hash) == 0 || h.Iterations == 0 || h.Parallelism == 0 {
		return false
	}

	other := argon2.IDKey(data, h.Salt, h.Iterations, h.MemoryKiB, h.Parallelism, uint32(len(h.Hash)))
	return subtle.ConstantTimeCompare(h.Hash, other) == 1
}

func (h Argon2Hash) String() string {
	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		h.Variant, h.Version, h.MemoryKiB, h.Iterations, h.Parallelism,
		b64.EncodeToString(h.Salt), b64.EncodeToString(h.Hash),
	)
}

func (h Argon2Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Argon2Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseArgon2Hash(string(text))
	if err != nil {
		return err
	}

	*h = parsed
	return nil
}

// Scan implements sql.Scanner.
func (h *Argon2Hash) Scan(src any) error {
	s, ok := src.(string)
	if !ok {
		return fmt.Errorf("can not scan %T into argon2 hash", src)
	}

	return h.UnmarshalText([]byte(s))
}
