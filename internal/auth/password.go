package auth

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/willemschots/chatwidget/internal/krypto"
	"golang.org/x/crypto/bcrypt"
)

const (
	// We put a generous upper cap on password length, so people can use
	// passphrases but we don't allow MBs of data as a password.
	maxPasswordBytes = 512
)

var (
	ErrInvalidPassword  = errors.New("invalid password")
	ErrPasswordMismatch = errors.New("passwords do not match")
)

// PolicyViolation describes the first password rule that was not met.
// It matches ErrInvalidPassword using errors.Is.
type PolicyViolation struct {
	Rule string
}

func (v PolicyViolation) Error() string {
	return v.Rule
}

func (v PolicyViolation) Is(target error) bool {
	return target == ErrInvalidPassword
}

// PasswordPolicy describes the strength requirements for new passwords.
// Uppercase, lowercase and digit characters are always required.
type PasswordPolicy struct {
	// MinLength is the minimum number of characters.
	MinLength int
	// RequireSpecial requires at least one character that is not a letter or digit.
	RequireSpecial bool
}

// DefaultPasswordPolicy requires 8 characters and no special characters.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:      8,
		RequireSpecial: false,
	}
}

// Validate checks pwd against the policy. The returned error is a
// PolicyViolation describing the first failing rule.
func (p PasswordPolicy) Validate(pwd string) error {
	if pwd == "" {
		return PolicyViolation{"Password is required."}
	}

	if len(pwd) > maxPasswordBytes {
		return PolicyViolation{fmt.Sprintf("Password must be at most %d bytes.", maxPasswordBytes)}
	}

	if utf8.RuneCountInString(pwd) < p.MinLength {
		return PolicyViolation{fmt.Sprintf("Password must be at least %d characters.", p.MinLength)}
	}

	var upper, lower, digit, special bool
	for _, r := range pwd {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case !unicode.IsLetter(r):
			special = true
		}
	}

	switch {
	case !upper:
		return PolicyViolation{"Password must contain an uppercase letter."}
	case !lower:
		return PolicyViolation{"Password must contain a lowercase letter."}
	case !digit:
		return PolicyViolation{"Password must contain a number."}
	case p.RequireSpecial && !special:
		return PolicyViolation{"Password must contain a special character."}
	}

	return nil
}

// Parse validates pwd and returns it as a Password.
func (p PasswordPolicy) Parse(pwd string) (Password, error) {
	if err := p.Validate(pwd); err != nil {
		return Password{}, err
	}

	return Password{plain: []byte(pwd)}, nil
}

// ConfirmPassword checks that a password and its confirmation are equal
// after trimming surrounding whitespace.
func ConfirmPassword(pwd, confirmation string) error {
	if strings.TrimSpace(pwd) != strings.TrimSpace(confirmation) {
		return ErrPasswordMismatch
	}
	return nil
}

// Password is a plaintext password.
//
// It should never be persisted, logged or exposed in any other way. To
// protect ourselves from accidentally doing so, the type implements
// several common interfaces that would allow it to be used inappropriately.
type Password struct {
	plain []byte
}

// ParsePassword accepts any non-empty password of reasonable size. Use it
// for passwords that are compared against an existing hash, the policy only
// applies to new passwords.
func ParsePassword(pwd string) (Password, error) {
	if pwd == "" || len(pwd) > maxPasswordBytes {
		return Password{}, ErrInvalidPassword
	}

	return Password{plain: []byte(pwd)}, nil
}

// IsZero reports whether p holds no password.
func (p Password) IsZero() bool {
	return len(p.plain) == 0
}

func (p Password) Format(f fmt.State, verb rune) {
	f.Write([]byte(krypto.SecretMarker))
}

func (p Password) MarshalText() ([]byte, error) {
	return []byte(krypto.SecretMarker), nil
}

// PasswordHash is the stored form of a password, an empty hash
// means the account has no password.
type PasswordHash string

// HashPassword hashes the password using argon2id.
func HashPassword(p Password) (PasswordHash, error) {
	if p.IsZero() {
		return "", ErrInvalidPassword
	}

	h, err := krypto.HashArgon2(p.plain)
	if err != nil {
		return "", err
	}

	return PasswordHash(h.String()), nil
}

// VerifyPassword reports whether p matches the hash. Besides argon2id it
// accepts bcrypt hashes. It never errors: an empty password, an empty
// hash or a malformed hash all result in false.
func VerifyPassword(p Password, h PasswordHash) bool {
	if p.IsZero() || h == "" {
		return false
	}

	if h.isBcrypt() {
		return bcrypt.CompareHashAndPassword([]byte(h), p.plain) == nil
	}

	parsed, err := krypto.ParseArgon2Hash(string(h))
	if err != nil {
		return false
	}

	return parsed.MatchBytes(p.plain)
}

func (h PasswordHash) isBcrypt() bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(string(h), prefix) {
			return true
		}
	}
	return false
}
