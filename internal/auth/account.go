package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/willemschots/chatwidget/internal/email"
)

// Account is a registered chat user. Email is the natural key.
//
// Tokens are never stored in plain text, each token family only keeps
// the digest of the live token and its expiry.
type Account struct {
	ID            uuid.UUID
	Email         email.Address
	FirstName     string
	LastName      string
	PasswordHash  PasswordHash
	EmailVerified bool
	Verification  TokenState
	Session       TokenState
	PasswordReset TokenState
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasPassword reports whether the account is protected by a password.
func (a Account) HasPassword() bool {
	return a.PasswordHash != ""
}

// Store provides access to the account store.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)
	// FindAccountByEmail returns errorz.ErrNotFound if no account exists.
	FindAccountByEmail(ctx context.Context, addr email.Address) (Account, error)
}

// Tx is a transaction. If an error occurs on any of the Create/Update/Find methods,
// the transaction is considered to have failed and should be rolled back.
// Tx is not safe for concurrent use.
type Tx interface {
	Commit() error
	Rollback() error

	// CreateAccount returns errorz.ErrConstraintViolated if the email is taken.
	CreateAccount(a *Account) error
	// UpdateAccount writes all fields of the account identified by a.ID.
	UpdateAccount(a *Account) error
	// FindAccountByEmail returns errorz.ErrNotFound if no account exists.
	FindAccountByEmail(addr email.Address) (Account, error)
	CountAccounts() (int, error)
}
