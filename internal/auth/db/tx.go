package db

import (
	"database/sql"

	"github.com/willemschots/chatwidget/internal/auth"
	"github.com/willemschots/chatwidget/internal/email"
)

type Tx struct {
	tx    *sql.Tx
	store *Store
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// CreateAccount creates an account in the database.
// It returns errorz.ErrConstraintViolated if the email address is taken.
func (t *Tx) CreateAccount(a *auth.Account) error {
	return insertAccount(t.store.newQuery(), t.tx.Exec, a)
}

// UpdateAccount writes all fields of the account in a single statement.
// It returns errorz.ErrNotFound if no account is found.
func (t *Tx) UpdateAccount(a *auth.Account) error {
	return updateAccount(t.store.newQuery(), t.tx.Exec, a)
}

// FindAccountByEmail returns errorz.ErrNotFound if no account is found.
func (t *Tx) FindAccountByEmail(addr email.Address) (auth.Account, error) {
	return selectAccountByEmail(t.store.newQuery(), t.tx.QueryRow, addr)
}

// CountAccounts returns the total number of accounts.
func (t *Tx) CountAccounts() (int, error) {
	return countAccounts(t.tx.QueryRow)
}
