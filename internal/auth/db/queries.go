package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/willemschots/chatwidget/internal/auth"
	"github.com/willemschots/chatwidget/internal/db"
	"github.com/willemschots/chatwidget/internal/email"
	"github.com/willemschots/chatwidget/internal/errorz"
)

type execFunc func(query string, params ...any) (sql.Result, error)
type queryRowFunc func(query string, params ...any) *sql.Row

const accountColumns = `id, email_encrypted, first_name, last_name, password_hash, email_verified,
	verification_token, verification_token_expires_at,
	auth_token, auth_token_expires_at,
	password_reset_token, password_reset_token_expires_at,
	created_at, updated_at`

func insertAccount(q db.Query, ef execFunc, a *auth.Account) error {
	if a.ID == uuid.Nil {
		return fmt.Errorf("zero uuid provided: %w", errorz.ErrConstraintViolated)
	}

	q.Unsafe(`INSERT INTO accounts (id, email_encrypted, email_blind_index, first_name, last_name, password_hash, email_verified,
		verification_token, verification_token_expires_at, auth_token, auth_token_expires_at,
		password_reset_token, password_reset_token_expires_at, created_at, updated_at) VALUES (`)
	q.Param(a.ID)
	q.Unsafe(`, `)
	q.ParamEncrypted([]byte(a.Email))
	q.Unsafe(`, `)
	q.ParamBlindIndex([]byte(a.Email))
	q.Unsafe(`, `)
	q.Params(a.FirstName, a.LastName)
	q.Unsafe(`, `)
	q.ParamNullString(string(a.PasswordHash))
	q.Unsafe(`, `)
	q.Param(a.EmailVerified)
	for _, ts := range tokenStates(a) {
		q.Unsafe(`, `)
		q.ParamNullString(ts.Digest)
		q.Unsafe(`, `)
		q.ParamNullTime(ts.ExpiresAt)
	}
	q.Unsafe(`, `)
	q.ParamTime(a.CreatedAt)
	q.Unsafe(`, `)
	q.ParamTime(a.UpdatedAt)
	q.Unsafe(`)`)

	s, params, err := q.Get()
	if err != nil {
		return err
	}

	_, err = ef(s, params...)
	if err != nil {
		return errorz.MapDBErr(err)
	}

	return nil
}

func updateAccount(q db.Query, ef execFunc, a *auth.Account) error {
	q.Unsafe(`UPDATE accounts SET `)

	q.Unsafe(`email_encrypted = `)
	q.ParamEncrypted([]byte(a.Email))

	q.Unsafe(`, email_blind_index = `)
	q.ParamBlindIndex([]byte(a.Email))

	q.Unsafe(`, first_name = `)
	q.Param(a.FirstName)

	q.Unsafe(`, last_name = `)
	q.Param(a.LastName)

	q.Unsafe(`, password_hash = `)
	q.ParamNullString(string(a.PasswordHash))

	q.Unsafe(`, email_verified = `)
	q.Param(a.EmailVerified)

	columns := []string{"verification_token", "auth_token", "password_reset_token"}
	for i, ts := range tokenStates(a) {
		q.Unsafe(`, ` + columns[i] + ` = `)
		q.ParamNullString(ts.Digest)
		q.Unsafe(`, ` + columns[i] + `_expires_at = `)
		q.ParamNullTime(ts.ExpiresAt)
	}

	q.Unsafe(`, updated_at = `)
	q.ParamTime(a.UpdatedAt)

	q.Unsafe(` WHERE id = `)
	q.Param(a.ID)

	s, params, err := q.Get()
	if err != nil {
		return err
	}

	result, err := ef(s, params...)
	if err != nil {
		return errorz.MapDBErr(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errorz.MapDBErr(err)
	}

	if rows == 0 {
		return fmt.Errorf("account not found: %w", errorz.ErrNotFound)
	}

	return nil
}

func selectAccountByEmail(q db.Query, qf queryRowFunc, addr email.Address) (auth.Account, error) {
	q.Unsafe(`SELECT ` + accountColumns + ` FROM accounts WHERE email_blind_index = `)
	q.ParamBlindIndex([]byte(addr))

	s, params, err := q.Get()
	if err != nil {
		return auth.Account{}, err
	}

	var (
		a            auth.Account
		pwdHash      sql.NullString
		digests      [3]sql.NullString
		expiries     [3]sql.NullTime
		createdAt    time.Time
		updatedAt    time.Time
		emailEncrypt = q.DecryptionTarget()
	)

	err = qf(s, params...).Scan(
		&a.ID, emailEncrypt, &a.FirstName, &a.LastName, &pwdHash, &a.EmailVerified,
		&digests[0], &expiries[0],
		&digests[1], &expiries[1],
		&digests[2], &expiries[2],
		&createdAt, &updatedAt,
	)
	if err != nil {
		return auth.Account{}, errorz.MapDBErr(err)
	}

	a.Email, err = email.ParseAddress(string(emailEncrypt.Data))
	if err != nil {
		return auth.Account{}, err
	}

	a.PasswordHash = auth.PasswordHash(pwdHash.String)
	for i, ts := range tokenStates(&a) {
		ts.Digest = digests[i].String
		if expiries[i].Valid {
			exp := expiries[i].Time.UTC()
			ts.ExpiresAt = &exp
		}
	}
	a.CreatedAt = createdAt.UTC()
	a.UpdatedAt = updatedAt.UTC()

	return a, nil
}

func countAccounts(qf queryRowFunc) (int, error) {
	var n int
	err := qf(`SELECT COUNT(*) FROM accounts`).Scan(&n)
	if err != nil {
		return 0, errorz.MapDBErr(err)
	}
	return n, nil
}

// tokenStates returns the token families in column order.
func tokenStates(a *auth.Account) []*auth.TokenState {
	return []*auth.TokenState{&a.Verification, &a.Session, &a.PasswordReset}
}
