package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/willemschots/chatwidget/internal/krypto"
)

var ErrNoEncryptor = errors.New("no encryptor set")

// Query builds a SQL statement with bind parameters.
//
// Static SQL is written with Unsafe, values only ever go through one of
// the Param methods. Errors are collected while building and reported
// once by Get.
type Query struct {
	Encryptor     *krypto.Encryptor
	BlindIndexKey krypto.Key

	stmt   strings.Builder
	params []any
	errs   []error
}

// Unsafe writes a non-parameterized part of a query.
func (q *Query) Unsafe(s string) {
	q.stmt.WriteString(s)
}

// Param writes a placeholder and binds v to it.
func (q *Query) Param(v any) {
	q.stmt.WriteByte('?')
	q.params = append(q.params, v)
}

// Params writes a comma separated list of placeholders.
func (q *Query) Params(v ...any) {
	for i := range v {
		if i > 0 {
			q.Unsafe(", ")
		}
		q.Param(v[i])
	}
}

// ParamNullString binds s, or NULL if s is empty.
func (q *Query) ParamNullString(s string) {
	q.Param(sql.NullString{String: s, Valid: s != ""})
}

// ParamTime binds t in UTC.
func (q *Query) ParamTime(t time.Time) {
	q.Param(t.UTC())
}

// ParamNullTime binds t in UTC, or NULL if t is nil.
func (q *Query) ParamNullTime(t *time.Time) {
	if t == nil {
		q.Param(sql.NullTime{})
		return
	}
	q.Param(sql.NullTime{Time: t.UTC(), Valid: true})
}

// ParamEncrypted binds the ciphertext of d.
func (q *Query) ParamEncrypted(d []byte) {
	if q.Encryptor == nil {
		q.fail(ErrNoEncryptor)
		return
	}

	ciphertext, err := q.Encryptor.Encrypt(d)
	if err != nil {
		q.fail(fmt.Errorf("encrypting param %d: %w", len(q.params)+1, err))
		return
	}

	q.Param(ciphertext)
}

// ParamBlindIndex binds a keyed hash of d that can be searched for
// without decrypting. Stored indexes must be rebuilt when the key or
// the argon2 parameters change.
func (q *Query) ParamBlindIndex(d []byte) {
	hash, err := krypto.HashArgon2WithKey(d, q.BlindIndexKey)
	if err != nil {
		q.fail(fmt.Errorf("indexing param %d: %w", len(q.params)+1, err))
		return
	}

	// the salt is the key.
	hash.Salt = nil
	q.Param(hash.String())
}

func (q *Query) fail(err error) {
	q.errs = append(q.errs, err)
}

// Get returns the statement and its bind parameters, or the errors
// collected while building it.
func (q *Query) Get() (string, []any, error) {
	if len(q.errs) > 0 {
		return "", nil, errors.Join(q.errs...)
	}
	return q.stmt.String(), q.params, nil
}

// DecryptionTarget returns a scan destination for a column written
// with ParamEncrypted.
func (q *Query) DecryptionTarget() *Decryptable {
	return &Decryptable{encryptor: q.Encryptor}
}

// Decryptable is a sql.Scanner that decrypts the scanned value into Data.
type Decryptable struct {
	encryptor *krypto.Encryptor
	Data      []byte
}

func (d *Decryptable) Scan(src any) error {
	if d.encryptor == nil {
		return ErrNoEncryptor
	}

	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("can't decrypt %T, want encrypted bytes", src)
	}

	data, err := d.encryptor.Decrypt(b)
	if err != nil {
		return err
	}

	d.Data = data
	return nil
}
