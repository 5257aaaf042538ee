package db

import (
	"context"
	"database/sql"

	"github.com/willemschots/chatwidget/internal/auth"
	"github.com/willemschots/chatwidget/internal/db"
	"github.com/willemschots/chatwidget/internal/email"
	"github.com/willemschots/chatwidget/internal/krypto"
)

// Store is responsible for interacting with a database.
// Reads outside of a transaction use readDB, transactions use writeDB.
type Store struct {
	readDB        *sql.DB
	writeDB       *sql.DB
	encryptor     *krypto.Encryptor
	blindIndexKey krypto.Key
}

// New creates a new Store. readDB and writeDB may be the same pool.
func New(readDB, writeDB *sql.DB, encryptor *krypto.Encryptor, blindIndexKey krypto.Key) *Store {
	return &Store{
		readDB:        readDB,
		writeDB:       writeDB,
		encryptor:     encryptor,
		blindIndexKey: blindIndexKey,
	}
}

// BeginTx starts a new transaction.
func (s *Store) BeginTx(ctx context.Context) (auth.Tx, error) {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{
		tx:    tx,
		store: s,
	}, nil
}

// FindAccountByEmail finds the account with the given email address.
// It returns errorz.ErrNotFound if no account is found.
func (s *Store) FindAccountByEmail(ctx context.Context, addr email.Address) (auth.Account, error) {
	qf := func(query string, params ...any) *sql.Row {
		return s.readDB.QueryRowContext(ctx, query, params...)
	}
	return selectAccountByEmail(s.newQuery(), qf, addr)
}

func (s *Store) newQuery() db.Query {
	return db.Query{
		Encryptor:     s.encryptor,
		BlindIndexKey: s.blindIndexKey,
	}
}
