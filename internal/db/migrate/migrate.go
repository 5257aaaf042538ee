// Package migrate applies the SQL files of an fs.FS to a database, in order
// and at most once. Applied migrations are recorded in a migrations table
// together with a checksum of their content.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNoTable indicates the migrations table does not exist.
	ErrNoTable = errors.New("migrations table does not exist")
	// ErrMigrationsMismatch indicates that the applied migrations no longer
	// match the files: one was removed, renamed or modified.
	ErrMigrationsMismatch = errors.New("migrations mismatch")
)

// Migration is a migration that was applied.
type Migration struct {
	// Sequence is the position of the migration, starting at 0.
	Sequence int
	Filename string
	// Checksum is the SHA-256 of the file content, see Checksum.
	Checksum string
	Metadata Metadata
}

func (m Migration) Equal(other Migration) bool {
	return m.Sequence == other.Sequence &&
		m.Filename == other.Filename &&
		m.Checksum == other.Checksum &&
		m.Metadata.AppVersion == other.Metadata.AppVersion &&
		m.Metadata.Timestamp.Equal(other.Metadata.Timestamp)
}

// Metadata records which build applied a migration.
type Metadata struct {
	AppVersion string
	Timestamp  time.Time
}

// MigrationError is returned when the SQL of a migration fails.
type MigrationError struct {
	Sequence int
	Filename string
	Err      error
}

func (m MigrationError) Error() string {
	return fmt.Sprintf("migration [%d] %q failed: %v", m.Sequence, m.Filename, m.Err)
}

func (m MigrationError) Unwrap() error {
	return m.Err
}

// Checksum returns the hex encoded SHA-256 of a migration file.
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

const (
	createTableQuery = `CREATE TABLE IF NOT EXISTS migrations (
	sequence    INTEGER PRIMARY KEY,
	filename    TEXT NOT NULL,
	checksum    TEXT NOT NULL,
	app_version TEXT NOT NULL,
	timestamp   TIMESTAMP NOT NULL
)`
	selectQuery = `SELECT sequence, filename, checksum, app_version, timestamp FROM migrations ORDER BY sequence`
	insertQuery = `INSERT INTO migrations (sequence, filename, checksum, app_version, timestamp) VALUES (?, ?, ?, ?, ?)`
)

// RunFS applies the pending migrations in fsys in a single transaction.
// It returns the migrations it applied, an empty slice means the database
// was up to date.
//
// Only .sql files in the root of fsys are considered. They are ordered by
// the number before the first underscore ("2_x.sql" before "10_y.sql"),
// files without a number come last, ordered by name.
func RunFS(ctx context.Context, db *sql.DB, fsys fs.FS, meta Metadata) ([]Migration, error) {
	files, err := loadFiles(fsys)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	ran, err := apply(ctx, tx, files, meta)
	if err != nil {
		return nil, errors.Join(err, tx.Rollback())
	}

	err = tx.Commit()
	if err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return ran, nil
}

func apply(ctx context.Context, tx *sql.Tx, files []file, meta Metadata) ([]Migration, error) {
	_, err := tx.ExecContext(ctx, createTableQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := query(ctx, tx)
	if err != nil {
		return nil, err
	}

	pending, err := pendingFiles(applied, files)
	if err != nil {
		return nil, err
	}

	ran := make([]Migration, 0, len(pending))
	for i, f := range pending {
		m := Migration{
			Sequence: len(applied) + i,
			Filename: f.name,
			Checksum: f.checksum,
			Metadata: meta,
		}

		_, err := tx.ExecContext(ctx, f.content)
		if err != nil {
			return nil, MigrationError{Sequence: m.Sequence, Filename: m.Filename, Err: err}
		}

		_, err = tx.ExecContext(ctx, insertQuery, m.Sequence, m.Filename, m.Checksum, m.Metadata.AppVersion, m.Metadata.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to record migration %q: %w", m.Filename, err)
		}

		ran = append(ran, m)
	}

	return ran, nil
}

// pendingFiles checks that the applied migrations are the first files,
// unchanged, and returns the files after them.
func pendingFiles(applied []Migration, files []file) ([]file, error) {
	if len(applied) > len(files) {
		return nil, fmt.Errorf("%d migrations were applied but there are only %d files: %w",
			len(applied), len(files), ErrMigrationsMismatch)
	}

	for i, m := range applied {
		f := files[i]
		switch {
		case m.Sequence != i:
			return nil, fmt.Errorf("migration %q has sequence %d, wanted %d: %w", m.Filename, m.Sequence, i, ErrMigrationsMismatch)
		case m.Filename != f.name:
			return nil, fmt.Errorf("migration %d was applied as %q but the file is now %q: %w", i, m.Filename, f.name, ErrMigrationsMismatch)
		case m.Checksum != f.checksum:
			return nil, fmt.Errorf("migration %q was modified after it was applied: %w", m.Filename, ErrMigrationsMismatch)
		}
	}

	return files[len(applied):], nil
}

// Status describes the state of a database compared to a set of migration files.
type Status struct {
	Applied []Migration
	// Pending are the filenames that RunFS would apply, in order.
	Pending []string
}

// StatusFS reports the applied and pending migrations without changing db.
// A database without a migrations table has everything pending.
func StatusFS(ctx context.Context, db *sql.DB, fsys fs.FS) (Status, error) {
	files, err := loadFiles(fsys)
	if err != nil {
		return Status{}, err
	}

	applied, err := QueryMigrations(ctx, db)
	if err != nil && !errors.Is(err, ErrNoTable) {
		return Status{}, err
	}

	pending, err := pendingFiles(applied, files)
	if err != nil {
		return Status{}, err
	}

	s := Status{
		Applied: applied,
		Pending: make([]string, 0, len(pending)),
	}
	for _, f := range pending {
		s.Pending = append(s.Pending, f.name)
	}

	return s, nil
}

// QueryMigrations returns the applied migrations in order. It returns
// ErrNoTable if no migration was ever applied to db.
func QueryMigrations(ctx context.Context, db *sql.DB) ([]Migration, error) {
	return query(ctx, db)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func query(ctx context.Context, q querier) ([]Migration, error) {
	rows, err := q.QueryContext(ctx, selectQuery)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return nil, ErrNoTable
		}
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	migrations := make([]Migration, 0)
	for rows.Next() {
		var m Migration
		err := rows.Scan(&m.Sequence, &m.Filename, &m.Checksum, &m.Metadata.AppVersion, &m.Metadata.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}

		migrations = append(migrations, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate over migrations: %w", err)
	}

	return migrations, nil
}

type file struct {
	name     string
	content  string
	checksum string
	seq      int
	hasSeq   bool
}

func loadFiles(fsys fs.FS) ([]file, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	files := make([]file, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %q: %w", entry.Name(), err)
		}

		f := file{
			name:     entry.Name(),
			content:  string(content),
			checksum: Checksum(content),
		}

		prefix, _, ok := strings.Cut(f.name, "_")
		if ok {
			f.seq, err = strconv.Atoi(prefix)
			f.hasSeq = err == nil
		}

		files = append(files, f)
	}

	slices.SortStableFunc(files, func(a, b file) int {
		switch {
		case a.hasSeq && b.hasSeq && a.seq != b.seq:
			return a.seq - b.seq
		case a.hasSeq != b.hasSeq:
			if a.hasSeq {
				return -1
			}
			return 1
		}
		return strings.Compare(a.name, b.name)
	})

	return files, nil
}
