package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/willemschots/chatwidget/internal"
	"github.com/willemschots/chatwidget/internal/db"
	"github.com/willemschots/chatwidget/internal/db/migrate"
	"github.com/willemschots/chatwidget/migrations"
)

const helpText = `Usage: dbmigrate [-status] [sqlite_file]

Applies the pending migrations of the account store. With -status
the applied and pending migrations are listed and nothing is changed.

The SQLite driver can be selected with the DB_DRIVER environment
variable, either sqlite3 (cgo, default) or sqlite (pure Go).`

func main() {
	fs := flag.NewFlagSet("dbmigrate", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprintln(os.Stderr, helpText) }
	status := fs.Bool("status", false, "list migrations without applying them")

	if err := fs.Parse(os.Args[1:]); err != nil || fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}

	driver := db.DriverCGO
	if v, ok := os.LookupEnv("DB_DRIVER"); ok {
		driver = v
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err := run(ctx, os.Stdout, driver, fs.Arg(0), *status)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dbmigrate: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, w io.Writer, driver, dbFile string, status bool) error {
	sqlDB, err := db.OpenSQLite(driver, dbFile, true)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer sqlDB.Close()

	if status {
		s, err := migrate.StatusFS(ctx, sqlDB, migrations.FS)
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}

		for _, m := range s.Applied {
			fmt.Fprintf(w, "applied %d: %s (%s)\n", m.Sequence, m.Filename, m.Metadata.AppVersion)
		}
		for _, name := range s.Pending {
			fmt.Fprintf(w, "pending: %s\n", name)
		}
		return nil
	}

	ran, err := migrate.RunFS(ctx, sqlDB, migrations.FS, migrate.Metadata{
		AppVersion: internal.Build.Revision,
		Timestamp:  internal.Build.RevisionTime,
	})
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	for _, m := range ran {
		fmt.Fprintf(w, "%d: %s\n", m.Sequence, m.Filename)
	}

	return nil
}
