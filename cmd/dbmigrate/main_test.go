package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/willemschots/chatwidget/internal/db"
)

func Test_run(t *testing.T) {
	for _, driver := range []string{db.DriverCGO, db.DriverPureGo} {
		t.Run("ok, status then migrate then status "+driver, func(t *testing.T) {
			file := filepath.Join(t.TempDir(), "migrate-test.db")

			steps := []struct {
				status bool
				want   string
			}{
				{status: true, want: "pending: 1_create_accounts_table.sql\n"},
				{status: false, want: "0: 1_create_accounts_table.sql\n"},
				{status: false, want: ""},
			}

			for i, s := range steps {
				var out bytes.Buffer
				err := run(context.Background(), &out, driver, file, s.status)
				if err != nil {
					t.Fatalf("step %d: unexpected error: %v", i, err)
				}

				if out.String() != s.want {
					t.Errorf("step %d: got %q, want %q", i, out.String(), s.want)
				}
			}
		})
	}

	t.Run("fail, unknown driver", func(t *testing.T) {
		err := run(context.Background(), &bytes.Buffer{}, "postgres", filepath.Join(t.TempDir(), "x.db"), false)
		if err == nil {
			t.Fatal("expected error, got <nil>")
		}
	})
}
