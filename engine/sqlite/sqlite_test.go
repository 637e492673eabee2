package sqlite

import (
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/myuser/vcdb"
	"github.com/myuser/vcdb/internal/vcdbtest"
)

func dbPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "vcdb.sqlite")
}

func TestSQLiteEngine(t *testing.T) {
	vcdbtest.RunEngineSuite(t, EngineName, dbPath)
}

func TestSQLiteEngine_Compressed(t *testing.T) {
	vcdbtest.RunEngineSuite(t, EngineName, func(t *testing.T) string {
		return dbPath(t) + "?codec=lz4"
	})
}

func TestSQLiteEngine_SchemaAndHandles(t *testing.T) {
	path := dbPath(t)
	f := vcdbtest.NewFixture(t, EngineName, path)
	db, err := f.Builder.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer db.Close()

	if h, ok := f.Builder.Handle(f.Users.CorrelationID()).(table); !ok || h.name != "ds_users" || h.index {
		t.Errorf("datastore handle: got %+v", f.Builder.Handle(f.Users.CorrelationID()))
	}
	if h, ok := f.Builder.Handle(f.ByEmail.CorrelationID()).(table); !ok || h.name != "ix_users_by_email" || !h.index {
		t.Errorf("index handle: got %+v", f.Builder.Handle(f.ByEmail.CorrelationID()))
	}

	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer raw.Close()

	rows, err := raw.Query(`SELECT name, kind, datastore FROM vcdb_schema ORDER BY name`)
	if err != nil {
		t.Fatalf("query schema: %v", err)
	}
	defer rows.Close()

	var got []string
	for rows.Next() {
		var name, kind, ds string
		if err := rows.Scan(&name, &kind, &ds); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got = append(got, name+":"+kind+":"+ds)
	}
	want := "users:datastore:users,users_by_email:index:users"
	if strings.Join(got, ",") != want {
		t.Errorf("schema: want %s, got %s", want, strings.Join(got, ","))
	}
}

func TestSQLiteEngine_RowsFollowIndexDelete(t *testing.T) {
	path := dbPath(t)
	f := vcdbtest.NewFixture(t, EngineName, path)
	db, err := f.Builder.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer db.Close()

	f.Put(t, db, &vcdbtest.User{ID: "alice", Email: "alice@example.com"})

	tx, _ := db.Begin()
	if err := tx.IndexDelete(f.ByEmail, []byte("alice@example.com")); err != nil {
		t.Fatalf("IndexDelete: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	raw, _ := sql.Open("sqlite", path)
	defer raw.Close()
	for _, table := range []string{"ds_users", "ix_users_by_email"} {
		var n int
		if err := raw.QueryRow(`SELECT COUNT(*) FROM ` + quote(table)).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != 0 {
			t.Errorf("%s: want 0 rows, got %d", table, n)
		}
	}
}

func TestSQLiteEngine_CommitAfterRollbackIsRejected(t *testing.T) {
	f := vcdbtest.NewFixture(t, EngineName, dbPath(t))
	db, err := f.Builder.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer db.Close()

	tx, _ := db.Begin()
	tx.Rollback()
	if err := tx.Commit(); !errors.Is(err, vcdb.ErrBadTransaction) {
		t.Errorf("Commit after Rollback: want ErrBadTransaction, got %v", err)
	}
}

func TestQuote(t *testing.T) {
	if got := quote(`we"ird`); got != `"we""ird"` {
		t.Errorf("quote: got %s", got)
	}
}
