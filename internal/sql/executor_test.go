package sql

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/myuser/vcdb"
	_ "github.com/myuser/vcdb/engine/memory"
	"github.com/myuser/vcdb/internal/config"
	"github.com/myuser/vcdb/internal/schema"
)

func newExecutor(t *testing.T) *Executor {
	t.Helper()
	s, err := schema.New([]config.DatastoreConfig{{
		Name:    "users",
		Key:     "id",
		Codec:   "snappy",
		Indexes: []config.IndexConfig{{Name: "users_by_email", Field: "email"}},
	}})
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	b, err := vcdb.NewBuilder("memory", t.Name())
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if err := s.AddTo(b); err != nil {
		t.Fatalf("AddTo: %v", err)
	}
	db, err := b.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		b.DeleteDatabase()
		b.Close()
	})
	return NewExecutor(db, s, nil)
}

func exec(t *testing.T, e *Executor, sql string) []Result {
	t.Helper()
	res, err := e.Execute(context.Background(), sql)
	if err != nil {
		t.Fatalf("Execute(%s): %v", sql, err)
	}
	return res
}

func TestExecutor_InsertSelect(t *testing.T) {
	e := newExecutor(t)

	res := exec(t, e, "INSERT INTO users (id, name, email) VALUES ('1', 'alice', 'alice@example.com'), ('2', 'bob', 'bob@example.com')")
	if len(res) != 1 || res[0].Affected != 2 {
		t.Fatalf("insert: got %+v", res)
	}

	res = exec(t, e, "SELECT name FROM users WHERE id = '1'; SELECT * FROM users WHERE email = 'bob@example.com'")
	if len(res) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(res))
	}
	if len(res[0].Rows) != 1 || res[0].Rows[0][0] != "alice" {
		t.Errorf("by id: got %+v", res[0])
	}
	if strings.Join(res[1].Columns, ",") != "email,id,name" || len(res[1].Rows) != 1 || res[1].Rows[0][1] != "2" {
		t.Errorf("by email: got %+v", res[1])
	}

	res = exec(t, e, "SELECT * FROM users WHERE id = '9'")
	if len(res[0].Rows) != 0 {
		t.Errorf("missing row: got %+v", res[0])
	}
}

func TestExecutor_ReadsSeeCommittedState(t *testing.T) {
	e := newExecutor(t)
	exec(t, e, "INSERT INTO users (id, name) VALUES ('1', 'alice')")

	res := exec(t, e, "INSERT INTO users (id, name) VALUES ('2', 'bob'), ('1', 'ann'); "+
		"SELECT name FROM users WHERE id = '2'; SELECT name FROM users WHERE id = '1'")
	if len(res) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(res))
	}
	if len(res[1].Rows) != 0 {
		t.Errorf("uncommitted insert visible in its batch: %+v", res[1])
	}
	if len(res[2].Rows) != 1 || res[2].Rows[0][0] != "alice" {
		t.Errorf("same-batch read of id 1: want alice, got %+v", res[2])
	}

	res = exec(t, e, "SELECT name FROM users WHERE id = '2'; SELECT name FROM users WHERE id = '1'")
	if len(res[0].Rows) != 1 || len(res[1].Rows) != 1 || res[1].Rows[0][0] != "ann" {
		t.Errorf("after commit: got %+v", res)
	}
}

func TestExecutor_Delete(t *testing.T) {
	e := newExecutor(t)
	exec(t, e, "INSERT INTO users (id, email) VALUES ('1', 'a@x'), ('2', 'b@x')")

	res := exec(t, e, "DELETE FROM users WHERE email = 'a@x'; DELETE FROM users WHERE id = '7'")
	if res[0].Affected != 1 || res[1].Affected != 0 {
		t.Errorf("affected: got %d and %d", res[0].Affected, res[1].Affected)
	}

	res = exec(t, e, "SELECT * FROM users WHERE id = '1'; SELECT * FROM users WHERE email = 'b@x'")
	if len(res[0].Rows) != 0 || len(res[1].Rows) != 1 {
		t.Errorf("after delete: got %+v", res)
	}

	// a delete sees puts made earlier in its own batch
	exec(t, e, "INSERT INTO users (id, email) VALUES ('3', 'c@x'); DELETE FROM users WHERE email = 'c@x'")
	if res := exec(t, e, "SELECT * FROM users WHERE id = '3'"); len(res[0].Rows) != 0 {
		t.Errorf("record 3 survived its batch: %+v", res[0])
	}
}

func TestExecutor_BatchIsAtomic(t *testing.T) {
	e := newExecutor(t)

	_, err := e.Execute(context.Background(),
		"INSERT INTO users (id) VALUES ('1'); INSERT INTO users (name) VALUES ('nokey')")
	if !errors.Is(err, schema.ErrMissingPK) {
		t.Fatalf("want ErrMissingPK, got %v", err)
	}
	if res := exec(t, e, "SELECT * FROM users WHERE id = '1'"); len(res[0].Rows) != 0 {
		t.Errorf("failed batch left a record behind: %+v", res[0])
	}

	for _, sql := range []string{
		"SELECT * FROM orders WHERE id = '1'",
		"SELECT * FROM users WHERE name = 'alice'",
	} {
		if _, err := e.Execute(context.Background(), sql); err == nil {
			t.Errorf("%s: expected an error", sql)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Execute(ctx, "INSERT INTO users (id) VALUES ('2')"); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled batch: want context.Canceled, got %v", err)
	}
}

func TestFormat(t *testing.T) {
	var buf bytes.Buffer
	err := Format(&buf, []Result{
		{Affected: 2},
		{Columns: []string{"id", "name"}, Rows: []Row{{"1", "alice"}}},
	})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"2 affected", "id  name", "1   alice", "(1 rows)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q lacks %q", out, want)
		}
	}
}
