package schema

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/myuser/vcdb"
	_ "github.com/myuser/vcdb/engine/memory"
	"github.com/myuser/vcdb/internal/config"
)

var users = config.DatastoreConfig{
	Name:  "users",
	Key:   "id",
	Codec: "zstd",
	Indexes: []config.IndexConfig{
		{Name: "users_by_email", Field: "email"},
		{Name: "users_by_handle", Field: "handle"},
	},
}

func open(t *testing.T, cfgs ...config.DatastoreConfig) (*Schema, *vcdb.Database) {
	t.Helper()
	s, err := New(cfgs)
	if err != nil {
		t.Fatalf("New: %v", err)
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
	return s, db
}

func put(t *testing.T, db *vcdb.Database, tbl *Table, recs ...Record) {
	t.Helper()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Close()
	for _, r := range recs {
		if err := tbl.Put(tx, r); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestSchema_Layout(t *testing.T) {
	s, err := New([]config.DatastoreConfig{users, {Name: "orders", Key: "no", Size: 512}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, _ := vcdb.NewBuilder("memory", t.Name())
	if err := s.AddTo(b); err != nil {
		t.Fatalf("AddTo: %v", err)
	}

	// users, its two indexes, then orders
	if b.Len() != 4 {
		t.Fatalf("Len: want 4, got %d", b.Len())
	}
	orders, _ := s.Table("orders")
	if orders.Datastore.CorrelationID() != 3 || orders.Datastore.DataSize() != 512 {
		t.Errorf("orders: id %d size %d", orders.Datastore.CorrelationID(), orders.Datastore.DataSize())
	}
	u, _ := s.Table("users")
	if u.Datastore.DataSize() != DefaultSize {
		t.Errorf("users size: want %d, got %d", DefaultSize, u.Datastore.DataSize())
	}
	if strings.Join(u.Fields(), ",") != "email,handle" {
		t.Errorf("Fields: got %v", u.Fields())
	}
	if strings.Join(s.Tables(), ",") != "users,orders" {
		t.Errorf("Tables: got %v", s.Tables())
	}
	if _, err := s.Table("nope"); !errors.Is(err, ErrNoTable) {
		t.Errorf("Table(nope): want ErrNoTable, got %v", err)
	}
}

func TestSchema_ReadWrite(t *testing.T) {
	s, db := open(t, users)
	tbl, _ := s.Table("users")

	put(t, db, tbl,
		Record{"id": "1", "email": "ann@example.com", "handle": "ann"},
		Record{"id": "2", "email": "bo@example.com"})

	r, err := tbl.Get(db, "id", "1")
	if err != nil || r["handle"] != "ann" {
		t.Errorf("Get by id: got %v, %v", r, err)
	}
	r, err = tbl.Get(db, "email", "bo@example.com")
	if err != nil || r["id"] != "2" {
		t.Errorf("Get by email: got %v, %v", r, err)
	}
	if _, err := tbl.Get(db, "handle", ""); !errors.Is(err, vcdb.ErrInvalidParameter) {
		t.Errorf("Get with empty value: want ErrInvalidParameter, got %v", err)
	}
	if _, err := tbl.Get(db, "name", "x"); !errors.Is(err, ErrNoColumn) {
		t.Errorf("Get on unindexed column: want ErrNoColumn, got %v", err)
	}

	tx, _ := db.Begin()
	if err := tbl.Put(tx, Record{"email": "x"}); !errors.Is(err, ErrMissingPK) {
		t.Errorf("Put without key: want ErrMissingPK, got %v", err)
	}
	if err := tbl.Delete(tx, "handle", "ann"); err != nil {
		t.Errorf("Delete by handle: %v", err)
	}
	if err := tbl.Delete(tx, "name", "x"); !errors.Is(err, ErrNoColumn) {
		t.Errorf("Delete on unindexed column: want ErrNoColumn, got %v", err)
	}
	tx.Commit()

	if _, err := tbl.Get(db, "id", "1"); !errors.Is(err, vcdb.ErrValueNotFound) {
		t.Errorf("after delete: want ErrValueNotFound, got %v", err)
	}
}

func TestSchema_LargeRecord(t *testing.T) {
	s, db := open(t, config.DatastoreConfig{Name: "docs", Key: "id", Codec: "none"})
	tbl, _ := s.Table("docs")

	body := strings.Repeat("x", 3*vcdb.DefaultBufferSize)
	put(t, db, tbl, Record{"id": "big", "body": body})

	r, err := tbl.Get(db, "id", "big")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r["body"] != body {
		t.Errorf("body: got %d bytes, want %d", len(r["body"]), len(body))
	}
}

func TestSchema_OversizedKeys(t *testing.T) {
	s, db := open(t, users)
	tbl, _ := s.Table("users")

	long := strings.Repeat("k", vcdb.MaxKeySize)
	put(t, db, tbl, Record{"id": long, "email": "edge@example.com"})

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Close()
	for _, r := range []Record{
		{"id": long + "A", "email": "a@x"},
		{"id": "b", "email": "b@x", "handle": long + "B"},
	} {
		if err := tbl.Put(tx, r); !errors.Is(err, vcdb.ErrInvalidParameter) {
			t.Errorf("Put with a %d byte field: want ErrInvalidParameter, got %v", vcdb.MaxKeySize+1, err)
		}
	}
	// long values in fields that are neither key nor indexed are fine
	if err := tbl.Put(tx, Record{"id": "c", "bio": long + long}); err != nil {
		t.Errorf("Put with a long plain field: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	r, err := tbl.Get(db, "id", long)
	if err != nil || r["email"] != "edge@example.com" {
		t.Errorf("record keyed at the limit was overwritten: %v, %v", r, err)
	}
	if _, err := tbl.Get(db, "email", "a@x"); !errors.Is(err, vcdb.ErrValueNotFound) {
		t.Errorf("rejected record reached the index: %v", err)
	}
}

func TestNew_Errors(t *testing.T) {
	for i, cfgs := range [][]config.DatastoreConfig{
		{{Name: "a", Key: "id", Codec: "gzip"}},
		{{Name: "a", Key: "id"}, {Name: "a", Key: "id"}},
		{{Name: "a", Key: "id", Size: -1}},
	} {
		if _, err := New(cfgs); err == nil {
			t.Errorf("case %d: New accepted %s", i, fmt.Sprint(cfgs))
		}
	}
}
