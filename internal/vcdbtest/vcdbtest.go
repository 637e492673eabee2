// Package vcdbtest provides a sample value type and a conformance suite for
// vcdb engines.
package vcdbtest

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/myuser/vcdb"
)

// UserSize is the data size declared for the users datastore.
const UserSize = 64

// User is the value stored by the suite.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Bio   string `json:"bio,omitempty"`
}

// NewUsers returns a "users" datastore keyed by ID and a "users_by_email"
// index over it.
func NewUsers() (*vcdb.Datastore, *vcdb.Index, error) {
	ds, err := vcdb.NewDatastoreOf("users", UserSize,
		func(u *User, key []byte) int { return copy(key, u.ID) },
		func(data []byte, u *User) error { return json.Unmarshal(data, u) },
		func(u *User, buf []byte) (int, error) {
			data, err := json.Marshal(u)
			if err != nil {
				return 0, err
			}
			if len(data) > len(buf) {
				return len(data), vcdb.ErrBufferTooSmall
			}
			return copy(buf, data), nil
		})
	if err != nil {
		return nil, nil, err
	}

	idx, err := vcdb.NewIndexOf(ds, "users_by_email", func(u *User, key []byte) int {
		return copy(key, u.Email)
	})
	if err != nil {
		return nil, nil, err
	}
	return ds, idx, nil
}

// Fixture is a builder with the users schema added.
type Fixture struct {
	Builder *vcdb.Builder
	Users   *vcdb.Datastore
	ByEmail *vcdb.Index
}

// NewFixture builds the users schema against engine and connection.
func NewFixture(t testing.TB, engine, connection string, opts ...vcdb.Option) *Fixture {
	t.Helper()

	b, err := vcdb.NewBuilder(engine, connection, opts...)
	if err != nil {
		t.Fatalf("NewBuilder(%s): %v", engine, err)
	}
	ds, idx, err := NewUsers()
	if err != nil {
		t.Fatalf("NewUsers: %v", err)
	}
	if err := b.AddDatastore(ds); err != nil {
		t.Fatalf("AddDatastore: %v", err)
	}
	if err := b.AddIndex(idx); err != nil {
		t.Fatalf("AddIndex: %v", err)
	}
	return &Fixture{Builder: b, Users: ds, ByEmail: idx}
}

// Put stores users in one committed transaction.
func (f *Fixture) Put(t testing.TB, db *vcdb.Database, users ...*User) {
	t.Helper()

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Close()

	for _, u := range users {
		if err := tx.DatastorePut(f.Users, u); err != nil {
			t.Fatalf("DatastorePut(%s): %v", u.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// Get reads a user by primary key.
func (f *Fixture) Get(db *vcdb.Database, id string) (*User, error) {
	var u User
	if _, err := db.DatastoreGet(f.Users, []byte(id), &u, UserSize); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetByEmail reads a user through the email index.
func (f *Fixture) GetByEmail(db *vcdb.Database, email string) (*User, error) {
	var u User
	if _, err := db.IndexGet(f.ByEmail, []byte(email), &u, UserSize); err != nil {
		return nil, err
	}
	return &u, nil
}

func (f *Fixture) mustMiss(t *testing.T, db *vcdb.Database, id string) {
	t.Helper()
	if _, err := f.Get(db, id); !errors.Is(err, vcdb.ErrValueNotFound) {
		t.Errorf("Get(%s): want ErrValueNotFound, got %v", id, err)
	}
}

func (f *Fixture) mustMissByEmail(t *testing.T, db *vcdb.Database, email string) {
	t.Helper()
	if _, err := f.GetByEmail(db, email); !errors.Is(err, vcdb.ErrValueNotFound) {
		t.Errorf("GetByEmail(%s): want ErrValueNotFound, got %v", email, err)
	}
}

// RunEngineSuite exercises an engine end to end. conn returns a fresh
// connection string for each subtest.
func RunEngineSuite(t *testing.T, engine string, conn func(t *testing.T) string) {
	t.Run("ReadWrite", func(t *testing.T) { testReadWrite(t, engine, conn(t)) })
	t.Run("LargeValue", func(t *testing.T) { testLargeValue(t, engine, conn(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, engine, conn(t)) })
	t.Run("IndexMaintenance", func(t *testing.T) { testIndexMaintenance(t, engine, conn(t)) })
	t.Run("Deletes", func(t *testing.T) { testDeletes(t, engine, conn(t)) })
	t.Run("Lifecycle", func(t *testing.T) { testLifecycle(t, engine, conn(t)) })
}

func create(t *testing.T, f *Fixture) *vcdb.Database {
	t.Helper()
	db, err := f.Builder.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return db
}

func testReadWrite(t *testing.T, engine, conn string) {
	f := NewFixture(t, engine, conn)
	db := create(t, f)
	defer db.Close()

	f.Put(t, db,
		&User{ID: "alice", Email: "alice@example.com"},
		&User{ID: "bob", Email: "bob@example.com"})

	u, err := f.Get(db, "alice")
	if err != nil {
		t.Fatalf("Get(alice): %v", err)
	}
	if u.Email != "alice@example.com" {
		t.Errorf("Get(alice): want alice@example.com, got %s", u.Email)
	}

	u, err = f.GetByEmail(db, "bob@example.com")
	if err != nil {
		t.Fatalf("GetByEmail(bob): %v", err)
	}
	if u.ID != "bob" {
		t.Errorf("GetByEmail: want bob, got %s", u.ID)
	}

	f.mustMiss(t, db, "carol")
	f.mustMissByEmail(t, db, "carol@example.com")

	var small User
	n, err := db.DatastoreGet(f.Users, []byte("alice"), &small, UserSize-1)
	if !errors.Is(err, vcdb.ErrWouldTruncate) || n != UserSize {
		t.Errorf("undersized value: want (%d, ErrWouldTruncate), got (%d, %v)", UserSize, n, err)
	}
}

func testLargeValue(t *testing.T, engine, conn string) {
	f := NewFixture(t, engine, conn)
	db := create(t, f)
	defer db.Close()

	bio := strings.Repeat("long biography ", 300)
	f.Put(t, db, &User{ID: "alice", Email: "alice@example.com", Bio: bio})

	u, err := f.Get(db, "alice")
	if err != nil {
		t.Fatalf("Get(alice): %v", err)
	}
	if u.Bio != bio {
		t.Errorf("Bio mismatch: got %d bytes, want %d", len(u.Bio), len(bio))
	}
	if f.Users.SerialDataSize() <= vcdb.DefaultBufferSize {
		t.Errorf("SerialDataSize: want > %d, got %d", vcdb.DefaultBufferSize, f.Users.SerialDataSize())
	}
}

func testRollback(t *testing.T, engine, conn string) {
	f := NewFixture(t, engine, conn)
	db := create(t, f)
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.DatastorePut(f.Users, &User{ID: "carol", Email: "carol@example.com"}); err != nil {
		t.Fatalf("DatastorePut: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	f.mustMiss(t, db, "carol")

	// Close on an active transaction discards its writes too
	tx, err = db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	tx.DatastorePut(f.Users, &User{ID: "dave", Email: "dave@example.com"})
	if err := tx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	f.mustMiss(t, db, "dave")
	f.mustMissByEmail(t, db, "dave@example.com")
}

func testIndexMaintenance(t *testing.T, engine, conn string) {
	f := NewFixture(t, engine, conn)
	db := create(t, f)
	defer db.Close()

	f.Put(t, db, &User{ID: "alice", Email: "old@example.com"})
	f.Put(t, db, &User{ID: "alice", Email: "new@example.com"})

	f.mustMissByEmail(t, db, "old@example.com")
	u, err := f.GetByEmail(db, "new@example.com")
	if err != nil || u.ID != "alice" {
		t.Errorf("GetByEmail(new): got %v, %v", u, err)
	}
}

func testDeletes(t *testing.T, engine, conn string) {
	f := NewFixture(t, engine, conn)
	db := create(t, f)
	defer db.Close()

	f.Put(t, db,
		&User{ID: "alice", Email: "alice@example.com"},
		&User{ID: "bob", Email: "bob@example.com"})

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.DatastoreDelete(f.Users, []byte("alice")); err != nil {
		t.Fatalf("DatastoreDelete: %v", err)
	}
	if err := tx.IndexDelete(f.ByEmail, []byte("bob@example.com")); err != nil {
		t.Fatalf("IndexDelete: %v", err)
	}
	// absent keys are not an error
	if err := tx.DatastoreDelete(f.Users, []byte("nobody")); err != nil {
		t.Fatalf("DatastoreDelete(nobody): %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	f.mustMiss(t, db, "alice")
	f.mustMiss(t, db, "bob")
	f.mustMissByEmail(t, db, "alice@example.com")
	f.mustMissByEmail(t, db, "bob@example.com")
}

func testLifecycle(t *testing.T, engine, conn string) {
	f := NewFixture(t, engine, conn)
	db := create(t, f)
	f.Put(t, db, &User{ID: "alice", Email: "alice@example.com"})
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// a second create against the same connection fails
	other := NewFixture(t, engine, conn)
	if db, err := other.Builder.Create(); err == nil {
		db.Close()
		t.Errorf("second Create succeeded")
	}

	db, err := f.Builder.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if u, err := f.Get(db, "alice"); err != nil || u.Email != "alice@example.com" {
		t.Errorf("after reopen: got %v, %v", u, err)
	}
	if u, err := f.GetByEmail(db, "alice@example.com"); err != nil || u.ID != "alice" {
		t.Errorf("index after reopen: got %v, %v", u, err)
	}
	db.Close()

	if err := f.Builder.DeleteDatabase(); err != nil {
		t.Fatalf("DeleteDatabase: %v", err)
	}
	if db, err := f.Builder.Open(); err == nil {
		db.Close()
		t.Errorf("Open after delete succeeded")
	}
	if err := f.Builder.Close(); err != nil {
		t.Errorf("Builder.Close: %v", err)
	}
}
