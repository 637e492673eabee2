package vcdb

import (
	"fmt"
	"sync/atomic"
	"testing"
)

// mockEngine records every call and lets tests override individual
// operations.
type mockEngine struct {
	calls map[string]int

	create   func(db *Database, b *Builder) error
	open     func(db *Database, b *Builder) error
	del      func(b *Builder) error
	get      func(db *Database, ds *Datastore, key, buf []byte) (int, error)
	indexGet func(db *Database, idx *Index, key, buf []byte) (int, error)
	begin    func(tx *Transaction, db *Database) error
	commit   func(tx *Transaction) error
	rollback func(tx *Transaction) error
	put      func(tx *Transaction, ds *Datastore, e *Entry) error
	delete   func(tx *Transaction, ds *Datastore, key []byte) error
	ixDelete func(tx *Transaction, idx *Index, key []byte) error

	lastEntry *Entry
}

func newMockEngine() *mockEngine {
	return &mockEngine{calls: make(map[string]int)}
}

func (m *mockEngine) DatabaseCreate(db *Database, b *Builder) error {
	m.calls["create"]++
	if m.create != nil {
		return m.create(db, b)
	}
	return nil
}

func (m *mockEngine) DatabaseOpen(db *Database, b *Builder) error {
	m.calls["open"]++
	if m.open != nil {
		return m.open(db, b)
	}
	return nil
}

func (m *mockEngine) DatabaseClose(db *Database) {
	m.calls["close"]++
}

func (m *mockEngine) DatabaseDelete(b *Builder) error {
	m.calls["delete_db"]++
	if m.del != nil {
		return m.del(b)
	}
	return nil
}

func (m *mockEngine) DatastoreGet(db *Database, ds *Datastore, key, buf []byte) (int, error) {
	m.calls["get"]++
	if m.get != nil {
		return m.get(db, ds, key, buf)
	}
	return 0, ErrValueNotFound
}

func (m *mockEngine) IndexGet(db *Database, idx *Index, key, buf []byte) (int, error) {
	m.calls["index_get"]++
	if m.indexGet != nil {
		return m.indexGet(db, idx, key, buf)
	}
	return 0, ErrValueNotFound
}

func (m *mockEngine) TransactionBegin(tx *Transaction, db *Database) error {
	m.calls["begin"]++
	if m.begin != nil {
		return m.begin(tx, db)
	}
	return nil
}

func (m *mockEngine) TransactionCommit(tx *Transaction) error {
	m.calls["commit"]++
	if m.commit != nil {
		return m.commit(tx)
	}
	return nil
}

func (m *mockEngine) TransactionRollback(tx *Transaction) error {
	m.calls["rollback"]++
	if m.rollback != nil {
		return m.rollback(tx)
	}
	return nil
}

func (m *mockEngine) DatastorePut(tx *Transaction, ds *Datastore, e *Entry) error {
	m.calls["put"]++
	m.lastEntry = e
	if m.put != nil {
		return m.put(tx, ds, e)
	}
	return nil
}

func (m *mockEngine) DatastoreDelete(tx *Transaction, ds *Datastore, key []byte) error {
	m.calls["delete"]++
	if m.delete != nil {
		return m.delete(tx, ds, key)
	}
	return nil
}

func (m *mockEngine) IndexDelete(tx *Transaction, idx *Index, key []byte) error {
	m.calls["index_delete"]++
	if m.ixDelete != nil {
		return m.ixDelete(tx, idx, key)
	}
	return nil
}

var engineSeq atomic.Int64

// registerMock puts a fresh mock engine into a private registry and returns
// a builder bound to it.
func registerMock(t *testing.T) (*mockEngine, *Builder) {
	t.Helper()

	reg := NewRegistry()
	eng := newMockEngine()
	name := fmt.Sprintf("TESTDB-%d", engineSeq.Add(1))
	if err := reg.Register(name, eng); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	b, err := NewBuilder(name, "conn", WithRegistry(reg))
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}
	return eng, b
}

// testValue is the value type used by the core tests.
type testValue struct {
	Key   string
	Email string
	Data  []byte
}

func testDatastore(t *testing.T, name string, size int) *Datastore {
	t.Helper()

	ds, err := NewDatastoreOf(name, size,
		func(v *testValue, key []byte) int { return copy(key, v.Key) },
		func(data []byte, v *testValue) error {
			v.Data = append(v.Data[:0], data...)
			return nil
		},
		func(v *testValue, buf []byte) (int, error) {
			if len(buf) < len(v.Data) {
				return len(v.Data), ErrBufferTooSmall
			}
			return copy(buf, v.Data), nil
		})
	if err != nil {
		t.Fatalf("NewDatastoreOf failed: %v", err)
	}
	return ds
}

func testIndex(t *testing.T, ds *Datastore, name string) *Index {
	t.Helper()

	idx, err := NewIndexOf(ds, name, func(v *testValue, key []byte) int { return copy(key, v.Email) })
	if err != nil {
		t.Fatalf("NewIndexOf failed: %v", err)
	}
	return idx
}
