// Package kv adapts a versioned key-value store to the vcdb engine
// contract. Backends supply the lifecycle of the store and its commit path;
// the adapter maps datastores and indexes onto key spaces, buffers
// transaction writes and copies reads into engine buffers.
package kv

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/myuser/vcdb"
	"github.com/myuser/vcdb/internal/codec"
	"github.com/myuser/vcdb/internal/metrics"
	"github.com/myuser/vcdb/internal/storage"
)

var (
	// ErrExists is returned when creating a database that already exists.
	ErrExists = errors.New("kv: database already exists")
	// ErrNotFound is returned when opening or deleting a missing database.
	ErrNotFound = errors.New("kv: database not found")
)

// gcEvery is the number of commits between version collections.
const gcEvery = 64

// Backend manages the stores behind one engine name.
type Backend interface {
	Create(b *vcdb.Builder) (*Store, error)
	Open(b *vcdb.Builder) (*Store, error)
	Close(s *Store)
	Delete(b *vcdb.Builder) error
}

// Store is an open database: the versioned data plus the path a
// transaction's batch takes to become visible.
type Store struct {
	Data *storage.MemoryStore

	// Commit makes b durable and applies it to Data. Nil applies directly.
	Commit func(b *storage.Batch) error

	// Codec compresses values at rest. Nil stores them as given.
	Codec codec.Codec

	// State is backend-specific.
	State any

	commits atomic.Int64
}

func (s *Store) commit(b *storage.Batch) error {
	if s.Commit != nil {
		return s.Commit(b)
	}
	_, err := s.Data.ApplyNext(b)
	return err
}

// Engine implements vcdb.Engine on top of a Backend.
type Engine struct {
	backend Backend
}

var _ vcdb.Engine = (*Engine)(nil)

func New(backend Backend) *Engine {
	return &Engine{backend: backend}
}

type txn struct {
	store     *Store
	mutations []storage.Mutation
}

func storeOf(db *vcdb.Database) (*Store, error) {
	if db == nil {
		return nil, vcdb.ErrInvalidParameter
	}
	s, ok := db.Context.(*Store)
	if !ok || s == nil {
		return nil, vcdb.ErrInvalidParameter
	}
	return s, nil
}

func txnOf(tx *vcdb.Transaction) (*txn, error) {
	if tx == nil {
		return nil, vcdb.ErrInvalidParameter
	}
	t, ok := tx.Context.(*txn)
	if !ok || t == nil {
		return nil, vcdb.ErrBadTransaction
	}
	return t, nil
}

func space(correlationID int) uint32 {
	return uint32(correlationID)
}

func (e *Engine) DatabaseCreate(db *vcdb.Database, b *vcdb.Builder) error {
	s, err := e.backend.Create(b)
	if err != nil {
		return err
	}
	db.Context = s
	return nil
}

func (e *Engine) DatabaseOpen(db *vcdb.Database, b *vcdb.Builder) error {
	s, err := e.backend.Open(b)
	if err != nil {
		return err
	}
	db.Context = s
	return nil
}

func (e *Engine) DatabaseClose(db *vcdb.Database) {
	s, err := storeOf(db)
	if err != nil {
		return
	}
	e.backend.Close(s)
	db.Context = nil
}

func (e *Engine) DatabaseDelete(b *vcdb.Builder) error {
	return e.backend.Delete(b)
}

func (e *Engine) DatastoreGet(db *vcdb.Database, ds *vcdb.Datastore, key, buf []byte) (int, error) {
	s, err := storeOf(db)
	if err != nil {
		return 0, err
	}
	value, ok, err := s.Data.Record(space(ds.CorrelationID()), key)
	if err != nil {
		return 0, fmt.Errorf("kv: read %s: %w", ds.Name(), err)
	}
	if !ok {
		return 0, vcdb.ErrValueNotFound
	}
	return s.copyOut(value, buf)
}

func (e *Engine) IndexGet(db *vcdb.Database, idx *vcdb.Index, key, buf []byte) (int, error) {
	s, err := storeOf(db)
	if err != nil {
		return 0, err
	}
	value, ok, err := s.Data.RecordByIndex(space(idx.CorrelationID()), key)
	if err != nil {
		return 0, fmt.Errorf("kv: read %s: %w", idx.Name(), err)
	}
	if !ok {
		return 0, vcdb.ErrValueNotFound
	}
	return s.copyOut(value, buf)
}

// copyOut decodes value into buf, reporting the required size when buf is
// too small.
func (s *Store) copyOut(value, buf []byte) (int, error) {
	if s.Codec != nil {
		var err error
		if value, err = s.Codec.Decode(value); err != nil {
			return 0, fmt.Errorf("kv: decode value: %w", err)
		}
	}
	if len(value) > len(buf) {
		return len(value), vcdb.ErrWouldTruncate
	}
	return copy(buf, value), nil
}

func (e *Engine) TransactionBegin(tx *vcdb.Transaction, db *vcdb.Database) error {
	s, err := storeOf(db)
	if err != nil {
		return err
	}
	tx.Context = &txn{store: s}
	return nil
}

func (e *Engine) TransactionCommit(tx *vcdb.Transaction) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}
	if len(t.mutations) > 0 {
		b := &storage.Batch{TxnID: tx.ID, Mutations: t.mutations}
		if err := t.store.commit(b); err != nil {
			return fmt.Errorf("kv: commit %s: %w", tx.ID, err)
		}
		metrics.Add("vcdb_kv_mutations", int64(len(t.mutations)))

		if t.store.commits.Add(1)%gcEvery == 0 {
			// reads always see the latest version, so older ones are garbage
			removed := t.store.Data.RunGC(t.store.Data.LastCommitTs())
			metrics.Add("vcdb_kv_gc_versions", int64(removed))
		}
	}
	tx.Context = nil
	return nil
}

func (e *Engine) TransactionRollback(tx *vcdb.Transaction) error {
	if _, err := txnOf(tx); err != nil {
		return err
	}
	tx.Context = nil
	return nil
}

func (e *Engine) DatastorePut(tx *vcdb.Transaction, ds *vcdb.Datastore, entry *vcdb.Entry) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	value := entry.Value
	if t.store.Codec != nil {
		if value, err = t.store.Codec.Encode(value); err != nil {
			return fmt.Errorf("kv: encode value: %w", err)
		}
	}

	m := storage.Mutation{
		Kind:  storage.MutationPut,
		Space: space(ds.CorrelationID()),
		Key:   clone(entry.Key),
		Value: clone(value),
	}
	for _, sk := range entry.SecondaryKeys {
		if len(sk.Key) == 0 {
			continue
		}
		m.Indexes = append(m.Indexes, storage.IndexKey{Space: space(sk.Index.CorrelationID()), Key: clone(sk.Key)})
	}
	t.mutations = append(t.mutations, m)
	return nil
}

func (e *Engine) DatastoreDelete(tx *vcdb.Transaction, ds *vcdb.Datastore, key []byte) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}
	t.mutations = append(t.mutations, storage.Mutation{
		Kind:  storage.MutationDelete,
		Space: space(ds.CorrelationID()),
		Key:   clone(key),
	})
	return nil
}

func (e *Engine) IndexDelete(tx *vcdb.Transaction, idx *vcdb.Index, key []byte) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}
	t.mutations = append(t.mutations, storage.Mutation{
		Kind:  storage.MutationIndexDelete,
		Space: space(idx.CorrelationID()),
		Key:   clone(key),
	})
	return nil
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
