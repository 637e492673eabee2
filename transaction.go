package vcdb

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/myuser/vcdb/internal/metrics"
)

// TxnState tracks where a transaction is in its lifecycle.
type TxnState int

const (
	StateCreated    TxnState = 0
	StateActive     TxnState = 1
	StateCommitted  TxnState = 2
	StateRolledBack TxnState = 3
)

func (s TxnState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled back"
	default:
		return "created"
	}
}

// Transaction is a mutation scope against a Database. The database must
// outlive the transaction. Close rolls back a transaction that is still
// active, so the usual pattern is
//
//	tx, err := db.Begin()
//	if err != nil {
//		return err
//	}
//	defer tx.Close()
//	...
//	return tx.Commit()
type Transaction struct {
	ID    string
	state TxnState

	database *Database
	logger   *slog.Logger

	// Context is engine-specific state attached by the engine.
	Context any
}

// Begin starts a transaction on db.
func (db *Database) Begin() (*Transaction, error) {
	if db == nil || db.builder == nil {
		return nil, ErrInvalidParameter
	}

	tx := &Transaction{
		ID:       uuid.New().String(),
		database: db,
	}
	tx.logger = db.builder.logger.With("txn", tx.ID)

	if err := db.builder.engine.TransactionBegin(tx, db); err != nil {
		tx.logger.Warn("transaction begin failed", "err", err)
		return nil, err
	}
	tx.state = StateActive
	metrics.Inc("vcdb_txn_begin")
	return tx, nil
}

// Database returns the database the transaction runs against.
func (tx *Transaction) Database() *Database { return tx.database }

// State returns the lifecycle state of tx.
func (tx *Transaction) State() TxnState { return tx.state }

// Active reports whether tx has begun and not yet committed or rolled back.
func (tx *Transaction) Active() bool { return tx.state == StateActive }

func (tx *Transaction) engine() Engine {
	return tx.database.builder.engine
}

// Commit makes the transaction's writes durable. The transaction cannot be
// used afterwards.
func (tx *Transaction) Commit() error {
	if tx == nil || tx.database == nil || tx.database.builder == nil {
		return ErrInvalidParameter
	}
	if !tx.Active() {
		return ErrBadTransaction
	}

	if err := tx.engine().TransactionCommit(tx); err != nil {
		tx.logger.Warn("transaction commit failed", "err", err)
		return err
	}
	tx.state = StateCommitted
	metrics.Inc("vcdb_txn_commit")
	tx.logger.Debug("transaction committed")
	return nil
}

// Rollback discards the transaction's writes.
func (tx *Transaction) Rollback() error {
	if tx == nil || tx.database == nil || tx.database.builder == nil {
		return ErrInvalidParameter
	}
	if !tx.Active() {
		return ErrBadTransaction
	}

	if err := tx.engine().TransactionRollback(tx); err != nil {
		tx.logger.Warn("transaction rollback failed", "err", err)
		return err
	}
	tx.state = StateRolledBack
	metrics.Inc("vcdb_txn_rollback")
	tx.logger.Debug("transaction rolled back")
	return nil
}

// Close rolls back tx if it is still active. Closing a finished
// transaction does nothing.
func (tx *Transaction) Close() error {
	if tx == nil || !tx.Active() {
		return nil
	}

	metrics.Inc("vcdb_txn_auto_rollback")
	tx.logger.Warn("transaction closed while active, rolling back")
	err := tx.Rollback()

	// the engine context is gone either way
	tx.state = StateRolledBack
	return err
}

// DatastorePut stores value in ds, keyed by the datastore's key getter and
// indexed by every index defined over ds.
func (tx *Transaction) DatastorePut(ds *Datastore, value any) error {
	if tx == nil || tx.database == nil || tx.database.builder == nil || ds == nil || value == nil {
		return ErrInvalidParameter
	}
	if ds.owner != tx.database.builder {
		return ErrInvalidParameter
	}
	if !tx.Active() {
		return ErrBadTransaction
	}

	key := ds.Key(value)
	if len(key) == 0 {
		return ErrInvalidParameter
	}

	data, err := serialize(ds, value)
	if err != nil {
		return err
	}

	e := &Entry{Key: key, Value: data}
	for _, idx := range tx.database.builder.IndexesOf(ds) {
		e.SecondaryKeys = append(e.SecondaryKeys, SecondaryKey{Index: idx, Key: idx.Key(value)})
	}

	metrics.Inc("vcdb_datastore_put")
	return tx.engine().DatastorePut(tx, ds, e)
}

// serialize writes value with the datastore's writer, resizing the scratch
// buffer at most once.
func serialize(ds *Datastore, value any) ([]byte, error) {
	buf := make([]byte, DefaultBufferSize)

	n, err := ds.valueWriter(value, buf)
	if errors.Is(err, ErrWouldTruncate) {
		if n <= len(buf) {
			return nil, err
		}
		metrics.Inc("vcdb_put_retry")
		buf = make([]byte, n)
		n, err = ds.valueWriter(value, buf)
	}
	if err != nil {
		return nil, err
	}
	if n < 0 || n > len(buf) {
		return nil, ErrInvalidParameter
	}

	ds.serialDataSize.Store(int64(n))
	return buf[:n], nil
}

// DatastoreDelete removes the value stored under key in ds.
func (tx *Transaction) DatastoreDelete(ds *Datastore, key []byte) error {
	if tx == nil || tx.database == nil || tx.database.builder == nil || ds == nil || len(key) == 0 {
		return ErrInvalidParameter
	}
	if ds.owner != tx.database.builder {
		return ErrInvalidParameter
	}
	if !tx.Active() {
		return ErrBadTransaction
	}

	metrics.Inc("vcdb_datastore_delete")
	return tx.engine().DatastoreDelete(tx, ds, key)
}

// IndexDelete removes the value whose secondary key in idx is key.
func (tx *Transaction) IndexDelete(idx *Index, key []byte) error {
	if tx == nil || tx.database == nil || tx.database.builder == nil || idx == nil || len(key) == 0 {
		return ErrInvalidParameter
	}
	if idx.owner != tx.database.builder {
		return ErrInvalidParameter
	}
	if !tx.Active() {
		return ErrBadTransaction
	}

	metrics.Inc("vcdb_index_delete")
	return tx.engine().IndexDelete(tx, idx, key)
}
