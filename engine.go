package vcdb

// Engine defines the capability set every storage backend implements.
// An Engine is shared by every builder that resolves it, so implementations
// keep per-database state in Database.Context and per-transaction state in
// Transaction.Context.
type Engine interface {
	// DatabaseCreate creates a new database described by b.
	DatabaseCreate(db *Database, b *Builder) error

	// DatabaseOpen opens an existing database described by b.
	DatabaseOpen(db *Database, b *Builder) error

	// DatabaseClose releases the engine state of db. Best effort.
	DatabaseClose(db *Database)

	// DatabaseDelete removes the database described by b.
	DatabaseDelete(b *Builder) error

	// DatastoreGet copies the serialized value stored under key into buf.
	// It returns the number of bytes written, or ErrWouldTruncate along with
	// the required size when buf is too small.
	DatastoreGet(db *Database, ds *Datastore, key, buf []byte) (int, error)

	// IndexGet is DatastoreGet addressed by secondary key.
	IndexGet(db *Database, idx *Index, key, buf []byte) (int, error)

	// Transactional Support
	TransactionBegin(tx *Transaction, db *Database) error
	TransactionCommit(tx *Transaction) error
	TransactionRollback(tx *Transaction) error

	DatastorePut(tx *Transaction, ds *Datastore, e *Entry) error
	DatastoreDelete(tx *Transaction, ds *Datastore, key []byte) error
	IndexDelete(tx *Transaction, idx *Index, key []byte) error
}

// Entry is what an engine receives for a datastore put.
type Entry struct {
	// Key is the primary key extracted from the value.
	Key []byte

	// Value is the serialized value.
	Value []byte

	// SecondaryKeys holds one key per index defined over the datastore,
	// in builder order.
	SecondaryKeys []SecondaryKey
}

// SecondaryKey pairs an index with the key it derives for an entry.
type SecondaryKey struct {
	Index *Index
	Key   []byte
}
