package vcdb

import (
	"errors"

	"github.com/myuser/vcdb/internal/metrics"
)

// DefaultBufferSize is the size of the scratch buffer used to serialize and
// deserialize values before it is resized on demand.
const DefaultBufferSize = 1024

// Database is an engine-bound handle created or opened from a Builder.
// The builder must outlive the database.
type Database struct {
	builder *Builder

	// Context is engine-specific state attached by the engine.
	Context any
}

// Create creates a new database from b.
func (b *Builder) Create() (*Database, error) {
	return b.connect("create", b.engine.DatabaseCreate)
}

// Open opens an existing database from b.
func (b *Builder) Open() (*Database, error) {
	return b.connect("open", b.engine.DatabaseOpen)
}

func (b *Builder) connect(op string, fn func(*Database, *Builder) error) (*Database, error) {
	if b == nil || b.engine == nil {
		return nil, ErrInvalidParameter
	}
	if b.opened {
		return nil, ErrInvalidParameter
	}

	db := &Database{}
	if err := fn(db, b); err != nil {
		b.logger.Warn("database "+op+" failed", "connection", b.connection, "err", err)
		return nil, err
	}

	b.opened = true
	db.builder = b
	b.logger.Info("database "+op, "connection", b.connection, "instances", len(b.instances))
	return db, nil
}

// DeleteDatabase removes the database described by b. The database must not
// be open through b.
func (b *Builder) DeleteDatabase() error {
	if b == nil || b.engine == nil {
		return ErrInvalidParameter
	}
	if err := b.engine.DatabaseDelete(b); err != nil {
		return err
	}
	b.logger.Info("database deleted", "connection", b.connection)
	return nil
}

// Builder returns the builder db was created from.
func (db *Database) Builder() *Builder { return db.builder }

// Close closes the database and marks the builder as no longer opened.
// Transactions against db must be finished first.
func (db *Database) Close() error {
	if db == nil || db.builder == nil {
		return nil
	}

	b := db.builder
	b.engine.DatabaseClose(db)
	b.opened = false
	b.logger.Info("database closed", "connection", b.connection)

	*db = Database{}
	return nil
}

// DatastoreGet reads the value stored under key into value. valueSize is the
// size of the caller's value; when it is smaller than the datastore's data
// size the call fails with ErrWouldTruncate and returns the data size
// without touching the engine. Otherwise it returns valueSize.
func (db *Database) DatastoreGet(ds *Datastore, key []byte, value any, valueSize int) (int, error) {
	if db == nil || db.builder == nil || ds == nil || len(key) == 0 || value == nil || valueSize <= 0 {
		return valueSize, ErrInvalidParameter
	}
	if ds.owner != db.builder {
		return valueSize, ErrInvalidParameter
	}

	if valueSize < ds.dataSize {
		return ds.dataSize, ErrWouldTruncate
	}

	metrics.Inc("vcdb_datastore_get")
	return valueSize, db.read(ds, value, func(buf []byte) (int, error) {
		return db.builder.engine.DatastoreGet(db, ds, key, buf)
	})
}

// IndexGet reads the value whose secondary key in idx is key. It follows
// the same size protocol as DatastoreGet, checked against the data size of
// the index's datastore.
func (db *Database) IndexGet(idx *Index, key []byte, value any, valueSize int) (int, error) {
	if db == nil || db.builder == nil || idx == nil || idx.datastore == nil || len(key) == 0 || value == nil || valueSize <= 0 {
		return valueSize, ErrInvalidParameter
	}
	if idx.owner != db.builder {
		return valueSize, ErrInvalidParameter
	}

	ds := idx.datastore
	if valueSize < ds.dataSize {
		return ds.dataSize, ErrWouldTruncate
	}

	metrics.Inc("vcdb_index_get")
	return valueSize, db.read(ds, value, func(buf []byte) (int, error) {
		return db.builder.engine.IndexGet(db, idx, key, buf)
	})
}

// read fetches serialized data with get, growing the scratch buffer once if
// the engine asks for more room, and decodes it into value.
func (db *Database) read(ds *Datastore, value any, get func(buf []byte) (int, error)) error {
	buf := make([]byte, DefaultBufferSize)

	n, err := get(buf)
	if errors.Is(err, ErrWouldTruncate) {
		if n <= len(buf) {
			return err
		}
		metrics.Inc("vcdb_get_retry")
		buf = make([]byte, n)
		n, err = get(buf)
	}
	if err != nil {
		return err
	}
	if n < 0 || n > len(buf) {
		return ErrDatabaseEngineError
	}

	ds.serialDataSize.Store(int64(n))
	return ds.valueReader(buf[:n], value)
}
