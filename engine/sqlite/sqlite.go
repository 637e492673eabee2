// Package sqlite provides the "sqlite" vcdb engine, storing each datastore
// and each index in its own table of a SQLite database file.
//
// The connection string is the database file path, optionally followed by
// "?codec=snappy|zstd|lz4" to compress values at rest.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/myuser/vcdb"
	"github.com/myuser/vcdb/internal/codec"
	"github.com/myuser/vcdb/internal/kv"
	"github.com/myuser/vcdb/internal/metrics"
)

// EngineName is the name the engine registers under.
const EngineName = "sqlite"

func init() {
	vcdb.MustRegister(EngineName, New())
}

// Engine implements vcdb.Engine on database/sql.
type Engine struct{}

var _ vcdb.Engine = (*Engine)(nil)

func New() *Engine {
	return &Engine{}
}

type database struct {
	db    *sql.DB
	path  string
	codec codec.Codec
}

// table is the per-instance handle attached to the builder.
type table struct {
	name  string
	index bool
}

func dsn(path string) string {
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func tableFor(b *vcdb.Builder, correlationID int) (table, error) {
	t, ok := b.Handle(correlationID).(table)
	if !ok {
		return table{}, fmt.Errorf("sqlite: no table for instance %d: %w", correlationID, vcdb.ErrInvalidParameter)
	}
	return t, nil
}

func (e *Engine) DatabaseCreate(db *vcdb.Database, b *vcdb.Builder) error {
	conn, err := kv.ParseConn(b.ConnectionString())
	if err != nil {
		return err
	}
	if _, err := os.Stat(conn.Name); err == nil {
		return fmt.Errorf("sqlite: %s: %w", conn.Name, kv.ErrExists)
	}
	return e.connect(db, b, conn)
}

func (e *Engine) DatabaseOpen(db *vcdb.Database, b *vcdb.Builder) error {
	conn, err := kv.ParseConn(b.ConnectionString())
	if err != nil {
		return err
	}
	if _, err := os.Stat(conn.Name); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("sqlite: %s: %w", conn.Name, kv.ErrNotFound)
	}
	return e.connect(db, b, conn)
}

func (e *Engine) connect(db *vcdb.Database, b *vcdb.Builder, conn kv.Conn) error {
	cd, err := conn.Codec()
	if err != nil {
		return err
	}

	sqlDB, err := sql.Open("sqlite", dsn(conn.Name))
	if err != nil {
		return fmt.Errorf("sqlite: open %s: %w", conn.Name, err)
	}
	if err := createTables(sqlDB, b); err != nil {
		sqlDB.Close()
		return err
	}

	db.Context = &database{db: sqlDB, path: conn.Name, codec: cd}
	b.Logger().Info("sqlite database ready", "path", conn.Name, "datastores", len(b.Datastores()), "indexes", len(b.Indexes()))
	return nil
}

// createTables creates one table per datastore and per index, records the
// schema and attaches the table names to the builder as handles.
func createTables(db *sql.DB, b *vcdb.Builder) error {
	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin schema: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS vcdb_schema (
		name TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		datastore TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("sqlite: create schema table: %w", err)
	}

	for _, ds := range b.Datastores() {
		name := "ds_" + ds.Name()
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (k BLOB PRIMARY KEY, v BLOB NOT NULL)`, quote(name))); err != nil {
			return fmt.Errorf("sqlite: create table %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO vcdb_schema (name, kind, datastore) VALUES (?, 'datastore', ?)`,
			ds.Name(), ds.Name()); err != nil {
			return err
		}
		if err := b.SetHandle(ds.CorrelationID(), table{name: name}); err != nil {
			return err
		}
	}

	for _, idx := range b.Indexes() {
		name := "ix_" + idx.Name()
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (k BLOB PRIMARY KEY, pk BLOB NOT NULL)`, quote(name))); err != nil {
			return fmt.Errorf("sqlite: create table %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s ON %s (pk)`, quote(name+"_pk"), quote(name))); err != nil {
			return fmt.Errorf("sqlite: create index on %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO vcdb_schema (name, kind, datastore) VALUES (?, 'index', ?)`,
			idx.Name(), idx.Datastore().Name()); err != nil {
			return err
		}
		if err := b.SetHandle(idx.CorrelationID(), table{name: name, index: true}); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func databaseOf(db *vcdb.Database) (*database, error) {
	if db == nil {
		return nil, vcdb.ErrInvalidParameter
	}
	d, ok := db.Context.(*database)
	if !ok || d == nil {
		return nil, vcdb.ErrInvalidParameter
	}
	return d, nil
}

func (e *Engine) DatabaseClose(db *vcdb.Database) {
	d, err := databaseOf(db)
	if err != nil {
		return
	}
	d.db.Close()
	db.Context = nil
}

func (e *Engine) DatabaseDelete(b *vcdb.Builder) error {
	conn, err := kv.ParseConn(b.ConnectionString())
	if err != nil {
		return err
	}
	if err := os.Remove(conn.Name); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("sqlite: %s: %w", conn.Name, kv.ErrNotFound)
		}
		return err
	}
	// journal files may or may not exist
	os.Remove(conn.Name + "-wal")
	os.Remove(conn.Name + "-shm")
	return nil
}

func (e *Engine) DatastoreGet(db *vcdb.Database, ds *vcdb.Datastore, key, buf []byte) (int, error) {
	d, err := databaseOf(db)
	if err != nil {
		return 0, err
	}
	t, err := tableFor(db.Builder(), ds.CorrelationID())
	if err != nil {
		return 0, err
	}

	var v []byte
	err = d.db.QueryRow(fmt.Sprintf(`SELECT v FROM %s WHERE k = ?`, quote(t.name)), key).Scan(&v)
	return d.copyOut(v, buf, err)
}

func (e *Engine) IndexGet(db *vcdb.Database, idx *vcdb.Index, key, buf []byte) (int, error) {
	d, err := databaseOf(db)
	if err != nil {
		return 0, err
	}
	b := db.Builder()
	it, err := tableFor(b, idx.CorrelationID())
	if err != nil {
		return 0, err
	}
	dt, err := tableFor(b, idx.Datastore().CorrelationID())
	if err != nil {
		return 0, err
	}

	var v []byte
	err = d.db.QueryRow(fmt.Sprintf(
		`SELECT d.v FROM %s i JOIN %s d ON d.k = i.pk WHERE i.k = ?`, quote(it.name), quote(dt.name)), key).Scan(&v)
	return d.copyOut(v, buf, err)
}

func (d *database) copyOut(v, buf []byte, err error) (int, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return 0, vcdb.ErrValueNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: read: %w", err)
	}
	if d.codec != nil {
		if v, err = d.codec.Decode(v); err != nil {
			return 0, fmt.Errorf("sqlite: decode value: %w", err)
		}
	}
	if len(v) > len(buf) {
		metrics.Inc("vcdb_sqlite_truncate")
		return len(v), vcdb.ErrWouldTruncate
	}
	return copy(buf, v), nil
}

type txn struct {
	tx *sql.Tx
	d  *database
	b  *vcdb.Builder
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

func (e *Engine) TransactionBegin(tx *vcdb.Transaction, db *vcdb.Database) error {
	d, err := databaseOf(db)
	if err != nil {
		return err
	}
	sqlTx, err := d.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	tx.Context = &txn{tx: sqlTx, d: d, b: db.Builder()}
	return nil
}

func (e *Engine) TransactionCommit(tx *vcdb.Transaction) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	tx.Context = nil
	return nil
}

func (e *Engine) TransactionRollback(tx *vcdb.Transaction) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}
	tx.Context = nil
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("sqlite: rollback: %w", err)
	}
	return nil
}

func (e *Engine) DatastorePut(tx *vcdb.Transaction, ds *vcdb.Datastore, entry *vcdb.Entry) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}
	dt, err := tableFor(t.b, ds.CorrelationID())
	if err != nil {
		return err
	}

	value := entry.Value
	if t.d.codec != nil {
		if value, err = t.d.codec.Encode(value); err != nil {
			return fmt.Errorf("sqlite: encode value: %w", err)
		}
	}

	if err := t.dropIndexRows(ds, entry.Key); err != nil {
		return err
	}
	if _, err := t.tx.Exec(fmt.Sprintf(
		`INSERT OR REPLACE INTO %s (k, v) VALUES (?, ?)`, quote(dt.name)), entry.Key, value); err != nil {
		return fmt.Errorf("sqlite: put %s: %w", ds.Name(), err)
	}

	for _, sk := range entry.SecondaryKeys {
		if len(sk.Key) == 0 {
			continue
		}
		it, err := tableFor(t.b, sk.Index.CorrelationID())
		if err != nil {
			return err
		}
		if _, err := t.tx.Exec(fmt.Sprintf(
			`INSERT OR REPLACE INTO %s (k, pk) VALUES (?, ?)`, quote(it.name)), sk.Key, entry.Key); err != nil {
			return fmt.Errorf("sqlite: put %s: %w", sk.Index.Name(), err)
		}
	}
	return nil
}

// dropIndexRows removes the index rows pointing at pk in every index over ds.
func (t *txn) dropIndexRows(ds *vcdb.Datastore, pk []byte) error {
	for _, idx := range t.b.IndexesOf(ds) {
		it, err := tableFor(t.b, idx.CorrelationID())
		if err != nil {
			return err
		}
		if _, err := t.tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE pk = ?`, quote(it.name)), pk); err != nil {
			return fmt.Errorf("sqlite: unindex %s: %w", idx.Name(), err)
		}
	}
	return nil
}

func (e *Engine) DatastoreDelete(tx *vcdb.Transaction, ds *vcdb.Datastore, key []byte) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}
	return t.deleteRecord(ds, key)
}

func (t *txn) deleteRecord(ds *vcdb.Datastore, pk []byte) error {
	dt, err := tableFor(t.b, ds.CorrelationID())
	if err != nil {
		return err
	}
	if err := t.dropIndexRows(ds, pk); err != nil {
		return err
	}
	if _, err := t.tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE k = ?`, quote(dt.name)), pk); err != nil {
		return fmt.Errorf("sqlite: delete %s: %w", ds.Name(), err)
	}
	return nil
}

func (e *Engine) IndexDelete(tx *vcdb.Transaction, idx *vcdb.Index, key []byte) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}
	it, err := tableFor(t.b, idx.CorrelationID())
	if err != nil {
		return err
	}

	var pk []byte
	err = t.tx.QueryRow(fmt.Sprintf(`SELECT pk FROM %s WHERE k = ?`, quote(it.name)), key).Scan(&pk)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sqlite: lookup %s: %w", idx.Name(), err)
	}
	return t.deleteRecord(idx.Datastore(), pk)
}
