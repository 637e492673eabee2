// Package memory provides the "memory" and "wal" vcdb engines.
//
// The memory engine keeps every database in a process-wide catalog keyed by
// connection string, so a database outlives the handles opened on it until
// it is deleted. The wal engine treats the connection string as a file
// path: committed transactions are appended to a write-ahead log and
// replayed when the database is opened.
//
// Both accept options after a '?' in the connection string:
//
//	codec=none|snappy|zstd|lz4   compress values at rest
//	sync=false                   (wal only) skip fsync after each commit
//
// Import the package for its side effect of registering the engines:
//
//	import _ "github.com/myuser/vcdb/engine/memory"
package memory

import (
	"fmt"
	"sync"

	"github.com/myuser/vcdb"
	"github.com/myuser/vcdb/internal/kv"
	"github.com/myuser/vcdb/internal/storage"
)

const (
	// EngineName is the name the in-memory engine registers under.
	EngineName = "memory"
	// WALEngineName is the name the log-backed engine registers under.
	WALEngineName = "wal"
)

func init() {
	vcdb.MustRegister(EngineName, New())
	vcdb.MustRegister(WALEngineName, NewWAL())
}

// New returns an in-memory engine with its own catalog.
func New() vcdb.Engine {
	return kv.New(&catalog{stores: make(map[string]*storage.MemoryStore)})
}

type catalog struct {
	mu     sync.Mutex
	stores map[string]*storage.MemoryStore
}

func (c *catalog) Create(b *vcdb.Builder) (*kv.Store, error) {
	conn, err := kv.ParseConn(b.ConnectionString())
	if err != nil {
		return nil, err
	}
	cd, err := conn.Codec()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.stores[conn.Name]; ok {
		return nil, fmt.Errorf("memory: %q: %w", conn.Name, kv.ErrExists)
	}
	data := storage.NewMemoryStore()
	c.stores[conn.Name] = data
	return &kv.Store{Data: data, Codec: cd}, nil
}

func (c *catalog) Open(b *vcdb.Builder) (*kv.Store, error) {
	conn, err := kv.ParseConn(b.ConnectionString())
	if err != nil {
		return nil, err
	}
	cd, err := conn.Codec()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data, ok := c.stores[conn.Name]
	if !ok {
		return nil, fmt.Errorf("memory: %q: %w", conn.Name, kv.ErrNotFound)
	}
	b.Logger().Debug("memory database opened", "name", conn.Name, "versions", data.Versions())
	return &kv.Store{Data: data, Codec: cd}, nil
}

// Close leaves the data in the catalog.
func (c *catalog) Close(*kv.Store) {}

func (c *catalog) Delete(b *vcdb.Builder) error {
	conn, err := kv.ParseConn(b.ConnectionString())
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data, ok := c.stores[conn.Name]
	if !ok {
		return fmt.Errorf("memory: %q: %w", conn.Name, kv.ErrNotFound)
	}
	delete(c.stores, conn.Name)
	return data.Close()
}
