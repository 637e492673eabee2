package memory

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/myuser/vcdb"
	"github.com/myuser/vcdb/internal/kv"
	"github.com/myuser/vcdb/internal/metrics"
	"github.com/myuser/vcdb/internal/storage"
	"github.com/myuser/vcdb/internal/storage/wal"
)

// NewWAL returns the log-backed engine.
func NewWAL() vcdb.Engine {
	return kv.New(walBackend{})
}

type walBackend struct{}

// logged serializes commits so log order matches timestamp order.
type logged struct {
	mu   sync.Mutex
	log  *wal.WAL
	data *storage.MemoryStore
}

func (l *logged) commit(b *storage.Batch) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b.CommitTs = l.data.LastCommitTs() + 1
	rec, err := b.Encode()
	if err != nil {
		return err
	}
	if err := l.log.Append(rec); err != nil {
		return fmt.Errorf("wal: append: %w", err)
	}
	metrics.Inc("vcdb_wal_append")
	return l.data.Apply(b)
}

func (walBackend) Create(b *vcdb.Builder) (*kv.Store, error) {
	conn, err := kv.ParseConn(b.ConnectionString())
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(conn.Name); err == nil {
		return nil, fmt.Errorf("wal: %s: %w", conn.Name, kv.ErrExists)
	}
	return openLogged(b, conn)
}

func (walBackend) Open(b *vcdb.Builder) (*kv.Store, error) {
	conn, err := kv.ParseConn(b.ConnectionString())
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(conn.Name); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("wal: %s: %w", conn.Name, kv.ErrNotFound)
	}
	return openLogged(b, conn)
}

func openLogged(b *vcdb.Builder, conn kv.Conn) (*kv.Store, error) {
	cd, err := conn.Codec()
	if err != nil {
		return nil, err
	}

	var opts []wal.Option
	if !conn.Bool("sync", true) {
		opts = append(opts, wal.WithoutSync())
	}
	w, err := wal.Open(conn.Name, opts...)
	if err != nil {
		return nil, err
	}

	l := &logged{log: w, data: storage.NewMemoryStore()}
	err = w.Iterate(func(rec []byte) error {
		batch, err := storage.DecodeBatch(rec)
		if err != nil {
			return err
		}
		return l.data.Apply(batch)
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("wal: replay %s: %w", conn.Name, err)
	}
	b.Logger().Info("wal replayed", "path", conn.Name, "records", w.Records(), "last_ts", l.data.LastCommitTs())

	return &kv.Store{Data: l.data, Commit: l.commit, Codec: cd, State: l}, nil
}

func (walBackend) Close(s *kv.Store) {
	l, ok := s.State.(*logged)
	if !ok {
		return
	}
	l.log.Close()
	l.data.Close()
}

func (walBackend) Delete(b *vcdb.Builder) error {
	conn, err := kv.ParseConn(b.ConnectionString())
	if err != nil {
		return err
	}
	if err := os.Remove(conn.Name); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("wal: %s: %w", conn.Name, kv.ErrNotFound)
		}
		return err
	}
	return nil
}
