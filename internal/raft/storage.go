package raft

import (
	"errors"
	"fmt"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/myuser/vcdb/internal/storage/wal"
)

// Record types in the raft log. Each WAL record is Type(1) | Protobuf.
// recordSnapshot marks a local compaction point; recordInstall is a
// snapshot received from the leader that replaces the whole log.
const (
	recordEntry     byte = 1
	recordHardState byte = 2
	recordSnapshot  byte = 3
	recordInstall   byte = 4
)

var errBadRecord = errors.New("raft: bad log record")

// DiskStorage keeps the raft log in memory and persists every change to a
// WAL, rebuilding the in-memory copy on open.
type DiskStorage struct {
	*raft.MemoryStorage
	wal *wal.WAL
}

func NewDiskStorage(walPath string) (*DiskStorage, error) {
	w, err := wal.Open(walPath)
	if err != nil {
		return nil, err
	}

	mem := raft.NewMemoryStorage()
	err = w.Iterate(func(rec []byte) error {
		if len(rec) == 0 {
			return errBadRecord
		}
		typ, data := rec[0], rec[1:]

		switch typ {
		case recordEntry:
			var ent raftpb.Entry
			if err := ent.Unmarshal(data); err != nil {
				return err
			}
			return appendEntry(mem, ent)
		case recordHardState:
			var hs raftpb.HardState
			if err := hs.Unmarshal(data); err != nil {
				return err
			}
			return mem.SetHardState(hs)
		case recordSnapshot, recordInstall:
			var snap raftpb.Snapshot
			if err := snap.Unmarshal(data); err != nil {
				return err
			}
			if typ == recordSnapshot {
				return compactTo(mem, snap)
			}
			if err := mem.ApplySnapshot(snap); err != nil && !errors.Is(err, raft.ErrSnapOutOfDate) {
				return err
			}
			return nil
		default:
			return fmt.Errorf("%w: type %d", errBadRecord, typ)
		}
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("raft: replay %s: %w", walPath, err)
	}

	return &DiskStorage{MemoryStorage: mem, wal: w}, nil
}

// appendEntry replays one entry, skipping entries already folded into a
// snapshot.
func appendEntry(mem *raft.MemoryStorage, ent raftpb.Entry) error {
	first, err := mem.FirstIndex()
	if err != nil {
		return err
	}
	if ent.Index < first {
		return nil
	}
	return mem.Append([]raftpb.Entry{ent})
}

// compactTo replays a local snapshot, keeping the entries that follow it.
func compactTo(mem *raft.MemoryStorage, snap raftpb.Snapshot) error {
	idx := snap.Metadata.Index
	first, err := mem.FirstIndex()
	if err != nil {
		return err
	}
	last, err := mem.LastIndex()
	if err != nil {
		return err
	}
	if idx < first {
		return nil
	}
	if idx > last {
		return mem.ApplySnapshot(snap)
	}
	if _, err := mem.CreateSnapshot(idx, &snap.Metadata.ConfState, snap.Data); err != nil {
		return err
	}
	return mem.Compact(idx)
}

type marshaler interface {
	Marshal() ([]byte, error)
}

func (ds *DiskStorage) writeRecord(typ byte, m marshaler) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	return ds.wal.Append(append([]byte{typ}, data...))
}

func (ds *DiskStorage) Save(entries []raftpb.Entry, state raftpb.HardState) error {
	for i := range entries {
		if err := ds.writeRecord(recordEntry, &entries[i]); err != nil {
			return err
		}
	}
	if !raft.IsEmptyHardState(state) {
		if err := ds.writeRecord(recordHardState, &state); err != nil {
			return err
		}
		if err := ds.MemoryStorage.SetHardState(state); err != nil {
			return err
		}
	}
	return ds.MemoryStorage.Append(entries)
}

func (ds *DiskStorage) Close() error {
	return ds.wal.Close()
}

// CreateSnapshot records a snapshot at index i and compacts the log up to it.
func (ds *DiskStorage) CreateSnapshot(i uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error) {
	snap, err := ds.MemoryStorage.CreateSnapshot(i, cs, data)
	if err != nil {
		return raftpb.Snapshot{}, err
	}
	if err := ds.writeRecord(recordSnapshot, &snap); err != nil {
		return raftpb.Snapshot{}, err
	}
	if err := ds.MemoryStorage.Compact(i); err != nil {
		return raftpb.Snapshot{}, err
	}
	return snap, nil
}

// ApplySnapshot installs a snapshot received from the leader.
func (ds *DiskStorage) ApplySnapshot(snap raftpb.Snapshot) error {
	if err := ds.MemoryStorage.ApplySnapshot(snap); err != nil {
		return err
	}
	return ds.writeRecord(recordInstall, &snap)
}
