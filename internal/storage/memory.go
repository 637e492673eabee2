package storage

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/google/btree"
)

// MemoryStore is a multi-version key-value store on a btree. Every write
// creates a version at a commit timestamp; deletes write tombstones.
type MemoryStore struct {
	mu     sync.RWMutex
	tree   *btree.BTree
	lastTs uint64
}

type item struct {
	key       []byte
	value     []byte
	tombstone bool
}

func (i *item) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*item).key) < 0
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tree: btree.New(32),
	}
}

// LastCommitTs is the highest timestamp written so far.
func (s *MemoryStore) LastCommitTs() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTs
}

// GetAt returns the newest version of key visible at readTs. Deleted and
// missing keys both report ok=false.
func (s *MemoryStore) GetAt(key []byte, readTs uint64) (value []byte, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it := s.versionLocked(key, readTs)
	if it == nil || it.tombstone {
		return nil, false
	}
	return it.value, true
}

// Get reads the latest version of key.
func (s *MemoryStore) Get(key []byte) ([]byte, bool) {
	return s.GetAt(key, ^uint64(0))
}

// versionLocked finds the newest version of key with ts <= readTs.
// Versions sort newest first, so the scan starts at readTs and stops at the
// first version of key. Caller holds s.mu.
func (s *MemoryStore) versionLocked(key []byte, readTs uint64) *item {
	prefix := versionPrefix(key)

	var found *item
	s.tree.AscendGreaterOrEqual(&item{key: EncodeKey(key, readTs)}, func(i btree.Item) bool {
		it := i.(*item)
		if !bytes.HasPrefix(it.key, prefix) {
			return false
		}
		k, ts, ok := DecodeKey(it.key)
		if !ok || !bytes.Equal(k, key) || ts > readTs {
			return true
		}
		found = it
		return false
	})
	return found
}

func (s *MemoryStore) writeLocked(key, value []byte, tombstone bool, ts uint64) {
	s.tree.ReplaceOrInsert(&item{key: EncodeKey(key, ts), value: value, tombstone: tombstone})
	if ts > s.lastTs {
		s.lastTs = ts
	}
}

// Versions is the number of stored versions, tombstones included.
func (s *MemoryStore) Versions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// RunGC removes versions older than safeTs, keeping at least one version <= safeTs.
// A tombstone that is the only remaining version of its key is removed too.
func (s *MemoryStore) RunGC(safeTs uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doomed []btree.Item

	// Iteration order is key ascending, timestamp descending. For each key
	// the first version <= safeTs is the snapshot version; everything after
	// it is shadowed history.
	var (
		currentKey    []byte
		foundSnapshot bool
		sawNewer      bool
	)
	s.tree.Ascend(func(i btree.Item) bool {
		it := i.(*item)
		k, ts, ok := DecodeKey(it.key)
		if !ok {
			return true
		}

		if !bytes.Equal(k, currentKey) {
			currentKey = k
			foundSnapshot = false
			sawNewer = false
		}

		if ts > safeTs {
			sawNewer = true
			return true
		}

		if !foundSnapshot {
			foundSnapshot = true
			if it.tombstone && !sawNewer {
				doomed = append(doomed, i)
			}
		} else {
			doomed = append(doomed, i)
		}
		return true
	})

	for _, d := range doomed {
		s.tree.Delete(d)
	}
	return len(doomed)
}

type snapshotItem struct {
	Key       []byte `json:"k"`
	Value     []byte `json:"v,omitempty"`
	Tombstone bool   `json:"d,omitempty"`
}

type snapshot struct {
	LastTs uint64         `json:"last_ts"`
	Items  []snapshotItem `json:"items"`
}

// GetSnapshotData serializes the entire store state.
func (s *MemoryStore) GetSnapshotData() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := snapshot{LastTs: s.lastTs, Items: make([]snapshotItem, 0, s.tree.Len())}
	s.tree.Ascend(func(i btree.Item) bool {
		it := i.(*item)
		snap.Items = append(snap.Items, snapshotItem{Key: it.key, Value: it.value, Tombstone: it.tombstone})
		return true
	})
	return json.Marshal(snap)
}

// RestoreSnapshot replaces the store state with data.
func (s *MemoryStore) RestoreSnapshot(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tree.Clear(false)
	for _, it := range snap.Items {
		s.tree.ReplaceOrInsert(&item{key: it.Key, value: it.Value, tombstone: it.Tombstone})
	}
	s.lastTs = snap.LastTs
	return nil
}

// Close drops all data.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Clear(false)
	return nil
}
