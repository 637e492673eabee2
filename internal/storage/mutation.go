package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
)

// ErrCorruptRecord is returned when a stored record cannot be decoded.
var ErrCorruptRecord = errors.New("storage: corrupt record")

type MutationKind int

const (
	// MutationPut stores a primary record and its index entries.
	MutationPut MutationKind = iota
	// MutationDelete removes a primary record and its index entries.
	MutationDelete
	// MutationIndexDelete removes the record an index entry points at.
	MutationIndexDelete
)

// IndexKey is a secondary key in an index space.
type IndexKey struct {
	Space uint32 `json:"space"`
	Key   []byte `json:"key"`
}

// Mutation is one logical write. Space is the datastore space for puts and
// deletes and the index space for index deletes.
type Mutation struct {
	Kind    MutationKind `json:"kind"`
	Space   uint32       `json:"space"`
	Key     []byte       `json:"key"`
	Value   []byte       `json:"value,omitempty"`
	Indexes []IndexKey   `json:"indexes,omitempty"`
}

// Batch is the unit of atomic application: the writes of one transaction.
type Batch struct {
	TxnID     string     `json:"txn"`
	CommitTs  uint64     `json:"ts"`
	Mutations []Mutation `json:"ops"`
}

func (b *Batch) Encode() ([]byte, error) {
	return json.Marshal(b)
}

func DecodeBatch(data []byte) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Apply writes every mutation of b at b.CommitTs. Readers see either none
// or all of the batch.
func (s *MemoryStore) Apply(b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(b)
}

// ApplyNext stamps b with the timestamp following the last commit and
// applies it.
func (s *MemoryStore) ApplyNext(b *Batch) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b.CommitTs = s.lastTs + 1
	if err := s.applyLocked(b); err != nil {
		return 0, err
	}
	// an empty batch still consumes its timestamp
	s.lastTs = b.CommitTs
	return b.CommitTs, nil
}

func (s *MemoryStore) applyLocked(b *Batch) error {
	for _, m := range b.Mutations {
		var err error
		switch m.Kind {
		case MutationPut:
			err = s.putLocked(m.Space, m.Key, m.Value, m.Indexes, b.CommitTs)
		case MutationDelete:
			err = s.deleteLocked(m.Space, m.Key, b.CommitTs)
		case MutationIndexDelete:
			err = s.indexDeleteLocked(m.Space, m.Key, b.CommitTs)
		default:
			err = errors.New("storage: unknown mutation kind")
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) liveLocked(key []byte) ([]byte, bool) {
	it := s.versionLocked(key, ^uint64(0))
	if it == nil || it.tombstone {
		return nil, false
	}
	return it.value, true
}

func (s *MemoryStore) putLocked(space uint32, pk, value []byte, indexes []IndexKey, ts uint64) error {
	if err := s.dropIndexEntriesLocked(space, pk, ts); err != nil {
		return err
	}

	s.writeLocked(SpaceKey(space, pk), encodeRecord(value, indexes), false, ts)

	entry := encodeIndexEntry(space, pk)
	for _, ik := range indexes {
		if len(ik.Key) == 0 {
			continue
		}
		s.writeLocked(SpaceKey(ik.Space, ik.Key), entry, false, ts)
	}
	return nil
}

func (s *MemoryStore) deleteLocked(space uint32, pk []byte, ts uint64) error {
	key := SpaceKey(space, pk)
	if _, ok := s.liveLocked(key); !ok {
		return nil
	}
	if err := s.dropIndexEntriesLocked(space, pk, ts); err != nil {
		return err
	}
	s.writeLocked(key, nil, true, ts)
	return nil
}

func (s *MemoryStore) indexDeleteLocked(space uint32, sk []byte, ts uint64) error {
	raw, ok := s.liveLocked(SpaceKey(space, sk))
	if !ok {
		return nil
	}
	dsSpace, pk, err := decodeIndexEntry(raw)
	if err != nil {
		return err
	}
	return s.deleteLocked(dsSpace, pk, ts)
}

// dropIndexEntriesLocked tombstones the index entries of the current
// record under (space, pk) that still point at it.
func (s *MemoryStore) dropIndexEntriesLocked(space uint32, pk []byte, ts uint64) error {
	raw, ok := s.liveLocked(SpaceKey(space, pk))
	if !ok {
		return nil
	}
	_, indexes, err := decodeRecord(raw)
	if err != nil {
		return err
	}

	for _, ik := range indexes {
		ixKey := SpaceKey(ik.Space, ik.Key)
		entry, ok := s.liveLocked(ixKey)
		if !ok {
			continue
		}
		owner, owned, err := decodeIndexEntry(entry)
		if err != nil {
			return err
		}
		if owner == space && string(owned) == string(pk) {
			s.writeLocked(ixKey, nil, true, ts)
		}
	}
	return nil
}

// Record returns the value of the primary record (space, pk).
func (s *MemoryStore) Record(space uint32, pk []byte) ([]byte, bool, error) {
	raw, ok := s.Get(SpaceKey(space, pk))
	if !ok {
		return nil, false, nil
	}
	value, _, err := decodeRecord(raw)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// RecordByIndex returns the value of the record whose secondary key in
// index space is sk.
func (s *MemoryStore) RecordByIndex(space uint32, sk []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.liveLocked(SpaceKey(space, sk))
	if !ok {
		return nil, false, nil
	}
	dsSpace, pk, err := decodeIndexEntry(entry)
	if err != nil {
		return nil, false, err
	}
	raw, ok := s.liveLocked(SpaceKey(dsSpace, pk))
	if !ok {
		return nil, false, nil
	}
	value, _, err := decodeRecord(raw)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Record format: Count(uvarint) | {Space(uvarint) Len(uvarint) Key}* | Value
func encodeRecord(value []byte, indexes []IndexKey) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(indexes)))
	for _, ik := range indexes {
		buf = binary.AppendUvarint(buf, uint64(ik.Space))
		buf = binary.AppendUvarint(buf, uint64(len(ik.Key)))
		buf = append(buf, ik.Key...)
	}
	return append(buf, value...)
}

func decodeRecord(raw []byte) ([]byte, []IndexKey, error) {
	count, n := binary.Uvarint(raw)
	if n <= 0 {
		return nil, nil, ErrCorruptRecord
	}
	raw = raw[n:]

	var indexes []IndexKey
	for i := uint64(0); i < count; i++ {
		space, n := binary.Uvarint(raw)
		if n <= 0 {
			return nil, nil, ErrCorruptRecord
		}
		raw = raw[n:]

		klen, n := binary.Uvarint(raw)
		if n <= 0 || uint64(len(raw)-n) < klen {
			return nil, nil, ErrCorruptRecord
		}
		raw = raw[n:]

		indexes = append(indexes, IndexKey{Space: uint32(space), Key: raw[:klen]})
		raw = raw[klen:]
	}
	return raw, indexes, nil
}

// Index entry format: Space(uvarint) | PrimaryKey
func encodeIndexEntry(space uint32, pk []byte) []byte {
	buf := binary.AppendUvarint(nil, uint64(space))
	return append(buf, pk...)
}

func decodeIndexEntry(raw []byte) (uint32, []byte, error) {
	space, n := binary.Uvarint(raw)
	if n <= 0 {
		return 0, nil, ErrCorruptRecord
	}
	return uint32(space), raw[n:], nil
}
