package storage

import (
	"encoding/binary"
	"math"
)

// EncodeKey appends the key length and the inverted timestamp to the key.
// Format: Key + Len(2) + (MaxUint64 - ts)
func EncodeKey(key []byte, ts uint64) []byte {
	buf := make([]byte, len(key)+10)
	copy(buf, key)
	binary.BigEndian.PutUint16(buf[len(key):], uint16(len(key)))

	// Invert timestamp for descending order
	invTs := math.MaxUint64 - ts
	binary.BigEndian.PutUint64(buf[len(key)+2:], invTs)

	return buf
}

// DecodeKey splits the key and timestamp. ok is false when joined was not
// produced by EncodeKey.
func DecodeKey(joined []byte) (key []byte, ts uint64, ok bool) {
	if len(joined) < 10 {
		return nil, 0, false
	}

	keyLen := len(joined) - 10
	if int(binary.BigEndian.Uint16(joined[keyLen:])) != keyLen {
		return nil, 0, false
	}
	invTs := binary.BigEndian.Uint64(joined[keyLen+2:])

	return joined[:keyLen], math.MaxUint64 - invTs, true
}

// versionPrefix is the prefix shared by every version of key.
func versionPrefix(key []byte) []byte {
	buf := make([]byte, len(key)+2)
	copy(buf, key)
	binary.BigEndian.PutUint16(buf[len(key):], uint16(len(key)))
	return buf
}

// SpaceKey prefixes key with the space it lives in. Every datastore and
// index gets its own space, numbered by correlation ID.
func SpaceKey(space uint32, key []byte) []byte {
	buf := make([]byte, 4+len(key))
	binary.BigEndian.PutUint32(buf, space)
	copy(buf[4:], key)
	return buf
}

// SplitSpaceKey undoes SpaceKey.
func SplitSpaceKey(k []byte) (uint32, []byte) {
	if len(k) < 4 {
		return 0, nil
	}
	return binary.BigEndian.Uint32(k), k[4:]
}
