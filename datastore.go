package vcdb

import "sync/atomic"

// MaxKeySize is the size of the key buffer handed to key getters.
const MaxKeySize = 1024

// KeyGetter writes the primary key of value into key and returns its size.
// key is MaxKeySize bytes long.
type KeyGetter func(value any, key []byte) int

// ValueReader decodes serialized data into value.
type ValueReader func(data []byte, value any) error

// ValueWriter serializes value into buf and returns the number of bytes
// written. When buf is too small it returns ErrBufferTooSmall and the exact
// size required.
type ValueWriter func(value any, buf []byte) (int, error)

// Datastore describes how one value type is keyed and serialized.
//
// A Datastore is owned by its creator until it is added to a builder, after
// which the builder owns it and releases it on Close.
type Datastore struct {
	name           string
	dataSize       int
	correlationID  int
	serialDataSize atomic.Int64

	keyGetter   KeyGetter
	valueReader ValueReader
	valueWriter ValueWriter

	owner *Builder
}

// NewDatastore describes a datastore named name holding values of size
// bytes.
func NewDatastore(name string, size int, getter KeyGetter, reader ValueReader, writer ValueWriter) (*Datastore, error) {
	if name == "" || size <= 0 || getter == nil || reader == nil || writer == nil {
		return nil, ErrInvalidParameter
	}

	return &Datastore{
		name:        name,
		dataSize:    size,
		keyGetter:   getter,
		valueReader: reader,
		valueWriter: writer,
	}, nil
}

// NewDatastoreOf is NewDatastore for callbacks typed on *T. Values passed to
// the resulting datastore must be *T.
func NewDatastoreOf[T any](
	name string,
	size int,
	getter func(value *T, key []byte) int,
	reader func(data []byte, value *T) error,
	writer func(value *T, buf []byte) (int, error),
) (*Datastore, error) {
	if getter == nil || reader == nil || writer == nil {
		return nil, ErrInvalidParameter
	}

	return NewDatastore(name, size,
		func(value any, key []byte) int {
			v, ok := value.(*T)
			if !ok || v == nil {
				return 0
			}
			return getter(v, key)
		},
		func(data []byte, value any) error {
			v, ok := value.(*T)
			if !ok || v == nil {
				return ErrInvalidParameter
			}
			return reader(data, v)
		},
		func(value any, buf []byte) (int, error) {
			v, ok := value.(*T)
			if !ok || v == nil {
				return 0, ErrInvalidParameter
			}
			return writer(v, buf)
		})
}

func (ds *Datastore) Name() string { return ds.name }

// DataSize is the size of the value type stored in this datastore.
func (ds *Datastore) DataSize() int { return ds.dataSize }

// CorrelationID is the position of the datastore in its builder.
func (ds *Datastore) CorrelationID() int { return ds.correlationID }

// SerialDataSize is the last serialized size seen by the datastore.
func (ds *Datastore) SerialDataSize() int { return int(ds.serialDataSize.Load()) }

// Key extracts the primary key of value.
func (ds *Datastore) Key(value any) []byte {
	buf := make([]byte, MaxKeySize)
	n := ds.keyGetter(value, buf)
	if n < 0 || n > len(buf) {
		return nil
	}
	return buf[:n]
}

func (ds *Datastore) dispose() {
	*ds = Datastore{}
}
