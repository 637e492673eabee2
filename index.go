package vcdb

// SecondaryKeyGetter writes the secondary key of value into key and returns
// its size. key is MaxKeySize bytes long.
type SecondaryKeyGetter func(value any, key []byte) int

// Index is a secondary key over the values of a datastore.
// The datastore must outlive the index.
type Index struct {
	datastore     *Datastore
	name          string
	correlationID int
	keyGetter     SecondaryKeyGetter

	owner *Builder
}

// NewIndex describes an index named name over ds.
func NewIndex(ds *Datastore, name string, getter SecondaryKeyGetter) (*Index, error) {
	if ds == nil || name == "" || getter == nil {
		return nil, ErrInvalidParameter
	}

	return &Index{
		datastore: ds,
		name:      name,
		keyGetter: getter,
	}, nil
}

// NewIndexOf is NewIndex for a getter typed on *T.
func NewIndexOf[T any](ds *Datastore, name string, getter func(value *T, key []byte) int) (*Index, error) {
	if getter == nil {
		return nil, ErrInvalidParameter
	}

	return NewIndex(ds, name, func(value any, key []byte) int {
		v, ok := value.(*T)
		if !ok || v == nil {
			return 0
		}
		return getter(v, key)
	})
}

func (idx *Index) Name() string { return idx.name }

// Datastore returns the datastore the index is defined over.
func (idx *Index) Datastore() *Datastore { return idx.datastore }

// CorrelationID is the position of the index in its builder.
func (idx *Index) CorrelationID() int { return idx.correlationID }

// Key extracts the secondary key of value.
func (idx *Index) Key(value any) []byte {
	buf := make([]byte, MaxKeySize)
	n := idx.keyGetter(value, buf)
	if n < 0 || n > len(buf) {
		return nil
	}
	return buf[:n]
}

func (idx *Index) dispose() {
	*idx = Index{}
}
