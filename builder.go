package vcdb

import (
	"log/slog"
)

// DefaultGrowth is the number of instance slots a builder starts with and
// grows by.
const DefaultGrowth = 20

type instanceKind int

const (
	kindDatastore instanceKind = iota
	kindIndex
)

func (k instanceKind) String() string {
	if k == kindIndex {
		return "index"
	}
	return "datastore"
}

// instance is one builder slot: a datastore or an index, discriminated by
// kind, plus an engine handle.
type instance struct {
	kind      instanceKind
	datastore *Datastore
	index     *Index
	handle    any
}

// Builder collects datastore and index definitions for one database and
// binds them to an engine.
//
// A builder must not be closed while a database created from it is open.
type Builder struct {
	engine     Engine
	engineName string
	connection string

	instances []instance
	growth    int
	opened    bool

	logger *slog.Logger
}

// Option configures a Builder.
type Option func(*builderOptions)

type builderOptions struct {
	registry *Registry
	growth   int
	logger   *slog.Logger
}

// WithRegistry resolves the engine in r instead of the default registry.
func WithRegistry(r *Registry) Option {
	return func(o *builderOptions) { o.registry = r }
}

// WithGrowth overrides the instance slot increment. Values below one are
// ignored.
func WithGrowth(n int) Option {
	return func(o *builderOptions) {
		if n > 0 {
			o.growth = n
		}
	}
}

// WithLogger sets the logger used by the builder and everything opened
// from it.
func WithLogger(l *slog.Logger) Option {
	return func(o *builderOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewBuilder resolves engine and returns an empty builder for the database
// at connection.
func NewBuilder(engine, connection string, opts ...Option) (*Builder, error) {
	o := builderOptions{
		registry: defaultRegistry,
		growth:   DefaultGrowth,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if engine == "" || o.registry == nil {
		return nil, ErrInvalidParameter
	}

	eng, ok := o.registry.Lookup(engine)
	if !ok {
		return nil, ErrMissingDatabaseEngine
	}

	return &Builder{
		engine:     eng,
		engineName: engine,
		connection: connection,
		instances:  make([]instance, 0, o.growth),
		growth:     o.growth,
		logger:     o.logger.With("engine", engine),
	}, nil
}

// AddDatastore transfers ownership of ds to the builder and assigns its
// correlation ID. On error ownership stays with the caller.
func (b *Builder) AddDatastore(ds *Datastore) error {
	if ds == nil || ds.name == "" || ds.owner != nil {
		return ErrInvalidParameter
	}
	if b.Datastore(ds.name) != nil {
		return ErrInvalidParameter
	}

	ds.correlationID = len(b.instances)
	b.add(instance{kind: kindDatastore, datastore: ds})
	ds.owner = b
	return nil
}

// AddIndex transfers ownership of idx to the builder and assigns its
// correlation ID. The index's datastore must already belong to b.
func (b *Builder) AddIndex(idx *Index) error {
	if idx == nil || idx.name == "" || idx.owner != nil {
		return ErrInvalidParameter
	}
	if idx.datastore == nil || idx.datastore.owner != b {
		return ErrInvalidParameter
	}
	if b.Index(idx.name) != nil {
		return ErrInvalidParameter
	}

	idx.correlationID = len(b.instances)
	b.add(instance{kind: kindIndex, index: idx})
	idx.owner = b
	return nil
}

func (b *Builder) add(in instance) {
	if len(b.instances) == cap(b.instances) {
		grown := make([]instance, len(b.instances), cap(b.instances)+b.growth)
		copy(grown, b.instances)
		b.instances = grown
	}
	b.instances = append(b.instances, in)
	b.logger.Debug("builder instance added", "kind", in.kind, "correlation_id", len(b.instances)-1)
}

// Len is the number of instances added so far.
func (b *Builder) Len() int { return len(b.instances) }

// Cap is the number of instance slots allocated. It grows in increments of
// the configured growth and never shrinks.
func (b *Builder) Cap() int { return cap(b.instances) }

// Engine returns the resolved engine.
func (b *Builder) Engine() Engine { return b.engine }

// EngineName is the name the engine was resolved by.
func (b *Builder) EngineName() string { return b.engineName }

func (b *Builder) ConnectionString() string { return b.connection }

// Opened reports whether a database created from b is open.
func (b *Builder) Opened() bool { return b.opened }

// Logger returns the builder's logger.
func (b *Builder) Logger() *slog.Logger { return b.logger }

// Datastores returns the datastores in insertion order.
func (b *Builder) Datastores() []*Datastore {
	var out []*Datastore
	for _, in := range b.instances {
		if in.kind == kindDatastore {
			out = append(out, in.datastore)
		}
	}
	return out
}

// Indexes returns the indexes in insertion order.
func (b *Builder) Indexes() []*Index {
	var out []*Index
	for _, in := range b.instances {
		if in.kind == kindIndex {
			out = append(out, in.index)
		}
	}
	return out
}

// IndexesOf returns the indexes defined over ds in insertion order.
func (b *Builder) IndexesOf(ds *Datastore) []*Index {
	var out []*Index
	for _, in := range b.instances {
		if in.kind == kindIndex && in.index.datastore == ds {
			out = append(out, in.index)
		}
	}
	return out
}

// Datastore finds a datastore by name.
func (b *Builder) Datastore(name string) *Datastore {
	for _, in := range b.instances {
		if in.kind == kindDatastore && in.datastore.name == name {
			return in.datastore
		}
	}
	return nil
}

// Index finds an index by name.
func (b *Builder) Index(name string) *Index {
	for _, in := range b.instances {
		if in.kind == kindIndex && in.index.name == name {
			return in.index
		}
	}
	return nil
}

// SetHandle attaches an engine handle to the instance with the given
// correlation ID.
func (b *Builder) SetHandle(correlationID int, h any) error {
	if correlationID < 0 || correlationID >= len(b.instances) {
		return ErrInvalidParameter
	}
	b.instances[correlationID].handle = h
	return nil
}

// Handle returns the engine handle of an instance, or nil.
func (b *Builder) Handle(correlationID int) any {
	if correlationID < 0 || correlationID >= len(b.instances) {
		return nil
	}
	return b.instances[correlationID].handle
}

// Close releases every datastore and index in insertion order.
// Closing a builder whose database is still open is a programming error
// and panics.
func (b *Builder) Close() error {
	if b.opened {
		panic("vcdb: builder closed while its database is open")
	}

	for i := range b.instances {
		switch b.instances[i].kind {
		case kindDatastore:
			b.instances[i].datastore.dispose()
		case kindIndex:
			b.instances[i].index.dispose()
		}
		b.instances[i] = instance{}
	}
	b.instances = nil
	b.connection = ""
	return nil
}
