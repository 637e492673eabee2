// Package schema maps configured tables of string fields onto vcdb
// datastores and indexes.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/myuser/vcdb"
	"github.com/myuser/vcdb/internal/codec"
	"github.com/myuser/vcdb/internal/config"
)

// DefaultSize is the data size declared for tables that do not set one.
const DefaultSize = 256

var (
	ErrNoTable   = errors.New("schema: no such table")
	ErrNoColumn  = errors.New("schema: column is neither the key nor indexed")
	ErrMissingPK = errors.New("schema: record has no primary key")
)

// Record is one row: field name to value.
type Record map[string]string

// Table is a datastore of records plus its field indexes.
type Table struct {
	Name      string
	KeyField  string
	Datastore *vcdb.Datastore

	indexes map[string]*vcdb.Index // by field
	codec   codec.Codec
}

// Schema is the set of configured tables.
type Schema struct {
	tables map[string]*Table
	order  []string
}

// New builds the datastores and indexes described by cfgs.
func New(cfgs []config.DatastoreConfig) (*Schema, error) {
	s := &Schema{tables: make(map[string]*Table)}
	for _, c := range cfgs {
		t, err := newTable(c)
		if err != nil {
			return nil, err
		}
		if _, dup := s.tables[t.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate table %q", t.Name)
		}
		s.tables[t.Name] = t
		s.order = append(s.order, t.Name)
	}
	return s, nil
}

func newTable(c config.DatastoreConfig) (*Table, error) {
	cd, err := codec.Lookup(c.Codec)
	if err != nil {
		return nil, err
	}
	size := c.Size
	if size == 0 {
		size = DefaultSize
	}

	t := &Table{Name: c.Name, KeyField: c.Key, indexes: make(map[string]*vcdb.Index), codec: cd}
	t.Datastore, err = vcdb.NewDatastoreOf(c.Name, size,
		func(r *Record, key []byte) int { return copy(key, (*r)[t.KeyField]) },
		t.read,
		t.write)
	if err != nil {
		return nil, fmt.Errorf("schema: table %s: %w", c.Name, err)
	}

	for _, ic := range c.Indexes {
		field := ic.Field
		idx, err := vcdb.NewIndexOf(t.Datastore, ic.Name, func(r *Record, key []byte) int {
			return copy(key, (*r)[field])
		})
		if err != nil {
			return nil, fmt.Errorf("schema: index %s: %w", ic.Name, err)
		}
		t.indexes[field] = idx
	}
	return t, nil
}

// write serializes r as compressed JSON, reporting the size needed when
// buf is too small.
func (t *Table) write(r *Record, buf []byte) (int, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return 0, err
	}
	if data, err = t.codec.Encode(data); err != nil {
		return 0, err
	}
	if len(data) > len(buf) {
		return len(data), vcdb.ErrBufferTooSmall
	}
	return copy(buf, data), nil
}

func (t *Table) read(data []byte, r *Record) error {
	raw, err := t.codec.Decode(data)
	if err != nil {
		return err
	}
	*r = nil
	return json.Unmarshal(raw, r)
}

// AddTo adds every table to b, each datastore followed by its indexes.
func (s *Schema) AddTo(b *vcdb.Builder) error {
	for _, name := range s.order {
		t := s.tables[name]
		if err := b.AddDatastore(t.Datastore); err != nil {
			return fmt.Errorf("schema: add %s: %w", name, err)
		}
		for _, field := range t.Fields() {
			if err := b.AddIndex(t.indexes[field]); err != nil {
				return fmt.Errorf("schema: add index on %s.%s: %w", name, field, err)
			}
		}
	}
	return nil
}

// Table returns the table called name.
func (s *Schema) Table(name string) (*Table, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTable, name)
	}
	return t, nil
}

// Tables lists table names in configuration order.
func (s *Schema) Tables() []string {
	return append([]string(nil), s.order...)
}

// Fields lists the indexed fields of t in sorted order.
func (t *Table) Fields() []string {
	fields := make([]string, 0, len(t.indexes))
	for f := range t.indexes {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Index returns the index over field.
func (t *Table) Index(field string) (*vcdb.Index, bool) {
	idx, ok := t.indexes[field]
	return idx, ok
}

// Get reads the record whose column equals value, through the primary key
// or an index.
func (t *Table) Get(db *vcdb.Database, column, value string) (Record, error) {
	var r Record
	var err error
	switch idx, ok := t.indexes[column]; {
	case column == t.KeyField:
		_, err = db.DatastoreGet(t.Datastore, []byte(value), &r, t.Datastore.DataSize())
	case ok:
		_, err = db.IndexGet(idx, []byte(value), &r, t.Datastore.DataSize())
	default:
		return nil, fmt.Errorf("%w: %s.%s", ErrNoColumn, t.Name, column)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Put stores r. r must carry the key field, and neither the key nor an
// indexed field may exceed vcdb.MaxKeySize.
func (t *Table) Put(tx *vcdb.Transaction, r Record) error {
	if r[t.KeyField] == "" {
		return fmt.Errorf("%w: %s.%s", ErrMissingPK, t.Name, t.KeyField)
	}
	if err := t.checkKey(t.KeyField, r[t.KeyField]); err != nil {
		return err
	}
	for field := range t.indexes {
		if err := t.checkKey(field, r[field]); err != nil {
			return err
		}
	}
	return tx.DatastorePut(t.Datastore, &r)
}

func (t *Table) checkKey(field, v string) error {
	if len(v) > vcdb.MaxKeySize {
		return fmt.Errorf("schema: %s.%s is %d bytes, keys are limited to %d: %w",
			t.Name, field, len(v), vcdb.MaxKeySize, vcdb.ErrInvalidParameter)
	}
	return nil
}

// Delete removes the record whose column equals value.
func (t *Table) Delete(tx *vcdb.Transaction, column, value string) error {
	if column == t.KeyField {
		return tx.DatastoreDelete(t.Datastore, []byte(value))
	}
	if idx, ok := t.indexes[column]; ok {
		return tx.IndexDelete(idx, []byte(value))
	}
	return fmt.Errorf("%w: %s.%s", ErrNoColumn, t.Name, column)
}
