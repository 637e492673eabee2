package sql

import (
	"fmt"
	"strings"
)

type NodeType int

const (
	NodeGet NodeType = iota
	NodeInsert
	NodeDelete
)

func (t NodeType) String() string {
	switch t {
	case NodeGet:
		return "get"
	case NodeInsert:
		return "insert"
	case NodeDelete:
		return "delete"
	}
	return fmt.Sprintf("node(%d)", int(t))
}

// PlanNode is one planned statement against a single table.
type PlanNode interface {
	Type() NodeType
	Table() string
	String() string
}

// Predicate is the only filter the planner accepts: column = value.
type Predicate struct {
	Column string
	Value  string
}

func (p Predicate) String() string { return fmt.Sprintf("%s = %q", p.Column, p.Value) }

// GetNode reads the record matching Where and projects Columns. A single
// "*" column selects every field.
type GetNode struct {
	From    string
	Where   Predicate
	Columns []string
}

func (n *GetNode) Type() NodeType { return NodeGet }
func (n *GetNode) Table() string  { return n.From }
func (n *GetNode) String() string {
	return fmt.Sprintf("Get(%s, %s, [%s])", n.From, n.Where, strings.Join(n.Columns, ","))
}

// InsertNode stores one record per row.
type InsertNode struct {
	Into    string
	Columns []string
	Rows    [][]string
}

func (n *InsertNode) Type() NodeType { return NodeInsert }
func (n *InsertNode) Table() string  { return n.Into }
func (n *InsertNode) String() string {
	return fmt.Sprintf("Insert(%s, [%s], %d rows)", n.Into, strings.Join(n.Columns, ","), len(n.Rows))
}

// Record returns row i as field values keyed by column.
func (n *InsertNode) Record(i int) map[string]string {
	rec := make(map[string]string, len(n.Columns))
	for j, c := range n.Columns {
		rec[c] = n.Rows[i][j]
	}
	return rec
}

// DeleteNode removes the record matching Where.
type DeleteNode struct {
	From  string
	Where Predicate
}

func (n *DeleteNode) Type() NodeType { return NodeDelete }
func (n *DeleteNode) Table() string  { return n.From }
func (n *DeleteNode) String() string { return fmt.Sprintf("Delete(%s, %s)", n.From, n.Where) }
