package sql

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/myuser/vcdb"
	"github.com/myuser/vcdb/internal/metrics"
	"github.com/myuser/vcdb/internal/schema"
)

// Row is one result row, ordered like Result.Columns.
type Row []string

// Result is the outcome of one statement.
type Result struct {
	Statement string   `json:"statement"`
	Columns   []string `json:"columns,omitempty"`
	Rows      []Row    `json:"rows,omitempty"`
	Affected  int      `json:"affected"`
}

// Executor runs statement batches against a database described by a schema.
type Executor struct {
	db     *vcdb.Database
	schema *schema.Schema
	logger *slog.Logger
}

func NewExecutor(db *vcdb.Database, s *schema.Schema, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{db: db, schema: s, logger: logger}
}

// Execute parses sql and runs every statement inside one transaction.
// Reads see the state committed before the batch began. Any failure rolls
// the whole batch back.
func (e *Executor) Execute(ctx context.Context, sql string) ([]Result, error) {
	plans, err := ParseBatch(sql)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, plans)
}

// Run executes already planned statements as one batch.
func (e *Executor) Run(ctx context.Context, plans []PlanNode) ([]Result, error) {
	var tx *vcdb.Transaction
	for _, p := range plans {
		if p.Type() != NodeGet {
			t, err := e.db.Begin()
			if err != nil {
				return nil, err
			}
			tx = t
			break
		}
	}
	if tx != nil {
		defer tx.Close()
	}

	results := make([]Result, 0, len(plans))
	for _, p := range plans {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := e.execute(tx, p)
		if err != nil {
			metrics.Inc("vcdb_sql_errors")
			e.logger.Debug("statement failed", "plan", p.String(), "err", err)
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		r.Statement = p.String()
		results = append(results, r)
	}

	if tx != nil {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		e.logger.Debug("batch committed", "txn", tx.ID, "statements", len(plans))
	}
	metrics.Add("vcdb_sql_statements", int64(len(plans)))
	return results, nil
}

func (e *Executor) execute(tx *vcdb.Transaction, p PlanNode) (Result, error) {
	t, err := e.schema.Table(p.Table())
	if err != nil {
		return Result{}, err
	}

	switch n := p.(type) {
	case *GetNode:
		return e.executeGet(t, n)
	case *InsertNode:
		return executeInsert(tx, t, n)
	case *DeleteNode:
		return e.executeDelete(tx, t, n)
	default:
		return Result{}, fmt.Errorf("%w: %T", ErrUnsupported, p)
	}
}

func (e *Executor) executeGet(t *schema.Table, n *GetNode) (Result, error) {
	rec, err := t.Get(e.db, n.Where.Column, n.Where.Value)
	if errors.Is(err, vcdb.ErrValueNotFound) {
		return Result{Columns: n.Columns}, nil
	}
	if err != nil {
		return Result{}, err
	}

	cols := n.Columns
	if len(cols) == 1 && cols[0] == "*" {
		cols = make([]string, 0, len(rec))
		for c := range rec {
			cols = append(cols, c)
		}
		sort.Strings(cols)
	}

	row := make(Row, len(cols))
	for i, c := range cols {
		row[i] = rec[c]
	}
	return Result{Columns: cols, Rows: []Row{row}}, nil
}

func executeInsert(tx *vcdb.Transaction, t *schema.Table, n *InsertNode) (Result, error) {
	for i := range n.Rows {
		if err := t.Put(tx, n.Record(i)); err != nil {
			return Result{}, err
		}
	}
	return Result{Affected: len(n.Rows)}, nil
}

func (e *Executor) executeDelete(tx *vcdb.Transaction, t *schema.Table, n *DeleteNode) (Result, error) {
	// Affected counts committed records only. The delete is still issued
	// for a miss so records put earlier in the batch are removed.
	affected := 1
	if _, err := t.Get(e.db, n.Where.Column, n.Where.Value); errors.Is(err, vcdb.ErrValueNotFound) {
		affected = 0
	} else if err != nil {
		return Result{}, err
	}
	if err := t.Delete(tx, n.Where.Column, n.Where.Value); err != nil {
		return Result{}, err
	}
	return Result{Affected: affected}, nil
}

// Format writes results as aligned text tables.
func Format(w io.Writer, results []Result) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, r := range results {
		if len(r.Columns) == 0 {
			fmt.Fprintf(tw, "%d affected\n", r.Affected)
			continue
		}
		fmt.Fprintln(tw, strings.Join(r.Columns, "\t"))
		for _, row := range r.Rows {
			fmt.Fprintln(tw, strings.Join(row, "\t"))
		}
		fmt.Fprintf(tw, "(%d rows)\n", len(r.Rows))
	}
	return tw.Flush()
}
