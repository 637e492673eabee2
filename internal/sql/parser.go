package sql

import (
	"errors"
	"fmt"
	"strings"

	"github.com/blastrain/vitess-sqlparser/sqlparser"
)

var (
	ErrSyntax      = errors.New("sql: syntax error")
	ErrUnsupported = errors.New("sql: unsupported statement")
)

// ParseToPlan parses a single SQL statement into a plan node.
func ParseToPlan(sql string) (PlanNode, error) {
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	switch s := stmt.(type) {
	case *sqlparser.Select:
		return buildSelectPlan(s)
	case *sqlparser.Insert:
		return buildInsertPlan(s)
	case *sqlparser.Delete:
		return buildDeletePlan(s)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, stmt)
	}
}

// ParseBatch splits sql on statement boundaries and plans every statement.
// Nothing is returned unless the whole batch parses.
func ParseBatch(sql string) ([]PlanNode, error) {
	var plans []PlanNode
	for _, piece := range splitStatements(sql) {
		p, err := ParseToPlan(piece)
		if err != nil {
			return nil, fmt.Errorf("sql: %q: %w", piece, err)
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func buildSelectPlan(stmt *sqlparser.Select) (PlanNode, error) {
	if len(stmt.From) != 1 {
		return nil, fmt.Errorf("%w: SELECT needs exactly one table", ErrUnsupported)
	}
	aliased, ok := stmt.From[0].(*sqlparser.AliasedTableExpr)
	if !ok {
		return nil, fmt.Errorf("%w: joins", ErrUnsupported)
	}
	if stmt.Where == nil {
		return nil, fmt.Errorf("%w: SELECT without WHERE", ErrUnsupported)
	}
	pred, err := predicate(stmt.Where.Expr)
	if err != nil {
		return nil, err
	}

	var cols []string
	for _, expr := range stmt.SelectExprs {
		switch e := expr.(type) {
		case *sqlparser.StarExpr:
			cols = append(cols, "*")
		case *sqlparser.AliasedExpr:
			col, ok := e.Expr.(*sqlparser.ColName)
			if !ok {
				return nil, fmt.Errorf("%w: select expression %s", ErrUnsupported, sqlparser.String(e))
			}
			cols = append(cols, col.Name.String())
		default:
			return nil, fmt.Errorf("%w: select expression %s", ErrUnsupported, sqlparser.String(e))
		}
	}

	return &GetNode{
		From:    sqlparser.String(aliased.Expr),
		Where:   pred,
		Columns: cols,
	}, nil
}

func buildInsertPlan(stmt *sqlparser.Insert) (PlanNode, error) {
	var cols []string
	for _, col := range stmt.Columns {
		cols = append(cols, col.String())
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: INSERT without a column list", ErrUnsupported)
	}

	values, ok := stmt.Rows.(sqlparser.Values)
	if !ok {
		return nil, fmt.Errorf("%w: INSERT from SELECT", ErrUnsupported)
	}

	n := &InsertNode{Into: sqlparser.String(stmt.Table), Columns: cols}
	for _, tuple := range values {
		if len(tuple) != len(cols) {
			return nil, fmt.Errorf("sql: %d columns but %d values", len(cols), len(tuple))
		}
		row := make([]string, len(tuple))
		for i, expr := range tuple {
			v, err := literal(expr)
			if err != nil {
				return nil, err
			}
			row[i] = v
		}
		n.Rows = append(n.Rows, row)
	}
	return n, nil
}

func buildDeletePlan(stmt *sqlparser.Delete) (PlanNode, error) {
	if stmt.Where == nil {
		return nil, fmt.Errorf("%w: DELETE without WHERE", ErrUnsupported)
	}
	pred, err := predicate(stmt.Where.Expr)
	if err != nil {
		return nil, err
	}

	// the statement must name exactly one table
	var tables []string
	err = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch tn := node.(type) {
		case sqlparser.TableName:
			if name := tn.Name.String(); name != "" {
				tables = append(tables, name)
			}
		case *sqlparser.TableName:
			if tn != nil && tn.Name.String() != "" {
				tables = append(tables, tn.Name.String())
			}
		case *sqlparser.Where:
			return false, nil
		}
		return true, nil
	}, stmt)
	if err != nil {
		return nil, err
	}
	if len(tables) != 1 {
		return nil, fmt.Errorf("%w: DELETE needs exactly one table", ErrUnsupported)
	}

	return &DeleteNode{From: tables[0], Where: pred}, nil
}

// predicate accepts col = 'literal' in either order.
func predicate(expr sqlparser.Expr) (Predicate, error) {
	if p, ok := expr.(*sqlparser.ParenExpr); ok {
		return predicate(p.Expr)
	}
	cmp, ok := expr.(*sqlparser.ComparisonExpr)
	if !ok || cmp.Operator != sqlparser.EqualStr {
		return Predicate{}, fmt.Errorf("%w: WHERE %s", ErrUnsupported, sqlparser.String(expr))
	}

	left, right := cmp.Left, cmp.Right
	if _, ok := left.(*sqlparser.ColName); !ok {
		left, right = right, left
	}
	col, ok := left.(*sqlparser.ColName)
	if !ok {
		return Predicate{}, fmt.Errorf("%w: WHERE %s", ErrUnsupported, sqlparser.String(expr))
	}
	v, err := literal(right)
	if err != nil {
		return Predicate{}, err
	}
	return Predicate{Column: col.Name.String(), Value: v}, nil
}

func literal(expr sqlparser.Expr) (string, error) {
	if v, ok := expr.(*sqlparser.SQLVal); ok {
		return string(v.Val), nil
	}
	return "", fmt.Errorf("%w: value %s", ErrUnsupported, sqlparser.String(expr))
}

// splitStatements cuts sql at semicolons outside quoted strings and drops
// empty pieces.
func splitStatements(sql string) []string {
	var pieces []string
	var quote byte
	start := 0
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case quote != 0 && c == '\\':
			i++
		case quote != 0 && c == quote:
			quote = 0
		case quote != 0:
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == ';':
			pieces = append(pieces, sql[start:i])
			start = i + 1
		}
	}
	pieces = append(pieces, sql[start:])

	out := pieces[:0]
	for _, p := range pieces {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
