// Package expr compiles SQL scalar expressions and evaluates them against
// Arrow records. Expressions are parsed once with TiDB's SQL parser and then
// evaluated per block, dispatching to Arrow compute kernels where they exist.
package expr

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"

	// Registers the literal value driver the parser builds ValueExpr nodes with.
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"
)

// Expr is a compiled scalar expression. It is immutable and safe to evaluate
// from several processors at once.
type Expr struct {
	sql     string
	node    ast.ExprNode
	columns []string
}

// Compile parses sql as a standalone scalar expression.
func Compile(sql string) (*Expr, error) {
	stmt, err := parser.New().ParseOneStmt("SELECT "+sql, "", "")
	if err != nil {
		return nil, fmt.Errorf("parse expression %q: %w", sql, err)
	}
	sel, ok := stmt.(*ast.SelectStmt)
	if !ok || sel.Fields == nil || len(sel.Fields.Fields) != 1 || sel.Fields.Fields[0].Expr == nil {
		return nil, fmt.Errorf("parse expression %q: not a single scalar expression", sql)
	}
	node := sel.Fields.Fields[0].Expr

	cv := &columnVisitor{seen: map[string]bool{}}
	node.Accept(cv)
	return &Expr{sql: sql, node: node, columns: cv.names}, nil
}

// MustCompile is Compile for expressions known to be valid.
func MustCompile(sql string) *Expr {
	e, err := Compile(sql)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the source text.
func (e *Expr) String() string { return e.sql }

// Columns returns the column names the expression references, in order of
// first appearance.
func (e *Expr) Columns() []string { return e.columns }

// Eval evaluates the expression for every row of batch. The caller must
// release the returned array.
func (e *Expr) Eval(ctx context.Context, alloc memory.Allocator, batch arrow.Record) (arrow.Array, error) {
	ev := &evaluator{ctx: compute.WithAllocator(ctx, alloc), alloc: alloc, batch: batch}
	out, err := ev.eval(e.node)
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", e.sql, err)
	}
	return out, nil
}

// EvalBool evaluates a predicate. A non-boolean result is an error.
func (e *Expr) EvalBool(ctx context.Context, alloc memory.Allocator, batch arrow.Record) (*array.Boolean, error) {
	out, err := e.Eval(ctx, alloc, batch)
	if err != nil {
		return nil, err
	}
	mask, ok := out.(*array.Boolean)
	if !ok {
		out.Release()
		return nil, fmt.Errorf("expression %q did not produce boolean result, got %s", e.sql, out.DataType())
	}
	return mask, nil
}

type columnVisitor struct {
	seen  map[string]bool
	names []string
}

func (v *columnVisitor) Enter(n ast.Node) (ast.Node, bool) {
	if col, ok := n.(*ast.ColumnNameExpr); ok {
		name := col.Name.Name.O
		if !v.seen[name] {
			v.seen[name] = true
			v.names = append(v.names, name)
		}
	}
	return n, false
}

func (v *columnVisitor) Leave(n ast.Node) (ast.Node, bool) { return n, true }
