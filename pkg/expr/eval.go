package expr

import (
	"context"
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/arrow/scalar"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/opcode"
	"github.com/pingcap/tidb/pkg/parser/test_driver"

	"github.com/sandboxws/isotope/query/pkg/arrow/helpers"
)

// evaluator walks one expression tree against one record.
type evaluator struct {
	ctx   context.Context
	alloc memory.Allocator
	batch arrow.Record
}

func (ev *evaluator) rows() int { return int(ev.batch.NumRows()) }

func (ev *evaluator) eval(node ast.ExprNode) (arrow.Array, error) {
	switch e := node.(type) {
	case *ast.ColumnNameExpr:
		return ev.column(e.Name.Name.O)
	case *test_driver.ValueExpr:
		return ev.literal(e)
	case *ast.ParenthesesExpr:
		return ev.eval(e.Expr)
	case *ast.BinaryOperationExpr:
		return ev.binary(e)
	case *ast.UnaryOperationExpr:
		return ev.unary(e)
	case *ast.IsNullExpr:
		return ev.isNull(e)
	case *ast.BetweenExpr:
		return ev.between(e)
	case *ast.PatternInExpr:
		return ev.in(e)
	case *ast.CaseExpr:
		return ev.caseWhen(e)
	case *ast.FuncCallExpr:
		return ev.call(e)
	default:
		return nil, fmt.Errorf("unsupported expression type: %T", node)
	}
}

func (ev *evaluator) column(name string) (arrow.Array, error) {
	col, err := helpers.Column(ev.batch, name)
	if err != nil {
		return nil, err
	}
	col.Retain()
	return col, nil
}

func (ev *evaluator) literal(val *test_driver.ValueExpr) (arrow.Array, error) {
	var sc scalar.Scalar
	d := val.Datum
	switch d.Kind() {
	case test_driver.KindInt64:
		sc = scalar.NewInt64Scalar(d.GetInt64())
	case test_driver.KindUint64:
		sc = scalar.NewInt64Scalar(int64(d.GetUint64()))
	case test_driver.KindFloat32:
		sc = scalar.NewFloat64Scalar(float64(d.GetFloat32()))
	case test_driver.KindFloat64:
		sc = scalar.NewFloat64Scalar(d.GetFloat64())
	case test_driver.KindMysqlDecimal:
		f, err := strconv.ParseFloat(d.GetMysqlDecimal().String(), 64)
		if err != nil {
			return nil, fmt.Errorf("decimal literal: %w", err)
		}
		sc = scalar.NewFloat64Scalar(f)
	case test_driver.KindString:
		sc = scalar.NewStringScalar(d.GetString())
	case test_driver.KindNull:
		return array.MakeArrayOfNull(ev.alloc, arrow.PrimitiveTypes.Int64, ev.rows()), nil
	default:
		return nil, fmt.Errorf("unsupported literal kind: %v", d.Kind())
	}
	return scalar.MakeArrayFromScalar(sc, ev.rows(), ev.alloc)
}

var binaryKernels = map[opcode.Op]string{
	opcode.EQ:       "equal",
	opcode.NE:       "not_equal",
	opcode.GT:       "greater",
	opcode.LT:       "less",
	opcode.GE:       "greater_equal",
	opcode.LE:       "less_equal",
	opcode.Plus:     "add",
	opcode.Minus:    "subtract",
	opcode.Mul:      "multiply",
	opcode.Div:      "divide",
	opcode.LogicAnd: "and",
	opcode.LogicOr:  "or",
}

func (ev *evaluator) binary(e *ast.BinaryOperationExpr) (arrow.Array, error) {
	kernel, ok := binaryKernels[e.Op]
	if !ok {
		return nil, fmt.Errorf("unsupported binary operator: %v", e.Op)
	}
	left, err := ev.eval(e.L)
	if err != nil {
		return nil, err
	}
	defer left.Release()
	right, err := ev.eval(e.R)
	if err != nil {
		return nil, err
	}
	defer right.Release()

	if e.Op == opcode.Div {
		// SQL division of integers yields a fraction.
		return ev.kernel(kernel, left, right, arrow.PrimitiveTypes.Float64)
	}
	return ev.kernel(kernel, left, right, nil)
}

// kernel calls a binary compute function after promoting both sides to a
// common numeric type, or to force when it is set.
func (ev *evaluator) kernel(name string, left, right arrow.Array, force arrow.DataType) (arrow.Array, error) {
	target := force
	if target == nil {
		target = commonType(left.DataType(), right.DataType())
	}
	l, err := ev.cast(left, target)
	if err != nil {
		return nil, err
	}
	defer l.Release()
	r, err := ev.cast(right, target)
	if err != nil {
		return nil, err
	}
	defer r.Release()

	out, err := compute.CallFunction(ev.ctx, name, nil,
		compute.NewDatumWithoutOwning(l), compute.NewDatumWithoutOwning(r))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return datumArray(out)
}

func (ev *evaluator) unary(e *ast.UnaryOperationExpr) (arrow.Array, error) {
	inner, err := ev.eval(e.V)
	if err != nil {
		return nil, err
	}
	defer inner.Release()

	switch e.Op {
	case opcode.Not, opcode.Not2:
		b, ok := inner.(*array.Boolean)
		if !ok {
			return nil, fmt.Errorf("NOT requires boolean input, got %s", inner.DataType())
		}
		return ev.invert(b), nil
	case opcode.Minus:
		out, err := compute.Negate(ev.ctx, compute.ArithmeticOptions{}, compute.NewDatumWithoutOwning(inner))
		if err != nil {
			return nil, fmt.Errorf("unary minus: %w", err)
		}
		return datumArray(out)
	case opcode.Plus:
		inner.Retain()
		return inner, nil
	default:
		return nil, fmt.Errorf("unsupported unary operator: %v", e.Op)
	}
}

func (ev *evaluator) invert(b *array.Boolean) arrow.Array {
	bldr := array.NewBooleanBuilder(ev.alloc)
	defer bldr.Release()
	bldr.Reserve(b.Len())
	for i := 0; i < b.Len(); i++ {
		if b.IsNull(i) {
			bldr.UnsafeAppendBoolToBitmap(false)
			continue
		}
		bldr.UnsafeAppend(!b.Value(i))
	}
	return bldr.NewArray()
}

func (ev *evaluator) isNull(e *ast.IsNullExpr) (arrow.Array, error) {
	inner, err := ev.eval(e.Expr)
	if err != nil {
		return nil, err
	}
	defer inner.Release()

	bldr := array.NewBooleanBuilder(ev.alloc)
	defer bldr.Release()
	bldr.Reserve(inner.Len())
	for i := 0; i < inner.Len(); i++ {
		bldr.UnsafeAppend(inner.IsNull(i) != e.Not)
	}
	return bldr.NewArray(), nil
}

func (ev *evaluator) between(e *ast.BetweenExpr) (arrow.Array, error) {
	lo := &ast.BinaryOperationExpr{Op: opcode.GE, L: e.Expr, R: e.Left}
	hi := &ast.BinaryOperationExpr{Op: opcode.LE, L: e.Expr, R: e.Right}
	var cond ast.ExprNode = &ast.BinaryOperationExpr{Op: opcode.LogicAnd, L: lo, R: hi}
	if e.Not {
		cond = &ast.UnaryOperationExpr{Op: opcode.Not, V: cond}
	}
	return ev.eval(cond)
}

func (ev *evaluator) in(e *ast.PatternInExpr) (arrow.Array, error) {
	if e.Sel != nil {
		return nil, fmt.Errorf("IN (subquery) is not supported")
	}
	if len(e.List) == 0 {
		return nil, fmt.Errorf("IN requires at least one value")
	}
	var cond ast.ExprNode
	for _, item := range e.List {
		eq := &ast.BinaryOperationExpr{Op: opcode.EQ, L: e.Expr, R: item}
		if cond == nil {
			cond = eq
			continue
		}
		cond = &ast.BinaryOperationExpr{Op: opcode.LogicOr, L: cond, R: eq}
	}
	if e.Not {
		cond = &ast.UnaryOperationExpr{Op: opcode.Not, V: cond}
	}
	return ev.eval(cond)
}

func (ev *evaluator) caseWhen(e *ast.CaseExpr) (arrow.Array, error) {
	if e.Value != nil {
		return nil, fmt.Errorf("simple CASE is not supported, use CASE WHEN")
	}

	var owned []arrow.Array
	defer func() {
		for _, a := range owned {
			a.Release()
		}
	}()

	conds := make([]*array.Boolean, len(e.WhenClauses))
	vals := make([]arrow.Array, len(e.WhenClauses))
	for i, when := range e.WhenClauses {
		cond, err := ev.eval(when.Expr)
		if err != nil {
			return nil, fmt.Errorf("CASE WHEN[%d] condition: %w", i, err)
		}
		owned = append(owned, cond)
		b, ok := cond.(*array.Boolean)
		if !ok {
			return nil, fmt.Errorf("CASE WHEN[%d] condition is %s, want boolean", i, cond.DataType())
		}
		conds[i] = b

		val, err := ev.eval(when.Result)
		if err != nil {
			return nil, fmt.Errorf("CASE WHEN[%d] value: %w", i, err)
		}
		owned = append(owned, val)
		vals[i] = val
	}

	var elseVal arrow.Array
	if e.ElseClause != nil {
		v, err := ev.eval(e.ElseClause)
		if err != nil {
			return nil, fmt.Errorf("CASE ELSE: %w", err)
		}
		owned = append(owned, v)
		elseVal = v
	}

	bldr := array.NewBuilder(ev.alloc, vals[0].DataType())
	defer bldr.Release()
	for row := 0; row < ev.rows(); row++ {
		src := elseVal
		for i, cond := range conds {
			if cond.IsValid(row) && cond.Value(row) {
				src = vals[i]
				break
			}
		}
		if err := appendFrom(bldr, src, row); err != nil {
			return nil, err
		}
	}
	return bldr.NewArray(), nil
}

func datumArray(d compute.Datum) (arrow.Array, error) {
	ad, ok := d.(*compute.ArrayDatum)
	if !ok {
		d.Release()
		return nil, fmt.Errorf("unexpected datum type: %T", d)
	}
	out := ad.MakeArray()
	ad.Release()
	return out, nil
}

// appendFrom copies src[row] into bldr. A nil src appends null.
func appendFrom(bldr array.Builder, src arrow.Array, row int) error {
	if src == nil || src.IsNull(row) {
		bldr.AppendNull()
		return nil
	}
	if !arrow.TypeEqual(bldr.Type(), src.DataType()) {
		return fmt.Errorf("branch type %s does not match %s", src.DataType(), bldr.Type())
	}
	return bldr.AppendValueFromString(src.ValueStr(row))
}
