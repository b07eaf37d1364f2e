package expr

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/pingcap/tidb/pkg/parser/ast"
)

func (ev *evaluator) call(e *ast.FuncCallExpr) (arrow.Array, error) {
	// FnName.L is the lower-cased name.
	switch name := e.FnName.L; name {
	case "upper":
		return ev.mapString(e, strings.ToUpper)
	case "lower":
		return ev.mapString(e, strings.ToLower)
	case "trim":
		return ev.mapString(e, func(s string) string { return strings.TrimFunc(s, unicode.IsSpace) })
	case "length", "char_length":
		return ev.length(e)
	case "concat":
		return ev.concat(e)
	case "coalesce", "ifnull":
		return ev.coalesce(e)
	case "substring", "substr":
		return ev.substring(e)
	default:
		return nil, fmt.Errorf("unsupported function: %s", name)
	}
}

// args evaluates every argument. On success the caller releases the result.
func (ev *evaluator) args(e *ast.FuncCallExpr, min, max int) ([]arrow.Array, error) {
	if len(e.Args) < min || (max >= 0 && len(e.Args) > max) {
		return nil, fmt.Errorf("%s: wrong number of arguments (%d)", e.FnName.O, len(e.Args))
	}
	out := make([]arrow.Array, 0, len(e.Args))
	for _, a := range e.Args {
		v, err := ev.eval(a)
		if err != nil {
			releaseAll(out)
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func releaseAll(arrs []arrow.Array) {
	for _, a := range arrs {
		a.Release()
	}
}

func (ev *evaluator) mapString(e *ast.FuncCallExpr, fn func(string) string) (arrow.Array, error) {
	args, err := ev.args(e, 1, 1)
	if err != nil {
		return nil, err
	}
	defer releaseAll(args)

	bldr := array.NewStringBuilder(ev.alloc)
	defer bldr.Release()
	for i := 0; i < ev.rows(); i++ {
		if args[0].IsNull(i) {
			bldr.AppendNull()
			continue
		}
		bldr.Append(fn(args[0].ValueStr(i)))
	}
	return bldr.NewArray(), nil
}

func (ev *evaluator) length(e *ast.FuncCallExpr) (arrow.Array, error) {
	args, err := ev.args(e, 1, 1)
	if err != nil {
		return nil, err
	}
	defer releaseAll(args)

	bldr := array.NewInt64Builder(ev.alloc)
	defer bldr.Release()
	for i := 0; i < ev.rows(); i++ {
		if args[0].IsNull(i) {
			bldr.AppendNull()
			continue
		}
		bldr.Append(int64(utf8.RuneCountInString(args[0].ValueStr(i))))
	}
	return bldr.NewArray(), nil
}

// concat returns NULL for a row when any argument is NULL.
func (ev *evaluator) concat(e *ast.FuncCallExpr) (arrow.Array, error) {
	args, err := ev.args(e, 1, -1)
	if err != nil {
		return nil, err
	}
	defer releaseAll(args)

	bldr := array.NewStringBuilder(ev.alloc)
	defer bldr.Release()
rows:
	for row := 0; row < ev.rows(); row++ {
		var sb strings.Builder
		for _, a := range args {
			if a.IsNull(row) {
				bldr.AppendNull()
				continue rows
			}
			sb.WriteString(a.ValueStr(row))
		}
		bldr.Append(sb.String())
	}
	return bldr.NewArray(), nil
}

// coalesce returns the first non-null argument per row, typed like the first
// argument.
func (ev *evaluator) coalesce(e *ast.FuncCallExpr) (arrow.Array, error) {
	args, err := ev.args(e, 1, -1)
	if err != nil {
		return nil, err
	}
	defer releaseAll(args)

	target := args[0].DataType()
	for i, a := range args {
		if a.DataType().ID() == arrow.NULL {
			continue
		}
		c, err := ev.cast(a, target)
		if err != nil {
			return nil, fmt.Errorf("coalesce argument %d: %w", i, err)
		}
		a.Release()
		args[i] = c
	}

	bldr := array.NewBuilder(ev.alloc, target)
	defer bldr.Release()
	for row := 0; row < ev.rows(); row++ {
		var src arrow.Array
		for _, a := range args {
			if a.IsValid(row) {
				src = a
				break
			}
		}
		if err := appendFrom(bldr, src, row); err != nil {
			return nil, err
		}
	}
	return bldr.NewArray(), nil
}

// substring evaluates SUBSTRING(str, start[, len]) with 1-based rune offsets.
func (ev *evaluator) substring(e *ast.FuncCallExpr) (arrow.Array, error) {
	args, err := ev.args(e, 2, 3)
	if err != nil {
		return nil, err
	}
	defer releaseAll(args)

	starts, ok := args[1].(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("substring: start must be an integer, got %s", args[1].DataType())
	}
	var lengths *array.Int64
	if len(args) == 3 {
		if lengths, ok = args[2].(*array.Int64); !ok {
			return nil, fmt.Errorf("substring: length must be an integer, got %s", args[2].DataType())
		}
	}

	bldr := array.NewStringBuilder(ev.alloc)
	defer bldr.Release()
	for row := 0; row < ev.rows(); row++ {
		if args[0].IsNull(row) || starts.IsNull(row) || (lengths != nil && lengths.IsNull(row)) {
			bldr.AppendNull()
			continue
		}
		runes := []rune(args[0].ValueStr(row))
		start := int(starts.Value(row)) - 1
		if start < 0 {
			start = 0
		}
		if start > len(runes) {
			start = len(runes)
		}
		end := len(runes)
		if lengths != nil {
			if n := int(lengths.Value(row)); n >= 0 && start+n < end {
				end = start + n
			}
		}
		bldr.Append(string(runes[start:end]))
	}
	return bldr.NewArray(), nil
}
