package processors

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"

	"github.com/sandboxws/isotope/query/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/query/pkg/block"
	"github.com/sandboxws/isotope/query/pkg/execerr"
	"github.com/sandboxws/isotope/query/pkg/processor"
)

// AggFunc is an aggregate function.
type AggFunc int

const (
	Count AggFunc = iota
	Sum
	Min
	Max
)

func (f AggFunc) String() string {
	switch f {
	case Count:
		return "count"
	case Sum:
		return "sum"
	case Min:
		return "min"
	case Max:
		return "max"
	default:
		return fmt.Sprintf("agg(%d)", int(f))
	}
}

// ParseAggFunc maps a function name to an AggFunc.
func ParseAggFunc(name string) (AggFunc, error) {
	switch strings.ToLower(name) {
	case "count":
		return Count, nil
	case "sum":
		return Sum, nil
	case "min":
		return Min, nil
	case "max":
		return Max, nil
	default:
		return 0, fmt.Errorf("unsupported aggregate function %q", name)
	}
}

// Aggregation is one aggregate output column. An empty Column with Count
// means COUNT(*).
type Aggregation struct {
	Func   AggFunc
	Column string
	Alias  string
}

// AggregateMode selects whether raw rows or partial states are aggregated.
type AggregateMode int

const (
	// Complete aggregates raw rows into final values.
	Complete AggregateMode = iota
	// Partial aggregates raw rows into states that a Final stage merges.
	Partial
	// Final merges partial states. Partial output columns carry the aliases.
	Final
)

type valueKind int

const (
	kindInt valueKind = iota
	kindFloat
	kindString
)

type accumulator struct {
	set   bool
	count int64
	i     int64
	f     float64
	s     string
}

type aggGroup struct {
	keys  []string
	nulls []bool
	accs  []accumulator
}

// Aggregate is a hash group-by transform. Group keys are serialized per row;
// key columns are rebuilt from the serialized values when the input ends.
type Aggregate struct {
	ctx     *processor.Context
	mode    AggregateMode
	groupBy []string
	aggs    []Aggregation

	keyTypes []arrow.DataType
	kinds    []valueKind
	outTypes []arrow.DataType

	index  map[string]int
	groups []*aggGroup
}

// NewAggregate creates an Aggregate transform.
func NewAggregate(ctx *processor.Context, mode AggregateMode, groupBy []string, aggs []Aggregation) (*Aggregate, error) {
	if len(aggs) == 0 && len(groupBy) == 0 {
		return nil, fmt.Errorf("aggregate needs group keys or aggregate functions")
	}
	for i := range aggs {
		if aggs[i].Alias == "" {
			col := aggs[i].Column
			if col == "" {
				col = "*"
			}
			aggs[i].Alias = fmt.Sprintf("%s(%s)", aggs[i].Func, col)
		}
	}
	return &Aggregate{
		ctx:     ctx,
		mode:    mode,
		groupBy: groupBy,
		aggs:    aggs,
		index:   make(map[string]int),
	}, nil
}

// input returns the column an aggregation reads and the function applied to
// it. Final mode reads the partial state column and merges counts by summing.
func (a *Aggregate) input(agg Aggregation) (string, AggFunc) {
	if a.mode != Final {
		return agg.Column, agg.Func
	}
	if agg.Func == Count {
		return agg.Alias, Sum
	}
	return agg.Alias, agg.Func
}

func (a *Aggregate) resolve(schema *arrow.Schema) error {
	if a.kinds != nil {
		return nil
	}
	for _, name := range a.groupBy {
		idx := helpers.FieldIndex(schema, name)
		if idx < 0 {
			return execerr.Schema(a.ctx.ProcessorName, fmt.Errorf("group column %q not found", name))
		}
		a.keyTypes = append(a.keyTypes, schema.Field(idx).Type)
	}
	a.kinds = make([]valueKind, len(a.aggs))
	a.outTypes = make([]arrow.DataType, len(a.aggs))
	for i, agg := range a.aggs {
		col, fn := a.input(agg)
		if fn == Count {
			a.kinds[i], a.outTypes[i] = kindInt, arrow.PrimitiveTypes.Int64
			continue
		}
		idx := helpers.FieldIndex(schema, col)
		if idx < 0 {
			return execerr.Schema(a.ctx.ProcessorName, fmt.Errorf("aggregate column %q not found", col))
		}
		switch dt := schema.Field(idx).Type; {
		case arrow.IsInteger(dt.ID()):
			a.kinds[i], a.outTypes[i] = kindInt, arrow.PrimitiveTypes.Int64
		case arrow.IsFloating(dt.ID()):
			a.kinds[i], a.outTypes[i] = kindFloat, arrow.PrimitiveTypes.Float64
		case (fn == Min || fn == Max) && (dt.ID() == arrow.STRING || dt.ID() == arrow.LARGE_STRING):
			a.kinds[i], a.outTypes[i] = kindString, arrow.BinaryTypes.String
		default:
			return execerr.Schema(a.ctx.ProcessorName, fmt.Errorf("cannot %s column %q of type %s", fn, col, dt))
		}
	}
	return nil
}

// column returns the aggregated column converted to the accumulator kind.
func (a *Aggregate) column(rec arrow.Record, i int) (arrow.Array, error) {
	col, fn := a.input(a.aggs[i])
	if fn == Count && col == "" {
		return nil, nil
	}
	arr, err := helpers.Column(rec, col)
	if err != nil {
		return nil, err
	}
	var target arrow.DataType
	switch a.kinds[i] {
	case kindInt:
		target = arrow.PrimitiveTypes.Int64
	case kindFloat:
		target = arrow.PrimitiveTypes.Float64
	default:
		arr.Retain()
		return arr, nil
	}
	if arrow.TypeEqual(arr.DataType(), target) {
		arr.Retain()
		return arr, nil
	}
	return compute.CastToType(compute.WithAllocator(a.ctx.Ctx(), a.ctx.Alloc), arr, target)
}

func (a *Aggregate) Transform(b *block.Block) ([]*block.Block, error) {
	rec := b.Record()
	if err := a.resolve(rec.Schema()); err != nil {
		return nil, err
	}

	keyIdx, err := helpers.ColumnIndices(rec.Schema(), a.groupBy)
	if err != nil {
		return nil, execerr.Schema(a.ctx.ProcessorName, err)
	}
	keyCols := make([]arrow.Array, len(keyIdx))
	for i, idx := range keyIdx {
		keyCols[i] = rec.Column(idx)
	}

	cols := make([]arrow.Array, len(a.aggs))
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()
	for i := range a.aggs {
		c, err := a.column(rec, i)
		if err != nil {
			return nil, execerr.Schema(a.ctx.ProcessorName, err)
		}
		cols[i] = c
	}

	for row := 0; row < int(rec.NumRows()); row++ {
		g := a.group(keyCols, row)
		for i := range a.aggs {
			_, fn := a.input(a.aggs[i])
			g.accs[i].add(fn, a.kinds[i], cols[i], row)
		}
	}
	return nil, nil
}

func (a *Aggregate) group(keyCols []arrow.Array, row int) *aggGroup {
	key := helpers.RowKey(keyCols, row)
	if idx, ok := a.index[key]; ok {
		return a.groups[idx]
	}
	g := &aggGroup{
		keys:  make([]string, len(keyCols)),
		nulls: make([]bool, len(keyCols)),
		accs:  make([]accumulator, len(a.aggs)),
	}
	for i, col := range keyCols {
		if col.IsNull(row) {
			g.nulls[i] = true
			continue
		}
		g.keys[i] = col.ValueStr(row)
	}
	a.index[key] = len(a.groups)
	a.groups = append(a.groups, g)
	return g
}

func (acc *accumulator) add(fn AggFunc, kind valueKind, col arrow.Array, row int) {
	if col == nil {
		acc.count++
		return
	}
	if col.IsNull(row) {
		return
	}
	if fn == Count {
		acc.count++
		return
	}
	switch kind {
	case kindInt:
		v := col.(*array.Int64).Value(row)
		switch {
		case fn == Sum:
			acc.i += v
		case !acc.set, fn == Min && v < acc.i, fn == Max && v > acc.i:
			acc.i = v
		}
	case kindFloat:
		v := col.(*array.Float64).Value(row)
		switch {
		case fn == Sum:
			acc.f += v
		case !acc.set, fn == Min && v < acc.f, fn == Max && v > acc.f:
			acc.f = v
		}
	case kindString:
		v := col.ValueStr(row)
		if !acc.set || (fn == Min && v < acc.s) || (fn == Max && v > acc.s) {
			acc.s = v
		}
	}
	acc.set = true
}

// Flush emits one row per group. A global aggregation over no rows yields a
// single row: counts are zero and every other aggregate is NULL.
func (a *Aggregate) Flush() ([]*block.Block, error) {
	if len(a.groupBy) == 0 && len(a.groups) == 0 {
		a.groups = append(a.groups, &aggGroup{accs: make([]accumulator, len(a.aggs))})
	}
	if len(a.groups) == 0 {
		return nil, nil
	}
	if a.kinds == nil {
		// No input was seen: only COUNT has a known type.
		a.outTypes = make([]arrow.DataType, len(a.aggs))
		a.kinds = make([]valueKind, len(a.aggs))
		for i := range a.aggs {
			a.outTypes[i] = arrow.PrimitiveTypes.Int64
		}
	}

	fields := make([]arrow.Field, 0, len(a.groupBy)+len(a.aggs))
	builders := make([]array.Builder, 0, cap(fields))
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()
	for i, name := range a.groupBy {
		fields = append(fields, arrow.Field{Name: name, Type: a.keyTypes[i], Nullable: true})
		builders = append(builders, array.NewBuilder(a.ctx.Alloc, a.keyTypes[i]))
	}
	for i, agg := range a.aggs {
		fields = append(fields, arrow.Field{Name: agg.Alias, Type: a.outTypes[i], Nullable: true})
		builders = append(builders, array.NewBuilder(a.ctx.Alloc, a.outTypes[i]))
	}

	for _, g := range a.groups {
		for i := range a.groupBy {
			if g.nulls[i] {
				builders[i].AppendNull()
				continue
			}
			if err := builders[i].AppendValueFromString(g.keys[i]); err != nil {
				return nil, execerr.Internal(a.ctx.ProcessorName, fmt.Errorf("rebuild group key: %w", err))
			}
		}
		for i, agg := range a.aggs {
			bldr := builders[len(a.groupBy)+i]
			acc := g.accs[i]
			_, fn := a.input(agg)
			switch {
			case fn == Count:
				bldr.(*array.Int64Builder).Append(acc.count)
			case agg.Func == Count:
				// Merged partial counts; zero when nothing was merged.
				bldr.(*array.Int64Builder).Append(acc.i)
			case !acc.set:
				bldr.AppendNull()
			case a.kinds[i] == kindInt:
				bldr.(*array.Int64Builder).Append(acc.i)
			case a.kinds[i] == kindFloat:
				bldr.(*array.Float64Builder).Append(acc.f)
			default:
				bldr.(*array.StringBuilder).Append(acc.s)
			}
		}
	}

	arrays := make([]arrow.Array, len(builders))
	for i, b := range builders {
		arrays[i] = b.NewArray()
	}
	rec := array.NewRecord(arrow.NewSchema(fields, nil), arrays, int64(len(a.groups)))
	releaseArrays(arrays)

	a.groups, a.index = nil, map[string]int{}
	return []*block.Block{block.New(rec)}, nil
}
