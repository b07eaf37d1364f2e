package processors

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"

	"github.com/sandboxws/isotope/query/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/query/pkg/block"
	"github.com/sandboxws/isotope/query/pkg/execerr"
	"github.com/sandboxws/isotope/query/pkg/expr"
	"github.com/sandboxws/isotope/query/pkg/processor"
)

// Filter keeps the rows for which a predicate is true.
type Filter struct {
	ctx  *processor.Context
	pred *expr.Expr
}

// NewFilter creates a Filter transform.
func NewFilter(ctx *processor.Context, pred *expr.Expr) *Filter {
	return &Filter{ctx: ctx, pred: pred}
}

func (f *Filter) Transform(b *block.Block) ([]*block.Block, error) {
	mask, err := f.pred.EvalBool(f.ctx.Ctx(), f.ctx.Alloc, b.Record())
	if err != nil {
		return nil, execerr.Input(f.ctx.ProcessorName, err)
	}
	defer mask.Release()

	rec, err := helpers.Filter(compute.WithAllocator(f.ctx.Ctx(), f.ctx.Alloc), b.Record(), mask)
	if err != nil {
		return nil, err
	}
	return []*block.Block{block.NewWithMeta(rec, b.Meta())}, nil
}

// Projection is one output column of a Project transform.
type Projection struct {
	Expr  *expr.Expr
	Alias string
}

// Project evaluates expressions into a new set of columns.
type Project struct {
	ctx   *processor.Context
	items []Projection
}

// NewProject creates a Project transform. Items without an alias are named
// after their source text.
func NewProject(ctx *processor.Context, items []Projection) *Project {
	for i := range items {
		if items[i].Alias == "" {
			items[i].Alias = items[i].Expr.String()
		}
	}
	return &Project{ctx: ctx, items: items}
}

func (p *Project) Transform(b *block.Block) ([]*block.Block, error) {
	fields := make([]arrow.Field, 0, len(p.items))
	arrays := make([]arrow.Array, 0, len(p.items))
	for _, item := range p.items {
		arr, err := item.Expr.Eval(p.ctx.Ctx(), p.ctx.Alloc, b.Record())
		if err != nil {
			releaseArrays(arrays)
			return nil, execerr.Input(p.ctx.ProcessorName, err)
		}
		fields = append(fields, arrow.Field{Name: item.Alias, Type: arr.DataType(), Nullable: true})
		arrays = append(arrays, arr)
	}
	rec := array.NewRecord(arrow.NewSchema(fields, nil), arrays, b.NumRows())
	releaseArrays(arrays)
	return []*block.Block{block.NewWithMeta(rec, b.Meta())}, nil
}

// Cast conforms blocks to a target schema: columns are matched by position,
// renamed to the target names and converted to the target types.
type Cast struct {
	ctx    *processor.Context
	target *arrow.Schema
}

// NewCast creates a Cast transform.
func NewCast(ctx *processor.Context, target *arrow.Schema) *Cast {
	return &Cast{ctx: ctx, target: target}
}

func (c *Cast) Transform(b *block.Block) ([]*block.Block, error) {
	rec := b.Record()
	if rec.NumCols() != int64(c.target.NumFields()) {
		return nil, execerr.Schema(c.ctx.ProcessorName, fmt.Errorf(
			"source has %d columns, target has %d", rec.NumCols(), c.target.NumFields()))
	}
	if rec.Schema().Equal(c.target) {
		return []*block.Block{b.Share()}, nil
	}

	ctx := compute.WithAllocator(c.ctx.Ctx(), c.ctx.Alloc)
	arrays := make([]arrow.Array, 0, c.target.NumFields())
	for i, f := range c.target.Fields() {
		col := rec.Column(i)
		if arrow.TypeEqual(col.DataType(), f.Type) {
			col.Retain()
			arrays = append(arrays, col)
			continue
		}
		casted, err := compute.CastToType(ctx, col, f.Type)
		if err != nil {
			releaseArrays(arrays)
			return nil, execerr.Schema(c.ctx.ProcessorName,
				fmt.Errorf("cast column %q from %s to %s: %w", f.Name, col.DataType(), f.Type, err))
		}
		arrays = append(arrays, casted)
	}
	out := array.NewRecord(c.target, arrays, rec.NumRows())
	releaseArrays(arrays)
	return []*block.Block{block.NewWithMeta(out, b.Meta())}, nil
}

func releaseArrays(arrs []arrow.Array) {
	for _, a := range arrs {
		a.Release()
	}
}
