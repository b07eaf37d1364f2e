package processors

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/sandboxws/isotope/query/pkg/block"
	"github.com/sandboxws/isotope/query/pkg/port"
	"github.com/sandboxws/isotope/query/pkg/processor"
)

const defaultBatchSize = 1024

// GeneratorOptions configures a Generator.
type GeneratorOptions struct {
	Schema *arrow.Schema
	// MaxRows stops the generator after that many rows. Zero means unbounded.
	MaxRows int64
	// BatchSize is the number of rows per block.
	BatchSize int
	// RowsPerSecond throttles output when positive.
	RowsPerSecond int64
	// Offset is the first sequence number, so parallel generators can emit
	// disjoint ranges.
	Offset int64
}

// Generator produces synthetic rows. Every column is derived from a running
// sequence number. Throttling waits happen in the async step.
type Generator struct {
	processor.Base
	opts GeneratorOptions

	seq      int64
	emitted  int64
	pending  *block.Block
	nextDue  time.Time
	interval time.Duration
}

// NewGenerator creates a generator source.
func NewGenerator(ctx *processor.Context, out *port.OutputPort, opts GeneratorOptions) (*Generator, error) {
	if opts.Schema == nil {
		return nil, fmt.Errorf("generator: nil schema")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	g := &Generator{
		Base: processor.NewBase(ctx, nil, []*port.OutputPort{out}),
		opts: opts,
		seq:  opts.Offset,
	}
	if opts.RowsPerSecond > 0 {
		if int64(g.opts.BatchSize) > opts.RowsPerSecond {
			g.opts.BatchSize = int(opts.RowsPerSecond)
		}
		g.interval = time.Duration(float64(time.Second) * float64(g.opts.BatchSize) / float64(opts.RowsPerSecond))
	}
	return g, nil
}

func (g *Generator) Poll() (processor.Event, error) {
	out := g.Out[0]
	if out.IsFinished() {
		return processor.Finished, nil
	}
	if g.pending != nil {
		if !out.Push(g.pending) {
			return processor.NeedsConsume, nil
		}
		g.Ctx.Emitted(g.pending)
		g.pending = nil
	}
	if g.opts.MaxRows > 0 && g.emitted >= g.opts.MaxRows {
		out.SetFinished()
		return processor.Finished, nil
	}
	if g.interval > 0 && time.Now().Before(g.nextDue) {
		return processor.Suspend, nil
	}
	return processor.Ready, nil
}

func (g *Generator) RunSync() error {
	n := int64(g.opts.BatchSize)
	if g.opts.MaxRows > 0 && g.opts.MaxRows-g.emitted < n {
		n = g.opts.MaxRows - g.emitted
	}
	g.pending = block.NewWithMeta(g.generate(g.seq, int(n)), block.Meta{Source: "generator"})
	g.seq += n
	g.emitted += n
	if g.interval > 0 {
		g.nextDue = time.Now().Add(g.interval)
	}
	return nil
}

// RunAsync waits until the next block is due.
func (g *Generator) RunAsync(ctx context.Context) error {
	timer := time.NewTimer(time.Until(g.nextDue))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (g *Generator) Close() error {
	g.pending.Release()
	g.pending = nil
	return nil
}

func (g *Generator) generate(startSeq int64, numRows int) arrow.Record {
	schema := g.opts.Schema
	builders := make([]array.Builder, schema.NumFields())
	for i := 0; i < schema.NumFields(); i++ {
		builders[i] = array.NewBuilder(g.Ctx.Alloc, schema.Field(i).Type)
	}

	for row := 0; row < numRows; row++ {
		seq := startSeq + int64(row)
		for i := 0; i < schema.NumFields(); i++ {
			f := schema.Field(i)
			switch b := builders[i].(type) {
			case *array.Int64Builder:
				b.Append(seq)
			case *array.Int32Builder:
				b.Append(int32(seq))
			case *array.Float64Builder:
				b.Append(float64(seq) * 1.1)
			case *array.StringBuilder:
				b.Append(fmt.Sprintf("%s_%d", f.Name, seq))
			case *array.BooleanBuilder:
				b.Append(seq%2 == 0)
			case *array.TimestampBuilder:
				b.Append(arrow.Timestamp(seq))
			default:
				b.AppendNull()
			}
		}
	}

	arrays := make([]arrow.Array, len(builders))
	for i, b := range builders {
		arrays[i] = b.NewArray()
		b.Release()
	}
	rec := array.NewRecord(schema, arrays, int64(numRows))
	for _, a := range arrays {
		a.Release()
	}
	return rec
}
