package stage

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"

	"github.com/sandboxws/isotope/query/pkg/block"
	"github.com/sandboxws/isotope/query/pkg/execerr"
	"github.com/sandboxws/isotope/query/pkg/pipeline"
	"github.com/sandboxws/isotope/query/pkg/port"
	"github.com/sandboxws/isotope/query/pkg/processor"
	"github.com/sandboxws/isotope/query/pkg/processors"
	"github.com/sandboxws/isotope/query/pkg/query"
	"github.com/sandboxws/isotope/query/pkg/storage"
)

// Table exposes a stage as a table. Reading scans the files it was created
// with, one partition per file. Writing creates one new file per chain.
type Table struct {
	info       Info
	schema     *arrow.Schema
	files      []File
	thresholds storage.BlockThresholds
}

// NewTable creates a stage table. A nil files list reads nothing. A nil
// schema is only valid for writing; files then take the schema of the first
// block written to them.
func NewTable(info Info, schema *arrow.Schema, files []File) *Table {
	return &Table{info: info, schema: schema, files: files, thresholds: storage.DefaultBlockThresholds}
}

// Info returns the stage description.
func (t *Table) Info() Info { return t.info }

func (t *Table) Name() string { return t.info.Name }

func (t *Table) Schema() *arrow.Schema { return t.schema }

func (t *Table) BlockThresholds() storage.BlockThresholds { return t.thresholds }

// SetBlockThresholds sets the batch size readers aim for.
func (t *Table) SetBlockThresholds(th storage.BlockThresholds) { t.thresholds = th }

// ReadPlan returns one partition per file. Filters are not pushed into
// files.
func (t *Table) ReadPlan(_ context.Context, _ []string) (*storage.ReadPlan, error) {
	parts := make([]query.Partition, len(t.files))
	for i, f := range t.files {
		parts[i] = f
	}
	return &storage.ReadPlan{Table: t.info.Name, Schema: t.schema, Parts: parts}, nil
}

// ReadData publishes the plan's partitions on the query context and adds up
// to MaxThreads scans that share them.
func (t *Table) ReadData(q *query.Context, plan *storage.ReadPlan, p *pipeline.Pipeline) error {
	q.SetPartitions(plan.Parts)
	width := q.Settings().MaxThreads
	if width > len(plan.Parts) {
		width = len(plan.Parts)
	}
	if width < 1 {
		width = 1
	}
	q.Logger().Debug("stage read",
		zap.String("stage", t.info.Name), zap.Int("parts", len(plan.Parts)), zap.Int("scans", width))
	op := t.Opener(q.Alloc())
	return p.AddSource(width, func(_ int, out *port.OutputPort) (processor.Processor, error) {
		return processors.NewScan(processor.NewContext(q, "StageScan"), out, op), nil
	})
}

// Opener returns a processors.Opener over the stage's files that allocates
// from alloc.
func (t *Table) Opener(alloc memory.Allocator) processors.Opener {
	return &opener{t: t, alloc: alloc}
}

type opener struct {
	t     *Table
	alloc memory.Allocator
}

func (o *opener) Open(ctx context.Context, part query.Partition) (processors.RecordReader, error) {
	f, ok := part.(File)
	if !ok {
		return nil, execerr.Internalf(readerOp, "partition %s is not a stage file", part.Key())
	}
	batch := int(o.t.thresholds.MaxRows)
	if batch <= 0 {
		batch = int(storage.DefaultBlockThresholds.MaxRows)
	}
	return open(ctx, o.t.info, o.t.schema, o.alloc, batch, f)
}

// AppendData writes every chain to a new file in the stage.
func (t *Table) AppendData(q *query.Context, p *pipeline.Pipeline) error {
	return p.AddTransform(func(_ int, in *port.InputPort, out *port.OutputPort) (processor.Processor, error) {
		ctx := processor.NewContext(q, "StageWrite")
		return processors.NewTransformer(ctx, in, out, newFileWriter(ctx, t.info, t.schema)), nil
	})
}

// CommitInsertion ends the pipeline. Files written by AppendData are visible
// as soon as they are closed, so the sink only checks that every writer
// reported its file.
func (t *Table) CommitInsertion(q *query.Context, p *pipeline.Pipeline, _ []storage.CopiedFile, overwrite bool) error {
	if overwrite {
		return fmt.Errorf("stage %s: overwrite is not supported", t.info.Name)
	}
	if err := p.Merge(); err != nil {
		return err
	}
	return p.AddSink(func(_ int, in *port.InputPort) (processor.Processor, error) {
		return processors.NewSink(processor.NewContext(q, "StageCommit"), in, &written{q: q}), nil
	})
}

type written struct {
	q     *query.Context
	files int
}

func (w *written) Consume(b *block.Block) error {
	w.files += int(b.NumRows())
	b.Release()
	return nil
}

func (w *written) Finish(context.Context) error {
	w.q.Logger().Info("stage files written", zap.Int("files", w.files))
	return nil
}
