// Package memtable is an in-memory table. Appends are staged as segments
// that stay invisible until a single commit publishes them, which makes it a
// convenient target for exercising COPY end to end.
package memtable

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/sandboxws/isotope/query/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/query/pkg/block"
	"github.com/sandboxws/isotope/query/pkg/execerr"
	"github.com/sandboxws/isotope/query/pkg/pipeline"
	"github.com/sandboxws/isotope/query/pkg/port"
	"github.com/sandboxws/isotope/query/pkg/processor"
	"github.com/sandboxws/isotope/query/pkg/processors"
	"github.com/sandboxws/isotope/query/pkg/query"
	"github.com/sandboxws/isotope/query/pkg/storage"
)

// Segment metadata columns emitted by the append stage.
const (
	ColSegmentID = "segment_id"
	ColRows      = "rows"
	ColBytes     = "bytes"
)

type segment struct {
	id    string
	query string
	rec   arrow.Record
	rows  int64
	bytes int64
}

// Key identifies the segment as a scan partition.
func (s *segment) Key() string { return s.id }

// Size reports the segment's buffer size.
func (s *segment) Size() int64 { return s.bytes }

// Table is an in-memory table.
type Table struct {
	name       string
	schema     *arrow.Schema
	thresholds storage.BlockThresholds

	mu      sync.Mutex
	staged  map[string]*segment
	data    []*segment
	copied  map[string]storage.CopiedFile
	commits int
}

// New creates an empty table.
func New(name string, schema *arrow.Schema, thresholds storage.BlockThresholds) *Table {
	return &Table{
		name:       name,
		schema:     schema,
		thresholds: thresholds,
		staged:     make(map[string]*segment),
		copied:     make(map[string]storage.CopiedFile),
	}
}

func (t *Table) Name() string { return t.name }

func (t *Table) Schema() *arrow.Schema { return t.schema }

func (t *Table) BlockThresholds() storage.BlockThresholds { return t.thresholds }

// ReadPlan returns one partition per committed segment.
func (t *Table) ReadPlan(context.Context, []string) (*storage.ReadPlan, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	parts := make([]query.Partition, len(t.data))
	for i, seg := range t.data {
		parts[i] = seg
	}
	return &storage.ReadPlan{Table: t.name, Schema: t.schema, Parts: parts}, nil
}

// ReadData adds scans over the plan's segments.
func (t *Table) ReadData(q *query.Context, plan *storage.ReadPlan, p *pipeline.Pipeline) error {
	q.SetPartitions(plan.Parts)
	width := q.Settings().MaxThreads
	if width > len(plan.Parts) {
		width = len(plan.Parts)
	}
	if width < 1 {
		width = 1
	}
	return p.AddSource(width, func(_ int, out *port.OutputPort) (processor.Processor, error) {
		return processors.NewScan(processor.NewContext(q, "MemoryScan"), out, segmentOpener{}), nil
	})
}

type segmentOpener struct{}

func (segmentOpener) Open(_ context.Context, part query.Partition) (processors.RecordReader, error) {
	seg, ok := part.(*segment)
	if !ok {
		return nil, execerr.Internalf("memory scan", "partition %s is not a segment", part.Key())
	}
	return &segmentReader{rec: seg.rec}, nil
}

type segmentReader struct {
	rec arrow.Record
}

func (r *segmentReader) Next(context.Context) (arrow.Record, error) {
	if r.rec == nil {
		return nil, io.EOF
	}
	rec := r.rec
	r.rec = nil
	rec.Retain()
	return rec, nil
}

func (r *segmentReader) Close() error { return nil }

// AppendData stages every incoming block as a segment and emits one
// metadata row per segment.
func (t *Table) AppendData(q *query.Context, p *pipeline.Pipeline) error {
	return p.AddTransform(func(_ int, in *port.InputPort, out *port.OutputPort) (processor.Processor, error) {
		ctx := processor.NewContext(q, "AppendSegments")
		return processors.NewTransformer(ctx, in, out, &appender{ctx: ctx, t: t}), nil
	})
}

type appender struct {
	ctx *processor.Context
	t   *Table
}

func (a *appender) Transform(b *block.Block) ([]*block.Block, error) {
	rec := b.Record()
	if err := helpers.Compatible(rec.Schema(), a.t.schema); err != nil {
		return nil, execerr.Schema(a.ctx.ProcessorName, fmt.Errorf("append to %s: %w", a.t.name, err))
	}
	seg := a.t.stage(a.ctx.Query.ID(), rec)

	meta := helpers.NewRecord([]string{ColSegmentID, ColRows, ColBytes}, []arrow.Array{
		helpers.Strings(a.ctx.Alloc, []string{seg.id}),
		helpers.Int64s(a.ctx.Alloc, []int64{seg.rows}),
		helpers.Int64s(a.ctx.Alloc, []int64{seg.bytes}),
	})
	return []*block.Block{block.NewWithMeta(meta, b.Meta())}, nil
}

func (t *Table) stage(queryID string, rec arrow.Record) *segment {
	rec.Retain()
	seg := &segment{
		id:    ulid.Make().String(),
		query: queryID,
		rec:   rec,
		rows:  rec.NumRows(),
		bytes: helpers.RecordBytes(rec),
	}
	t.mu.Lock()
	t.staged[seg.id] = seg
	t.mu.Unlock()
	return seg
}

// CommitInsertion merges the segment metadata of every chain into one
// commit sink. The sink publishes all segments, together with copied, once
// its input ended successfully.
func (t *Table) CommitInsertion(q *query.Context, p *pipeline.Pipeline, copied []storage.CopiedFile, overwrite bool) error {
	if err := p.Merge(); err != nil {
		return err
	}
	return p.AddSink(func(_ int, in *port.InputPort) (processor.Processor, error) {
		return processors.NewSink(processor.NewContext(q, "CommitSink"), in,
			&committer{t: t, q: q, copied: copied, overwrite: overwrite}), nil
	})
}

type committer struct {
	t         *Table
	q         *query.Context
	copied    []storage.CopiedFile
	overwrite bool

	ids   []string
	rows  int64
	bytes int64
}

func (c *committer) Consume(b *block.Block) error {
	defer b.Release()
	rec := b.Record()
	ids, err := helpers.Column(rec, ColSegmentID)
	if err != nil {
		return execerr.Schema("commit sink", err)
	}
	col, ok := ids.(*array.String)
	if !ok {
		return execerr.Schema("commit sink", fmt.Errorf("%s is %s, not string", ColSegmentID, ids.DataType()))
	}
	for i := 0; i < col.Len(); i++ {
		c.ids = append(c.ids, col.Value(i))
	}
	for _, n := range helpers.Int64Values([]arrow.Record{rec}, ColRows) {
		c.rows += n
	}
	for _, n := range helpers.Int64Values([]arrow.Record{rec}, ColBytes) {
		c.bytes += n
	}
	return nil
}

func (c *committer) Finish(context.Context) error {
	if err := c.t.commit(c.ids, c.copied, c.overwrite); err != nil {
		return err
	}
	c.q.AddWriteProgress(c.rows, c.bytes)
	c.q.Logger().Info("committed insertion",
		zap.String("table", c.t.name),
		zap.Int("segments", len(c.ids)),
		zap.Int64("rows", c.rows),
		zap.Int("copied_files", len(c.copied)),
		zap.Bool("overwrite", c.overwrite))
	return nil
}

func (t *Table) commit(ids []string, copied []storage.CopiedFile, overwrite bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	segs := make([]*segment, len(ids))
	for i, id := range ids {
		seg, ok := t.staged[id]
		if !ok {
			return execerr.Internalf("commit", "segment %s is not staged", id)
		}
		segs[i] = seg
	}
	for _, id := range ids {
		delete(t.staged, id)
	}
	if overwrite {
		for _, seg := range t.data {
			seg.rec.Release()
		}
		t.data = nil
	}
	t.data = append(t.data, segs...)
	for _, f := range copied {
		t.copied[f.Path] = f
	}
	t.commits++
	return nil
}

// AbortInsertion drops the segments q staged but never committed.
func (t *Table) AbortInsertion(q *query.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, seg := range t.staged {
		if seg.query == q.ID() {
			seg.rec.Release()
			delete(t.staged, id)
		}
	}
}

// CopiedFiles returns the files recorded by previous commits.
func (t *Table) CopiedFiles(context.Context) (map[string]storage.CopiedFile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]storage.CopiedFile, len(t.copied))
	for k, v := range t.copied {
		out[k] = v
	}
	return out, nil
}

// Commits returns how many commits the table has seen.
func (t *Table) Commits() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commits
}

// Staged returns the number of segments waiting for a commit.
func (t *Table) Staged() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.staged)
}

// NumRows returns the number of committed rows.
func (t *Table) NumRows() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int64
	for _, seg := range t.data {
		n += seg.rows
	}
	return n
}

// Records returns the committed records in commit order. The caller releases
// them.
func (t *Table) Records() []arrow.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]arrow.Record, len(t.data))
	for i, seg := range t.data {
		seg.rec.Retain()
		out[i] = seg.rec
	}
	return out
}

// Segments returns the ids of committed segments, sorted.
func (t *Table) Segments() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, len(t.data))
	for i, seg := range t.data {
		ids[i] = seg.id
	}
	sort.Strings(ids)
	return ids
}

// Close releases all data, committed or not.
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, seg := range t.data {
		seg.rec.Release()
	}
	for _, seg := range t.staged {
		seg.rec.Release()
	}
	t.data = nil
	t.staged = make(map[string]*segment)
}
