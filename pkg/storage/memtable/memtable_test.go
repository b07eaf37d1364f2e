package memtable_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxws/isotope/query/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/query/pkg/block"
	"github.com/sandboxws/isotope/query/pkg/execerr"
	"github.com/sandboxws/isotope/query/pkg/pipeline"
	"github.com/sandboxws/isotope/query/pkg/port"
	"github.com/sandboxws/isotope/query/pkg/processor"
	"github.com/sandboxws/isotope/query/pkg/processors"
	"github.com/sandboxws/isotope/query/pkg/query"
	"github.com/sandboxws/isotope/query/pkg/scheduler"
	"github.com/sandboxws/isotope/query/pkg/storage"
	"github.com/sandboxws/isotope/query/pkg/storage/memtable"
)

var schema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
}, nil)

type fixture struct {
	t     *testing.T
	alloc memory.Allocator
	table *memtable.Table
}

func newFixture(t *testing.T) *fixture {
	alloc := helpers.NewTestAllocator(t)
	tbl := memtable.New("ids", schema, storage.BlockThresholds{MinRows: 1, MaxRows: 100})
	t.Cleanup(tbl.Close)
	return &fixture{t: t, alloc: alloc, table: tbl}
}

func (f *fixture) ids(vals ...int64) *block.Block {
	return block.New(helpers.NewRecord([]string{"id"}, []arrow.Array{helpers.Int64s(f.alloc, vals)}))
}

func (f *fixture) query() *query.Context {
	return query.New(context.Background(), query.WithAllocator(f.alloc))
}

// insert runs chains of blocks through AppendData and, if after is nil,
// CommitInsertion.
func (f *fixture) insert(q *query.Context, chains [][]*block.Block, copied []storage.CopiedFile, overwrite bool, after processors.Transform) error {
	p := pipeline.New(q)
	require.NoError(f.t, p.AddSource(len(chains), func(i int, out *port.OutputPort) (processor.Processor, error) {
		return processors.NewValues(processor.NewContext(q, "Values"), out, chains[i]), nil
	}))
	if after != nil {
		require.NoError(f.t, p.AddTransform(func(_ int, in *port.InputPort, out *port.OutputPort) (processor.Processor, error) {
			return processors.NewTransformer(processor.NewContext(q, "Inject"), in, out, after), nil
		}))
	}
	require.NoError(f.t, f.table.AppendData(q, p))
	require.NoError(f.t, f.table.CommitInsertion(q, p, copied, overwrite))
	return scheduler.Run(p)
}

func TestCommitPublishesAllSegmentsOnce(t *testing.T) {
	f := newFixture(t)
	q := f.query()
	copied := []storage.CopiedFile{{Path: "a.csv", Size: 10, ModTime: time.Unix(1, 0)}}

	err := f.insert(q, [][]*block.Block{
		{f.ids(1, 2), f.ids(3)},
		{f.ids(4)},
		{},
	}, copied, false, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, f.table.Commits())
	assert.Zero(t, f.table.Staged())
	assert.EqualValues(t, 4, f.table.NumRows())
	assert.Len(t, f.table.Segments(), 3)
	assert.EqualValues(t, 4, q.Progress().WriteRows)

	files, err := f.table.CopiedFiles(context.Background())
	require.NoError(t, err)
	assert.Contains(t, files, "a.csv")
}

func TestScanCommittedData(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.insert(f.query(), [][]*block.Block{{f.ids(5, 6)}, {f.ids(7)}}, nil, false, nil))

	q := f.query()
	p := pipeline.New(q)
	plan, err := f.table.ReadPlan(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, plan.Parts, 2)
	require.NoError(t, f.table.ReadData(q, plan, p))
	require.NoError(t, p.Merge())
	c := processors.NewCollector()
	t.Cleanup(c.Release)
	require.NoError(t, p.AddSink(func(_ int, in *port.InputPort) (processor.Processor, error) {
		return processors.NewSink(processor.NewContext(q, "Collect"), in, c), nil
	}))
	require.NoError(t, scheduler.Run(p))

	assert.ElementsMatch(t, []int64{5, 6, 7}, helpers.Int64Values(c.Records(), "id"))
	assert.EqualValues(t, 3, q.Progress().ScanRows)
}

func TestFailedInsertCommitsNothing(t *testing.T) {
	f := newFixture(t)
	boom := execerr.Input("inject", errors.New("bad row"))
	calls := 0
	fail := processors.TransformFunc(func(b *block.Block) ([]*block.Block, error) {
		calls++
		if calls > 1 {
			return nil, boom
		}
		return []*block.Block{b.Share()}, nil
	})

	q := f.query()
	err := f.insert(q, [][]*block.Block{{f.ids(1), f.ids(2), f.ids(3)}}, nil, false, fail)
	assert.Same(t, boom, err)
	assert.Zero(t, f.table.Commits())
	assert.Zero(t, f.table.NumRows())

	f.table.AbortInsertion(q)
	assert.Zero(t, f.table.Staged())
}

func TestAbortKeepsOtherQueries(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("stop")
	q1, q2 := f.query(), f.query()
	drop := processors.TransformFunc(func(*block.Block) ([]*block.Block, error) { return nil, boom })

	// q1 stages a segment and then fails in a transform placed after the append.
	p := pipeline.New(q1)
	require.NoError(t, p.AddSource(1, func(_ int, out *port.OutputPort) (processor.Processor, error) {
		return processors.NewValues(processor.NewContext(q1, "Values"), out, []*block.Block{f.ids(1)}), nil
	}))
	require.NoError(t, f.table.AppendData(q1, p))
	require.NoError(t, p.AddTransform(func(_ int, in *port.InputPort, out *port.OutputPort) (processor.Processor, error) {
		return processors.NewTransformer(processor.NewContext(q1, "Drop"), in, out, drop), nil
	}))
	require.NoError(t, p.AddSink(func(_ int, in *port.InputPort) (processor.Processor, error) {
		return processors.NewSink(processor.NewContext(q1, "Collect"), in, processors.NewCollector()), nil
	}))
	assert.Same(t, boom, scheduler.Run(p))
	require.Equal(t, 1, f.table.Staged())

	f.table.AbortInsertion(q2)
	assert.Equal(t, 1, f.table.Staged())
	f.table.AbortInsertion(q1)
	assert.Zero(t, f.table.Staged())
}

func TestOverwriteReplacesData(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.insert(f.query(), [][]*block.Block{{f.ids(1, 2, 3)}}, nil, false, nil))
	require.NoError(t, f.insert(f.query(), [][]*block.Block{{f.ids(9)}}, nil, true, nil))

	recs := f.table.Records()
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()
	assert.Equal(t, []int64{9}, helpers.Int64Values(recs, "id"))
	assert.Equal(t, 2, f.table.Commits())
}

func TestAppendRejectsIncompatibleSchema(t *testing.T) {
	f := newFixture(t)
	wrong := block.New(helpers.NewRecord([]string{"name"}, []arrow.Array{helpers.Strings(f.alloc, []string{"x"})}))

	err := f.insert(f.query(), [][]*block.Block{{wrong}}, nil, false, nil)
	assert.Equal(t, execerr.KindSchema, execerr.KindOf(err))
	assert.Zero(t, f.table.Commits())
}
