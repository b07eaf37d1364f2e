package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
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
)

var seqSchema = arrow.NewSchema([]arrow.Field{{Name: "seq", Type: arrow.PrimitiveTypes.Int64}}, nil)

func newQuery(t *testing.T) (*query.Context, memory.Allocator) {
	alloc := helpers.NewTestAllocator(t)
	settings := query.DefaultSettings()
	settings.Workers = 4
	settings.MaxAsync = 4
	return query.New(context.Background(), query.WithAllocator(alloc), query.WithSettings(settings)), alloc
}

func valueBlocks(alloc memory.Allocator, start int64, blocks, rows int) []*block.Block {
	out := make([]*block.Block, blocks)
	for b := 0; b < blocks; b++ {
		vals := make([]int64, rows)
		for r := range vals {
			vals[r] = start
			start++
		}
		out[b] = block.New(helpers.NewRecord([]string{"seq"}, []arrow.Array{helpers.Int64s(alloc, vals)}))
	}
	return out
}

func passThrough(q *query.Context) pipeline.TransformFactory {
	return func(_ int, in *port.InputPort, out *port.OutputPort) (processor.Processor, error) {
		return processors.NewTransformer(processor.NewContext(q, "PassThrough"), in, out,
			processors.TransformFunc(func(b *block.Block) ([]*block.Block, error) {
				return []*block.Block{b.Share()}, nil
			})), nil
	}
}

func collectInto(q *query.Context, c processors.Consumer) pipeline.SinkFactory {
	return func(_ int, in *port.InputPort) (processor.Processor, error) {
		return processors.NewSink(processor.NewContext(q, "Collect"), in, c), nil
	}
}

func generator(q *query.Context, opts processors.GeneratorOptions) pipeline.SourceFactory {
	return func(i int, out *port.OutputPort) (processor.Processor, error) {
		o := opts
		o.Offset = int64(i) * 1_000_000
		return processors.NewGenerator(processor.NewContext(q, "Generator"), out, o)
	}
}

func TestNoDataLoss(t *testing.T) {
	q, alloc := newQuery(t)
	p := pipeline.New(q)

	require.NoError(t, p.AddSource(4, func(i int, out *port.OutputPort) (processor.Processor, error) {
		return processors.NewValues(processor.NewContext(q, "Values"), out, valueBlocks(alloc, int64(i)*250, 25, 10)), nil
	}))
	require.NoError(t, p.Resize(3))
	require.NoError(t, p.AddTransform(passThrough(q)))
	require.NoError(t, p.Merge())

	collector := processors.NewCollector()
	defer collector.Release()
	require.NoError(t, p.AddSink(collectInto(q, collector)))

	require.NoError(t, Run(p))

	seen := make(map[int64]bool)
	for _, v := range helpers.Int64Values(collector.Records(), "seq") {
		assert.False(t, seen[v], "duplicate %d", v)
		seen[v] = true
	}
	assert.Len(t, seen, 1000)
}

// countingSink records how far the producer ran ahead of it.
type countingSink struct {
	produced *atomic.Int64
	consumed atomic.Int64
	maxAhead atomic.Int64
}

func (c *countingSink) Consume(b *block.Block) error {
	defer b.Release()
	time.Sleep(200 * time.Microsecond)
	ahead := c.produced.Load() - c.consumed.Add(1)
	for {
		cur := c.maxAhead.Load()
		if ahead <= cur || c.maxAhead.CompareAndSwap(cur, ahead) {
			return nil
		}
	}
}

type countingTransform struct {
	produced *atomic.Int64
}

func (c countingTransform) Transform(b *block.Block) ([]*block.Block, error) {
	c.produced.Add(1)
	return []*block.Block{b.Share()}, nil
}

func TestBackpressureBoundsInFlightBlocks(t *testing.T) {
	q, _ := newQuery(t)
	p := pipeline.New(q)

	var produced atomic.Int64
	sink := &countingSink{produced: &produced}

	require.NoError(t, p.AddSource(1, generator(q, processors.GeneratorOptions{Schema: seqSchema, BatchSize: 8, MaxRows: 8 * 500})))
	require.NoError(t, p.AddTransform(func(_ int, in *port.InputPort, out *port.OutputPort) (processor.Processor, error) {
		return processors.NewTransformer(processor.NewContext(q, "Count"), in, out, countingTransform{produced: &produced}), nil
	}))
	require.NoError(t, p.AddSink(collectInto(q, sink)))

	require.NoError(t, Run(p))

	assert.EqualValues(t, 500, sink.consumed.Load())
	// One block in the edge, one in the transformer's output buffer, one
	// being consumed.
	assert.LessOrEqual(t, sink.maxAhead.Load(), int64(3))
}

type failAfter struct {
	n   int
	err error
}

func (f *failAfter) Transform(b *block.Block) ([]*block.Block, error) {
	if f.n == 0 {
		return nil, f.err
	}
	f.n--
	return []*block.Block{b.Share()}, nil
}

func TestFirstErrorWinsAndDrains(t *testing.T) {
	q, _ := newQuery(t)
	p := pipeline.New(q)

	boom := execerr.Input("decode", errors.New("undecodable batch"))

	// Two unbounded chains; one of them fails.
	require.NoError(t, p.AddSource(2, generator(q, processors.GeneratorOptions{Schema: seqSchema, BatchSize: 16})))
	require.NoError(t, p.AddTransform(func(i int, in *port.InputPort, out *port.OutputPort) (processor.Processor, error) {
		n := 1 << 30
		if i == 0 {
			n = 3
		}
		return processors.NewTransformer(processor.NewContext(q, "MaybeFail"), in, out, &failAfter{n: n, err: boom}), nil
	}))
	collector := processors.NewCollector()
	defer collector.Release()
	require.NoError(t, p.AddSink(collectInto(q, collector)))

	var observed error
	p.OnFinished(func(err error) error {
		observed = err
		return err
	})

	done := make(chan error, 1)
	go func() { done <- Run(p) }()

	select {
	case err := <-done:
		assert.Same(t, boom, err)
		assert.Same(t, boom, observed)
		assert.True(t, q.IsCancelled())
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not drain after error")
	}
}

func TestCancellationLatency(t *testing.T) {
	q, _ := newQuery(t)
	p := pipeline.New(q)

	// A throttled generator spends its time in async waits.
	require.NoError(t, p.AddSource(2, generator(q, processors.GeneratorOptions{Schema: seqSchema, BatchSize: 1, RowsPerSecond: 10})))
	require.NoError(t, p.AddTransform(passThrough(q)))
	collector := processors.NewCollector()
	defer collector.Release()
	require.NoError(t, p.AddSink(collectInto(q, collector)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunContext(ctx, p) }()

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	cancel()

	select {
	case err := <-done:
		assert.True(t, execerr.Is(err, execerr.KindCancelled), "got %v", err)
		assert.Less(t, time.Since(start), time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline ignored cancellation")
	}
}

func TestLimitStopsUnboundedSource(t *testing.T) {
	q, _ := newQuery(t)
	p := pipeline.New(q)

	require.NoError(t, p.AddSource(1, generator(q, processors.GeneratorOptions{Schema: seqSchema, BatchSize: 7})))
	require.NoError(t, p.AddTransform(func(_ int, in *port.InputPort, out *port.OutputPort) (processor.Processor, error) {
		return processors.NewLimit(processor.NewContext(q, "Limit"), in, out, 100), nil
	}))
	collector := processors.NewCollector()
	defer collector.Release()
	require.NoError(t, p.AddSink(collectInto(q, collector)))

	require.NoError(t, Run(p))
	assert.EqualValues(t, 100, collector.Rows())
}

// idler never produces anything and never finishes.
type idler struct {
	processor.Base
}

func (p *idler) Poll() (processor.Event, error) { return processor.NeedsInput, nil }

func TestStallIsReported(t *testing.T) {
	q, _ := newQuery(t)
	p := pipeline.New(q)

	require.NoError(t, p.AddSource(1, func(_ int, out *port.OutputPort) (processor.Processor, error) {
		return &idler{Base: processor.NewBase(processor.NewContext(q, "Idler"), nil, []*port.OutputPort{out})}, nil
	}))
	collector := processors.NewCollector()
	require.NoError(t, p.AddSink(collectInto(q, collector)))

	err := Run(p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStalled)
	assert.True(t, execerr.IsFatal(err))
}

type panicker struct {
	processor.Base
}

func (p *panicker) Poll() (processor.Event, error) { return processor.Ready, nil }
func (p *panicker) RunSync() error                 { panic("unreachable state") }

func TestPanicBecomesInternalError(t *testing.T) {
	q, _ := newQuery(t)
	p := pipeline.New(q)

	require.NoError(t, p.AddSource(1, func(_ int, out *port.OutputPort) (processor.Processor, error) {
		return &panicker{Base: processor.NewBase(processor.NewContext(q, "Panicker"), nil, []*port.OutputPort{out})}, nil
	}))
	collector := processors.NewCollector()
	require.NoError(t, p.AddSink(collectInto(q, collector)))

	err := Run(p)
	require.Error(t, err)
	assert.True(t, execerr.Is(err, execerr.KindInternal))
	assert.Contains(t, err.Error(), "unreachable state")
}

func TestInvalidPipelineIsRejected(t *testing.T) {
	q, _ := newQuery(t)
	p := pipeline.New(q)

	require.NoError(t, p.AddSource(1, func(_ int, out *port.OutputPort) (processor.Processor, error) {
		return processors.NewValues(processor.NewContext(q, "Values"), out, nil), nil
	}))

	err := Run(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dangling")
}

func TestOnFinishedCanFailSuccessfulRun(t *testing.T) {
	q, alloc := newQuery(t)
	p := pipeline.New(q)

	require.NoError(t, p.AddSource(1, func(_ int, out *port.OutputPort) (processor.Processor, error) {
		return processors.NewValues(processor.NewContext(q, "Values"), out, valueBlocks(alloc, 0, 1, 3)), nil
	}))
	collector := processors.NewCollector()
	defer collector.Release()
	require.NoError(t, p.AddSink(collectInto(q, collector)))

	commitErr := errors.New("commit failed")
	var calls int
	p.OnFinished(func(err error) error {
		calls++
		require.NoError(t, err)
		return commitErr
	})

	assert.Same(t, commitErr, Run(p))
	assert.Equal(t, 1, calls)
}

// abortingSink records the cause it was aborted with.
type abortingSink struct {
	*processors.Sink
	causes []error
}

func (s *abortingSink) Abort(ctx context.Context, cause error) {
	if ctx.Err() == nil {
		s.causes = append(s.causes, cause)
	}
}

func TestAbortReceivesFirstError(t *testing.T) {
	for _, fail := range []bool{false, true} {
		q, alloc := newQuery(t)
		p := pipeline.New(q)
		boom := execerr.Input("decode", errors.New("undecodable batch"))
		n := 1 << 30
		if fail {
			n = 1
		}

		require.NoError(t, p.AddSource(1, func(_ int, out *port.OutputPort) (processor.Processor, error) {
			return processors.NewValues(processor.NewContext(q, "Values"), out, valueBlocks(alloc, 0, 4, 8)), nil
		}))
		require.NoError(t, p.AddTransform(func(_ int, in *port.InputPort, out *port.OutputPort) (processor.Processor, error) {
			return processors.NewTransformer(processor.NewContext(q, "MaybeFail"), in, out, &failAfter{n: n, err: boom}), nil
		}))
		collector := processors.NewCollector()
		var sink *abortingSink
		require.NoError(t, p.AddSink(func(_ int, in *port.InputPort) (processor.Processor, error) {
			sink = &abortingSink{Sink: processors.NewSink(processor.NewContext(q, "Collect"), in, collector)}
			return sink, nil
		}))

		err := Run(p)
		collector.Release()
		if !fail {
			require.NoError(t, err)
			assert.Empty(t, sink.causes)
			continue
		}
		assert.Same(t, boom, err)
		require.Len(t, sink.causes, 1)
		assert.Same(t, boom, sink.causes[0])
	}
}
