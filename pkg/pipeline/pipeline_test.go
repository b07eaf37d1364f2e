package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxws/isotope/query/pkg/port"
	"github.com/sandboxws/isotope/query/pkg/processor"
	"github.com/sandboxws/isotope/query/pkg/processors"
	"github.com/sandboxws/isotope/query/pkg/query"
)

func source(q *query.Context) SourceFactory {
	return func(_ int, out *port.OutputPort) (processor.Processor, error) {
		return processors.NewValues(processor.NewContext(q, "Values"), out, nil), nil
	}
}

func sink(q *query.Context) SinkFactory {
	return func(_ int, in *port.InputPort) (processor.Processor, error) {
		return processors.NewSink(processor.NewContext(q, "Collect"), in, processors.NewCollector()), nil
	}
}

func TestBuildAndValidate(t *testing.T) {
	q := query.New(context.Background())
	p := New(q)

	require.NoError(t, p.AddSource(3, source(q)))
	assert.Equal(t, 3, p.Width())

	require.NoError(t, p.Resize(2))
	assert.Equal(t, 2, p.Width())

	require.NoError(t, p.Merge())
	assert.Equal(t, 1, p.Width())

	require.NoError(t, p.Partition(4, processors.Hash, []string{"k"}))
	assert.Equal(t, 4, p.Width())

	require.NoError(t, p.AddSink(sink(q)))
	assert.Zero(t, p.Width())

	// 3 sources, merge+partitioner for the resize, merge, merge+partitioner, 4 sinks.
	assert.Equal(t, 3+2+1+1+4, p.Len())
	require.NoError(t, p.Validate())
}

func TestValidateRejectsDanglingOutput(t *testing.T) {
	q := query.New(context.Background())
	p := New(q)
	require.NoError(t, p.AddSource(1, source(q)))

	assert.ErrorContains(t, p.Validate(), "dangling")
}

func TestValidateRejectsEmpty(t *testing.T) {
	assert.Error(t, New(query.New(context.Background())).Validate())
}

func TestValidateRejectsUnconsumedEdge(t *testing.T) {
	q := query.New(context.Background())
	p := New(q)

	_, out := p.Connect()
	p.Add(processors.NewValues(processor.NewContext(q, "Values"), out, nil))

	assert.ErrorContains(t, p.Validate(), "0 consumers")
}

func TestValidateDetectsCycle(t *testing.T) {
	q := query.New(context.Background())
	p := New(q)

	aIn, aOut := p.Connect()
	bIn, bOut := p.Connect()
	p.Add(processors.NewMerge(processor.NewContext(q, "A"), []*port.InputPort{aIn}, bOut))
	p.Add(processors.NewMerge(processor.NewContext(q, "B"), []*port.InputPort{bIn}, aOut))

	assert.ErrorContains(t, p.Validate(), "cycle detected")
}

func TestStepsNeedOpenChains(t *testing.T) {
	q := query.New(context.Background())
	p := New(q)

	assert.ErrorIs(t, p.AddSink(sink(q)), ErrNoTails)
	assert.ErrorIs(t, p.Merge(), ErrNoTails)
}

func TestFinishRunsCallbacksInOrder(t *testing.T) {
	p := New(query.New(context.Background()))
	var order []int
	p.OnFinished(func(err error) error { order = append(order, 1); return err })
	p.OnFinished(func(err error) error { order = append(order, 2); return err })

	require.NoError(t, p.Finish(nil))
	assert.Equal(t, []int{1, 2}, order)
}
