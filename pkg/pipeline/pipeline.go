// Package pipeline assembles processors and the edges between them into a
// runnable graph.
//
// A pipeline is built bottom-up. Sources open one parallel chain each; every
// transform step wraps each open chain; Resize and Partition change the number
// of open chains through explicit fan-in and fan-out processors; a sink closes
// every chain. Validate checks the graph before it is handed to the scheduler.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/sandboxws/isotope/query/pkg/port"
	"github.com/sandboxws/isotope/query/pkg/processor"
	"github.com/sandboxws/isotope/query/pkg/processors"
	"github.com/sandboxws/isotope/query/pkg/query"
)

// ErrNoTails is returned when a step needs open chains and there are none.
var ErrNoTails = errors.New("pipeline has no open output")

type (
	// SourceFactory builds the i-th source writing into out.
	SourceFactory func(i int, out *port.OutputPort) (processor.Processor, error)
	// TransformFactory builds the transform of the i-th chain.
	TransformFactory func(i int, in *port.InputPort, out *port.OutputPort) (processor.Processor, error)
	// SinkFactory builds the sink closing the i-th chain.
	SinkFactory func(i int, in *port.InputPort) (processor.Processor, error)
	// FinishedFunc runs once after the graph drained. err is the outcome of
	// the run; a callback may turn success into failure by returning an error.
	FinishedFunc func(err error) error
)

// Pipeline owns an arena of edges and the processors wired to them.
type Pipeline struct {
	query      *query.Context
	arena      *port.Arena
	processors []processor.Processor
	// tails are the consumer ends of edges no processor reads yet.
	tails      []*port.InputPort
	onFinished []FinishedFunc
}

// New creates an empty pipeline for q.
func New(q *query.Context) *Pipeline {
	return &Pipeline{query: q, arena: port.NewArena()}
}

// Query returns the query context the pipeline runs under.
func (p *Pipeline) Query() *query.Context { return p.query }

// Arena returns the pipeline's edges.
func (p *Pipeline) Arena() *port.Arena { return p.arena }

// Processors returns the processors in the order they were added.
func (p *Pipeline) Processors() []processor.Processor { return p.processors }

// Len returns the number of processors.
func (p *Pipeline) Len() int { return len(p.processors) }

// IsEmpty reports whether nothing was added yet.
func (p *Pipeline) IsEmpty() bool { return len(p.processors) == 0 }

// Width returns the number of open chains.
func (p *Pipeline) Width() int { return len(p.tails) }

// Tails returns the open chains.
func (p *Pipeline) Tails() []*port.InputPort { return p.tails }

// SetTails replaces the open chains. Builders use it to combine the outputs
// of several sub-plans before a multi-input step.
func (p *Pipeline) SetTails(tails []*port.InputPort) { p.tails = tails }

// Connect allocates a new edge in the pipeline's arena.
func (p *Pipeline) Connect() (*port.InputPort, *port.OutputPort) {
	return p.arena.Connect()
}

// Add registers a processor whose ports were wired by the caller.
func (p *Pipeline) Add(proc processor.Processor) int {
	slot := len(p.processors)
	p.processors = append(p.processors, proc)
	for _, in := range proc.Inputs() {
		p.arena.Attach(in.ID(), port.NoSlot, slot)
	}
	for _, out := range proc.Outputs() {
		p.arena.Attach(out.ID(), slot, port.NoSlot)
	}
	return slot
}

// AddSource adds n sources, each opening a new chain.
func (p *Pipeline) AddSource(n int, mk SourceFactory) error {
	for i := 0; i < n; i++ {
		in, out := p.Connect()
		proc, err := mk(i, out)
		if err != nil {
			return fmt.Errorf("add source: %w", err)
		}
		p.Add(proc)
		p.tails = append(p.tails, in)
	}
	return nil
}

// AddTransform appends one transform to every open chain.
func (p *Pipeline) AddTransform(mk TransformFactory) error {
	if len(p.tails) == 0 {
		return fmt.Errorf("add transform: %w", ErrNoTails)
	}
	next := make([]*port.InputPort, len(p.tails))
	for i, tail := range p.tails {
		in, out := p.Connect()
		proc, err := mk(i, tail, out)
		if err != nil {
			return fmt.Errorf("add transform: %w", err)
		}
		p.Add(proc)
		next[i] = in
	}
	p.tails = next
	return nil
}

// AddSink closes every open chain.
func (p *Pipeline) AddSink(mk SinkFactory) error {
	if len(p.tails) == 0 {
		return fmt.Errorf("add sink: %w", ErrNoTails)
	}
	for i, tail := range p.tails {
		proc, err := mk(i, tail)
		if err != nil {
			return fmt.Errorf("add sink: %w", err)
		}
		p.Add(proc)
	}
	p.tails = nil
	return nil
}

// Merge funnels every open chain into one.
func (p *Pipeline) Merge() error {
	if len(p.tails) == 0 {
		return fmt.Errorf("merge: %w", ErrNoTails)
	}
	if len(p.tails) == 1 {
		return nil
	}
	in, out := p.Connect()
	p.Add(processors.NewMerge(processor.NewContext(p.query, "Merge"), p.tails, out))
	p.tails = []*port.InputPort{in}
	return nil
}

// Partition merges the open chains and splits the result into n chains.
func (p *Pipeline) Partition(n int, mode processors.PartitionMode, keys []string) error {
	if n < 1 {
		return fmt.Errorf("partition: invalid width %d", n)
	}
	if err := p.Merge(); err != nil {
		return err
	}
	if n == 1 && mode == processors.RoundRobin {
		return nil
	}
	ins := make([]*port.InputPort, n)
	outs := make([]*port.OutputPort, n)
	for i := range ins {
		ins[i], outs[i] = p.Connect()
	}
	part, err := processors.NewPartitioner(processor.NewContext(p.query, "Partitioner"), p.tails[0], outs, mode, keys)
	if err != nil {
		return fmt.Errorf("partition: %w", err)
	}
	p.Add(part)
	p.tails = ins
	return nil
}

// Resize changes the number of open chains to n, distributing blocks
// round-robin.
func (p *Pipeline) Resize(n int) error {
	if len(p.tails) == n {
		return nil
	}
	return p.Partition(n, processors.RoundRobin, nil)
}

// OnFinished registers a callback run after the graph drained.
func (p *Pipeline) OnFinished(fn FinishedFunc) {
	p.onFinished = append(p.onFinished, fn)
}

// Finish runs the OnFinished callbacks in registration order. Each callback
// sees the outcome produced so far.
func (p *Pipeline) Finish(err error) error {
	for _, fn := range p.onFinished {
		err = fn(err)
	}
	return err
}

// Abandon releases a pipeline that will never run: every processor is
// closed and the OnFinished callbacks see err.
func (p *Pipeline) Abandon(err error) error {
	for _, proc := range p.processors {
		_ = proc.Close()
	}
	p.processors = nil
	p.tails = nil
	return p.Finish(err)
}
