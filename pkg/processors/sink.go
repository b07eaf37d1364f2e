package processors

import (
	"context"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/isotope/query/pkg/block"
	"github.com/sandboxws/isotope/query/pkg/port"
	"github.com/sandboxws/isotope/query/pkg/processor"
)

// Consumer receives the blocks that reach a sink. Consume takes ownership of b.
type Consumer interface {
	Consume(b *block.Block) error
}

// AsyncConsumer is a Consumer whose writes do I/O. ConsumeAsync runs in the
// async step instead of Consume.
type AsyncConsumer interface {
	Consumer
	ConsumeAsync(ctx context.Context, b *block.Block) error
}

// Finisher is implemented by consumers that must do work once all input was
// consumed, e.g. a commit. Finish runs as an async step and only after the
// input ended without error.
type Finisher interface {
	Finish(ctx context.Context) error
}

// Sink is the terminal processor of a chain.
type Sink struct {
	processor.Base
	c Consumer

	input    *block.Block
	drained  bool
	finished bool
}

// NewSink wraps c.
func NewSink(ctx *processor.Context, in *port.InputPort, c Consumer) *Sink {
	return &Sink{Base: processor.NewBase(ctx, []*port.InputPort{in}, nil), c: c}
}

func (p *Sink) Poll() (processor.Event, error) {
	if p.input != nil {
		if _, ok := p.c.(AsyncConsumer); ok {
			return processor.Suspend, nil
		}
		return processor.Ready, nil
	}
	if p.drained {
		if _, ok := p.c.(Finisher); ok && !p.finished {
			return processor.Suspend, nil
		}
		return processor.Finished, nil
	}

	in := p.In[0]
	b, err := in.Pull()
	if err != nil {
		return processor.Finished, err
	}
	if b != nil {
		p.input = b
		return p.Poll()
	}
	if in.IsFinished() {
		p.drained = true
		return p.Poll()
	}
	return processor.NeedsInput, nil
}

func (p *Sink) RunSync() error {
	b := p.input
	p.input = nil
	return p.c.Consume(b)
}

func (p *Sink) RunAsync(ctx context.Context) error {
	if p.input != nil {
		b := p.input
		p.input = nil
		return p.c.(AsyncConsumer).ConsumeAsync(ctx, b)
	}
	p.finished = true
	return p.c.(Finisher).Finish(ctx)
}

func (p *Sink) Close() error {
	p.input.Release()
	p.input = nil
	if c, ok := p.c.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// Collector gathers blocks from any number of Collect sinks.
type Collector struct {
	mu     sync.Mutex
	blocks []*block.Block
}

// NewCollector returns an empty collector.
func NewCollector() *Collector { return &Collector{} }

// Consume keeps b.
func (c *Collector) Consume(b *block.Block) error {
	c.mu.Lock()
	c.blocks = append(c.blocks, b)
	c.mu.Unlock()
	return nil
}

// Blocks returns the collected blocks. They stay owned by the collector.
func (c *Collector) Blocks() []*block.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*block.Block(nil), c.blocks...)
}

// Records returns the collected records.
func (c *Collector) Records() []arrow.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]arrow.Record, len(c.blocks))
	for i, b := range c.blocks {
		out[i] = b.Record()
	}
	return out
}

// Rows returns the total number of collected rows.
func (c *Collector) Rows() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return block.Rows(c.blocks)
}

// Release drops every collected block.
func (c *Collector) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	block.ReleaseAll(c.blocks)
	c.blocks = nil
}
