// Package processors implements the concrete pipeline stages: sources,
// transforms, fan-in and fan-out, and sinks.
package processors

import (
	"io"

	"github.com/sandboxws/isotope/query/pkg/block"
	"github.com/sandboxws/isotope/query/pkg/port"
	"github.com/sandboxws/isotope/query/pkg/processor"
)

// Transform turns one input block into zero or more output blocks. The input
// is released by the caller after Transform returns; an implementation that
// forwards it unchanged returns b.Share().
type Transform interface {
	Transform(b *block.Block) ([]*block.Block, error)
}

// Flusher is implemented by transforms that buffer state and emit it once the
// input is exhausted.
type Flusher interface {
	Flush() ([]*block.Block, error)
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(b *block.Block) ([]*block.Block, error)

// Transform calls f(b).
func (f TransformFunc) Transform(b *block.Block) ([]*block.Block, error) { return f(b) }

// Transformer drives a Transform as a one-input one-output processor. Pulling
// and pushing happen in Poll; the transform itself runs in RunSync.
type Transformer struct {
	processor.Base
	t Transform

	input   *block.Block
	output  []*block.Block
	drained bool
	flushed bool
}

// NewTransformer wraps t.
func NewTransformer(ctx *processor.Context, in *port.InputPort, out *port.OutputPort, t Transform) *Transformer {
	return &Transformer{
		Base: processor.NewBase(ctx, []*port.InputPort{in}, []*port.OutputPort{out}),
		t:    t,
	}
}

func (p *Transformer) Poll() (processor.Event, error) {
	in, out := p.In[0], p.Out[0]

	if out.IsFinished() {
		in.Close()
		return processor.Finished, nil
	}

	if len(p.output) > 0 {
		if !out.Push(p.output[0]) {
			return processor.NeedsConsume, nil
		}
		p.Ctx.Emitted(p.output[0])
		p.output = p.output[1:]
		if len(p.output) > 0 {
			return processor.NeedsConsume, nil
		}
	}

	if p.input != nil {
		return processor.Ready, nil
	}

	if p.drained {
		if _, ok := p.t.(Flusher); ok && !p.flushed {
			return processor.Ready, nil
		}
		out.SetFinished()
		return processor.Finished, nil
	}

	b, err := in.Pull()
	if err != nil {
		return processor.Finished, err
	}
	if b != nil {
		p.input = b
		return processor.Ready, nil
	}
	if in.IsFinished() {
		p.drained = true
		return p.Poll()
	}
	return processor.NeedsInput, nil
}

func (p *Transformer) RunSync() error {
	var (
		res []*block.Block
		err error
	)
	if p.input != nil {
		b := p.input
		p.input = nil
		res, err = p.t.Transform(b)
		b.Release()
	} else {
		p.flushed = true
		res, err = p.t.(Flusher).Flush()
	}
	if err != nil {
		block.ReleaseAll(res)
		return err
	}
	for _, b := range res {
		if b == nil {
			continue
		}
		if b.NumRows() == 0 {
			b.Release()
			continue
		}
		p.output = append(p.output, b)
	}
	return nil
}

func (p *Transformer) Close() error {
	p.input.Release()
	p.input = nil
	block.ReleaseAll(p.output)
	p.output = nil
	if c, ok := p.t.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
