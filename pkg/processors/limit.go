package processors

import (
	"github.com/sandboxws/isotope/query/pkg/block"
	"github.com/sandboxws/isotope/query/pkg/port"
	"github.com/sandboxws/isotope/query/pkg/processor"
)

// Limit passes through at most n rows and then closes its input, which lets
// upstream processors stop early.
type Limit struct {
	processor.Base
	remaining int64
}

// NewLimit creates a Limit processor.
func NewLimit(ctx *processor.Context, in *port.InputPort, out *port.OutputPort, n int64) *Limit {
	return &Limit{
		Base:      processor.NewBase(ctx, []*port.InputPort{in}, []*port.OutputPort{out}),
		remaining: n,
	}
}

func (p *Limit) Poll() (processor.Event, error) {
	in, out := p.In[0], p.Out[0]
	if out.IsFinished() {
		in.Close()
		return processor.Finished, nil
	}
	if p.remaining <= 0 {
		in.Close()
		out.SetFinished()
		return processor.Finished, nil
	}
	if !out.CanPush() {
		return processor.NeedsConsume, nil
	}

	b, err := in.Pull()
	if err != nil {
		return processor.Finished, err
	}
	if b == nil {
		if in.IsFinished() {
			out.SetFinished()
			return processor.Finished, nil
		}
		return processor.NeedsInput, nil
	}

	if b.NumRows() > p.remaining {
		cut := block.NewWithMeta(b.Record().NewSlice(0, p.remaining), b.Meta())
		b.Release()
		b = cut
	}
	p.remaining -= b.NumRows()
	if !out.Push(b) {
		b.Release()
		return processor.Finished, nil
	}
	p.Ctx.Emitted(b)
	if p.remaining <= 0 {
		in.Close()
		out.SetFinished()
		return processor.Finished, nil
	}
	return processor.NeedsConsume, nil
}
