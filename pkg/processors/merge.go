package processors

import (
	"github.com/sandboxws/isotope/query/pkg/port"
	"github.com/sandboxws/isotope/query/pkg/processor"
)

// Merge funnels N inputs into one output. Inputs are visited round-robin so
// no chain starves; order across chains is not preserved.
type Merge struct {
	processor.Base
	next int
}

// NewMerge creates a fan-in processor.
func NewMerge(ctx *processor.Context, ins []*port.InputPort, out *port.OutputPort) *Merge {
	return &Merge{Base: processor.NewBase(ctx, ins, []*port.OutputPort{out})}
}

func (p *Merge) Poll() (processor.Event, error) {
	out := p.Out[0]
	if out.IsFinished() {
		p.CloseInputs()
		return processor.Finished, nil
	}
	if !out.CanPush() {
		return processor.NeedsConsume, nil
	}

	finished := 0
	for i := 0; i < len(p.In); i++ {
		idx := (p.next + i) % len(p.In)
		in := p.In[idx]
		b, err := in.Pull()
		if err != nil {
			return processor.Finished, err
		}
		if b != nil {
			if !out.Push(b) {
				b.Release()
				return processor.Finished, nil
			}
			p.Ctx.Emitted(b)
			p.next = idx + 1
			return processor.NeedsConsume, nil
		}
		if in.IsFinished() {
			finished++
		}
	}
	if finished == len(p.In) {
		out.SetFinished()
		return processor.Finished, nil
	}
	return processor.NeedsInput, nil
}
