package processors

import (
	"github.com/sandboxws/isotope/query/pkg/block"
	"github.com/sandboxws/isotope/query/pkg/port"
	"github.com/sandboxws/isotope/query/pkg/processor"
)

// Values emits a fixed list of blocks.
type Values struct {
	processor.Base
	blocks []*block.Block
}

// NewValues takes ownership of blocks.
func NewValues(ctx *processor.Context, out *port.OutputPort, blocks []*block.Block) *Values {
	return &Values{
		Base:   processor.NewBase(ctx, nil, []*port.OutputPort{out}),
		blocks: blocks,
	}
}

func (p *Values) Poll() (processor.Event, error) {
	out := p.Out[0]
	if out.IsFinished() {
		return processor.Finished, nil
	}
	if len(p.blocks) == 0 {
		out.SetFinished()
		return processor.Finished, nil
	}
	b := p.blocks[0]
	if !out.Push(b) {
		return processor.NeedsConsume, nil
	}
	p.Ctx.Emitted(b)
	p.blocks[0] = nil
	p.blocks = p.blocks[1:]
	return processor.NeedsConsume, nil
}

func (p *Values) Close() error {
	block.ReleaseAll(p.blocks)
	p.blocks = nil
	return nil
}
