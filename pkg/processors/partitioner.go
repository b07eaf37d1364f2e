package processors

import (
	"fmt"

	"github.com/sandboxws/isotope/query/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/query/pkg/block"
	"github.com/sandboxws/isotope/query/pkg/port"
	"github.com/sandboxws/isotope/query/pkg/processor"
)

// PartitionMode selects how a Partitioner routes blocks.
type PartitionMode int

const (
	// RoundRobin hands each block to the next output that has room.
	RoundRobin PartitionMode = iota
	// Hash routes every row by the hash of its key columns.
	Hash
	// Broadcast sends every block to every output.
	Broadcast
)

func (m PartitionMode) String() string {
	switch m {
	case RoundRobin:
		return "round-robin"
	case Hash:
		return "hash"
	case Broadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Partitioner splits one input into N outputs. Outputs closed by their
// consumer are skipped; the partitioner finishes when all of them are closed
// or the input ends.
type Partitioner struct {
	processor.Base
	mode PartitionMode
	keys []string

	next    int
	input   *block.Block
	pending []*block.Block
}

// NewPartitioner creates a fan-out processor. Hash mode requires keys.
func NewPartitioner(ctx *processor.Context, in *port.InputPort, outs []*port.OutputPort, mode PartitionMode, keys []string) (*Partitioner, error) {
	if len(outs) == 0 {
		return nil, fmt.Errorf("partitioner needs at least one output")
	}
	if mode == Hash && len(keys) == 0 {
		return nil, fmt.Errorf("hash partitioning needs key columns")
	}
	return &Partitioner{
		Base:    processor.NewBase(ctx, []*port.InputPort{in}, outs),
		mode:    mode,
		keys:    keys,
		pending: make([]*block.Block, len(outs)),
	}, nil
}

func (p *Partitioner) Poll() (processor.Event, error) {
	in := p.In[0]

	open := 0
	for _, out := range p.Out {
		if !out.IsFinished() {
			open++
		}
	}
	if open == 0 {
		in.Close()
		return processor.Finished, nil
	}

	if p.flushPending() {
		return processor.NeedsConsume, nil
	}
	if p.input != nil {
		return processor.Ready, nil
	}

	target := -1
	if p.mode == RoundRobin {
		if target = p.nextWritable(); target < 0 {
			return processor.NeedsConsume, nil
		}
	}

	b, err := in.Pull()
	if err != nil {
		return processor.Finished, err
	}
	if b == nil {
		if in.IsFinished() {
			p.FinishOutputs()
			return processor.Finished, nil
		}
		return processor.NeedsInput, nil
	}

	switch p.mode {
	case RoundRobin:
		p.route(b, target)
	case Broadcast:
		for i, out := range p.Out {
			if !out.IsFinished() {
				p.pending[i] = b.Share()
			}
		}
		b.Release()
		p.flushPending()
		return processor.NeedsConsume, nil
	case Hash:
		p.input = b
		return processor.Ready, nil
	}
	return p.Poll()
}

// RunSync splits the staged block by key hash.
func (p *Partitioner) RunSync() error {
	b := p.input
	p.input = nil
	defer b.Release()

	keys, err := helpers.ColumnIndices(b.Schema(), p.keys)
	if err != nil {
		return fmt.Errorf("partition: %w", err)
	}
	parts, err := helpers.SplitByHash(p.Ctx.Ctx(), p.Ctx.Alloc, b.Record(), keys, len(p.Out))
	if err != nil {
		return fmt.Errorf("partition: %w", err)
	}
	for i, rec := range parts {
		if rec == nil {
			continue
		}
		p.pending[i] = block.NewWithMeta(rec, b.Meta())
	}
	return nil
}

// route hands b to target, picked before b was pulled. If the target's
// consumer closed in between, b waits in pending for the next open output;
// it is dropped only when every output is closed.
func (p *Partitioner) route(b *block.Block, target int) {
	if p.Out[target].Push(b) {
		p.Ctx.Emitted(b)
		p.next = target + 1
		return
	}
	for i := 1; i <= len(p.Out); i++ {
		idx := (target + i) % len(p.Out)
		if !p.Out[idx].IsFinished() && p.pending[idx] == nil {
			p.pending[idx] = b
			p.next = idx + 1
			return
		}
	}
	b.Release()
}

// nextWritable returns the next output, in round-robin order, that can take
// a block, or -1.
func (p *Partitioner) nextWritable() int {
	for i := 0; i < len(p.Out); i++ {
		idx := (p.next + i) % len(p.Out)
		if p.Out[idx].CanPush() {
			return idx
		}
	}
	return -1
}

// flushPending pushes what it can and reports whether anything is left.
func (p *Partitioner) flushPending() bool {
	left := false
	for i, b := range p.pending {
		if b == nil {
			continue
		}
		out := p.Out[i]
		switch {
		case out.IsFinished():
			b.Release()
			p.pending[i] = nil
		case out.Push(b):
			p.Ctx.Emitted(b)
			p.pending[i] = nil
		default:
			left = true
		}
	}
	return left
}

func (p *Partitioner) Close() error {
	p.input.Release()
	p.input = nil
	for i, b := range p.pending {
		b.Release()
		p.pending[i] = nil
	}
	return nil
}
