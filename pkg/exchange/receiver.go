package exchange

import (
	"context"
	"fmt"

	"github.com/sandboxws/isotope/query/pkg/block"
	"github.com/sandboxws/isotope/query/pkg/execerr"
	"github.com/sandboxws/isotope/query/pkg/metrics"
	"github.com/sandboxws/isotope/query/pkg/port"
	"github.com/sandboxws/isotope/query/pkg/processor"
)

// Receiver is the source of a fragment fed by an exchange. It finishes once
// every expected sender reported end of stream.
type Receiver struct {
	processor.Base
	transport Transport
	fragment  string

	open    map[string]bool
	pending *block.Block
}

// NewReceiver creates a Receiver for the messages that the nodes in senders
// send on fragment.
func NewReceiver(ctx *processor.Context, out *port.OutputPort, transport Transport, fragment string, senders []string) (*Receiver, error) {
	if len(senders) == 0 {
		return nil, fmt.Errorf("exchange receiver %s: no sender nodes", fragment)
	}
	open := make(map[string]bool, len(senders))
	for _, node := range senders {
		open[node] = true
	}
	return &Receiver{
		Base:      processor.NewBase(ctx, nil, []*port.OutputPort{out}),
		transport: transport,
		fragment:  fragment,
		open:      open,
	}, nil
}

// Status reports how many senders are still streaming.
func (r *Receiver) Status() string {
	return fmt.Sprintf("receiving fragment %s, %d senders open", r.fragment, len(r.open))
}

func (r *Receiver) Poll() (processor.Event, error) {
	out := r.Out[0]
	if out.IsFinished() {
		return processor.Finished, nil
	}
	if r.pending != nil {
		if !out.Push(r.pending) {
			return processor.NeedsConsume, nil
		}
		r.Ctx.Emitted(r.pending)
		r.pending = nil
	}
	if len(r.open) == 0 {
		out.SetFinished()
		return processor.Finished, nil
	}
	return processor.Suspend, nil
}

// RunAsync waits for the next message.
func (r *Receiver) RunAsync(ctx context.Context) error {
	msg, err := r.transport.Receive(ctx, r.fragment)
	if err != nil {
		if ctx.Err() != nil {
			return execerr.Cancelled(r.Ctx.ProcessorName, err)
		}
		return execerr.Resource(r.Ctx.ProcessorName, err)
	}
	metrics.ExchangeMessages.WithLabelValues("receive", msg.Kind.String()).Inc()

	switch msg.Kind {
	case Data:
		metrics.ExchangeBytes.WithLabelValues("receive").Add(float64(len(msg.Payload)))
		rec, err := Decode(r.Ctx.Alloc, msg.Payload)
		if err != nil {
			return execerr.Input(r.Ctx.ProcessorName, fmt.Errorf("from %s: %w", msg.From, err))
		}
		r.pending = block.NewWithMeta(rec, block.Meta{Source: msg.From, Bytes: int64(len(msg.Payload))})
	case EOS:
		if !r.open[msg.From] {
			return execerr.Internalf(r.Ctx.ProcessorName, "end of stream from unexpected node %q", msg.From)
		}
		delete(r.open, msg.From)
	case Failure:
		return execerr.Remote(msg.ErrKind, msg.From, msg.Err)
	default:
		return execerr.Internalf(r.Ctx.ProcessorName, "unknown message kind %d", msg.Kind)
	}
	return nil
}

func (r *Receiver) Close() error {
	r.pending.Release()
	r.pending = nil
	if len(r.open) > 0 {
		if d, ok := r.transport.(Discarder); ok {
			d.Discard(r.fragment)
		}
	}
	return nil
}
