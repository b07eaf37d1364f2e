// Package processor defines the Processor interface every pipeline stage
// implements, together with the scheduling events a processor reports.
package processor

import (
	"context"
	"fmt"

	"github.com/sandboxws/isotope/query/pkg/execerr"
	"github.com/sandboxws/isotope/query/pkg/port"
)

// Event is what a processor reports from Poll.
type Event int

const (
	// NeedsInput: park until an input port changes.
	NeedsInput Event = iota
	// NeedsConsume: park until an output port has room.
	NeedsConsume
	// Ready: call RunSync once.
	Ready
	// Suspend: call RunAsync once, off the worker pool.
	Suspend
	// Finished: the processor will never be polled again.
	Finished
)

func (e Event) String() string {
	switch e {
	case NeedsInput:
		return "needs-input"
	case NeedsConsume:
		return "needs-consume"
	case Ready:
		return "ready"
	case Suspend:
		return "suspend"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Processor is a node of the pipeline graph.
//
// Poll inspects ports and internal state without blocking and may move blocks
// between ports. RunSync does CPU work and must not block on I/O. RunAsync
// does I/O and is the only call allowed to wait. The scheduler never calls
// two methods of the same processor concurrently.
type Processor interface {
	Name() string
	Inputs() []*port.InputPort
	Outputs() []*port.OutputPort
	Poll() (Event, error)
	RunSync() error
	RunAsync(ctx context.Context) error
	// Close releases I/O resources. It is called exactly once, after the
	// processor finished or the query was torn down.
	Close() error
}

// StatusReporter is implemented by processors that can describe what they
// are doing, e.g. which state their state machine is in.
type StatusReporter interface {
	Status() string
}

// Aborter is implemented by processors that must tell someone outside the
// pipeline that it did not complete. Abort is called once, before Close, when
// the processor failed or was torn down by a cancelled query; ctx outlives the
// query context but is bounded.
type Aborter interface {
	Abort(ctx context.Context, cause error)
}

// Base carries the ports and context of a processor and provides default
// implementations for the optional parts of the interface.
type Base struct {
	Ctx *Context
	In  []*port.InputPort
	Out []*port.OutputPort
}

// NewBase builds a Base.
func NewBase(ctx *Context, in []*port.InputPort, out []*port.OutputPort) Base {
	return Base{Ctx: ctx, In: in, Out: out}
}

// Name returns the processor name from its context.
func (b *Base) Name() string { return b.Ctx.ProcessorName }

// Inputs returns the input ports.
func (b *Base) Inputs() []*port.InputPort { return b.In }

// Outputs returns the output ports.
func (b *Base) Outputs() []*port.OutputPort { return b.Out }

// RunSync is an error for processors that never report Ready.
func (b *Base) RunSync() error {
	return execerr.Internalf(b.Ctx.ProcessorName, "unexpected sync step")
}

// RunAsync is an error for processors that never report Suspend.
func (b *Base) RunAsync(context.Context) error {
	return execerr.Internalf(b.Ctx.ProcessorName, "unexpected async step")
}

// Close does nothing.
func (b *Base) Close() error { return nil }

// FailOutputs places err on every output port.
func (b *Base) FailOutputs(err error) {
	for _, out := range b.Out {
		out.SetError(err)
	}
}

// FinishOutputs finishes every output port.
func (b *Base) FinishOutputs() {
	for _, out := range b.Out {
		out.SetFinished()
	}
}

// CloseInputs closes every input port.
func (b *Base) CloseInputs() {
	for _, in := range b.In {
		in.Close()
	}
}
