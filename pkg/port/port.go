// Package port implements the single-slot edges that connect processors.
//
// Edges live in an Arena owned by the pipeline. Processors hold InputPort and
// OutputPort handles, which are just an arena pointer and an edge index. An
// edge is the only state two processors ever share, and every access to it
// goes through the edge's mutex.
package port

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sandboxws/isotope/query/pkg/block"
)

// State is the observable state of an edge.
type State int

const (
	Empty State = iota
	HasData
	Finished
	Errored
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case HasData:
		return "has-data"
	case Finished:
		return "finished"
	case Errored:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EdgeID indexes an edge inside its arena.
type EdgeID int

// NoSlot marks an edge endpoint that has not been attached to a processor.
const NoSlot = -1

type edge struct {
	mu    sync.Mutex
	state State
	data  *block.Block
	err   error
	// finishAfterPull is set when the producer finished while data was pending.
	finishAfterPull bool

	version atomic.Uint64

	producer int
	consumer int
}

func (e *edge) bump() { e.version.Add(1) }

// Arena owns every edge of one pipeline.
type Arena struct {
	mu    sync.RWMutex
	edges []*edge
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// Connect allocates a new edge and returns both of its endpoints.
func (a *Arena) Connect() (*InputPort, *OutputPort) {
	a.mu.Lock()
	id := EdgeID(len(a.edges))
	a.edges = append(a.edges, &edge{producer: NoSlot, consumer: NoSlot})
	a.mu.Unlock()
	return &InputPort{arena: a, id: id}, &OutputPort{arena: a, id: id}
}

// Len returns the number of edges.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.edges)
}

func (a *Arena) edge(id EdgeID) *edge {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.edges[id]
}

// Version returns the edge's change counter. Every state change bumps it.
func (a *Arena) Version(id EdgeID) uint64 {
	return a.edge(id).version.Load()
}

// State returns the current state of an edge.
func (a *Arena) State(id EdgeID) State {
	e := a.edge(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Attach records which processor slots produce into and consume from an edge.
func (a *Arena) Attach(id EdgeID, producer, consumer int) {
	e := a.edge(id)
	e.mu.Lock()
	if producer != NoSlot {
		e.producer = producer
	}
	if consumer != NoSlot {
		e.consumer = consumer
	}
	e.mu.Unlock()
}

// Endpoints returns the producer and consumer slots of an edge.
func (a *Arena) Endpoints(id EdgeID) (producer, consumer int) {
	e := a.edge(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.producer, e.consumer
}

// Drain releases any block still held by an edge. It is used at teardown.
func (a *Arena) Drain() {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, e := range a.edges {
		e.mu.Lock()
		if e.data != nil {
			e.data.Release()
			e.data = nil
		}
		e.mu.Unlock()
	}
}

// OutputPort is the producer end of an edge.
type OutputPort struct {
	arena *Arena
	id    EdgeID
}

// ID returns the edge id.
func (p *OutputPort) ID() EdgeID { return p.id }

// Arena returns the arena the port belongs to.
func (p *OutputPort) Arena() *Arena { return p.arena }

// Push hands b to the consumer. It never blocks: it returns false when the
// slot is full or the edge is finished or errored, in which case the caller
// keeps ownership of b.
func (p *OutputPort) Push(b *block.Block) bool {
	e := p.arena.edge(p.id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Empty || e.finishAfterPull {
		return false
	}
	e.data = b
	e.state = HasData
	e.bump()
	return true
}

// CanPush reports whether Push would succeed right now.
func (p *OutputPort) CanPush() bool {
	e := p.arena.edge(p.id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == Empty && !e.finishAfterPull
}

// SetFinished marks the end of the stream. If a block is still pending the
// edge finishes once the consumer pulls it.
func (p *OutputPort) SetFinished() {
	e := p.arena.edge(p.id)
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case Empty:
		e.state = Finished
		e.bump()
	case HasData:
		if !e.finishAfterPull {
			e.finishAfterPull = true
			e.bump()
		}
	}
}

// SetError fails the edge. A pending block is dropped.
func (p *OutputPort) SetError(err error) {
	if err == nil {
		return
	}
	e := p.arena.edge(p.id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Errored {
		return
	}
	if e.data != nil {
		e.data.Release()
		e.data = nil
	}
	e.state = Errored
	e.err = err
	e.bump()
}

// IsFinished reports whether the producer must stop pushing: either it
// finished the edge itself or the consumer closed it.
func (p *OutputPort) IsFinished() bool {
	e := p.arena.edge(p.id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == Finished || e.state == Errored || e.finishAfterPull
}

// Err returns the error the edge failed with, if any.
func (p *OutputPort) Err() error {
	e := p.arena.edge(p.id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// InputPort is the consumer end of an edge.
type InputPort struct {
	arena *Arena
	id    EdgeID
}

// ID returns the edge id.
func (p *InputPort) ID() EdgeID { return p.id }

// Arena returns the arena the port belongs to.
func (p *InputPort) Arena() *Arena { return p.arena }

// Pull takes the pending block, if any. It returns (nil, nil) when the slot is
// empty and the edge's error when the producer failed.
func (p *InputPort) Pull() (*block.Block, error) {
	e := p.arena.edge(p.id)
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case HasData:
		b := e.data
		e.data = nil
		if e.finishAfterPull {
			e.state = Finished
			e.finishAfterPull = false
		} else {
			e.state = Empty
		}
		e.bump()
		return b, nil
	case Errored:
		return nil, e.err
	default:
		return nil, nil
	}
}

// HasData reports whether a block is waiting to be pulled.
func (p *InputPort) HasData() bool {
	e := p.arena.edge(p.id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == HasData
}

// IsFinished reports whether no more data will ever arrive.
func (p *InputPort) IsFinished() bool {
	e := p.arena.edge(p.id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == Finished
}

// Err returns the error the producer failed with, if any.
func (p *InputPort) Err() error {
	e := p.arena.edge(p.id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Close tells the producer that no more data is wanted. A pending block is
// released. An error already on the edge stays visible through Err.
func (p *InputPort) Close() {
	e := p.arena.edge(p.id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data != nil {
		e.data.Release()
		e.data = nil
	}
	if e.state == Finished {
		return
	}
	e.state = Finished
	e.finishAfterPull = false
	e.bump()
}
