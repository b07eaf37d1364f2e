package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sandboxws/isotope/query/pkg/port"
)

// Validate checks the graph for structural integrity: it is not empty, every
// edge has exactly one producer and one consumer, no chain is left open and
// there are no cycles.
func (p *Pipeline) Validate() error {
	if len(p.processors) == 0 {
		return errors.New("pipeline must contain at least one processor")
	}
	if len(p.tails) > 0 {
		return fmt.Errorf("pipeline has %d dangling output(s); add a sink", len(p.tails))
	}

	n := p.arena.Len()
	producers := make([]int, n)
	consumers := make([]int, n)
	for _, proc := range p.processors {
		for _, in := range proc.Inputs() {
			if in.Arena() != p.arena {
				return fmt.Errorf("processor %s: input port from another pipeline", proc.Name())
			}
			consumers[in.ID()]++
		}
		for _, out := range proc.Outputs() {
			if out.Arena() != p.arena {
				return fmt.Errorf("processor %s: output port from another pipeline", proc.Name())
			}
			producers[out.ID()]++
		}
	}
	for id := 0; id < n; id++ {
		if producers[id] != 1 {
			return fmt.Errorf("edge[%d]: has %d producers, want 1", id, producers[id])
		}
		if consumers[id] != 1 {
			return fmt.Errorf("edge[%d]: has %d consumers, want 1", id, consumers[id])
		}
	}

	return p.detectCycles()
}

// detectCycles performs a DFS-based cycle check on the processor graph.
func (p *Pipeline) detectCycles() error {
	adj := make([][]int, len(p.processors))
	for slot, proc := range p.processors {
		for _, out := range proc.Outputs() {
			_, consumer := p.arena.Endpoints(out.ID())
			if consumer != port.NoSlot {
				adj[slot] = append(adj[slot], consumer)
			}
		}
	}

	const (
		white = 0 // unvisited
		gray  = 1 // visiting (in current path)
		black = 2 // done
	)

	color := make([]int, len(p.processors))
	var path []int

	label := func(slot int) string {
		return fmt.Sprintf("%s#%d", p.processors[slot].Name(), slot)
	}

	var dfs func(node int) error
	dfs = func(node int) error {
		color[node] = gray
		path = append(path, node)

		for _, next := range adj[node] {
			switch color[next] {
			case gray:
				cycleStart := 0
				for i, n := range path {
					if n == next {
						cycleStart = i
						break
					}
				}
				names := make([]string, 0, len(path)-cycleStart+1)
				for _, n := range path[cycleStart:] {
					names = append(names, label(n))
				}
				names = append(names, label(next))
				return fmt.Errorf("cycle detected: %s", strings.Join(names, " -> "))
			case white:
				if err := dfs(next); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		color[node] = black
		return nil
	}

	for slot := range p.processors {
		if color[slot] == white {
			if err := dfs(slot); err != nil {
				return err
			}
		}
	}
	return nil
}
