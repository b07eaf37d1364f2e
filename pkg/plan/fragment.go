package plan

import (
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// Placement says which nodes run a fragment.
type Placement int

const (
	// OnCoordinator runs the fragment once, on the coordinating node.
	OnCoordinator Placement = iota
	// OnAllNodes runs the fragment on every node of the cluster.
	OnAllNodes
)

func (p Placement) String() string {
	if p == OnAllNodes {
		return "all-nodes"
	}
	return "coordinator"
}

// Nodes resolves the placement against a cluster.
func (p Placement) Nodes(coordinator string, all []string) []string {
	if p == OnAllNodes {
		return all
	}
	return []string{coordinator}
}

// Output describes where a fragment sends its rows.
type Output struct {
	FragmentKind FragmentKind
	Keys         []string
	// Target is where the consuming fragment runs.
	Target Placement
}

// Fragment is the part of a plan that runs on one node between exchange
// boundaries.
type Fragment struct {
	ID        string
	Root      Node
	Placement Placement
	// Output is nil for the root fragment, whose rows stay on the coordinator.
	Output *Output
}

// ErrMergeBelowDistributed is returned for a Merge exchange whose consumer
// runs on every node.
var ErrMergeBelowDistributed = errors.New("plan: merge exchange below a fragment that runs on every node")

// Split cuts the plan at every Exchange. The first fragment is the root
// fragment and runs on the coordinator; a fragment below an exchange runs on
// every node.
func Split(root Node) ([]*Fragment, error) {
	s := &splitter{}
	top := &Fragment{ID: ulid.Make().String(), Placement: OnCoordinator}
	s.frags = append(s.frags, top)

	rewritten, err := s.rewrite(root, top)
	if err != nil {
		return nil, err
	}
	top.Root = rewritten
	return s.frags, nil
}

type splitter struct {
	frags []*Fragment
}

func (s *splitter) rewrite(n Node, owner *Fragment) (Node, error) {
	if ex, ok := n.(*Exchange); ok {
		if ex.FragmentKind == Merge && owner.Placement == OnAllNodes {
			return nil, fmt.Errorf("exchange %s: %w", ex.ID(), ErrMergeBelowDistributed)
		}
		if ex.FragmentKind == Shuffle && len(ex.Keys) == 0 {
			return nil, fmt.Errorf("exchange %s: shuffle without keys", ex.ID())
		}
		child := &Fragment{
			ID:        ulid.Make().String(),
			Placement: OnAllNodes,
			Output:    &Output{FragmentKind: ex.FragmentKind, Keys: ex.Keys, Target: owner.Placement},
		}
		s.frags = append(s.frags, child)
		body, err := s.rewrite(ex.Input, child)
		if err != nil {
			return nil, err
		}
		child.Root = body
		return &ExchangeSource{
			base:         newBase(),
			Fragment:     child.ID,
			FragmentKind: ex.FragmentKind,
			Senders:      child.Placement,
		}, nil
	}

	children := n.Children()
	if len(children) == 0 {
		return n, nil
	}
	next := make([]Node, len(children))
	for i, c := range children {
		r, err := s.rewrite(c, owner)
		if err != nil {
			return nil, err
		}
		next[i] = r
	}
	return n.withChildren(next), nil
}

// PartAssignment pins one partition to the node that reads it.
type PartAssignment struct {
	Key  string
	Node string
}

// AssignPartitions spreads partition keys over nodes round-robin in key
// order.
func AssignPartitions(keys []string, nodes []string) []PartAssignment {
	out := make([]PartAssignment, len(keys))
	for i, k := range keys {
		out[i] = PartAssignment{Key: k, Node: nodes[i%len(nodes)]}
	}
	return out
}

// PartsFor returns the keys assigned to node.
func PartsFor(assignments []PartAssignment, node string) map[string]bool {
	out := make(map[string]bool)
	for _, a := range assignments {
		if a.Node == node {
			out[a.Key] = true
		}
	}
	return out
}
