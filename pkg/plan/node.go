// Package plan defines the physical plan tree handed to the engine and splits
// it into fragments at exchange boundaries.
package plan

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/oklog/ulid/v2"
)

// Node is a physical plan node. Nodes are immutable; every node gets its own
// id when it is constructed.
type Node interface {
	ID() string
	Kind() string
	Children() []Node
	withChildren(children []Node) Node
}

type base struct{ id string }

func newBase() base { return base{id: ulid.Make().String()} }

func (b base) ID() string { return b.id }

type leaf struct{}

func (leaf) Children() []Node { return nil }

type unary struct{ Input Node }

func (u unary) Children() []Node { return []Node{u.Input} }

// FragmentKind is the way an exchange connects two fragments.
type FragmentKind int

const (
	// Merge sends every row to the coordinator.
	Merge FragmentKind = iota
	// Shuffle routes each row to one consumer by the hash of the keys.
	Shuffle
	// Broadcast replicates every row to all consumers.
	Broadcast
)

func (k FragmentKind) String() string {
	switch k {
	case Merge:
		return "merge"
	case Shuffle:
		return "shuffle"
	case Broadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("fragment_kind(%d)", int(k))
	}
}

// Values produces fixed records. The records stay owned by the caller and
// must outlive every pipeline built from the plan.
type Values struct {
	base
	leaf
	Records []arrow.Record
}

// NewValues creates a Values node.
func NewValues(records ...arrow.Record) *Values {
	return &Values{base: newBase(), Records: records}
}

func (*Values) Kind() string { return "Values" }

func (n *Values) withChildren([]Node) Node { return n }

// Scan reads a table through its storage implementation.
type Scan struct {
	base
	leaf
	Database string
	Table    string
	Filters  []string
}

// NewScan creates a Scan node.
func NewScan(database, table string, filters ...string) *Scan {
	return &Scan{base: newBase(), Database: database, Table: table, Filters: filters}
}

func (*Scan) Kind() string { return "Scan" }

func (n *Scan) withChildren([]Node) Node { return n }

// Filter keeps rows for which Predicate, a SQL boolean expression, is true.
type Filter struct {
	base
	unary
	Predicate string
}

// NewFilter creates a Filter node.
func NewFilter(input Node, predicate string) *Filter {
	return &Filter{base: newBase(), unary: unary{input}, Predicate: predicate}
}

func (*Filter) Kind() string { return "Filter" }

func (n *Filter) withChildren(c []Node) Node {
	cp := *n
	cp.Input = c[0]
	return &cp
}

// ProjectItem is one output column of a Project node.
type ProjectItem struct {
	Expr  string
	Alias string
}

// Project computes new columns from SQL expressions.
type Project struct {
	base
	unary
	Items []ProjectItem
}

// NewProject creates a Project node.
func NewProject(input Node, items ...ProjectItem) *Project {
	return &Project{base: newBase(), unary: unary{input}, Items: items}
}

func (*Project) Kind() string { return "Project" }

func (n *Project) withChildren(c []Node) Node {
	cp := *n
	cp.Input = c[0]
	return &cp
}

// AggregateMode mirrors the two-phase aggregation stages.
type AggregateMode int

const (
	AggregateComplete AggregateMode = iota
	AggregatePartial
	AggregateFinal
)

// AggItem is one aggregate output column, e.g. {Func: "sum", Column: "x"}.
type AggItem struct {
	Func   string
	Column string
	Alias  string
}

// Aggregate groups rows and computes aggregate functions.
type Aggregate struct {
	base
	unary
	Mode    AggregateMode
	GroupBy []string
	Aggs    []AggItem
}

// NewAggregate creates an Aggregate node.
func NewAggregate(input Node, mode AggregateMode, groupBy []string, aggs ...AggItem) *Aggregate {
	return &Aggregate{base: newBase(), unary: unary{input}, Mode: mode, GroupBy: groupBy, Aggs: aggs}
}

func (*Aggregate) Kind() string { return "Aggregate" }

func (n *Aggregate) withChildren(c []Node) Node {
	cp := *n
	cp.Input = c[0]
	return &cp
}

// Limit stops after N rows.
type Limit struct {
	base
	unary
	N int64
}

// NewLimit creates a Limit node.
func NewLimit(input Node, n int64) *Limit {
	return &Limit{base: newBase(), unary: unary{input}, N: n}
}

func (*Limit) Kind() string { return "Limit" }

func (n *Limit) withChildren(c []Node) Node {
	cp := *n
	cp.Input = c[0]
	return &cp
}

// Union concatenates its inputs.
type Union struct {
	base
	Inputs []Node
}

// NewUnion creates a Union node.
func NewUnion(inputs ...Node) *Union {
	return &Union{base: newBase(), Inputs: inputs}
}

func (*Union) Kind() string { return "Union" }

func (n *Union) Children() []Node { return n.Inputs }

func (n *Union) withChildren(c []Node) Node {
	cp := *n
	cp.Inputs = c
	return &cp
}

// Exchange marks a fragment boundary.
type Exchange struct {
	base
	unary
	FragmentKind FragmentKind
	Keys         []string
}

// NewExchange creates an Exchange node. Shuffle exchanges route by keys.
func NewExchange(input Node, kind FragmentKind, keys ...string) *Exchange {
	return &Exchange{base: newBase(), unary: unary{input}, FragmentKind: kind, Keys: keys}
}

func (*Exchange) Kind() string { return "Exchange" }

func (n *Exchange) withChildren(c []Node) Node {
	cp := *n
	cp.Input = c[0]
	return &cp
}

// ExchangeSource replaces an Exchange in the consuming fragment after
// splitting: it reads what the fragment Fragment sends.
type ExchangeSource struct {
	base
	leaf
	Fragment     string
	FragmentKind FragmentKind
	// Senders is where the producing fragment runs.
	Senders Placement
}

func (*ExchangeSource) Kind() string { return "ExchangeSource" }

func (n *ExchangeSource) withChildren([]Node) Node { return n }

// Sink delivers rows to a named result consumer.
type Sink struct {
	base
	unary
	Name string
}

// NewSink creates a Sink node.
func NewSink(input Node, name string) *Sink {
	return &Sink{base: newBase(), unary: unary{input}, Name: name}
}

func (*Sink) Kind() string { return "Sink" }

func (n *Sink) withChildren(c []Node) Node {
	cp := *n
	cp.Input = c[0]
	return &cp
}

// SQL runs a SQL query over the rows of its input, which is visible to the
// query as Table.
type SQL struct {
	base
	unary
	Query string
	Table string
}

// NewSQL creates a SQL node.
func NewSQL(input Node, table, query string) *SQL {
	return &SQL{base: newBase(), unary: unary{input}, Query: query, Table: table}
}

func (*SQL) Kind() string { return "SQL" }

func (n *SQL) withChildren(c []Node) Node {
	cp := *n
	cp.Input = c[0]
	return &cp
}

// Walk visits n and its descendants depth first, parents before children.
func Walk(n Node, fn func(Node) error) error {
	if err := fn(n); err != nil {
		return err
	}
	for _, c := range n.Children() {
		if err := Walk(c, fn); err != nil {
			return err
		}
	}
	return nil
}

// Explain renders the tree, one node per line.
func Explain(n Node) string {
	var sb strings.Builder
	var walk func(Node, int)
	walk = func(n Node, depth int) {
		sb.WriteString(strings.Repeat("  ", depth))
		sb.WriteString(n.Kind())
		switch n := n.(type) {
		case *Scan:
			fmt.Fprintf(&sb, " %s.%s", n.Database, n.Table)
		case *Filter:
			fmt.Fprintf(&sb, " %s", n.Predicate)
		case *Limit:
			fmt.Fprintf(&sb, " %d", n.N)
		case *Exchange:
			fmt.Fprintf(&sb, " %s %v", n.FragmentKind, n.Keys)
		case *ExchangeSource:
			fmt.Fprintf(&sb, " %s from %s", n.FragmentKind, n.Fragment)
		case *DistributedCopy:
			fmt.Fprintf(&sb, " %s.%s files=%d", n.Database, n.Table, len(n.Files))
		case *StageScan:
			fmt.Fprintf(&sb, " @%s files=%d", n.Stage.Name, len(n.Files))
		}
		sb.WriteByte('\n')
		for _, c := range n.Children() {
			walk(c, depth+1)
		}
	}
	walk(n, 0)
	return sb.String()
}
