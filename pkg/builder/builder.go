// Package builder lowers plan fragments into pipelines. A fragment is built
// bottom-up: leaves open chains, unary nodes wrap every open chain, and the
// nodes that need all rows in one place merge the chains first. The builder
// never changes the shape the plan asks for.
package builder

import (
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/sandboxws/isotope/query/pkg/block"
	"github.com/sandboxws/isotope/query/pkg/catalog"
	"github.com/sandboxws/isotope/query/pkg/duckdb"
	"github.com/sandboxws/isotope/query/pkg/exchange"
	"github.com/sandboxws/isotope/query/pkg/expr"
	"github.com/sandboxws/isotope/query/pkg/pipeline"
	"github.com/sandboxws/isotope/query/pkg/plan"
	"github.com/sandboxws/isotope/query/pkg/port"
	"github.com/sandboxws/isotope/query/pkg/processor"
	"github.com/sandboxws/isotope/query/pkg/processors"
	"github.com/sandboxws/isotope/query/pkg/query"
	"github.com/sandboxws/isotope/query/pkg/storage"
	"github.com/sandboxws/isotope/query/pkg/storage/stage"
)

// ErrMultipleScans is returned for a fragment with more than one
// partitioned leaf. Scans draw from the single partition queue of the
// fragment's query context.
var ErrMultipleScans = errors.New("builder: fragment reads more than one partitioned source")

// Env is what a node knows about the cluster it builds for.
type Env struct {
	// Node is the node the pipeline runs on.
	Node string
	// Nodes lists every node of the cluster in a stable order.
	Nodes       []string
	Coordinator string
	Catalog     catalog.Catalog
	Transport   exchange.Transport
	// Sinks are the result consumers plan.Sink nodes refer to by name.
	Sinks map[string]processors.Consumer
	// SQLMemoryLimit bounds each DuckDB instance; zero uses the default.
	SQLMemoryLimit int64
}

// Build lowers frag into a pipeline for env.Node. A fragment with an Output
// ends in an exchange sender. The root fragment ends in a Sink node or, if
// its root is something else, is left with open chains for the caller to
// close, e.g. with a commit sink.
func Build(q *query.Context, env Env, frag *plan.Fragment) (*pipeline.Pipeline, error) {
	if err := checkLeaves(frag.Root); err != nil {
		return nil, fmt.Errorf("fragment %s: %w", frag.ID, err)
	}
	b := &builder{q: q, env: env, frag: frag, p: pipeline.New(q)}
	err := b.lower(frag.Root)
	if err == nil && frag.Output != nil {
		err = b.output(frag.Output)
	}
	if err != nil {
		err = fmt.Errorf("fragment %s: %w", frag.ID, err)
		_ = b.p.Abandon(err)
		return nil, err
	}
	q.Logger().Debug("fragment built",
		zap.String("fragment", frag.ID),
		zap.Stringer("placement", frag.Placement),
		zap.Int("processors", b.p.Len()),
		zap.Int("open_chains", b.p.Width()))
	return b.p, nil
}

func checkLeaves(root plan.Node) error {
	scans := 0
	_ = plan.Walk(root, func(n plan.Node) error {
		switch n.(type) {
		case *plan.Scan, *plan.DistributedCopy, *plan.StageScan:
			scans++
		}
		return nil
	})
	if scans > 1 {
		return ErrMultipleScans
	}
	return nil
}

type builder struct {
	q    *query.Context
	env  Env
	frag *plan.Fragment
	p    *pipeline.Pipeline
}

func (b *builder) ctx(name string) *processor.Context { return processor.NewContext(b.q, name) }

// distributed reports whether the fragment runs on every node, in which case
// leaves only produce this node's share of the rows.
func (b *builder) distributed() bool { return b.frag.Placement == plan.OnAllNodes }

func (b *builder) lower(n plan.Node) error {
	switch n := n.(type) {
	case *plan.Values:
		return b.values(n)
	case *plan.Scan:
		return b.scan(n)
	case *plan.DistributedCopy:
		return b.distributedCopy(n)
	case *plan.StageScan:
		return b.stageScan(n)
	case *plan.ExchangeSource:
		return b.exchangeSource(n)
	case *plan.Union:
		return b.union(n)
	}

	children := n.Children()
	if len(children) != 1 {
		return fmt.Errorf("%s node %s: expected one input, got %d", n.Kind(), n.ID(), len(children))
	}
	if err := b.lower(children[0]); err != nil {
		return err
	}

	switch n := n.(type) {
	case *plan.Filter:
		return b.filter(n)
	case *plan.Project:
		return b.project(n)
	case *plan.Aggregate:
		return b.aggregate(n)
	case *plan.Limit:
		return b.limit(n)
	case *plan.SQL:
		return b.sql(n)
	case *plan.Sink:
		return b.sink(n)
	case *plan.Exchange:
		return fmt.Errorf("exchange %s was not split out of the plan", n.ID())
	default:
		return fmt.Errorf("unsupported plan node %s", n.Kind())
	}
}

// mine returns the indices this node handles out of n items spread over
// the cluster.
func (b *builder) mine(n int) []int {
	var out []int
	if !b.distributed() {
		for i := 0; i < n; i++ {
			out = append(out, i)
		}
		return out
	}
	self := slices.Index(b.env.Nodes, b.env.Node)
	for i := 0; i < n; i++ {
		if self >= 0 && i%len(b.env.Nodes) == self {
			out = append(out, i)
		}
	}
	return out
}

// values opens one chain per record, or a single empty chain.
func (b *builder) values(n *plan.Values) error {
	idx := b.mine(len(n.Records))
	if len(idx) == 0 {
		return b.p.AddSource(1, func(_ int, out *port.OutputPort) (processor.Processor, error) {
			return processors.NewValues(b.ctx("Values"), out, nil), nil
		})
	}
	return b.p.AddSource(len(idx), func(i int, out *port.OutputPort) (processor.Processor, error) {
		rec := n.Records[idx[i]]
		rec.Retain()
		return processors.NewValues(b.ctx("Values"), out, []*block.Block{block.New(rec)}), nil
	})
}

func (b *builder) table(database, name string) (storage.Table, error) {
	if b.env.Catalog == nil {
		return nil, fmt.Errorf("no catalog to resolve %s.%s", database, name)
	}
	return b.env.Catalog.GetTable(b.q.Ctx(), database, name)
}

func (b *builder) scan(n *plan.Scan) error {
	t, err := b.table(n.Database, n.Table)
	if err != nil {
		return err
	}
	rp, err := t.ReadPlan(b.q.Ctx(), n.Filters)
	if err != nil {
		return err
	}
	if b.distributed() {
		keys := make([]string, len(rp.Parts))
		for i, part := range rp.Parts {
			keys[i] = part.Key()
		}
		assigned := plan.PartsFor(plan.AssignPartitions(keys, b.env.Nodes), b.env.Node)
		local := *rp
		local.Parts = nil
		for _, part := range rp.Parts {
			if assigned[part.Key()] {
				local.Parts = append(local.Parts, part)
			}
		}
		rp = &local
	}
	if err := t.ReadData(b.q, rp, b.p); err != nil {
		return err
	}
	if len(n.Filters) == 0 {
		return nil
	}
	// Tables are free to ignore filters, so they are applied again.
	for _, f := range n.Filters {
		if err := b.addFilter(f); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) distributedCopy(n *plan.DistributedCopy) error {
	target, err := b.table(n.Database, n.Table)
	if err != nil {
		return err
	}
	source := stage.NewTable(n.Stage, n.SourceSchema, n.FilesFor(b.env.Node))
	source.SetBlockThresholds(n.Thresholds)
	return AppendCopy(b.q, b.p, source, target, n.Thresholds)
}

// stageScan reads the bound files; in a distributed fragment every node
// reads its share.
func (b *builder) stageScan(n *plan.StageScan) error {
	if n.Schema == nil {
		return fmt.Errorf("stage scan %s: no schema", n.ID())
	}
	files := n.Files
	if b.distributed() {
		keys := make([]string, len(files))
		for i, f := range files {
			keys[i] = f.Path
		}
		mine := plan.PartsFor(plan.AssignPartitions(keys, b.env.Nodes), b.env.Node)
		files = nil
		for _, f := range n.Files {
			if mine[f.Path] {
				files = append(files, f)
			}
		}
	}
	t := stage.NewTable(n.Stage, n.Schema, files)
	rp, err := t.ReadPlan(b.q.Ctx(), nil)
	if err != nil {
		return err
	}
	return t.ReadData(b.q, rp, b.p)
}

func (b *builder) exchangeSource(n *plan.ExchangeSource) error {
	if b.env.Transport == nil {
		return fmt.Errorf("exchange source %s: no transport", n.ID())
	}
	senders := n.Senders.Nodes(b.env.Coordinator, b.env.Nodes)
	return b.p.AddSource(1, func(_ int, out *port.OutputPort) (processor.Processor, error) {
		return exchange.NewReceiver(b.ctx("ExchangeReceiver"), out, b.env.Transport, n.Fragment, senders)
	})
}

func (b *builder) union(n *plan.Union) error {
	if len(n.Inputs) == 0 {
		return fmt.Errorf("union %s has no inputs", n.ID())
	}
	var tails []*port.InputPort
	for _, in := range n.Inputs {
		b.p.SetTails(nil)
		if err := b.lower(in); err != nil {
			return err
		}
		tails = append(tails, b.p.Tails()...)
	}
	b.p.SetTails(tails)
	return b.p.Merge()
}

func (b *builder) transform(name string, mk func(ctx *processor.Context) (processors.Transform, error)) error {
	return b.p.AddTransform(func(_ int, in *port.InputPort, out *port.OutputPort) (processor.Processor, error) {
		ctx := b.ctx(name)
		t, err := mk(ctx)
		if err != nil {
			return nil, err
		}
		return processors.NewTransformer(ctx, in, out, t), nil
	})
}

func (b *builder) filter(n *plan.Filter) error { return b.addFilter(n.Predicate) }

func (b *builder) addFilter(predicate string) error {
	pred, err := expr.Compile(predicate)
	if err != nil {
		return fmt.Errorf("filter %q: %w", predicate, err)
	}
	return b.transform("Filter", func(ctx *processor.Context) (processors.Transform, error) {
		return processors.NewFilter(ctx, pred), nil
	})
}

func (b *builder) project(n *plan.Project) error {
	items := make([]processors.Projection, len(n.Items))
	for i, item := range n.Items {
		e, err := expr.Compile(item.Expr)
		if err != nil {
			return fmt.Errorf("project %q: %w", item.Expr, err)
		}
		items[i] = processors.Projection{Expr: e, Alias: item.Alias}
	}
	return b.transform("Project", func(ctx *processor.Context) (processors.Transform, error) {
		return processors.NewProject(ctx, slices.Clone(items)), nil
	})
}

func (b *builder) aggregate(n *plan.Aggregate) error {
	var mode processors.AggregateMode
	switch n.Mode {
	case plan.AggregateComplete:
		mode = processors.Complete
	case plan.AggregatePartial:
		mode = processors.Partial
	case plan.AggregateFinal:
		mode = processors.Final
	default:
		return fmt.Errorf("aggregate %s: unknown mode %d", n.ID(), n.Mode)
	}
	aggs := make([]processors.Aggregation, len(n.Aggs))
	for i, a := range n.Aggs {
		fn, err := processors.ParseAggFunc(a.Func)
		if err != nil {
			return fmt.Errorf("aggregate %s: %w", n.ID(), err)
		}
		aggs[i] = processors.Aggregation{Func: fn, Column: a.Column, Alias: a.Alias}
	}
	// Partial states are per chain; everything else needs every row.
	if mode != processors.Partial {
		if err := b.p.Merge(); err != nil {
			return err
		}
	}
	name := "Aggregate"
	if mode == processors.Partial {
		name = "PartialAggregate"
	} else if mode == processors.Final {
		name = "FinalAggregate"
	}
	return b.transform(name, func(ctx *processor.Context) (processors.Transform, error) {
		return processors.NewAggregate(ctx, mode, n.GroupBy, slices.Clone(aggs))
	})
}

func (b *builder) limit(n *plan.Limit) error {
	if err := b.p.Merge(); err != nil {
		return err
	}
	return b.p.AddTransform(func(_ int, in *port.InputPort, out *port.OutputPort) (processor.Processor, error) {
		return processors.NewLimit(b.ctx("Limit"), in, out, n.N), nil
	})
}

func (b *builder) sql(n *plan.SQL) error {
	if err := b.p.Merge(); err != nil {
		return err
	}
	return b.transform("SQL", func(ctx *processor.Context) (processors.Transform, error) {
		t, err := duckdb.NewSQL(ctx, n.Query, b.env.SQLMemoryLimit)
		if err != nil {
			return nil, err
		}
		if n.Table != "" {
			t.View = n.Table
		}
		return t, nil
	})
}

func (b *builder) sink(n *plan.Sink) error {
	c, ok := b.env.Sinks[n.Name]
	if !ok {
		return fmt.Errorf("sink %q is not registered", n.Name)
	}
	if err := b.p.Merge(); err != nil {
		return err
	}
	return b.p.AddSink(func(_ int, in *port.InputPort) (processor.Processor, error) {
		return processors.NewSink(b.ctx("Sink"), in, c), nil
	})
}

// output ends the fragment in a single sender, so every consumer sees one
// end of stream per node.
func (b *builder) output(o *plan.Output) error {
	if b.env.Transport == nil {
		return fmt.Errorf("exchange output: no transport")
	}
	if err := b.p.Merge(); err != nil {
		return err
	}
	cfg := exchange.SenderConfig{
		Fragment:  b.frag.ID,
		Targets:   o.Target.Nodes(b.env.Coordinator, b.env.Nodes),
		Broadcast: o.FragmentKind == plan.Broadcast,
	}
	if o.FragmentKind == plan.Shuffle {
		cfg.Keys = o.Keys
	}
	return b.p.AddSink(func(_ int, in *port.InputPort) (processor.Processor, error) {
		return exchange.NewSender(b.ctx("ExchangeSender"), in, b.env.Transport, cfg)
	})
}
