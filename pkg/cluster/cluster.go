// Package cluster dispatches the fragments of a plan to the nodes that run
// them and waits for every node to finish.
package cluster

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxws/isotope/query/pkg/builder"
	"github.com/sandboxws/isotope/query/pkg/catalog"
	"github.com/sandboxws/isotope/query/pkg/exchange"
	"github.com/sandboxws/isotope/query/pkg/execerr"
	"github.com/sandboxws/isotope/query/pkg/metrics"
	"github.com/sandboxws/isotope/query/pkg/pipeline"
	"github.com/sandboxws/isotope/query/pkg/plan"
	"github.com/sandboxws/isotope/query/pkg/processors"
	"github.com/sandboxws/isotope/query/pkg/query"
	"github.com/sandboxws/isotope/query/pkg/scheduler"
)

// FinalizeFunc completes the coordinator's root pipeline before it runs,
// e.g. by adding a commit sink and OnFinished callbacks.
type FinalizeFunc func(p *pipeline.Pipeline) error

// Cluster runs fragmented plans.
type Cluster interface {
	// Nodes lists the node ids in a stable order.
	Nodes() []string
	// Coordinator is the node that runs root fragments.
	Coordinator() string
	// Execute runs frags, whose first element is the root fragment, on
	// their nodes and returns the error that failed the query, if any.
	Execute(q *query.Context, frags []*plan.Fragment, finalize FinalizeFunc) error
}

// TransportFunc returns the transport a node uses.
type TransportFunc func(node string) exchange.Transport

// Local is a cluster whose nodes are goroutines of this process. Nodes share
// the catalog and talk through a transport, an exchange.Hub by default.
type Local struct {
	nodes     []string
	catalog   catalog.Catalog
	transport TransportFunc
	sinks     map[string]processors.Consumer
	sqlMemory int64
	logger    *zap.Logger
}

// Option configures a Local cluster.
type Option func(*Local)

// WithTransport replaces the in-process hub, e.g. with Kafka.
func WithTransport(fn TransportFunc) Option { return func(l *Local) { l.transport = fn } }

// WithSinks registers the result consumers plan.Sink nodes refer to.
func WithSinks(sinks map[string]processors.Consumer) Option {
	return func(l *Local) { l.sinks = sinks }
}

// WithSQLMemoryLimit bounds the DuckDB instance of every SQL node.
func WithSQLMemoryLimit(bytes int64) Option { return func(l *Local) { l.sqlMemory = bytes } }

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option { return func(l *Local) { l.logger = logger } }

// NodeName is the id of the i-th node of a Local cluster.
func NodeName(i int) string { return fmt.Sprintf("node-%d", i) }

// NewLocal creates a cluster of n nodes. node-0 is the coordinator.
func NewLocal(n int, cat catalog.Catalog, opts ...Option) *Local {
	if n < 1 {
		n = 1
	}
	l := &Local{catalog: cat, logger: zap.NewNop()}
	for i := 0; i < n; i++ {
		l.nodes = append(l.nodes, NodeName(i))
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.transport == nil {
		hub := exchange.NewHub(16)
		l.transport = func(node string) exchange.Transport { return hub.Endpoint(node) }
	}
	// Register every endpoint before anything is sent.
	for _, node := range l.nodes {
		l.transport(node)
	}
	return l
}

func (l *Local) Nodes() []string { return slices.Clone(l.nodes) }

func (l *Local) Coordinator() string { return l.nodes[0] }

type task struct {
	node string
	frag *plan.Fragment
	q    *query.Context
	p    *pipeline.Pipeline
}

// Execute builds one pipeline per fragment and node, runs all of them
// concurrently and cancels the query when the first of them fails. Each
// pipeline gets a fork of q so that scans of different fragments draw from
// their own partition queues.
func (l *Local) Execute(q *query.Context, frags []*plan.Fragment, finalize FinalizeFunc) error {
	if len(frags) == 0 {
		return execerr.Internalf("cluster", "no fragments to execute")
	}
	tasks, err := l.build(q, frags, finalize)
	if err != nil {
		return err
	}

	start := time.Now()
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		errs  []error
		first error
	)
	for _, t := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := scheduler.Run(t.p)
			if err == nil {
				return
			}
			l.logger.Debug("fragment failed",
				zap.String("query_id", q.ID()),
				zap.String("node", t.node),
				zap.String("fragment", t.frag.ID),
				zap.Error(err))
			mu.Lock()
			errs = append(errs, err)
			if first == nil {
				first = err
			}
			mu.Unlock()
			q.Cancel(err)
		}()
	}
	wg.Wait()

	err = pick(errs, first)
	metrics.QueryDuration.WithLabelValues("distributed").Observe(time.Since(start).Seconds())
	l.logger.Info("distributed query finished",
		zap.String("query_id", q.ID()),
		zap.Int("fragments", len(frags)),
		zap.Int("pipelines", len(tasks)),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err))
	return err
}

// pick returns the error closest to the root cause: one raised on the node
// where it happened beats a copy relayed by an exchange, which beats the
// cancellation the others observed afterwards.
func pick(errs []error, first error) error {
	for _, err := range errs {
		if !execerr.IsRemote(err) && !execerr.Is(err, execerr.KindCancelled) {
			return err
		}
	}
	for _, err := range errs {
		if execerr.IsRemote(err) {
			return err
		}
	}
	return first
}

func (l *Local) build(q *query.Context, frags []*plan.Fragment, finalize FinalizeFunc) (tasks []task, err error) {
	defer func() {
		if err == nil {
			return
		}
		for _, t := range tasks {
			_ = t.p.Abandon(err)
		}
		tasks = nil
	}()
	for fi, frag := range frags {
		for _, node := range frag.Placement.Nodes(l.Coordinator(), l.nodes) {
			shipped, err := l.ship(frag, node)
			if err != nil {
				return tasks, err
			}
			fq := q.Fork(node)
			env := builder.Env{
				Node:        node,
				Nodes:       l.nodes,
				Coordinator: l.Coordinator(),
				Catalog:     l.catalog,
				Transport:   l.transport(node),
				Sinks:       l.sinks,

				SQLMemoryLimit: l.sqlMemory,
			}
			p, err := builder.Build(fq, env, shipped)
			if err != nil {
				return tasks, fmt.Errorf("node %s: %w", node, err)
			}
			if fi == 0 && finalize != nil {
				if err := finalize(p); err != nil {
					_ = p.Abandon(err)
					return tasks, fmt.Errorf("node %s: finalize: %w", node, err)
				}
			}
			tasks = append(tasks, task{node: node, frag: frag, q: fq, p: p})
		}
	}
	return tasks, nil
}

// ship hands a fragment to a node. Descriptors that travel between processes
// in a real deployment go through their wire codec here as well, so that a
// node only ever sees what survives serialization.
func (l *Local) ship(frag *plan.Fragment, node string) (*plan.Fragment, error) {
	dc, ok := frag.Root.(*plan.DistributedCopy)
	if !ok || node == l.Coordinator() {
		return frag, nil
	}
	data, err := plan.EncodeDistributedCopy(dc)
	if err != nil {
		return nil, execerr.Internal("ship fragment", err)
	}
	decoded, err := plan.DecodeDistributedCopy(data)
	if err != nil {
		return nil, execerr.Internal("ship fragment", err)
	}
	cp := *frag
	cp.Root = decoded
	return &cp, nil
}
