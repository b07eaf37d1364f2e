package processor

import (
	"context"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/sandboxws/isotope/query/pkg/block"
	"github.com/sandboxws/isotope/query/pkg/metrics"
	"github.com/sandboxws/isotope/query/pkg/query"
)

// Metrics tracks basic processor-level counters.
type Metrics struct {
	BlocksProcessed atomic.Int64
	RowsProcessed   atomic.Int64
	Errors          atomic.Int64
}

// Context provides the execution environment for a processor.
type Context struct {
	// Query is the query the processor belongs to.
	Query *query.Context

	// Logger scoped to this processor.
	Logger *zap.Logger

	// Metrics for this processor instance.
	Metrics *Metrics

	// Alloc is the Arrow memory allocator to use for output blocks.
	Alloc memory.Allocator

	// ProcessorID is unique within the query.
	ProcessorID string

	// ProcessorName is the human-readable name of this processor.
	ProcessorName string
}

// NewContext creates a processor context bound to the query.
func NewContext(q *query.Context, name string) *Context {
	id := ulid.Make().String()
	return &Context{
		Query:         q,
		Logger:        q.Logger().With(zap.String("processor", id), zap.String("name", name)),
		Metrics:       &Metrics{},
		Alloc:         q.Alloc(),
		ProcessorID:   id,
		ProcessorName: name,
	}
}

// Ctx returns the query's Go context.
func (c *Context) Ctx() context.Context {
	return c.Query.Ctx()
}

// Cancelled reports whether the query was cancelled.
func (c *Context) Cancelled() bool {
	return c.Query.IsCancelled()
}

// Emitted accounts a block pushed downstream.
func (c *Context) Emitted(b *block.Block) {
	rows := b.NumRows()
	c.Metrics.BlocksProcessed.Add(1)
	c.Metrics.RowsProcessed.Add(rows)
	metrics.BlocksProcessed.WithLabelValues(c.ProcessorName).Inc()
	metrics.RowsProcessed.WithLabelValues(c.ProcessorName).Add(float64(rows))
}
