// Package query holds the per-query state shared by every processor of a
// query on one node.
package query

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Partition is one unit of scan work, e.g. a single staged file.
type Partition interface {
	Key() string
}

// Progress is a snapshot of the query's row and byte counters.
type Progress struct {
	ScanRows   int64
	ScanBytes  int64
	WriteRows  int64
	WriteBytes int64
}

// Context is the query context. It carries the cancellation flag, the status
// string, progress counters and the partition queue scans draw from.
type Context struct {
	id     string
	node   string
	parent *Context

	ctx       context.Context
	cancel    context.CancelCauseFunc
	cancelled atomic.Bool

	logger   *zap.Logger
	alloc    memory.Allocator
	settings Settings

	mu         sync.Mutex
	status     string
	partitions []Partition

	scanRows   atomic.Int64
	scanBytes  atomic.Int64
	writeRows  atomic.Int64
	writeBytes atomic.Int64
}

// Option configures a Context.
type Option func(*Context)

// WithID sets the query id instead of generating one.
func WithID(id string) Option { return func(c *Context) { c.id = id } }

// WithNode sets the id of the node the context runs on.
func WithNode(node string) Option { return func(c *Context) { c.node = node } }

// WithLogger sets the base logger.
func WithLogger(l *zap.Logger) Option { return func(c *Context) { c.logger = l } }

// WithAllocator sets the Arrow allocator used for every block of the query.
func WithAllocator(a memory.Allocator) Option { return func(c *Context) { c.alloc = a } }

// WithSettings overrides the default settings.
func WithSettings(s Settings) Option { return func(c *Context) { c.settings = s } }

// New creates a query context derived from parent.
func New(parent context.Context, opts ...Option) *Context {
	c := &Context{
		logger:   zap.NewNop(),
		alloc:    memory.DefaultAllocator,
		settings: DefaultSettings(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.id == "" {
		c.id = ulid.Make().String()
	}
	c.ctx, c.cancel = context.WithCancelCause(parent)
	c.logger = c.logger.With(zap.String("query_id", c.id))
	if c.node != "" {
		c.logger = c.logger.With(zap.String("node", c.node))
	}
	return c
}

// Fork returns a context for the same query running on another node. The
// fork shares the id and settings, gets its own partition queue and status,
// and is cancelled whenever c is. Progress recorded on the fork is added to c
// as well.
func (c *Context) Fork(node string) *Context {
	f := New(c.ctx,
		WithID(c.id),
		WithNode(node),
		WithLogger(c.logger),
		WithAllocator(c.alloc),
		WithSettings(c.settings),
	)
	f.parent = c
	return f
}

// ID returns the query id.
func (c *Context) ID() string { return c.id }

// Node returns the id of the node this context runs on.
func (c *Context) Node() string { return c.node }

// Ctx returns a Go context that is done once the query is cancelled.
func (c *Context) Ctx() context.Context { return c.ctx }

// Logger returns the query-scoped logger.
func (c *Context) Logger() *zap.Logger { return c.logger }

// Alloc returns the query's Arrow allocator.
func (c *Context) Alloc() memory.Allocator { return c.alloc }

// Settings returns the query settings.
func (c *Context) Settings() Settings { return c.settings }

// Cancel sets the cancellation flag. The first cause is kept.
func (c *Context) Cancel(cause error) {
	if cause == nil {
		cause = context.Canceled
	}
	c.cancelled.Store(true)
	c.cancel(cause)
}

// IsCancelled reports whether the query was cancelled, either directly or
// through its parent context.
func (c *Context) IsCancelled() bool {
	if c.cancelled.Load() {
		return true
	}
	select {
	case <-c.ctx.Done():
		c.cancelled.Store(true)
		return true
	default:
		return false
	}
}

// Err returns the cancellation cause, or nil while the query is running.
func (c *Context) Err() error {
	if c.ctx.Err() == nil {
		return nil
	}
	return context.Cause(c.ctx)
}

// SetStatus records a human readable status string.
func (c *Context) SetStatus(status string) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
	c.logger.Debug("query status", zap.String("status", status))
}

// Status returns the last status string.
func (c *Context) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetPartitions replaces the partition queue.
func (c *Context) SetPartitions(parts []Partition) {
	c.mu.Lock()
	c.partitions = append([]Partition(nil), parts...)
	c.mu.Unlock()
}

// GetPartition hands out the next partition. Each partition is handed out to
// exactly one caller.
func (c *Context) GetPartition() (Partition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.partitions) == 0 {
		return nil, false
	}
	p := c.partitions[0]
	c.partitions[0] = nil
	c.partitions = c.partitions[1:]
	return p, true
}

// RemainingPartitions returns how many partitions have not been handed out.
func (c *Context) RemainingPartitions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.partitions)
}

// AddScanProgress accounts rows and bytes read from sources.
func (c *Context) AddScanProgress(rows, bytes int64) {
	c.scanRows.Add(rows)
	c.scanBytes.Add(bytes)
	if c.parent != nil {
		c.parent.AddScanProgress(rows, bytes)
	}
}

// AddWriteProgress accounts rows and bytes written to the target.
func (c *Context) AddWriteProgress(rows, bytes int64) {
	c.writeRows.Add(rows)
	c.writeBytes.Add(bytes)
	if c.parent != nil {
		c.parent.AddWriteProgress(rows, bytes)
	}
}

// Progress returns the current counters.
func (c *Context) Progress() Progress {
	return Progress{
		ScanRows:   c.scanRows.Load(),
		ScanBytes:  c.scanBytes.Load(),
		WriteRows:  c.writeRows.Load(),
		WriteBytes: c.writeBytes.Load(),
	}
}
