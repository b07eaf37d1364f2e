// Package storage declares what the engine needs from a table implementation:
// partitioned read plans, scan processors, an append stage and a commit sink.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/isotope/query/pkg/pipeline"
	"github.com/sandboxws/isotope/query/pkg/query"
)

// BlockThresholds bounds the size of the blocks a table wants to receive.
type BlockThresholds struct {
	MinRows int64
	MaxRows int64
}

// DefaultBlockThresholds is used by tables that do not care.
var DefaultBlockThresholds = BlockThresholds{MinRows: 8 * 1024, MaxRows: 64 * 1024}

// ReadPlan is a partitioned read of one table.
type ReadPlan struct {
	Table  string
	Schema *arrow.Schema
	Parts  []query.Partition
}

// CopiedFile records a source file loaded into a table. Tables keep these so
// that a repeated COPY skips files it already loaded.
type CopiedFile struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Table is the storage collaborator.
//
// ReadData attaches scan sources that draw partitions from the query
// context. AppendData appends a transform to every open chain that writes
// the incoming rows and emits a description of what it wrote. CommitInsertion
// closes the pipeline with a single sink that makes everything written by
// AppendData visible at once, together with copied.
type Table interface {
	Name() string
	Schema() *arrow.Schema
	BlockThresholds() BlockThresholds
	ReadPlan(ctx context.Context, filters []string) (*ReadPlan, error)
	ReadData(q *query.Context, plan *ReadPlan, p *pipeline.Pipeline) error
	AppendData(q *query.Context, p *pipeline.Pipeline) error
	CommitInsertion(q *query.Context, p *pipeline.Pipeline, copied []CopiedFile, overwrite bool) error
}

// FileTracker is implemented by tables that remember which files were copied
// into them.
type FileTracker interface {
	CopiedFiles(ctx context.Context) (map[string]CopiedFile, error)
}

// Aborter is implemented by tables that can drop the data a failed query
// staged through AppendData.
type Aborter interface {
	AbortInsertion(q *query.Context)
}

// ErrReadOnly is returned by tables that cannot be written.
var ErrReadOnly = errors.New("storage: table is read-only")
