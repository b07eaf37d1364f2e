//go:build !duckdb

// Package duckdb runs SQL text over the blocks of a pipeline chain with an
// embedded DuckDB. Without the "duckdb" build tag every constructor returns
// ErrDuckDBNotAvailable.
package duckdb

import (
	"context"
	"errors"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ErrDuckDBNotAvailable is returned when DuckDB functions are called
// without the duckdb build tag.
var ErrDuckDBNotAvailable = errors.New("SQL execution requires building with -tags duckdb")

// Instance is a stub for DuckDB instance management.
type Instance struct{}

// NewInstance returns an error when DuckDB is not compiled in.
func NewInstance(context.Context, memory.Allocator, int64) (*Instance, error) {
	return nil, ErrDuckDBNotAvailable
}

// Close is a no-op stub.
func (i *Instance) Close() error { return nil }

// RegisterView is a stub.
func (i *Instance) RegisterView(string, *arrow.Schema, ...arrow.Record) error {
	return ErrDuckDBNotAvailable
}

// Query is a stub.
func (i *Instance) Query(context.Context, string) (arrow.Record, error) {
	return nil, ErrDuckDBNotAvailable
}
