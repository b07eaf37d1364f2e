//go:build !duckdb

package duckdb

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxws/isotope/query/pkg/execerr"
	"github.com/sandboxws/isotope/query/pkg/processor"
	"github.com/sandboxws/isotope/query/pkg/query"
)

func TestStubReturnsError(t *testing.T) {
	_, err := NewInstance(context.Background(), memory.DefaultAllocator, 0)
	assert.ErrorIs(t, err, ErrDuckDBNotAvailable)
}

func TestStubSQLIsResourceError(t *testing.T) {
	q := query.New(context.Background())
	_, err := NewSQL(processor.NewContext(q, "SQL"), "SELECT 1", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuckDBNotAvailable)
	assert.Equal(t, execerr.KindResource, execerr.KindOf(err))
}
