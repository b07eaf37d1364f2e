package catalog_test

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxws/isotope/query/pkg/catalog"
	"github.com/sandboxws/isotope/query/pkg/storage"
	"github.com/sandboxws/isotope/query/pkg/storage/memtable"
)

func TestRegisterAndLookup(t *testing.T) {
	ctx := context.Background()
	c := catalog.NewMemory()
	tbl := memtable.New("Orders", arrow.NewSchema(nil, nil), storage.DefaultBlockThresholds)

	require.NoError(t, c.Register("Sales", tbl))
	assert.ErrorIs(t, c.Register("sales", tbl), catalog.ErrTableExists)

	got, err := c.GetTable(ctx, "SALES", "orders")
	require.NoError(t, err)
	assert.Same(t, tbl, got)

	_, err = c.GetTable(ctx, "sales", "returns")
	assert.ErrorIs(t, err, catalog.ErrTableNotFound)
}

func TestLabels(t *testing.T) {
	ctx := context.Background()
	c := catalog.NewMemory()

	ok, err := c.HasLabel(ctx, "load-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.PutLabel(ctx, "load-1"))
	ok, err = c.HasLabel(ctx, "load-1")
	require.NoError(t, err)
	assert.True(t, ok)
}
