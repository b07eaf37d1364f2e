//go:build duckdb

package duckdb

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxws/isotope/query/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/query/pkg/block"
	"github.com/sandboxws/isotope/query/pkg/processor"
	"github.com/sandboxws/isotope/query/pkg/query"
)

func TestInstanceCreateAndClose(t *testing.T) {
	inst, err := NewInstance(context.Background(), memory.DefaultAllocator, 0)
	require.NoError(t, err)
	require.NoError(t, inst.Close())
}

func TestArrowRoundtrip(t *testing.T) {
	alloc := memory.DefaultAllocator
	inst, err := NewInstance(context.Background(), alloc, 0)
	require.NoError(t, err)
	defer inst.Close()

	batch := helpers.NewRecord([]string{"id", "name"}, []arrow.Array{
		helpers.Int64s(alloc, []int64{3, 1, 2}),
		helpers.Strings(alloc, []string{"charlie", "alice", "bob"}),
	})
	defer batch.Release()

	require.NoError(t, inst.RegisterView("input", batch.Schema(), batch))
	result, err := inst.Query(context.Background(), "SELECT * FROM input ORDER BY id")
	require.NoError(t, err)
	defer result.Release()

	assert.Equal(t, []int64{1, 2, 3}, helpers.Int64Values([]arrow.Record{result}, "id"))
	assert.Equal(t, []string{"alice", "bob", "charlie"}, helpers.StringValues([]arrow.Record{result}, "name"))
}

func TestSQLAggregatesWholeChain(t *testing.T) {
	alloc := memory.DefaultAllocator
	q := query.New(context.Background(), query.WithAllocator(alloc))
	s, err := NewSQL(processor.NewContext(q, "SQL"),
		"SELECT product_id, SUM(amount)::BIGINT AS total FROM input GROUP BY product_id ORDER BY product_id", 0)
	require.NoError(t, err)
	defer s.Close()

	for _, amounts := range [][]int64{{10, 20}, {30, 40, 50}} {
		ids := make([]string, len(amounts))
		for i := range ids {
			ids[i] = []string{"A", "B"}[i%2]
		}
		b := block.New(helpers.NewRecord([]string{"product_id", "amount"}, []arrow.Array{
			helpers.Strings(alloc, ids),
			helpers.Int64s(alloc, amounts),
		}))
		out, err := s.Transform(b)
		b.Release()
		require.NoError(t, err)
		assert.Empty(t, out)
	}

	out, err := s.Flush()
	require.NoError(t, err)
	require.Len(t, out, 1)
	defer block.ReleaseAll(out)

	rec := out[0].Record()
	assert.Equal(t, []string{"A", "B"}, helpers.StringValues([]arrow.Record{rec}, "product_id"))
	assert.Equal(t, []int64{10 + 30 + 50, 20 + 40}, helpers.Int64Values([]arrow.Record{rec}, "total"))
}

func TestVariousDataTypes(t *testing.T) {
	alloc := memory.DefaultAllocator
	inst, err := NewInstance(context.Background(), alloc, 0)
	require.NoError(t, err)
	defer inst.Close()

	bools := array.NewBooleanBuilder(alloc)
	bools.AppendValues([]bool{true, false, true}, nil)
	batch := helpers.NewRecord([]string{"int_col", "str_col", "bool_col"}, []arrow.Array{
		helpers.Int64s(alloc, []int64{1, 2, 3}),
		helpers.Strings(alloc, []string{"a", "b", "c"}),
		bools.NewArray(),
	})
	bools.Release()
	defer batch.Release()

	require.NoError(t, inst.RegisterView("input", batch.Schema(), batch))
	result, err := inst.Query(context.Background(), "SELECT * FROM input WHERE bool_col")
	require.NoError(t, err)
	defer result.Release()
	assert.EqualValues(t, 2, result.NumRows())
}
