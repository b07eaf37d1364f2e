//go:build duckdb

package duckdb

import (
	"context"
	"fmt"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/isotope/query/pkg/arrow/helpers"
)

func BenchmarkDuckDBOverhead(b *testing.B) {
	for _, size := range []int{100, 1000, 10000, 100000} {
		b.Run(fmt.Sprintf("rows=%d", size), func(b *testing.B) {
			alloc := memory.DefaultAllocator
			inst, err := NewInstance(context.Background(), alloc, 0)
			if err != nil {
				b.Fatal(err)
			}
			defer inst.Close()

			vals := make([]int64, size)
			for i := range vals {
				vals[i] = int64(i)
			}
			batch := helpers.NewRecord([]string{"x"}, []arrow.Array{helpers.Int64s(alloc, vals)})
			defer batch.Release()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := inst.RegisterView("input", batch.Schema(), batch); err != nil {
					b.Fatal(err)
				}
				result, err := inst.Query(context.Background(), "SELECT x, x * 2 AS doubled FROM input WHERE x > 50")
				if err != nil {
					b.Fatal(err)
				}
				result.Release()
			}
		})
	}
}
