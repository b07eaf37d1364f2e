// Package helpers provides convenience functions for working with Arrow RecordBatches.
package helpers

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cespare/xxhash/v2"
)

// Column returns the named column from a RecordBatch, or an error if not found.
func Column(batch arrow.Record, name string) (arrow.Array, error) {
	idx := ColumnIndex(batch, name)
	if idx < 0 {
		return nil, fmt.Errorf("column %q not found in schema", name)
	}
	return batch.Column(idx), nil
}

// ColumnIndex returns the index of a named column, or -1 if not found.
func ColumnIndex(batch arrow.Record, name string) int {
	return FieldIndex(batch.Schema(), name)
}

// FieldIndex returns the index of a named field, or -1 if not found.
func FieldIndex(schema *arrow.Schema, name string) int {
	indices := schema.FieldIndices(name)
	if len(indices) == 0 {
		return -1
	}
	return indices[0]
}

// ColumnIndices resolves names to column indices.
func ColumnIndices(schema *arrow.Schema, names []string) ([]int, error) {
	out := make([]int, len(names))
	for i, name := range names {
		idx := FieldIndex(schema, name)
		if idx < 0 {
			return nil, fmt.Errorf("column %q not found in schema", name)
		}
		out[i] = idx
	}
	return out, nil
}

// Filter applies a boolean mask to a RecordBatch, returning only rows where mask is true.
// The caller is responsible for releasing the returned Record.
func Filter(ctx context.Context, batch arrow.Record, mask arrow.Array) (arrow.Record, error) {
	result, err := compute.FilterRecordBatch(ctx, batch, mask, compute.DefaultFilterOptions())
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	return result, nil
}

// Project creates a new RecordBatch with only the specified columns.
// The caller is responsible for releasing the returned Record.
func Project(batch arrow.Record, cols ...string) (arrow.Record, error) {
	fields := make([]arrow.Field, 0, len(cols))
	arrays := make([]arrow.Array, 0, len(cols))

	for _, name := range cols {
		idx := ColumnIndex(batch, name)
		if idx < 0 {
			return nil, fmt.Errorf("column %q not found for projection", name)
		}
		fields = append(fields, batch.Schema().Field(idx))
		arrays = append(arrays, batch.Column(idx))
	}

	schema := arrow.NewSchema(fields, nil)
	return array.NewRecord(schema, arrays, batch.NumRows()), nil
}

// ColumnNames returns the list of column names in a schema.
func ColumnNames(schema *arrow.Schema) []string {
	names := make([]string, schema.NumFields())
	for i := 0; i < schema.NumFields(); i++ {
		names[i] = schema.Field(i).Name
	}
	return names
}

// Compatible checks that src can be written where dst is expected: same field
// names in the same order with identical types. Nullability and metadata are
// ignored.
func Compatible(src, dst *arrow.Schema) error {
	if src.NumFields() != dst.NumFields() {
		return fmt.Errorf("field count mismatch: source has %d, target has %d",
			src.NumFields(), dst.NumFields())
	}
	for i := 0; i < src.NumFields(); i++ {
		sf, df := src.Field(i), dst.Field(i)
		if !strings.EqualFold(sf.Name, df.Name) {
			return fmt.Errorf("field[%d] name mismatch: source %q vs target %q", i, sf.Name, df.Name)
		}
		if !arrow.TypeEqual(sf.Type, df.Type) {
			return fmt.Errorf("field %q type mismatch: source %s vs target %s", sf.Name, sf.Type, df.Type)
		}
	}
	return nil
}

// Concat concatenates records sharing one schema into a single record.
// The caller is responsible for releasing the returned Record.
func Concat(alloc memory.Allocator, records []arrow.Record) (arrow.Record, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("no records to concatenate")
	}
	if len(records) == 1 {
		records[0].Retain()
		return records[0], nil
	}

	schema := records[0].Schema()
	var total int64
	for _, r := range records {
		if !r.Schema().Equal(schema) {
			return nil, fmt.Errorf("concatenate: schema mismatch: %s vs %s", r.Schema(), schema)
		}
		total += r.NumRows()
	}

	cols := make([]arrow.Array, schema.NumFields())
	parts := make([]arrow.Array, len(records))
	for c := range cols {
		for i, r := range records {
			parts[i] = r.Column(c)
		}
		arr, err := array.Concatenate(parts, alloc)
		if err != nil {
			for _, done := range cols[:c] {
				done.Release()
			}
			return nil, fmt.Errorf("concatenate column %q: %w", schema.Field(c).Name, err)
		}
		cols[c] = arr
	}

	rec := array.NewRecord(schema, cols, total)
	for _, a := range cols {
		a.Release()
	}
	return rec, nil
}

// RowKey serializes the values of cols at row into a string usable as a map
// key. Nulls are distinguished from empty strings.
func RowKey(cols []arrow.Array, row int) string {
	var sb strings.Builder
	for i, col := range cols {
		if i > 0 {
			sb.WriteByte(0x1f)
		}
		if col.IsNull(row) {
			sb.WriteByte(0x00)
			continue
		}
		sb.WriteByte(0x01)
		sb.WriteString(col.ValueStr(row))
	}
	return sb.String()
}

// HashRows returns an xxhash of the key columns for every row of batch.
func HashRows(batch arrow.Record, keys []int) []uint64 {
	n := int(batch.NumRows())
	cols := make([]arrow.Array, len(keys))
	for i, k := range keys {
		cols[i] = batch.Column(k)
	}
	hashes := make([]uint64, n)
	for row := 0; row < n; row++ {
		hashes[row] = xxhash.Sum64String(RowKey(cols, row))
	}
	return hashes
}

// SplitByHash routes every row of batch to one of n partitions by the hash of
// the key columns. The returned slice has n entries; partitions that received
// no rows are nil. The caller releases every non-nil record.
func SplitByHash(ctx context.Context, alloc memory.Allocator, batch arrow.Record, keys []int, n int) ([]arrow.Record, error) {
	out := make([]arrow.Record, n)
	if n == 1 {
		batch.Retain()
		out[0] = batch
		return out, nil
	}

	hashes := HashRows(batch, keys)
	for p := 0; p < n; p++ {
		bldr := array.NewBooleanBuilder(alloc)
		matched := false
		for _, h := range hashes {
			hit := int(h%uint64(n)) == p
			bldr.Append(hit)
			matched = matched || hit
		}
		mask := bldr.NewArray()
		bldr.Release()
		if !matched {
			mask.Release()
			continue
		}
		part, err := Filter(ctx, batch, mask)
		mask.Release()
		if err != nil {
			for _, r := range out {
				if r != nil {
					r.Release()
				}
			}
			return nil, err
		}
		out[p] = part
	}
	return out, nil
}

// Slice splits batch into consecutive records of at most maxRows rows.
// The caller releases every returned record.
func Slice(batch arrow.Record, maxRows int64) []arrow.Record {
	n := batch.NumRows()
	if maxRows <= 0 || n <= maxRows {
		batch.Retain()
		return []arrow.Record{batch}
	}
	var out []arrow.Record
	for start := int64(0); start < n; start += maxRows {
		end := start + maxRows
		if end > n {
			end = n
		}
		out = append(out, batch.NewSlice(start, end))
	}
	return out
}
