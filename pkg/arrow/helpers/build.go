package helpers

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Int64s builds an Int64 array. The caller releases it.
func Int64s(alloc memory.Allocator, vals []int64) arrow.Array {
	bldr := array.NewInt64Builder(alloc)
	defer bldr.Release()
	bldr.AppendValues(vals, nil)
	return bldr.NewArray()
}

// Float64s builds a Float64 array. The caller releases it.
func Float64s(alloc memory.Allocator, vals []float64) arrow.Array {
	bldr := array.NewFloat64Builder(alloc)
	defer bldr.Release()
	bldr.AppendValues(vals, nil)
	return bldr.NewArray()
}

// Strings builds a String array. The caller releases it.
func Strings(alloc memory.Allocator, vals []string) arrow.Array {
	bldr := array.NewStringBuilder(alloc)
	defer bldr.Release()
	bldr.AppendValues(vals, nil)
	return bldr.NewArray()
}

// NewRecord assembles named arrays into a record and releases the caller's
// references to arrays.
func NewRecord(names []string, arrays []arrow.Array) arrow.Record {
	fields := make([]arrow.Field, len(names))
	for i, name := range names {
		fields[i] = arrow.Field{Name: name, Type: arrays[i].DataType(), Nullable: true}
	}
	var rows int64
	if len(arrays) > 0 {
		rows = int64(arrays[0].Len())
	}
	rec := array.NewRecord(arrow.NewSchema(fields, nil), arrays, rows)
	for _, a := range arrays {
		a.Release()
	}
	return rec
}

// Int64Values copies the named int64 column of every record into one slice.
func Int64Values(records []arrow.Record, name string) []int64 {
	var out []int64
	for _, rec := range records {
		idx := ColumnIndex(rec, name)
		if idx < 0 {
			continue
		}
		col, ok := rec.Column(idx).(*array.Int64)
		if !ok {
			continue
		}
		for i := 0; i < col.Len(); i++ {
			out = append(out, col.Value(i))
		}
	}
	return out
}

// StringValues copies the named string column of every record into one slice.
func StringValues(records []arrow.Record, name string) []string {
	var out []string
	for _, rec := range records {
		idx := ColumnIndex(rec, name)
		if idx < 0 {
			continue
		}
		col, ok := rec.Column(idx).(*array.String)
		if !ok {
			continue
		}
		for i := 0; i < col.Len(); i++ {
			out = append(out, col.Value(i))
		}
	}
	return out
}

// RecordBytes returns the size of the buffers backing rec.
func RecordBytes(rec arrow.Record) int64 {
	var n int64
	for _, col := range rec.Columns() {
		n += dataBytes(col.Data())
	}
	return n
}

func dataBytes(d arrow.ArrayData) int64 {
	var n int64
	for _, buf := range d.Buffers() {
		if buf != nil {
			n += int64(buf.Len())
		}
	}
	for _, child := range d.Children() {
		n += dataBytes(child)
	}
	return n
}
