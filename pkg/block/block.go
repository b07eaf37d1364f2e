// Package block defines the data unit that moves through pipeline ports.
package block

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Meta is the progress annotation carried next to the rows.
type Meta struct {
	// Source names where the rows came from (file path, fragment id, ...).
	Source string
	// Bytes is the encoded size the rows were read from, if known.
	Bytes int64
}

// Block is an immutable columnar batch of rows. A Block is owned by exactly one
// holder at a time; handing it to a port transfers ownership. The holder that
// drops it must call Release.
type Block struct {
	rec  arrow.Record
	meta Meta
}

// New wraps rec. The Block takes over the caller's reference to rec.
func New(rec arrow.Record) *Block {
	return &Block{rec: rec}
}

// NewWithMeta wraps rec with a progress annotation.
func NewWithMeta(rec arrow.Record, meta Meta) *Block {
	return &Block{rec: rec, meta: meta}
}

// Empty returns a zero-row block with the given schema.
func Empty(alloc memory.Allocator, schema *arrow.Schema) *Block {
	cols := make([]arrow.Array, schema.NumFields())
	for i := range cols {
		cols[i] = array.MakeArrayOfNull(alloc, schema.Field(i).Type, 0)
	}
	rec := array.NewRecord(schema, cols, 0)
	for _, c := range cols {
		c.Release()
	}
	return New(rec)
}

// Record returns the underlying Arrow record. It stays valid until Release.
func (b *Block) Record() arrow.Record { return b.rec }

// Schema returns the block's schema.
func (b *Block) Schema() *arrow.Schema { return b.rec.Schema() }

// NumRows returns the number of rows.
func (b *Block) NumRows() int64 { return b.rec.NumRows() }

// Meta returns the progress annotation.
func (b *Block) Meta() Meta { return b.meta }

// Share returns a second handle on the same rows for another owner.
// Both handles must be released.
func (b *Block) Share() *Block {
	b.rec.Retain()
	return &Block{rec: b.rec, meta: b.meta}
}

// Release drops this handle's reference to the rows.
func (b *Block) Release() {
	if b == nil || b.rec == nil {
		return
	}
	b.rec.Release()
	b.rec = nil
}

// Rows sums the row counts of blocks.
func Rows(blocks []*Block) int64 {
	var n int64
	for _, b := range blocks {
		n += b.NumRows()
	}
	return n
}

// ReleaseAll releases every block in blocks.
func ReleaseAll(blocks []*Block) {
	for _, b := range blocks {
		b.Release()
	}
}
