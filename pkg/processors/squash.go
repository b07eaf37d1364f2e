package processors

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/isotope/query/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/query/pkg/block"
	"github.com/sandboxws/isotope/query/pkg/processor"
)

// Squash compacts blocks so that every emitted block has between minRows and
// maxRows rows, except possibly the last one.
type Squash struct {
	ctx     *processor.Context
	minRows int64
	maxRows int64

	buffered []*block.Block
	rows     int64
}

// NewSquash creates a Squash transform. A non-positive maxRows disables
// splitting.
func NewSquash(ctx *processor.Context, minRows, maxRows int64) *Squash {
	return &Squash{ctx: ctx, minRows: minRows, maxRows: maxRows}
}

func (s *Squash) Transform(b *block.Block) ([]*block.Block, error) {
	s.buffered = append(s.buffered, b.Share())
	s.rows += b.NumRows()
	if s.rows < s.minRows {
		return nil, nil
	}
	return s.emit()
}

func (s *Squash) Flush() ([]*block.Block, error) {
	if len(s.buffered) == 0 {
		return nil, nil
	}
	return s.emit()
}

func (s *Squash) emit() ([]*block.Block, error) {
	meta := s.buffered[0].Meta()
	recs := make([]arrow.Record, len(s.buffered))
	for i, b := range s.buffered {
		recs[i] = b.Record()
	}
	merged, err := helpers.Concat(s.ctx.Alloc, recs)
	block.ReleaseAll(s.buffered)
	s.buffered, s.rows = nil, 0
	if err != nil {
		return nil, err
	}
	defer merged.Release()

	parts := helpers.Slice(merged, s.maxRows)
	out := make([]*block.Block, len(parts))
	for i, rec := range parts {
		out[i] = block.NewWithMeta(rec, meta)
	}
	return out, nil
}

func (s *Squash) Close() error {
	block.ReleaseAll(s.buffered)
	s.buffered = nil
	return nil
}
