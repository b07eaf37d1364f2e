package duckdb

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/zap"

	"github.com/sandboxws/isotope/query/pkg/block"
	"github.com/sandboxws/isotope/query/pkg/execerr"
	"github.com/sandboxws/isotope/query/pkg/processor"
)

// InputView is the default name the buffered blocks are exposed under.
const InputView = "input"

// SQL buffers the blocks of one chain and runs a query over them once the
// chain's input ended. With FlushEvery set the query runs over every
// FlushEvery blocks instead.
type SQL struct {
	ctx   *processor.Context
	query string
	inst  *Instance

	// View is the name the query reads the buffered blocks from.
	View string
	// FlushEvery, when positive, bounds the number of buffered blocks.
	FlushEvery int

	buffer []*block.Block
}

// NewSQL opens a DuckDB instance for the transform.
func NewSQL(ctx *processor.Context, query string, memoryLimit int64) (*SQL, error) {
	inst, err := NewInstance(ctx.Ctx(), ctx.Alloc, memoryLimit)
	if err != nil {
		return nil, execerr.Resource(ctx.ProcessorName, err)
	}
	return &SQL{ctx: ctx, query: query, inst: inst, View: InputView}, nil
}

func (s *SQL) Transform(b *block.Block) ([]*block.Block, error) {
	s.buffer = append(s.buffer, b.Share())
	if s.FlushEvery > 0 && len(s.buffer) >= s.FlushEvery {
		return s.Flush()
	}
	return nil, nil
}

func (s *SQL) Flush() ([]*block.Block, error) {
	if len(s.buffer) == 0 {
		return nil, nil
	}
	schema := s.buffer[0].Schema()
	recs := make([]arrow.Record, len(s.buffer))
	for i, b := range s.buffer {
		if !b.Schema().Equal(schema) {
			return nil, execerr.Schema(s.ctx.ProcessorName,
				fmt.Errorf("block %d schema %s differs from %s", i, b.Schema(), schema))
		}
		recs[i] = b.Record()
	}
	meta := s.buffer[0].Meta()

	if err := s.inst.RegisterView(s.View, schema, recs...); err != nil {
		return nil, execerr.Internal(s.ctx.ProcessorName, err)
	}
	result, err := s.inst.Query(s.ctx.Ctx(), s.query)
	block.ReleaseAll(s.buffer)
	s.buffer = nil
	if err != nil {
		return nil, execerr.Input(s.ctx.ProcessorName, err)
	}
	s.ctx.Logger.Debug("sql flushed", zap.Int64("rows", result.NumRows()))
	return []*block.Block{block.NewWithMeta(result, meta)}, nil
}

func (s *SQL) Close() error {
	block.ReleaseAll(s.buffer)
	s.buffer = nil
	return s.inst.Close()
}
