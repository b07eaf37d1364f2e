package processors

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/zap"

	"github.com/sandboxws/isotope/query/pkg/block"
	"github.com/sandboxws/isotope/query/pkg/execerr"
	"github.com/sandboxws/isotope/query/pkg/port"
	"github.com/sandboxws/isotope/query/pkg/processor"
	"github.com/sandboxws/isotope/query/pkg/query"
)

// RecordReader streams the records of one partition. Next returns io.EOF
// after the last record. The caller releases every returned record.
type RecordReader interface {
	Next(ctx context.Context) (arrow.Record, error)
	Close() error
}

// Opener opens a reader over a partition. Implementations classify their
// failures with execerr.
type Opener interface {
	Open(ctx context.Context, part query.Partition) (RecordReader, error)
}

// Sizer is implemented by partitions that know their encoded size.
type Sizer interface {
	Size() int64
}

type scanState interface{ scanStateName() string }

type (
	awaitingPartition struct{}
	readingMetadata   struct{ part query.Partition }
	streaming         struct {
		part    query.Partition
		reader  RecordReader
		pending *block.Block
	}
	scanFinished struct{}
)

func (awaitingPartition) scanStateName() string { return "awaiting-partition" }
func (readingMetadata) scanStateName() string   { return "reading-metadata" }
func (*streaming) scanStateName() string        { return "streaming" }
func (scanFinished) scanStateName() string      { return "finished" }

// Scan pulls partitions from the query's shared partition queue and streams
// their records. Opening a reader and fetching a record are async steps;
// handing a fetched record downstream happens in Poll.
type Scan struct {
	processor.Base
	opener Opener
	state  *processor.Cell[scanState]
}

// NewScan creates a scan source.
func NewScan(ctx *processor.Context, out *port.OutputPort, opener Opener) *Scan {
	return &Scan{
		Base:   processor.NewBase(ctx, nil, []*port.OutputPort{out}),
		opener: opener,
		state:  processor.NewCell[scanState](awaitingPartition{}),
	}
}

// Status reports the state machine's current state.
func (s *Scan) Status() string { return s.state.Get().scanStateName() }

func (s *Scan) Poll() (processor.Event, error) {
	out := s.Out[0]
	if out.IsFinished() {
		return processor.Finished, nil
	}

	switch st := s.state.Get().(type) {
	case awaitingPartition:
		part, ok := s.Ctx.Query.GetPartition()
		if !ok {
			s.state.Store(scanFinished{})
			out.SetFinished()
			return processor.Finished, nil
		}
		s.Ctx.Logger.Debug("scan partition", zap.String("partition", part.Key()))
		s.state.Store(readingMetadata{part: part})
		return processor.Suspend, nil
	case readingMetadata:
		return processor.Suspend, nil
	case *streaming:
		if st.pending == nil {
			return processor.Suspend, nil
		}
		if !out.Push(st.pending) {
			return processor.NeedsConsume, nil
		}
		s.Ctx.Emitted(st.pending)
		s.Ctx.Query.AddScanProgress(st.pending.NumRows(), 0)
		st.pending = nil
		// Fetch the next record while downstream works on this one.
		return processor.Suspend, nil
	case scanFinished:
		return processor.Finished, nil
	default:
		return processor.Finished, execerr.Internalf(s.Ctx.ProcessorName, "unknown scan state %T", st)
	}
}

func (s *Scan) RunAsync(ctx context.Context) error {
	return s.state.Step(func(st scanState) (scanState, error) {
		switch st := st.(type) {
		case readingMetadata:
			reader, err := s.opener.Open(ctx, st.part)
			if err != nil {
				return scanFinished{}, err
			}
			return &streaming{part: st.part, reader: reader}, nil
		case *streaming:
			rec, err := st.reader.Next(ctx)
			if errors.Is(err, io.EOF) {
				if sz, ok := st.part.(Sizer); ok {
					s.Ctx.Query.AddScanProgress(0, sz.Size())
				}
				if cerr := st.reader.Close(); cerr != nil {
					return scanFinished{}, execerr.Resource(s.Ctx.ProcessorName, cerr)
				}
				return awaitingPartition{}, nil
			}
			if err != nil {
				return st, err
			}
			st.pending = block.NewWithMeta(rec, block.Meta{Source: st.part.Key()})
			return st, nil
		default:
			return st, execerr.Internalf(s.Ctx.ProcessorName, "async step in state %s", st.scanStateName())
		}
	})
}

func (s *Scan) Close() error {
	st, ok := s.state.Take().(*streaming)
	s.state.Store(scanFinished{})
	if !ok {
		return nil
	}
	st.pending.Release()
	if err := st.reader.Close(); err != nil {
		return fmt.Errorf("close reader for %s: %w", st.part.Key(), err)
	}
	return nil
}
