package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/sandboxws/isotope/query/pkg/execerr"
	"github.com/sandboxws/isotope/query/pkg/processors"
)

const readerOp = "stage reader"

// open starts a reader over f. Failing to open the file is a resource
// error; failing to make sense of its contents is an input error.
func open(ctx context.Context, info Info, schema *arrow.Schema, alloc memory.Allocator, batchRows int, f File) (processors.RecordReader, error) {
	path := filepath.Join(info.Dir, filepath.FromSlash(f.Path))
	fh, err := os.Open(path)
	if err != nil {
		return nil, execerr.Resource(readerOp, err)
	}

	var r processors.RecordReader
	switch info.Format {
	case CSV:
		r = newCSVReader(fh, info, schema, alloc, batchRows)
	case Parquet:
		r, err = newParquetReader(ctx, fh, alloc, batchRows)
	case IPC:
		r, err = newIPCReader(fh, alloc)
	default:
		err = execerr.Internalf(readerOp, "unknown format %s", info.Format)
	}
	if err != nil {
		fh.Close()
		return nil, fmt.Errorf("%s: %w", f.Path, err)
	}
	return r, nil
}

type csvReader struct {
	fh *os.File
	r  *csv.Reader
}

func newCSVReader(fh *os.File, info Info, schema *arrow.Schema, alloc memory.Allocator, batchRows int) *csvReader {
	r := csv.NewReader(fh, schema,
		csv.WithHeader(info.Header),
		csv.WithChunk(batchRows),
		csv.WithAllocator(alloc),
		csv.WithNullReader(true, ""),
	)
	return &csvReader{fh: fh, r: r}
}

func (c *csvReader) Next(ctx context.Context) (arrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, execerr.Cancelled(readerOp, err)
	}
	if !c.r.Next() {
		if err := c.r.Err(); err != nil {
			return nil, execerr.Input(readerOp, fmt.Errorf("%s: %w", c.fh.Name(), err))
		}
		return nil, io.EOF
	}
	rec := c.r.Record()
	rec.Retain()
	return rec, nil
}

func (c *csvReader) Close() error {
	c.r.Release()
	return c.fh.Close()
}

type parquetReader struct {
	pf *file.Reader
	rr pqarrow.RecordReader
}

func newParquetReader(ctx context.Context, fh *os.File, alloc memory.Allocator, batchRows int) (*parquetReader, error) {
	pf, err := file.NewParquetReader(fh)
	if err != nil {
		return nil, execerr.Input(readerOp, err)
	}
	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: int64(batchRows)}, alloc)
	if err != nil {
		pf.Close()
		return nil, execerr.Input(readerOp, err)
	}
	rr, err := fr.GetRecordReader(ctx, nil, nil)
	if err != nil {
		pf.Close()
		return nil, execerr.Input(readerOp, err)
	}
	return &parquetReader{pf: pf, rr: rr}, nil
}

func (p *parquetReader) Next(ctx context.Context) (arrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, execerr.Cancelled(readerOp, err)
	}
	if !p.rr.Next() {
		if err := p.rr.Err(); err != nil && !errors.Is(err, io.EOF) {
			return nil, execerr.Input(readerOp, err)
		}
		return nil, io.EOF
	}
	rec := p.rr.Record()
	rec.Retain()
	return rec, nil
}

func (p *parquetReader) Close() error {
	p.rr.Release()
	err := p.pf.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

type ipcReader struct {
	fh   *os.File
	r    *ipc.FileReader
	next int
}

func newIPCReader(fh *os.File, alloc memory.Allocator) (*ipcReader, error) {
	r, err := ipc.NewFileReader(fh, ipc.WithAllocator(alloc))
	if err != nil {
		return nil, execerr.Input(readerOp, err)
	}
	return &ipcReader{fh: fh, r: r}, nil
}

func (i *ipcReader) Next(ctx context.Context) (arrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, execerr.Cancelled(readerOp, err)
	}
	if i.next >= i.r.NumRecords() {
		return nil, io.EOF
	}
	rec, err := i.r.RecordAt(i.next)
	if err != nil {
		return nil, execerr.Input(readerOp, err)
	}
	i.next++
	return rec, nil
}

func (i *ipcReader) Close() error {
	err := i.r.Close()
	if cerr := i.fh.Close(); err == nil {
		err = cerr
	}
	return err
}
