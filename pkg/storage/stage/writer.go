package stage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/oklog/ulid/v2"

	"github.com/sandboxws/isotope/query/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/query/pkg/block"
	"github.com/sandboxws/isotope/query/pkg/execerr"
	"github.com/sandboxws/isotope/query/pkg/processor"
)

const writerOp = "stage writer"

type recordWriter interface {
	Write(rec arrow.Record) error
	Close() error
}

type csvWriter struct{ *csv.Writer }

func (c csvWriter) Close() error { return c.Flush() }

type closeOnce struct {
	recordWriter
	fh *os.File
}

func (c closeOnce) Close() error {
	err := c.recordWriter.Close()
	if cerr := c.fh.Close(); err == nil && !errors.Is(cerr, os.ErrClosed) {
		err = cerr
	}
	return err
}

func newRecordWriter(format Format, w io.Writer, schema *arrow.Schema, header bool, alloc memory.Allocator) (recordWriter, error) {
	switch format {
	case CSV:
		return csvWriter{csv.NewWriter(w, schema, csv.WithHeader(header), csv.WithNullWriter(""))}, nil
	case Parquet:
		return pqarrow.NewFileWriter(schema, w,
			parquet.NewWriterProperties(parquet.WithAllocator(alloc)),
			pqarrow.NewArrowWriterProperties(pqarrow.WithAllocator(alloc)))
	case IPC:
		return ipc.NewFileWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(alloc))
	default:
		return nil, fmt.Errorf("unknown format %s", format)
	}
}

// WriteFile writes records to a new file in the stage. It returns the
// staged file.
func WriteFile(info Info, name string, schema *arrow.Schema, alloc memory.Allocator, recs ...arrow.Record) (File, error) {
	path := filepath.Join(info.Dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return File{}, err
	}
	fh, err := os.Create(path)
	if err != nil {
		return File{}, err
	}
	rw, err := newRecordWriter(info.Format, fh, schema, info.Header, alloc)
	if err != nil {
		fh.Close()
		return File{}, err
	}
	w := closeOnce{recordWriter: rw, fh: fh}
	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			w.Close()
			return File{}, err
		}
	}
	if err := w.Close(); err != nil {
		return File{}, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return File{}, err
	}
	return File{Path: filepath.ToSlash(name), Bytes: st.Size(), ModTime: st.ModTime()}, nil
}

// fileWriter is the append transform of a stage: every chain writes its
// rows to one new file and, at end of input, emits a row describing it.
type fileWriter struct {
	ctx    *processor.Context
	info   Info
	schema *arrow.Schema

	name string
	w    recordWriter
	rows int64
}

func newFileWriter(ctx *processor.Context, info Info, schema *arrow.Schema) *fileWriter {
	name := fmt.Sprintf("data_%s%s", ulid.Make().String(), info.Format.Extension())
	return &fileWriter{ctx: ctx, info: info, schema: schema, name: name}
}

func (f *fileWriter) Transform(b *block.Block) ([]*block.Block, error) {
	if f.w == nil {
		path := filepath.Join(f.info.Dir, f.name)
		fh, err := os.Create(path)
		if err != nil {
			return nil, execerr.Resource(writerOp, err)
		}
		schema := f.schema
		if schema == nil {
			schema = b.Schema()
		}
		rw, err := newRecordWriter(f.info.Format, fh, schema, f.info.Header, f.ctx.Alloc)
		if err != nil {
			fh.Close()
			return nil, execerr.Internal(writerOp, err)
		}
		f.w = closeOnce{recordWriter: rw, fh: fh}
	}
	if err := f.w.Write(b.Record()); err != nil {
		return nil, execerr.Resource(writerOp, fmt.Errorf("%s: %w", f.name, err))
	}
	f.rows += b.NumRows()
	return nil, nil
}

// Flush closes the file and reports (path, rows, bytes).
func (f *fileWriter) Flush() ([]*block.Block, error) {
	if f.w == nil {
		return nil, nil
	}
	err := f.w.Close()
	f.w = nil
	if err != nil {
		return nil, execerr.Resource(writerOp, fmt.Errorf("%s: %w", f.name, err))
	}
	st, err := os.Stat(filepath.Join(f.info.Dir, f.name))
	if err != nil {
		return nil, execerr.Resource(writerOp, err)
	}
	f.ctx.Query.AddWriteProgress(f.rows, st.Size())

	rec := helpers.NewRecord([]string{"path", "rows", "bytes"}, []arrow.Array{
		helpers.Strings(f.ctx.Alloc, []string{f.name}),
		helpers.Int64s(f.ctx.Alloc, []int64{f.rows}),
		helpers.Int64s(f.ctx.Alloc, []int64{st.Size()}),
	})
	return []*block.Block{block.NewWithMeta(rec, block.Meta{Source: f.name, Bytes: st.Size()})}, nil
}

// Close removes a partially written file.
func (f *fileWriter) Close() error {
	if f.w == nil {
		return nil
	}
	f.w.Close()
	f.w = nil
	return os.Remove(filepath.Join(f.info.Dir, f.name))
}
