// Package stage implements a stage: a directory of data files that COPY
// reads from and writes to. Files are CSV, Parquet or Arrow IPC.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/sandboxws/isotope/query/pkg/execerr"
	"github.com/sandboxws/isotope/query/pkg/storage"
)

// Format is the encoding of the files in a stage.
type Format int

const (
	CSV Format = iota
	Parquet
	IPC
)

func (f Format) String() string {
	switch f {
	case CSV:
		return "csv"
	case Parquet:
		return "parquet"
	case IPC:
		return "arrow"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Extension returns the file extension written for the format.
func (f Format) Extension() string { return "." + f.String() }

// ParseFormat maps a format name to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "csv":
		return CSV, nil
	case "parquet":
		return Parquet, nil
	case "arrow", "ipc":
		return IPC, nil
	default:
		return 0, fmt.Errorf("unsupported stage format %q", s)
	}
}

// Info describes a stage.
type Info struct {
	Name   string
	Dir    string
	Format Format
	// Pattern is a doublestar glob relative to Dir. Empty matches every file
	// with the format's extension.
	Pattern string
	// Header tells the CSV reader and writer to expect a header line.
	Header bool
}

func (i Info) pattern() string {
	if i.Pattern != "" {
		return i.Pattern
	}
	return "**/*" + i.Format.Extension()
}

// File is one staged file. It is the partition unit of a stage read.
type File struct {
	// Path is relative to the stage directory, with forward slashes.
	Path    string
	Bytes   int64
	ModTime time.Time
}

// Key identifies the partition.
func (f File) Key() string { return f.Path }

// Size is the encoded size of the file.
func (f File) Size() int64 { return f.Bytes }

// Copied converts the file to the metadata a table records on commit.
func (f File) Copied() storage.CopiedFile {
	return storage.CopiedFile{Path: f.Path, Size: f.Bytes, ModTime: f.ModTime}
}

// List returns the files of the stage that match its pattern, sorted by path.
func List(ctx context.Context, info Info) ([]File, error) {
	fsys := os.DirFS(info.Dir)
	matches, err := doublestar.Glob(fsys, info.pattern())
	if err != nil {
		return nil, execerr.Resource("list stage", fmt.Errorf("%s: %w", info.Name, err))
	}
	sort.Strings(matches)

	files := make([]File, 0, len(matches))
	for _, m := range matches {
		if err := ctx.Err(); err != nil {
			return nil, execerr.Cancelled("list stage", err)
		}
		st, err := fs.Stat(fsys, m)
		if err != nil {
			return nil, execerr.Resource("list stage", err)
		}
		if st.IsDir() {
			continue
		}
		files = append(files, File{Path: m, Bytes: st.Size(), ModTime: st.ModTime()})
	}
	return files, nil
}

// Purge removes files from the stage. Files that are already gone are
// ignored.
func Purge(ctx context.Context, info Info, files []File) error {
	var errs []error
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := os.Remove(filepath.Join(info.Dir, filepath.FromSlash(f.Path)))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
