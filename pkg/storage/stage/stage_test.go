package stage_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxws/isotope/query/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/query/pkg/block"
	"github.com/sandboxws/isotope/query/pkg/execerr"
	"github.com/sandboxws/isotope/query/pkg/pipeline"
	"github.com/sandboxws/isotope/query/pkg/port"
	"github.com/sandboxws/isotope/query/pkg/processor"
	"github.com/sandboxws/isotope/query/pkg/processors"
	"github.com/sandboxws/isotope/query/pkg/query"
	"github.com/sandboxws/isotope/query/pkg/scheduler"
	"github.com/sandboxws/isotope/query/pkg/storage/stage"
)

var events = arrow.NewSchema([]arrow.Field{
	{Name: "user", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "clicks", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
}, nil)

func eventRecord(alloc memory.Allocator, users []string, clicks []int64) arrow.Record {
	return helpers.NewRecord([]string{"user", "clicks"}, []arrow.Array{
		helpers.Strings(alloc, users),
		helpers.Int64s(alloc, clicks),
	})
}

func writeFiles(t *testing.T, info stage.Info, n int) []stage.File {
	t.Helper()
	files := make([]stage.File, n)
	for i := range files {
		rec := eventRecord(memory.DefaultAllocator,
			[]string{"u" + string(rune('a'+i)), "u" + string(rune('a'+i))},
			[]int64{int64(10 * i), int64(10*i + 1)})
		f, err := stage.WriteFile(info, filepath.Join("day", "part-"+string(rune('0'+i))+info.Format.Extension()),
			events, memory.DefaultAllocator, rec)
		rec.Release()
		require.NoError(t, err)
		files[i] = f
	}
	return files
}

func readAll(t *testing.T, tbl *stage.Table, threads int) (*processors.Collector, error) {
	t.Helper()
	alloc := helpers.NewTestAllocator(t)
	settings := query.DefaultSettings()
	settings.MaxThreads = threads
	q := query.New(context.Background(), query.WithAllocator(alloc), query.WithSettings(settings))
	p := pipeline.New(q)

	plan, err := tbl.ReadPlan(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, tbl.ReadData(q, plan, p))
	require.NoError(t, p.Merge())

	c := processors.NewCollector()
	t.Cleanup(c.Release)
	require.NoError(t, p.AddSink(func(_ int, in *port.InputPort) (processor.Processor, error) {
		return processors.NewSink(processor.NewContext(q, "Collect"), in, c), nil
	}))
	return c, scheduler.Run(p)
}

func TestListMatchesPatternSorted(t *testing.T) {
	info := stage.Info{Name: "events", Dir: t.TempDir(), Format: stage.CSV, Header: true}
	writeFiles(t, info, 3)
	require.NoError(t, os.WriteFile(filepath.Join(info.Dir, "README.txt"), []byte("ignored"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(info.Dir, "empty.csv"), 0o755))

	files, err := stage.List(context.Background(), info)
	require.NoError(t, err)

	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
		assert.Positive(t, f.Size())
	}
	assert.Equal(t, []string{"day/part-0.csv", "day/part-1.csv", "day/part-2.csv"}, paths)
}

func TestListCustomPattern(t *testing.T) {
	info := stage.Info{Name: "events", Dir: t.TempDir(), Format: stage.CSV, Header: true}
	writeFiles(t, info, 3)
	info.Pattern = "day/part-[12].csv"

	files, err := stage.List(context.Background(), info)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "day/part-1.csv", files[0].Key())
}

func TestReadEveryFormat(t *testing.T) {
	for _, format := range []stage.Format{stage.CSV, stage.IPC, stage.Parquet} {
		t.Run(format.String(), func(t *testing.T) {
			info := stage.Info{Name: "events", Dir: t.TempDir(), Format: format, Header: true}
			files := writeFiles(t, info, 4)

			c, err := readAll(t, stage.NewTable(info, events, files), 3)
			require.NoError(t, err)

			clicks := helpers.Int64Values(c.Records(), "clicks")
			sort.Slice(clicks, func(i, j int) bool { return clicks[i] < clicks[j] })
			assert.Equal(t, []int64{0, 1, 10, 11, 20, 21, 30, 31}, clicks)
		})
	}
}

func TestReadNoFiles(t *testing.T) {
	info := stage.Info{Name: "events", Dir: t.TempDir(), Format: stage.CSV}
	c, err := readAll(t, stage.NewTable(info, events, nil), 4)
	require.NoError(t, err)
	assert.Zero(t, c.Rows())
}

func TestCorruptParquetIsInputError(t *testing.T) {
	info := stage.Info{Name: "events", Dir: t.TempDir(), Format: stage.Parquet}
	files := writeFiles(t, info, 1)
	require.NoError(t, os.WriteFile(filepath.Join(info.Dir, "broken.parquet"), []byte("not a parquet file"), 0o644))
	files = append(files, stage.File{Path: "broken.parquet", Bytes: 18})

	_, err := readAll(t, stage.NewTable(info, events, files), 1)
	require.Error(t, err)
	assert.Equal(t, execerr.KindInput, execerr.KindOf(err))
	assert.Contains(t, err.Error(), "broken.parquet")
}

func TestMissingFileIsResourceError(t *testing.T) {
	info := stage.Info{Name: "events", Dir: t.TempDir(), Format: stage.CSV}
	files := []stage.File{{Path: "gone.csv", Bytes: 10}}

	_, err := readAll(t, stage.NewTable(info, events, files), 1)
	require.Error(t, err)
	assert.Equal(t, execerr.KindResource, execerr.KindOf(err))
}

func TestPurgeIgnoresMissingFiles(t *testing.T) {
	info := stage.Info{Name: "events", Dir: t.TempDir(), Format: stage.CSV, Header: true}
	files := writeFiles(t, info, 2)
	files = append(files, stage.File{Path: "day/never-existed.csv"})

	require.NoError(t, stage.Purge(context.Background(), info, files))

	left, err := stage.List(context.Background(), info)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestAppendWritesOneFilePerChain(t *testing.T) {
	alloc := helpers.NewTestAllocator(t)
	info := stage.Info{Name: "out", Dir: t.TempDir(), Format: stage.CSV, Header: true}
	tbl := stage.NewTable(info, events, nil)

	q := query.New(context.Background(), query.WithAllocator(alloc))
	p := pipeline.New(q)
	chains := [][]int64{{1, 2}, {3}}
	require.NoError(t, p.AddSource(len(chains), func(i int, out *port.OutputPort) (processor.Processor, error) {
		users := make([]string, len(chains[i]))
		for j := range users {
			users[j] = "u"
		}
		return processors.NewValues(processor.NewContext(q, "Values"), out,
			toBlocks(eventRecord(alloc, users, chains[i]))), nil
	}))
	require.NoError(t, tbl.AppendData(q, p))
	require.NoError(t, tbl.CommitInsertion(q, p, nil, false))
	require.NoError(t, scheduler.Run(p))

	files, err := stage.List(context.Background(), info)
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.EqualValues(t, 3, q.Progress().WriteRows)

	c, err := readAll(t, stage.NewTable(info, events, files), 2)
	require.NoError(t, err)
	clicks := helpers.Int64Values(c.Records(), "clicks")
	sort.Slice(clicks, func(i, j int) bool { return clicks[i] < clicks[j] })
	assert.Equal(t, []int64{1, 2, 3}, clicks)
}

func toBlocks(recs ...arrow.Record) []*block.Block {
	out := make([]*block.Block, len(recs))
	for i, rec := range recs {
		out[i] = block.New(rec)
	}
	return out
}

func TestCommitRejectsOverwrite(t *testing.T) {
	info := stage.Info{Name: "out", Dir: t.TempDir(), Format: stage.CSV}
	q := query.New(context.Background())
	err := stage.NewTable(info, events, nil).CommitInsertion(q, pipeline.New(q), nil, true)
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	for name, want := range map[string]stage.Format{"CSV": stage.CSV, "parquet": stage.Parquet, "ipc": stage.IPC, "arrow": stage.IPC} {
		got, err := stage.ParseFormat(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := stage.ParseFormat("xlsx")
	assert.Error(t, err)
}
