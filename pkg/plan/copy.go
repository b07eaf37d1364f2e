package plan

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/sandboxws/isotope/query/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/query/pkg/storage"
	"github.com/sandboxws/isotope/query/pkg/storage/stage"
)

// DistributedCopy is the scan-and-append half of a COPY INTO that runs on
// every node. Each node reads the files assigned to it, conforms them to the
// target schema and stages them in the target table. It is built once by the
// coordinator and read-only afterwards.
type DistributedCopy struct {
	base
	leaf

	Database string
	Table    string
	// SourceSchema is the schema the staged files are read with.
	SourceSchema *arrow.Schema
	Overwrite    bool
	Thresholds   storage.BlockThresholds
	Stage        stage.Info
	Files        []stage.File
	Parts        []PartAssignment
	Coordinator  string
	Force        bool
	Purge        bool
}

// NewDistributedCopy allocates a fresh node id for the descriptor.
func NewDistributedCopy(d DistributedCopy) *DistributedCopy {
	d.base = newBase()
	return &d
}

func (*DistributedCopy) Kind() string { return "DistributedCopyIntoTable" }

func (n *DistributedCopy) withChildren([]Node) Node { return n }

// FilesFor returns the files node reads.
func (n *DistributedCopy) FilesFor(node string) []stage.File {
	mine := PartsFor(n.Parts, node)
	var out []stage.File
	for _, f := range n.Files {
		if mine[f.Path] {
			out = append(out, f)
		}
	}
	return out
}

// StageScan reads files of a stage. It is the leaf of the query of a
// COPY INTO <table> FROM (SELECT ...) statement; the files are bound once
// the interpreter collected them.
type StageScan struct {
	base
	leaf

	Stage stage.Info
	// Schema is the schema the files are read with.
	Schema *arrow.Schema
	Files  []stage.File
}

// NewStageScan creates a StageScan with no files bound.
func NewStageScan(info stage.Info, schema *arrow.Schema) *StageScan {
	return &StageScan{base: newBase(), Stage: info, Schema: schema}
}

func (*StageScan) Kind() string { return "StageScan" }

func (n *StageScan) withChildren([]Node) Node { return n }

// BindStageFiles returns a copy of root whose StageScan leaves read files.
// A leaf without a schema gets schema.
func BindStageFiles(root Node, schema *arrow.Schema, files []stage.File) Node {
	if n, ok := root.(*StageScan); ok {
		cp := *n
		cp.Files = files
		if cp.Schema == nil {
			cp.Schema = schema
		}
		return &cp
	}
	children := root.Children()
	if len(children) == 0 {
		return root
	}
	next := make([]Node, len(children))
	for i, c := range children {
		next[i] = BindStageFiles(c, schema, files)
	}
	return root.withChildren(next)
}

// EncodeDistributedCopy serializes the descriptor for shipping to other
// nodes. Integers travel as decimal strings; structpb numbers are doubles.
func EncodeDistributedCopy(d *DistributedCopy) ([]byte, error) {
	schema, err := helpers.EncodeSchema(d.SourceSchema)
	if err != nil {
		return nil, err
	}
	files := make([]any, len(d.Files))
	for i, f := range d.Files {
		files[i] = map[string]any{
			"path":     f.Path,
			"size":     strconv.FormatInt(f.Bytes, 10),
			"mod_time": f.ModTime.UTC().Format(time.RFC3339Nano),
		}
	}
	parts := make([]any, len(d.Parts))
	for i, p := range d.Parts {
		parts[i] = map[string]any{"key": p.Key, "node": p.Node}
	}

	st, err := structpb.NewStruct(map[string]any{
		"id":            d.ID(),
		"database":      d.Database,
		"table":         d.Table,
		"source_schema": base64.StdEncoding.EncodeToString(schema),
		"overwrite":     d.Overwrite,
		"min_rows":      strconv.FormatInt(d.Thresholds.MinRows, 10),
		"max_rows":      strconv.FormatInt(d.Thresholds.MaxRows, 10),
		"stage": map[string]any{
			"name":    d.Stage.Name,
			"dir":     d.Stage.Dir,
			"format":  d.Stage.Format.String(),
			"pattern": d.Stage.Pattern,
			"header":  d.Stage.Header,
		},
		"files":       files,
		"parts":       parts,
		"coordinator": d.Coordinator,
		"force":       d.Force,
		"purge":       d.Purge,
	})
	if err != nil {
		return nil, fmt.Errorf("encode distributed copy: %w", err)
	}
	return proto.Marshal(st)
}

// DecodeDistributedCopy is the inverse of EncodeDistributedCopy.
func DecodeDistributedCopy(data []byte) (*DistributedCopy, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode distributed copy: %w", err)
	}
	f := st.GetFields()
	str := func(m map[string]*structpb.Value, k string) string { return m[k].GetStringValue() }
	num := func(m map[string]*structpb.Value, k string) (int64, error) {
		n, err := strconv.ParseInt(m[k].GetStringValue(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("decode distributed copy: %s: %w", k, err)
		}
		return n, nil
	}

	raw, err := base64.StdEncoding.DecodeString(str(f, "source_schema"))
	if err != nil {
		return nil, fmt.Errorf("decode distributed copy: source schema: %w", err)
	}
	schema, err := helpers.DecodeSchema(raw)
	if err != nil {
		return nil, fmt.Errorf("decode distributed copy: %w", err)
	}

	sf := f["stage"].GetStructValue().GetFields()
	format, err := stage.ParseFormat(str(sf, "format"))
	if err != nil {
		return nil, fmt.Errorf("decode distributed copy: %w", err)
	}

	minRows, err := num(f, "min_rows")
	if err != nil {
		return nil, err
	}
	maxRows, err := num(f, "max_rows")
	if err != nil {
		return nil, err
	}

	d := &DistributedCopy{
		base:         base{id: str(f, "id")},
		Database:     str(f, "database"),
		Table:        str(f, "table"),
		SourceSchema: schema,
		Overwrite:    f["overwrite"].GetBoolValue(),
		Thresholds:   storage.BlockThresholds{MinRows: minRows, MaxRows: maxRows},
		Stage: stage.Info{
			Name:    str(sf, "name"),
			Dir:     str(sf, "dir"),
			Format:  format,
			Pattern: str(sf, "pattern"),
			Header:  sf["header"].GetBoolValue(),
		},
		Coordinator: str(f, "coordinator"),
		Force:       f["force"].GetBoolValue(),
		Purge:       f["purge"].GetBoolValue(),
	}
	for _, v := range f["files"].GetListValue().GetValues() {
		ff := v.GetStructValue().GetFields()
		mod, err := time.Parse(time.RFC3339Nano, str(ff, "mod_time"))
		if err != nil {
			return nil, fmt.Errorf("decode distributed copy: file %s: %w", str(ff, "path"), err)
		}
		size, err := num(ff, "size")
		if err != nil {
			return nil, err
		}
		d.Files = append(d.Files, stage.File{Path: str(ff, "path"), Bytes: size, ModTime: mod})
	}
	for _, v := range f["parts"].GetListValue().GetValues() {
		pf := v.GetStructValue().GetFields()
		d.Parts = append(d.Parts, PartAssignment{Key: str(pf, "key"), Node: str(pf, "node")})
	}
	return d, nil
}
