// Package interpreter drives the engine for COPY statements. COPY INTO a
// table reads the files of a stage and commits them to the table exactly
// once; COPY INTO a stage writes the result of a plan as new stage files.
package interpreter

import (
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/zap"

	"github.com/sandboxws/isotope/query/pkg/builder"
	"github.com/sandboxws/isotope/query/pkg/catalog"
	"github.com/sandboxws/isotope/query/pkg/cluster"
	"github.com/sandboxws/isotope/query/pkg/execerr"
	"github.com/sandboxws/isotope/query/pkg/metrics"
	"github.com/sandboxws/isotope/query/pkg/pipeline"
	"github.com/sandboxws/isotope/query/pkg/plan"
	"github.com/sandboxws/isotope/query/pkg/query"
	"github.com/sandboxws/isotope/query/pkg/scheduler"
	"github.com/sandboxws/isotope/query/pkg/storage"
	"github.com/sandboxws/isotope/query/pkg/storage/stage"
)

const (
	modeLocal       = "local"
	modeDistributed = "distributed"

	// localNode is the node name used when no cluster is configured.
	localNode = "local"
)

// ErrFileNotInStage is returned when a COPY names a file the stage does not
// contain.
var ErrFileNotInStage = errors.New("file not found in stage")

// CopyPlan is a bound COPY INTO <table> FROM <stage> statement.
type CopyPlan struct {
	Database string
	Table    string
	Stage    stage.Info
	// SourceSchema is the schema the files are read with. Nil reads them
	// with the target table's schema.
	SourceSchema *arrow.Schema
	// Files restricts the copy to these stage paths. Empty copies every file
	// matching the stage pattern.
	Files []string
	// Force copies files even if the table already loaded them.
	Force bool
	// Purge removes the copied files from the stage after the commit.
	Purge     bool
	Overwrite bool
	// Label deduplicates the statement: a label that was committed before
	// turns the copy into a no-op.
	Label string
	// Query transforms the files before they are appended. Its StageScan
	// leaf reads the collected files; its rows are conformed to the table.
	Query plan.Node
}

// Result describes a finished COPY.
type Result struct {
	Rows        int64
	Files       []string
	Distributed bool
	// Skipped is set when the label was already committed.
	Skipped bool
}

// Copy executes COPY statements.
type Copy struct {
	catalog catalog.Catalog
	labels  catalog.Labels
	cluster cluster.Cluster
	logger  *zap.Logger
}

// Option configures a Copy.
type Option func(*Copy)

// WithCluster lets COPY fan out over c when it has more than one file.
func WithCluster(c cluster.Cluster) Option { return func(cp *Copy) { cp.cluster = c } }

// WithLabels sets the label store. By default the catalog is used if it
// stores labels.
func WithLabels(l catalog.Labels) Option { return func(cp *Copy) { cp.labels = l } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(cp *Copy) { cp.logger = l } }

// NewCopy creates a COPY interpreter resolving tables in cat.
func NewCopy(cat catalog.Catalog, opts ...Option) *Copy {
	c := &Copy{catalog: cat, logger: zap.NewNop()}
	if l, ok := cat.(catalog.Labels); ok {
		c.labels = l
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs a COPY INTO a table. The target is committed at most once,
// on the coordinator, after every node finished reading without error. On
// failure the segments staged by the query are dropped and the error of the
// processor that failed first is returned.
func (c *Copy) Execute(q *query.Context, cp CopyPlan) (*Result, error) {
	start := time.Now()
	if skip, err := c.deduplicated(q, cp.Label); err != nil {
		return nil, err
	} else if skip {
		q.Logger().Info("copy skipped, label already committed", zap.String("label", cp.Label))
		return &Result{Skipped: true}, nil
	}

	target, err := c.catalog.GetTable(q.Ctx(), cp.Database, cp.Table)
	if err != nil {
		return nil, err
	}

	q.SetStatus("begin to read stage source plan")
	files, err := c.collectFiles(q, cp, target)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		q.Logger().Info("no file to copy",
			zap.String("stage", cp.Stage.Name), zap.String("table", cp.Table))
		return &Result{}, nil
	}

	schema := cp.SourceSchema
	if schema == nil {
		schema = target.Schema()
	}
	th := target.BlockThresholds()

	res := &Result{Files: make([]string, len(files))}
	copied := make([]storage.CopiedFile, len(files))
	for i, f := range files {
		res.Files[i] = f.Path
		copied[i] = f.Copied()
	}

	mode := modeLocal
	if cp.Query != nil {
		q.SetStatus(fmt.Sprintf("begin to read stage table data, parts:%d", len(files)))
		var frags []*plan.Fragment
		frags, err = plan.Split(plan.BindStageFiles(cp.Query, schema, files))
		if err != nil {
			return nil, execerr.Internal("plan copy query", err)
		}
		if c.cluster != nil && len(frags) > 1 {
			mode = modeDistributed
		}
		res.Distributed = mode == modeDistributed
		err = c.query(q, cp, target, th, frags, copied, c.finished(q, cp, mode, files))
	} else {
		source := stage.NewTable(cp.Stage, schema, files)
		source.SetBlockThresholds(th)
		var rp *storage.ReadPlan
		if rp, err = source.ReadPlan(q.Ctx(), nil); err != nil {
			return nil, err
		}
		q.SetStatus(fmt.Sprintf("begin to read stage table data, parts:%d", len(rp.Parts)))
		if c.cluster != nil && q.Settings().EnableDistributedCopy && len(rp.Parts) > 1 {
			mode = modeDistributed
		}
		done := c.finished(q, cp, mode, files)
		if mode == modeDistributed {
			res.Distributed = true
			err = c.distributed(q, cp, target, schema, th, files, copied, done)
		} else {
			err = c.local(q, cp, source, target, th, copied, done)
		}
	}
	metrics.QueryDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())

	if err != nil {
		if a, ok := target.(storage.Aborter); ok {
			a.AbortInsertion(q)
		}
		metrics.Errors.WithLabelValues("copy", execerr.KindOf(err).String()).Inc()
		q.Logger().Warn("copy failed",
			zap.String("table", cp.Table), zap.String("mode", mode), zap.Error(err))
		return nil, err
	}
	res.Rows = q.Progress().WriteRows
	q.Logger().Info("copy finished",
		zap.String("table", cp.Table),
		zap.String("mode", mode),
		zap.Int("files", len(files)),
		zap.Int64("rows", res.Rows),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

func (c *Copy) deduplicated(q *query.Context, label string) (bool, error) {
	if label == "" || c.labels == nil {
		return false, nil
	}
	ok, err := c.labels.HasLabel(q.Ctx(), label)
	if err != nil {
		return false, execerr.Resource("check label", err)
	}
	return ok, nil
}

// collectFiles lists the stage and drops the files the target already
// loaded with the same size and modification time, unless cp.Force is set.
func (c *Copy) collectFiles(q *query.Context, cp CopyPlan, target storage.Table) ([]stage.File, error) {
	files, err := stage.List(q.Ctx(), cp.Stage)
	if err != nil {
		return nil, err
	}
	if len(cp.Files) > 0 {
		byPath := make(map[string]stage.File, len(files))
		for _, f := range files {
			byPath[f.Path] = f
		}
		files = files[:0:0]
		for _, path := range cp.Files {
			f, ok := byPath[path]
			if !ok {
				return nil, execerr.Input("collect files", fmt.Errorf("%s: %w", path, ErrFileNotInStage))
			}
			files = append(files, f)
		}
	}
	if cp.Force {
		return files, nil
	}
	tracker, ok := target.(storage.FileTracker)
	if !ok {
		return files, nil
	}
	loaded, err := tracker.CopiedFiles(q.Ctx())
	if err != nil {
		return nil, execerr.Resource("collect files", err)
	}
	out := files[:0:0]
	for _, f := range files {
		prev, ok := loaded[f.Path]
		if ok && prev.Size == f.Bytes && prev.ModTime.Equal(f.ModTime) {
			q.Logger().Debug("skip copied file", zap.String("path", f.Path))
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (c *Copy) local(q *query.Context, cp CopyPlan, source *stage.Table, target storage.Table,
	th storage.BlockThresholds, copied []storage.CopiedFile, done pipeline.FinishedFunc) error {
	p := pipeline.New(q)
	if err := builder.AppendCopy(q, p, source, target, th); err != nil {
		return p.Abandon(err)
	}
	if err := target.CommitInsertion(q, p, copied, cp.Overwrite); err != nil {
		return p.Abandon(err)
	}
	p.OnFinished(done)
	return scheduler.Run(p)
}

// distributed spreads the files over the cluster. Every node appends its
// share to the target and sends the segment descriptions to the coordinator,
// which commits them in one step.
func (c *Copy) distributed(q *query.Context, cp CopyPlan, target storage.Table, schema *arrow.Schema,
	th storage.BlockThresholds, files []stage.File, copied []storage.CopiedFile, done pipeline.FinishedFunc) error {
	keys := make([]string, len(files))
	for i, f := range files {
		keys[i] = f.Path
	}
	dc := plan.NewDistributedCopy(plan.DistributedCopy{
		Database:     cp.Database,
		Table:        cp.Table,
		SourceSchema: schema,
		Overwrite:    cp.Overwrite,
		Thresholds:   th,
		Stage:        cp.Stage,
		Files:        files,
		Parts:        plan.AssignPartitions(keys, c.cluster.Nodes()),
		Coordinator:  c.cluster.Coordinator(),
		Force:        cp.Force,
		Purge:        cp.Purge,
	})
	frags, err := plan.Split(plan.NewExchange(dc, plan.Merge))
	if err != nil {
		return execerr.Internal("plan distributed copy", err)
	}
	return c.cluster.Execute(q, frags, func(p *pipeline.Pipeline) error {
		if err := target.CommitInsertion(p.Query(), p, copied, cp.Overwrite); err != nil {
			return err
		}
		p.OnFinished(done)
		return nil
	})
}

// query runs the statement's query over the collected files and appends its
// rows on the coordinator, which commits them.
func (c *Copy) query(q *query.Context, cp CopyPlan, target storage.Table, th storage.BlockThresholds,
	frags []*plan.Fragment, copied []storage.CopiedFile, done pipeline.FinishedFunc) error {
	finalize := func(p *pipeline.Pipeline) error {
		if err := builder.AppendToTable(p.Query(), p, target, th); err != nil {
			return err
		}
		if err := target.CommitInsertion(p.Query(), p, copied, cp.Overwrite); err != nil {
			return err
		}
		p.OnFinished(done)
		return nil
	}
	if c.cluster != nil {
		return c.cluster.Execute(q, frags, finalize)
	}
	return c.runLocal(q, frags, finalize)
}

// finished runs after the commit sink succeeded: it records the label and
// purges the consumed files.
func (c *Copy) finished(q *query.Context, cp CopyPlan, mode string, files []stage.File) pipeline.FinishedFunc {
	return func(err error) error {
		if err != nil {
			return err
		}
		metrics.CopyCommits.WithLabelValues(mode).Inc()
		metrics.CopyRows.Add(float64(q.Progress().WriteRows))
		if cp.Label != "" && c.labels != nil {
			if err := c.labels.PutLabel(q.Ctx(), cp.Label); err != nil {
				return execerr.Resource("put label", err)
			}
		}
		if cp.Purge {
			c.purge(q, cp.Stage, files)
		}
		return nil
	}
}

// purge removes copied files. The data is already committed, so failures are
// only logged.
func (c *Copy) purge(q *query.Context, info stage.Info, files []stage.File) {
	start := time.Now()
	q.SetStatus(fmt.Sprintf("begin to purge files:%d", len(files)))
	if err := stage.Purge(q.Ctx(), info, files); err != nil {
		q.Logger().Warn("purge stage files", zap.String("stage", info.Name), zap.Error(err))
	}
	q.SetStatus(fmt.Sprintf("end to purge files:%d, elapsed:%d", len(files), int(time.Since(start).Seconds())))
}

// IntoStage runs root and writes its rows as new files of info, one file
// per open chain. Plans with exchanges need a cluster.
func (c *Copy) IntoStage(q *query.Context, root plan.Node, info stage.Info) (*Result, error) {
	start := time.Now()
	frags, err := plan.Split(root)
	if err != nil {
		return nil, err
	}
	target := stage.NewTable(info, nil, nil)
	finalize := func(p *pipeline.Pipeline) error {
		if err := target.AppendData(p.Query(), p); err != nil {
			return err
		}
		return target.CommitInsertion(p.Query(), p, nil, false)
	}

	if c.cluster != nil {
		err = c.cluster.Execute(q, frags, finalize)
	} else {
		err = c.runLocal(q, frags, finalize)
	}
	metrics.QueryDuration.WithLabelValues(modeLocal).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return &Result{Rows: q.Progress().WriteRows}, nil
}

// runLocal builds a plan without exchanges on this process.
func (c *Copy) runLocal(q *query.Context, frags []*plan.Fragment, finalize cluster.FinalizeFunc) error {
	if len(frags) > 1 {
		return execerr.Internalf("copy", "plan has %d fragments but no cluster is configured", len(frags))
	}
	env := builder.Env{
		Node:        localNode,
		Nodes:       []string{localNode},
		Coordinator: localNode,
		Catalog:     c.catalog,
	}
	p, err := builder.Build(q, env, frags[0])
	if err != nil {
		return err
	}
	if err := finalize(p); err != nil {
		return p.Abandon(err)
	}
	return scheduler.Run(p)
}
