// Command isotope-copy loads the files of a stage directory into an
// in-memory table with COPY INTO, over a cluster of simulated nodes, and
// prints the loaded table.
//
// Configuration comes from the environment (see pkg/config); the statement
// comes from flags:
//
//	isotope-copy -stage ./data -format csv -header -columns id:int64,name:string -generate 4
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/zap"

	"github.com/sandboxws/isotope/query/pkg/catalog"
	"github.com/sandboxws/isotope/query/pkg/cluster"
	"github.com/sandboxws/isotope/query/pkg/config"
	"github.com/sandboxws/isotope/query/pkg/exchange"
	"github.com/sandboxws/isotope/query/pkg/interpreter"
	"github.com/sandboxws/isotope/query/pkg/logging"
	"github.com/sandboxws/isotope/query/pkg/metrics"
	"github.com/sandboxws/isotope/query/pkg/pipeline"
	"github.com/sandboxws/isotope/query/pkg/plan"
	"github.com/sandboxws/isotope/query/pkg/port"
	"github.com/sandboxws/isotope/query/pkg/processor"
	"github.com/sandboxws/isotope/query/pkg/processors"
	"github.com/sandboxws/isotope/query/pkg/query"
	"github.com/sandboxws/isotope/query/pkg/scheduler"
	"github.com/sandboxws/isotope/query/pkg/storage"
	"github.com/sandboxws/isotope/query/pkg/storage/memtable"
	"github.com/sandboxws/isotope/query/pkg/storage/stage"
)

const (
	database    = "default"
	consoleSink = "console"
)

type options struct {
	stage     stage.Info
	columns   string
	table     string
	label     string
	force     bool
	purge     bool
	overwrite bool
	generate  int
	rows      int64
	show      int64
	sql       string
}

func main() {
	var (
		opts   options
		format string
	)
	flag.StringVar(&opts.stage.Dir, "stage", "", "stage directory (required)")
	flag.StringVar(&format, "format", "csv", "file format: csv, parquet or arrow")
	flag.StringVar(&opts.stage.Pattern, "pattern", "", "glob of the files to copy, relative to the stage")
	flag.BoolVar(&opts.stage.Header, "header", true, "CSV files have a header line")
	flag.StringVar(&opts.columns, "columns", "id:int64,name:string", "target table columns as name:type pairs")
	flag.StringVar(&opts.table, "table", "events", "target table name")
	flag.StringVar(&opts.label, "label", "", "deduplication label")
	flag.BoolVar(&opts.force, "force", false, "copy files that were copied before")
	flag.BoolVar(&opts.purge, "purge", false, "remove copied files from the stage")
	flag.BoolVar(&opts.overwrite, "overwrite", false, "replace the table contents")
	flag.IntVar(&opts.generate, "generate", 0, "write this many files of synthetic rows into the stage first")
	flag.Int64Var(&opts.rows, "rows", 10000, "rows to generate across all files")
	flag.Int64Var(&opts.show, "show", 10, "rows of the loaded table to print")
	flag.StringVar(&opts.sql, "sql", "", "DuckDB query over the loaded table, which is visible under its name")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "isotope-copy: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		fmt.Fprintf(os.Stderr, "isotope-copy: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if opts.stage.Dir == "" {
		logger.Fatal("missing -stage")
	}
	if opts.stage.Format, err = stage.ParseFormat(format); err != nil {
		logger.Fatal("invalid -format", zap.Error(err))
	}
	opts.stage.Name = "stage"

	if cfg.Metrics.Address != "" {
		srv := metrics.ServeMetrics(cfg.Metrics.Address)
		defer srv.Close()
		logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Address))
	}

	err = scheduler.RunWithGracefulShutdown(context.Background(), logger, func(ctx context.Context) error {
		return run(ctx, cfg, logger, opts)
	}, cfg.Shutdown.Timeout)
	if err != nil {
		logger.Error("copy failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts options) error {
	if cfg.Engine.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Engine.QueryTimeout)
		defer cancel()
	}
	schema, err := parseColumns(opts.columns)
	if err != nil {
		return err
	}
	newQuery := func() *query.Context {
		return query.New(ctx, query.WithLogger(logger), query.WithSettings(cfg.Settings()))
	}

	if opts.generate > 0 {
		if err := generate(newQuery(), opts.stage, schema, opts.generate, opts.rows); err != nil {
			return fmt.Errorf("generate stage files: %w", err)
		}
	}

	cat := catalog.NewMemory()
	tbl := memtable.New(opts.table, schema, storage.DefaultBlockThresholds)
	defer tbl.Close()
	if err := cat.Register(database, tbl); err != nil {
		return err
	}

	console := processors.NewConsole(int(opts.show))
	clusterOpts := []cluster.Option{
		cluster.WithLogger(logger),
		cluster.WithSinks(map[string]processors.Consumer{consoleSink: console}),
		cluster.WithSQLMemoryLimit(cfg.Engine.SQLMemoryLimitMiB << 20),
	}
	if cfg.Exchange.Transport == config.TransportKafka {
		transports, err := kafkaTransports(cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			for _, t := range transports {
				t.Close()
			}
		}()
		clusterOpts = append(clusterOpts, cluster.WithTransport(func(node string) exchange.Transport {
			return transports[node]
		}))
	} else {
		hub := exchange.NewHub(cfg.Exchange.HubCapacity)
		clusterOpts = append(clusterOpts, cluster.WithTransport(func(node string) exchange.Transport {
			return hub.Endpoint(node)
		}))
	}
	cl := cluster.NewLocal(cfg.Cluster.Nodes, cat, clusterOpts...)

	copier := interpreter.NewCopy(cat, interpreter.WithCluster(cl), interpreter.WithLogger(logger))
	res, err := copier.Execute(newQuery(), interpreter.CopyPlan{
		Database:  database,
		Table:     opts.table,
		Stage:     opts.stage,
		Force:     opts.force,
		Purge:     opts.purge,
		Overwrite: opts.overwrite,
		Label:     opts.label,
	})
	if err != nil {
		return err
	}
	logger.Info("copy committed",
		zap.Int64("rows", res.Rows),
		zap.Int("files", len(res.Files)),
		zap.Bool("distributed", res.Distributed),
		zap.Bool("skipped", res.Skipped))

	var root plan.Node = plan.NewScan(database, opts.table)
	if opts.sql != "" {
		root = plan.NewSQL(root, opts.table, opts.sql)
	}
	if opts.show > 0 {
		root = plan.NewLimit(root, opts.show)
	}
	frags, err := plan.Split(plan.NewSink(root, consoleSink))
	if err != nil {
		return err
	}
	if err := cl.Execute(newQuery(), frags, nil); err != nil {
		return err
	}
	logger.Info("table printed", zap.Int64("rows", console.Count()), zap.Int64("table_rows", tbl.NumRows()))
	return nil
}

// generate writes synthetic rows into new stage files, one per chain.
func generate(q *query.Context, info stage.Info, schema *arrow.Schema, files int, rows int64) error {
	start := time.Now()
	per := rows / int64(files)
	p := pipeline.New(q)
	err := p.AddSource(files, func(i int, out *port.OutputPort) (processor.Processor, error) {
		n := per
		if i == files-1 {
			n = rows - per*int64(files-1)
		}
		return processors.NewGenerator(processor.NewContext(q, "Generator"), out, processors.GeneratorOptions{
			Schema:    schema,
			MaxRows:   n,
			BatchSize: q.Settings().BatchRows,
			Offset:    per * int64(i),
		})
	})
	if err != nil {
		return p.Abandon(err)
	}
	if err := os.MkdirAll(info.Dir, 0o755); err != nil {
		return p.Abandon(err)
	}
	target := stage.NewTable(info, schema, nil)
	if err := target.AppendData(q, p); err != nil {
		return p.Abandon(err)
	}
	if err := target.CommitInsertion(q, p, nil, false); err != nil {
		return p.Abandon(err)
	}
	if err := scheduler.Run(p); err != nil {
		return err
	}
	q.Logger().Info("generated stage files",
		zap.Int("files", files),
		zap.Int64("rows", q.Progress().WriteRows),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func kafkaTransports(cfg *config.Config, logger *zap.Logger) (map[string]*exchange.Kafka, error) {
	out := make(map[string]*exchange.Kafka, cfg.Cluster.Nodes)
	for i := 0; i < cfg.Cluster.Nodes; i++ {
		node := cluster.NodeName(i)
		k, err := exchange.NewKafka(exchange.KafkaConfig{
			Brokers:     cfg.Exchange.KafkaBrokers,
			TopicPrefix: cfg.Exchange.TopicPrefix,
			Node:        node,
		}, logger)
		if err != nil {
			for _, t := range out {
				t.Close()
			}
			return nil, err
		}
		out[node] = k
	}
	return out, nil
}

var columnTypes = map[string]arrow.DataType{
	"int32":     arrow.PrimitiveTypes.Int32,
	"int64":     arrow.PrimitiveTypes.Int64,
	"float64":   arrow.PrimitiveTypes.Float64,
	"string":    arrow.BinaryTypes.String,
	"bool":      arrow.FixedWidthTypes.Boolean,
	"timestamp": arrow.FixedWidthTypes.Timestamp_us,
}

func parseColumns(list string) (*arrow.Schema, error) {
	var fields []arrow.Field
	for _, col := range strings.Split(list, ",") {
		name, typ, ok := strings.Cut(strings.TrimSpace(col), ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("column %q: want name:type", col)
		}
		dt, ok := columnTypes[strings.ToLower(typ)]
		if !ok {
			return nil, fmt.Errorf("column %q: unknown type %q", name, typ)
		}
		fields = append(fields, arrow.Field{Name: name, Type: dt, Nullable: true})
	}
	if len(fields) == 0 {
		return nil, errors.New("no columns")
	}
	return arrow.NewSchema(fields, nil), nil
}
