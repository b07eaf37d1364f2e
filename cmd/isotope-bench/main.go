// Command isotope-bench runs the Yahoo Streaming Benchmark query on the
// engine: views per campaign, aggregated in two phases over a simulated
// cluster, repeated until interrupted.
//
// Plan: Values → Filter(view) → Project(ad_id) → PartialAggregate
// → Exchange(shuffle ad_id) → FinalAggregate → Exchange(merge) → Sink
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"

	"github.com/sandboxws/isotope/query/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/query/pkg/block"
	"github.com/sandboxws/isotope/query/pkg/catalog"
	"github.com/sandboxws/isotope/query/pkg/cluster"
	"github.com/sandboxws/isotope/query/pkg/config"
	"github.com/sandboxws/isotope/query/pkg/logging"
	"github.com/sandboxws/isotope/query/pkg/metrics"
	"github.com/sandboxws/isotope/query/pkg/plan"
	"github.com/sandboxws/isotope/query/pkg/processors"
	"github.com/sandboxws/isotope/query/pkg/query"
	"github.com/sandboxws/isotope/query/pkg/scheduler"
)

var campaigns = func() []string {
	c := make([]string, 100)
	for i := range c {
		c[i] = fmt.Sprintf("campaign_%04d", i)
	}
	return c
}()

var eventTypes = []string{"view", "view", "view", "view", "click"} // ~80% view

// counter counts result rows without keeping them.
type counter struct{ rows atomic.Int64 }

func (c *counter) Consume(b *block.Block) error {
	c.rows.Add(b.NumRows())
	b.Release()
	return nil
}

func main() {
	batches := flag.Int("batches", 64, "event batches per run")
	batchSize := flag.Int("batch-size", 4096, "events per batch")
	runs := flag.Int("runs", 0, "stop after this many runs (0 = until interrupted)")
	flag.Parse()

	cfg := config.LoadOrDefault()
	logger := logging.NewOrNop(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	defer logger.Sync()
	if cfg.Metrics.Address != "" {
		srv := metrics.ServeMetrics(cfg.Metrics.Address)
		defer srv.Close()
	}

	alloc := memory.DefaultAllocator
	events := make([]arrow.Record, *batches)
	for i := range events {
		events[i] = generateBatch(alloc, *batchSize)
	}
	defer func() {
		for _, rec := range events {
			rec.Release()
		}
	}()

	out := &counter{}
	cl := cluster.NewLocal(cfg.Cluster.Nodes, catalog.NewMemory(),
		cluster.WithLogger(logger),
		cluster.WithSinks(map[string]processors.Consumer{"out": out}))

	logger.Info("starting YSB benchmark",
		zap.Int("nodes", cfg.Cluster.Nodes),
		zap.Int("batch_size", *batchSize),
		zap.Int("batches", *batches))

	err := scheduler.RunWithGracefulShutdown(context.Background(), logger, func(ctx context.Context) error {
		var total int64
		start := time.Now()
		for i := 0; *runs == 0 || i < *runs; i++ {
			if ctx.Err() != nil {
				break
			}
			q := query.New(ctx, query.WithLogger(logger), query.WithSettings(cfg.Settings()))
			frags, err := plan.Split(ysbPlan(events))
			if err != nil {
				return err
			}
			runStart := time.Now()
			if err := cl.Execute(q, frags, nil); err != nil {
				return err
			}
			n := int64(*batches) * int64(*batchSize)
			total += n
			logger.Info("throughput",
				zap.Float64("events/sec", float64(n)/time.Since(runStart).Seconds()),
				zap.Int64("total", total),
				zap.Int64("campaign_rows", out.rows.Load()))
		}
		logger.Info("benchmark stopped", zap.Int64("total", total), zap.Duration("elapsed", time.Since(start)))
		return nil
	}, cfg.Shutdown.Timeout)
	if err != nil {
		logger.Error("benchmark failed", zap.Error(err))
		os.Exit(1)
	}
}

func ysbPlan(events []arrow.Record) plan.Node {
	views := plan.NewProject(
		plan.NewFilter(plan.NewValues(events...), "event_type = 'view'"),
		plan.ProjectItem{Expr: "ad_id", Alias: "ad_id"})
	count := plan.AggItem{Func: "count", Column: "ad_id", Alias: "views"}
	partial := plan.NewAggregate(views, plan.AggregatePartial, []string{"ad_id"}, count)
	final := plan.NewAggregate(plan.NewExchange(partial, plan.Shuffle, "ad_id"),
		plan.AggregateFinal, []string{"ad_id"}, count)
	return plan.NewSink(plan.NewExchange(final, plan.Merge), "out")
}

func generateBatch(alloc memory.Allocator, n int) arrow.Record {
	adIDs := make([]string, n)
	adTypes := make([]string, n)
	kinds := make([]string, n)
	times := make([]int64, n)
	ips := make([]string, n)

	now := time.Now().UnixMilli()
	for i := 0; i < n; i++ {
		adIDs[i] = campaigns[i%len(campaigns)]
		adTypes[i] = "banner"
		kinds[i] = eventTypes[i%len(eventTypes)]
		times[i] = now + int64(i)
		ips[i] = "10.0.0.1"
	}
	return helpers.NewRecord(
		[]string{"ad_id", "ad_type", "event_type", "event_time", "ip_address"},
		[]arrow.Array{
			helpers.Strings(alloc, adIDs),
			helpers.Strings(alloc, adTypes),
			helpers.Strings(alloc, kinds),
			helpers.Int64s(alloc, times),
			helpers.Strings(alloc, ips),
		})
}
