package builder

import (
	"github.com/sandboxws/isotope/query/pkg/pipeline"
	"github.com/sandboxws/isotope/query/pkg/port"
	"github.com/sandboxws/isotope/query/pkg/processor"
	"github.com/sandboxws/isotope/query/pkg/processors"
	"github.com/sandboxws/isotope/query/pkg/query"
	"github.com/sandboxws/isotope/query/pkg/storage"
)

// AppendCopy adds the scan-and-append half of a COPY INTO to p: source is
// scanned, every block is conformed to the target schema and compacted to
// the target's block thresholds, and the target's append stage writes it.
// The open chains carry the append stage's descriptions of what it wrote.
func AppendCopy(q *query.Context, p *pipeline.Pipeline, source, target storage.Table, th storage.BlockThresholds) error {
	rp, err := source.ReadPlan(q.Ctx(), nil)
	if err != nil {
		return err
	}
	if err := source.ReadData(q, rp, p); err != nil {
		return err
	}
	return AppendToTable(q, p, target, th)
}

// AppendToTable appends the target's append stage to the open chains of p,
// conforming and compacting every block on the way.
func AppendToTable(q *query.Context, p *pipeline.Pipeline, target storage.Table, th storage.BlockThresholds) error {
	schema := target.Schema()
	err := p.AddTransform(func(_ int, in *port.InputPort, out *port.OutputPort) (processor.Processor, error) {
		ctx := processor.NewContext(q, "CastSchema")
		return processors.NewTransformer(ctx, in, out, processors.NewCast(ctx, schema)), nil
	})
	if err != nil {
		return err
	}
	err = p.AddTransform(func(_ int, in *port.InputPort, out *port.OutputPort) (processor.Processor, error) {
		ctx := processor.NewContext(q, "Squash")
		return processors.NewTransformer(ctx, in, out, processors.NewSquash(ctx, th.MinRows, th.MaxRows)), nil
	})
	if err != nil {
		return err
	}
	return target.AppendData(q, p)
}
