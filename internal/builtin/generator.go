// Package builtin provides ready made computations: a bounded record source,
// forwarding, counting, filtering and a computation that fails on purpose.
package builtin

import (
	"fmt"
	"time"

	"cascade/internal/computation"
	"cascade/internal/domain"
)

const generateTimer = "generate"

// Generator is a source: it produces Records records on its output in
// batches of BatchSize, one batch per Interval, then terminates. Watermarks
// follow the generation time with an increasing sequence.
type Generator struct {
	computation.Base
	Records   int
	BatchSize int
	Interval  time.Duration
	DataSize  int

	produced int
	seq      uint16
}

func NewGenerator(name string, records, batchSize int, interval time.Duration) *Generator {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Generator{
		Base:      computation.Base{Meta: computation.NewMetadata(name, 0, 1)},
		Records:   records,
		BatchSize: batchSize,
		Interval:  interval,
	}
}

func (g *Generator) Init(ctx computation.Context) error {
	g.produced, g.seq = 0, 0
	if ctx.IsSpareComputation() {
		return nil
	}
	return ctx.SetTimer(generateTimer, time.Now())
}

func (g *Generator) ProcessRecord(computation.Context, string, domain.Record) error { return nil }

func (g *Generator) ProcessTimer(ctx computation.Context, key string, at time.Time) error {
	if key != generateTimer {
		return nil
	}
	// The counters only move once the whole batch is produced: a failed
	// invocation is retried from the same position.
	produced, seq := g.produced, g.seq
	ts := at.UnixMilli()
	for i := 0; i < g.BatchSize && produced < g.Records; i++ {
		wm := domain.WatermarkOfTimestamp(ts, seq).Value()
		rec := domain.RecordWithWatermark(fmt.Sprintf("key-%d", produced), g.payload(produced), wm)
		if err := ctx.ProduceRecord("o1", rec); err != nil {
			return err
		}
		produced++
		seq++
		ctx.SetSourceLowWatermark(wm)
	}
	if produced >= g.Records {
		ctx.AskForCheckpoint()
		ctx.AskForTermination()
	} else if err := ctx.SetTimer(generateTimer, at.Add(g.Interval)); err != nil {
		return err
	}
	g.produced, g.seq = produced, seq
	return nil
}

func (g *Generator) payload(n int) []byte {
	if g.DataSize <= 0 {
		return []byte(fmt.Sprintf("data-%d", n))
	}
	return make([]byte, g.DataSize)
}
