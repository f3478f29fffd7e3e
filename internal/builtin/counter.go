package builtin

import (
	"strconv"
	"time"

	"cascade/internal/computation"
	"cascade/internal/domain"
)

const counterTimer = "count"

// Counter counts the records of its inputs and emits the count on o1 every
// Interval, when not zero. Counts live in memory and a crash loses those not
// emitted yet.
type Counter struct {
	computation.Base
	Interval time.Duration

	count int64
}

func NewCounter(name string, inputs int, interval time.Duration) *Counter {
	return &Counter{Base: computation.Base{Meta: computation.NewMetadata(name, inputs, 1)}, Interval: interval}
}

func (c *Counter) Init(ctx computation.Context) error {
	c.count = 0
	return ctx.SetTimer(counterTimer, time.Now().Add(c.Interval))
}

func (c *Counter) ProcessRecord(computation.Context, string, domain.Record) error {
	c.count++
	return nil
}

func (c *Counter) ProcessTimer(ctx computation.Context, key string, at time.Time) error {
	if key != counterTimer {
		return nil
	}
	if c.count > 0 {
		rec := domain.RecordWithWatermark(c.Meta.Name, []byte(strconv.FormatInt(c.count, 10)), 0)
		if err := ctx.ProduceRecord("o1", rec); err != nil {
			return err
		}
		c.count = 0
		ctx.AskForCheckpoint()
	}
	return ctx.SetTimer(counterTimer, at.Add(c.Interval))
}

// ParseCount reads the payload of a record emitted by a Counter.
func ParseCount(rec domain.Record) (int64, error) {
	return strconv.ParseInt(string(rec.Data), 10, 64)
}
