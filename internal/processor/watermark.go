package processor

import (
	"sync/atomic"

	"cascade/internal/domain"
)

// watermarkTracker holds the output low watermark of one worker. The value
// only moves forward.
type watermarkTracker struct {
	low atomic.Int64
}

// update forwards min(source, pending); pending is the lowest watermark of
// the records waiting to be flushed, 0 when none.
func (w *watermarkTracker) update(source, pending int64) int64 {
	candidate := source
	if pending != domain.LowestWatermark && (candidate == domain.LowestWatermark || pending < candidate) {
		candidate = pending
	}
	return w.advance(candidate)
}

// checkpointed marks everything up to source as durably processed.
func (w *watermarkTracker) checkpointed(source int64) int64 {
	if source == domain.LowestWatermark {
		return w.low.Load()
	}
	return w.advance(source | 1)
}

func (w *watermarkTracker) advance(candidate int64) int64 {
	for {
		cur := w.low.Load()
		if candidate <= cur {
			return cur
		}
		if w.low.CompareAndSwap(cur, candidate) {
			return candidate
		}
	}
}

func (w *watermarkTracker) value() int64 { return w.low.Load() }
