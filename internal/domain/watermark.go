package domain

import (
	"fmt"
	"time"
)

// Watermark packs a millisecond timestamp, a 15 bit sequence and a completed
// bit into a single int64: timestamp<<16 | sequence<<1 | completed.
type Watermark struct {
	Timestamp int64
	Sequence  uint16
	Completed bool
}

const maxSequence = 1<<15 - 1

// LowestWatermark is the value of an unset watermark.
const LowestWatermark int64 = 0

func WatermarkOf(t time.Time, sequence uint16) Watermark {
	return WatermarkOfTimestamp(t.UnixMilli(), sequence)
}

func WatermarkOfTimestamp(ms int64, sequence uint16) Watermark {
	if sequence > maxSequence {
		sequence = maxSequence
	}
	return Watermark{Timestamp: ms, Sequence: sequence}
}

func WatermarkOfValue(v int64) Watermark {
	return Watermark{Timestamp: v >> 16, Sequence: uint16((v >> 1) & maxSequence), Completed: v&1 == 1}
}

// CompletedWatermark returns the value marking every record up to ms as processed.
func CompletedWatermark(ms int64) int64 {
	return Watermark{Timestamp: ms, Completed: true}.Value()
}

func (w Watermark) Value() int64 {
	v := w.Timestamp<<16 | int64(w.Sequence&maxSequence)<<1
	if w.Completed {
		v |= 1
	}
	return v
}

func (w Watermark) Time() time.Time { return time.UnixMilli(w.Timestamp) }

func (w Watermark) String() string {
	return fmt.Sprintf("Watermark{completed=%t, ts=%d, seq=%d}", w.Completed, w.Timestamp, w.Sequence)
}
