package domain

import (
	"fmt"
	"time"
)

type Flag uint8

const (
	FlagNone          Flag = 0
	FlagDefault       Flag = 1 << 0
	FlagCommit        Flag = 1 << 1
	FlagPoisonPill    Flag = 1 << 2
	FlagExternalValue Flag = 1 << 3
	FlagTrace         Flag = 1 << 4
	FlagUser1         Flag = 1 << 5
	FlagUser2         Flag = 1 << 6
)

func (f Flag) Has(other Flag) bool { return f&other == other }

// Record is the unit flowing through streams. A Record must not be mutated
// once produced; Data is shared with every downstream reader.
type Record struct {
	Key       string
	Data      []byte
	Watermark int64
	Flags     Flag
}

// NewRecord stamps the record with a watermark taken from the wall clock.
func NewRecord(key string, data []byte) Record {
	return Record{Key: key, Data: data, Watermark: WatermarkOf(time.Now(), 0).Value(), Flags: FlagDefault}
}

// RecordWithWatermark keeps the given watermark value.
func RecordWithWatermark(key string, data []byte, watermark int64) Record {
	return Record{Key: key, Data: data, Watermark: watermark, Flags: FlagDefault}
}

func (r Record) String() string {
	return fmt.Sprintf("Record{key=%q, watermark=%d, flags=%d, data.len=%d}", r.Key, r.Watermark, r.Flags, len(r.Data))
}

type LogPartition struct {
	Name      string
	Partition int
}

func (p LogPartition) String() string { return fmt.Sprintf("%s-%02d", p.Name, p.Partition) }

// LogOffset is the position of one record inside a stream partition.
type LogOffset struct {
	Partition LogPartition
	Offset    int64
}

// Compare orders offsets of the same partition; it panics when partitions differ.
func (o LogOffset) Compare(other LogOffset) int {
	if o.Partition != other.Partition {
		panic(fmt.Sprintf("cannot compare offsets of %s and %s", o.Partition, other.Partition))
	}
	switch {
	case o.Offset < other.Offset:
		return -1
	case o.Offset > other.Offset:
		return 1
	}
	return 0
}

func (o LogOffset) Next() LogOffset { return LogOffset{Partition: o.Partition, Offset: o.Offset + 1} }

func (o LogOffset) String() string { return fmt.Sprintf("%s:+%d", o.Partition, o.Offset) }

// LogRecord is a record read back from a stream with its durable position.
type LogRecord struct {
	Offset LogOffset
	Record Record
}

// LogLag reports the distance between a group's committed position and the
// end of a stream. Offsets are summed over partitions.
type LogLag struct {
	LowerOffset int64
	UpperOffset int64
	Lag         int64
}

func LagOf(lower, upper int64) LogLag {
	lag := upper - lower
	if lag < 0 {
		lag = 0
	}
	return LogLag{LowerOffset: lower, UpperOffset: upper, Lag: lag}
}

// LagOfPartitions sums per partition lags.
func LagOfPartitions(lags []LogLag) LogLag {
	var out LogLag
	for _, l := range lags {
		out.LowerOffset += l.LowerOffset
		out.UpperOffset += l.UpperOffset
		out.Lag += l.Lag
	}
	return out
}

func (l LogLag) String() string {
	return fmt.Sprintf("LogLag{lower=%d, upper=%d, lag=%d}", l.LowerOffset, l.UpperOffset, l.Lag)
}
