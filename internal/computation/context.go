package computation

import (
	"context"
	"fmt"
	"time"

	"cascade/internal/domain"
	"cascade/internal/stream"
)

// Context is what a handler sees during one invocation. It is owned by a
// single worker goroutine and never shared.
type Context interface {
	// ProduceRecord buffers rec for the logical output stream. Nothing is
	// written until the worker flushes the batch, so the record becomes durable
	// together with the checkpoint of the input that produced it.
	ProduceRecord(stream string, rec domain.Record) error
	// ProduceRecordImmediate appends rec right away and returns its offset. A
	// retried invocation appends it again: downstream sees duplicates.
	ProduceRecordImmediate(ctx context.Context, stream string, rec domain.Record) (domain.LogOffset, error)

	// SetTimer arms a one-shot timer of this worker; setting an existing key
	// moves it.
	SetTimer(key string, at time.Time) error
	RemoveTimer(key string) error

	AskForCheckpoint()
	CancelAskForCheckpoint()
	AskForTermination()

	SetSourceLowWatermark(watermark int64)
	SourceLowWatermark() int64

	IsSpareComputation() bool
	// LastOffset is the offset of the record being processed, or of the last
	// record processed by the worker when a timer fires.
	LastOffset() domain.LogOffset
	Policy() Policy
	Metadata() MetadataMapping
}

// Output is a buffered record with its physical destination.
type Output struct {
	Stream string
	Record domain.Record
}

// TimerOp is a SetTimer or RemoveTimer request applied by the worker once the
// invocation succeeded.
type TimerOp struct {
	Key    string
	At     time.Time
	Remove bool
}

// Invocation implements Context for the processor.
type Invocation struct {
	meta      MetadataMapping
	policy    Policy
	manager   stream.Manager
	offset    domain.LogOffset
	spare     bool
	sourceLow int64

	outputs    []Output
	timers     []TimerOp
	checkpoint bool
	terminate  bool
	finalized  bool
}

// InvocationOptions carries the worker state exposed to the handler.
type InvocationOptions struct {
	LastOffset         domain.LogOffset
	SourceLowWatermark int64
	Spare              bool
	// Manager serves ProduceRecordImmediate; nil makes it fail.
	Manager stream.Manager
}

func NewInvocation(meta MetadataMapping, policy Policy, opts InvocationOptions) *Invocation {
	return &Invocation{
		meta:      meta,
		policy:    policy,
		manager:   opts.Manager,
		offset:    opts.LastOffset,
		spare:     opts.Spare,
		sourceLow: opts.SourceLowWatermark,
	}
}

func (c *Invocation) ProduceRecord(name string, rec domain.Record) error {
	if c.finalized {
		return ErrContextFinalized
	}
	physical, ok := c.meta.Output(name)
	if !ok {
		return &InvalidStreamError{Computation: c.meta.Name, Stream: name}
	}
	c.outputs = append(c.outputs, Output{Stream: physical, Record: rec})
	return nil
}

func (c *Invocation) ProduceRecordImmediate(ctx context.Context, name string, rec domain.Record) (domain.LogOffset, error) {
	if c.finalized {
		return domain.LogOffset{}, ErrContextFinalized
	}
	physical, ok := c.meta.Output(name)
	if !ok {
		return domain.LogOffset{}, &InvalidStreamError{Computation: c.meta.Name, Stream: name}
	}
	if c.manager == nil {
		return domain.LogOffset{}, fmt.Errorf("computation %s: no stream manager for immediate append", c.meta.Name)
	}
	if rec.Watermark == 0 {
		rec.Watermark = c.sourceLow
	}
	return stream.AppendKey(ctx, c.manager, physical, rec)
}

func (c *Invocation) SetTimer(key string, at time.Time) error {
	if c.finalized {
		return ErrContextFinalized
	}
	c.timers = append(c.timers, TimerOp{Key: key, At: at})
	return nil
}

func (c *Invocation) RemoveTimer(key string) error {
	if c.finalized {
		return ErrContextFinalized
	}
	c.timers = append(c.timers, TimerOp{Key: key, Remove: true})
	return nil
}

func (c *Invocation) mustBeOpen() {
	if c.finalized {
		panic(ErrContextFinalized)
	}
}

func (c *Invocation) AskForCheckpoint() {
	c.mustBeOpen()
	c.checkpoint = true
}

func (c *Invocation) CancelAskForCheckpoint() {
	c.mustBeOpen()
	c.checkpoint = false
}

func (c *Invocation) AskForTermination() {
	c.mustBeOpen()
	c.terminate = true
}

func (c *Invocation) SetSourceLowWatermark(watermark int64) {
	c.mustBeOpen()
	c.sourceLow = watermark
}

func (c *Invocation) SourceLowWatermark() int64 { return c.sourceLow }

func (c *Invocation) IsSpareComputation() bool { return c.spare }

func (c *Invocation) LastOffset() domain.LogOffset { return c.offset }

func (c *Invocation) Policy() Policy { return c.policy }

func (c *Invocation) Metadata() MetadataMapping { return c.meta }

// Finalize closes the invocation and hands its effects to the worker.
// Records produced without a watermark inherit the source low watermark.
func (c *Invocation) Finalize() Effects {
	c.finalized = true
	for i := range c.outputs {
		if c.outputs[i].Record.Watermark == 0 {
			c.outputs[i].Record.Watermark = c.sourceLow
		}
	}
	return Effects{
		Outputs:            c.outputs,
		Timers:             c.timers,
		Checkpoint:         c.checkpoint,
		Terminate:          c.terminate,
		SourceLowWatermark: c.sourceLow,
	}
}

func (c *Invocation) Finalized() bool { return c.finalized }

// Effects is what one successful invocation asks the worker to do.
type Effects struct {
	Outputs            []Output
	Timers             []TimerOp
	Checkpoint         bool
	Terminate          bool
	SourceLowWatermark int64
}
