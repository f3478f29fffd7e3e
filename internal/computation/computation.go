// Package computation holds the contract user stages implement and the
// declarations the processor needs to run them: metadata, policy, the
// per-invocation context and the topology builder.
package computation

import (
	"time"

	"cascade/internal/domain"
)

// Computation is one stage of a topology. An instance is driven by a single
// worker goroutine: Init, then any number of ProcessRecord/ProcessTimer
// calls, then Destroy. Records are delivered at least once so handlers must
// tolerate redelivery.
type Computation interface {
	Metadata() Metadata
	Init(ctx Context) error
	// ProcessRecord receives the logical name of the input stream.
	ProcessRecord(ctx Context, inputStream string, rec domain.Record) error
	ProcessTimer(ctx Context, key string, at time.Time) error
	Destroy()
}

// Factory creates a fresh instance. The processor calls it once per worker
// and again after every rebalance.
type Factory func() Computation

// Base provides no-op lifecycle methods for computations that only care about
// records.
type Base struct {
	Meta Metadata
}

func (b *Base) Metadata() Metadata { return b.Meta }

func (b *Base) Init(Context) error { return nil }

func (b *Base) ProcessTimer(Context, string, time.Time) error { return nil }

func (b *Base) Destroy() {}
