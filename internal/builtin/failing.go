package builtin

import (
	"errors"
	"sync/atomic"

	"cascade/internal/computation"
	"cascade/internal/domain"
)

var ErrInjected = errors.New("injected failure")

// Failing forwards records to o1 once it has failed Failures times. A
// negative Failures fails forever. Calls counts every ProcessRecord
// invocation and may be shared by the instances of one computation.
type Failing struct {
	computation.Base
	Failures int64
	Calls    *atomic.Int64
}

func NewFailing(name string, failures int64, calls *atomic.Int64) *Failing {
	if calls == nil {
		calls = new(atomic.Int64)
	}
	return &Failing{Base: computation.Base{Meta: computation.NewMetadata(name, 1, 1)}, Failures: failures, Calls: calls}
}

func (f *Failing) ProcessRecord(ctx computation.Context, _ string, rec domain.Record) error {
	n := f.Calls.Add(1)
	if f.Failures < 0 || n <= f.Failures {
		return ErrInjected
	}
	return ctx.ProduceRecord("o1", rec)
}
