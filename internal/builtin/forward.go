package builtin

import (
	"cascade/internal/computation"
	"cascade/internal/domain"
)

// Forward copies every record of its inputs to every output.
type Forward struct {
	computation.Base
}

func NewForward(name string, inputs, outputs int) *Forward {
	return &Forward{Base: computation.Base{Meta: computation.NewMetadata(name, inputs, outputs)}}
}

func (f *Forward) ProcessRecord(ctx computation.Context, _ string, rec domain.Record) error {
	for _, out := range f.Meta.Outputs {
		if err := ctx.ProduceRecord(out, rec); err != nil {
			return err
		}
	}
	return nil
}
