package builtin

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"cascade/internal/computation"
	"cascade/internal/domain"
)

// Filter forwards to o1 the records matching an expression. The expression
// sees key, data (as a string), size, watermark and timestamp (milliseconds).
type Filter struct {
	computation.Base
	program *vm.Program
}

func NewFilter(name, expression string) (*Filter, error) {
	program, err := expr.Compile(expression, expr.Env(envOf(domain.Record{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("filter %s: %w", name, err)
	}
	return &Filter{Base: computation.Base{Meta: computation.NewMetadata(name, 1, 1)}, program: program}, nil
}

func envOf(rec domain.Record) map[string]any {
	return map[string]any{
		"key":       rec.Key,
		"data":      string(rec.Data),
		"size":      len(rec.Data),
		"watermark": rec.Watermark,
		"timestamp": domain.WatermarkOfValue(rec.Watermark).Timestamp,
	}
}

func (f *Filter) Match(rec domain.Record) (bool, error) {
	out, err := expr.Run(f.program, envOf(rec))
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

func (f *Filter) ProcessRecord(ctx computation.Context, _ string, rec domain.Record) error {
	ok, err := f.Match(rec)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return ctx.ProduceRecord("o1", rec)
}
