package builtin

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"

	"cascade/internal/computation"
)

// Spec declares a builtin computation by kind, as found in configuration.
type Spec struct {
	Name     string         `mapstructure:"name" yaml:"name"`
	Kind     string         `mapstructure:"kind" yaml:"kind"`
	Bindings []string       `mapstructure:"bindings" yaml:"bindings"`
	Options  map[string]any `mapstructure:"options" yaml:"options,omitempty"`
}

type constructor func(name string, opts options) (computation.Factory, error)

var kinds = map[string]constructor{
	"generator": func(name string, opts options) (computation.Factory, error) {
		records, err := opts.intOpt("records", 100)
		if err != nil {
			return nil, err
		}
		batch, err := opts.intOpt("batch_size", 10)
		if err != nil {
			return nil, err
		}
		interval, err := opts.durationOpt("interval", 10*time.Millisecond)
		if err != nil {
			return nil, err
		}
		size, err := opts.intOpt("data_size", 0)
		if err != nil {
			return nil, err
		}
		return func() computation.Computation {
			g := NewGenerator(name, records, batch, interval)
			g.DataSize = size
			return g
		}, nil
	},
	"forward": func(name string, opts options) (computation.Factory, error) {
		inputs, err := opts.intOpt("inputs", 1)
		if err != nil {
			return nil, err
		}
		outputs, err := opts.intOpt("outputs", 1)
		if err != nil {
			return nil, err
		}
		return func() computation.Computation { return NewForward(name, inputs, outputs) }, nil
	},
	"counter": func(name string, opts options) (computation.Factory, error) {
		inputs, err := opts.intOpt("inputs", 1)
		if err != nil {
			return nil, err
		}
		interval, err := opts.durationOpt("interval", time.Second)
		if err != nil {
			return nil, err
		}
		return func() computation.Computation { return NewCounter(name, inputs, interval) }, nil
	},
	"filter": func(name string, opts options) (computation.Factory, error) {
		expression, err := opts.stringOpt("expression", "")
		if err != nil {
			return nil, err
		}
		if expression == "" {
			return nil, fmt.Errorf("option expression is required")
		}
		if _, err := NewFilter(name, expression); err != nil {
			return nil, err
		}
		return func() computation.Computation {
			f, _ := NewFilter(name, expression)
			return f
		}, nil
	},
	"failing": func(name string, opts options) (computation.Factory, error) {
		failures, err := opts.intOpt("failures", -1)
		if err != nil {
			return nil, err
		}
		return func() computation.Computation { return NewFailing(name, int64(failures), nil) }, nil
	},
}

// Kinds lists the supported kinds.
func Kinds() []string {
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Factory builds the factory of a declared computation.
func Factory(spec Spec) (computation.Factory, error) {
	build, ok := kinds[strings.ToLower(spec.Kind)]
	if !ok {
		return nil, fmt.Errorf("computation %s: unknown kind %q (want one of %s)", spec.Name, spec.Kind, strings.Join(Kinds(), ", "))
	}
	if spec.Name == "" {
		return nil, fmt.Errorf("%s computation without a name", spec.Kind)
	}
	f, err := build(spec.Name, options(spec.Options))
	if err != nil {
		return nil, fmt.Errorf("computation %s: %w", spec.Name, err)
	}
	return f, nil
}

// Topology builds a topology out of declared computations.
func Topology(specs []Spec) (*computation.Topology, error) {
	b := computation.NewBuilder()
	for _, spec := range specs {
		f, err := Factory(spec)
		if err != nil {
			return nil, err
		}
		b.AddComputation(f, spec.Bindings)
	}
	return b.Build()
}

type options map[string]any

func (o options) intOpt(key string, def int) (int, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return n, nil
}

func (o options) durationOpt(key string, def time.Duration) (time.Duration, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	d, err := cast.ToDurationE(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return d, nil
}

func (o options) stringOpt(key, def string) (string, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", fmt.Errorf("option %s: %w", key, err)
	}
	return s, nil
}
