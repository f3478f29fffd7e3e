package computation

import (
	"errors"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"cascade/internal/domain"
)

type stage struct {
	Base
}

func (s *stage) ProcessRecord(Context, string, domain.Record) error { return nil }

func stageOf(name string, inputs, outputs int) Factory {
	return func() Computation { return &stage{Base{Meta: NewMetadata(name, inputs, outputs)}} }
}

func diamond(t *testing.T) *Topology {
	t.Helper()
	topo, err := NewBuilder().
		AddComputation(stageOf("C3", 2, 1), []string{"i1:s3", "i2:s4", "o1:s5"}).
		AddComputation(stageOf("C1", 1, 2), []string{"i1:s1", "o1:s2", "o2:s3"}).
		AddComputation(stageOf("C2", 1, 1), []string{"i1:s2", "o1:s4"}).
		Build()
	require.NoError(t, err)
	return topo
}

func TestTopologyOrderAndStreams(t *testing.T) {
	topo := diamond(t)
	require.Equal(t, []string{"C1", "C2", "C3"}, topo.Computations())
	require.Equal(t, []string{"s1", "s2", "s3", "s4", "s5"}, topo.Streams())
	require.Equal(t, []string{"s1"}, topo.SourceStreams())
	require.Equal(t, []string{"C2", "C3"}, topo.Children("C1"))
	require.Equal(t, []string{"C1"}, topo.Producers("s3"))
	require.Equal(t, []string{"C3"}, topo.Consumers("s4"))

	node, err := topo.Node("C3")
	require.NoError(t, err)
	require.Equal(t, []string{"s3", "s4"}, node.Mapping.InputStreams())
	_, err = topo.Node("nope")
	require.ErrorIs(t, err, ErrUnknownComputation)
}

func TestTopologyPlantUML(t *testing.T) {
	topo := diamond(t)
	out := topo.ToPlantUML(Layout{
		Concurrency: map[string]int{"C1": 2, "C2": 1},
		Partitions:  map[string]int{"s1": 4, "s2": 2},
	})
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "topology", []byte(out))
}

func TestTopologyYAML(t *testing.T) {
	topo := diamond(t)
	raw, err := topo.ToYAML(Layout{Partitions: map[string]int{"s1": 4}})
	require.NoError(t, err)

	var d Description
	require.NoError(t, yaml.Unmarshal(raw, &d))
	require.Len(t, d.Computations, 3)
	require.Equal(t, "C1", d.Computations[0].Name)
	require.Equal(t, []Binding{{Logical: "o1", Stream: "s2"}, {Logical: "o2", Stream: "s3"}}, d.Computations[0].Outputs)
	require.Equal(t, StreamDescription{Name: "s1", Partitions: 4, Source: true}, d.Streams[0])
	require.False(t, d.Streams[1].Source)
}

func TestTopologyUnboundStreamsKeepLogicalName(t *testing.T) {
	topo, err := NewBuilder().AddComputation(stageOf("C1", 1, 1), []string{"o1:out"}).Build()
	require.NoError(t, err)
	node, err := topo.Node("C1")
	require.NoError(t, err)
	require.Equal(t, []string{"i1"}, node.Mapping.InputStreams())
	require.Equal(t, []string{"out"}, node.Mapping.OutputStreams())
}

func TestTopologyValidation(t *testing.T) {
	cases := map[string]*Builder{
		"malformed binding": NewBuilder().AddComputation(stageOf("C1", 1, 0), []string{"i1"}),
		"empty physical":    NewBuilder().AddComputation(stageOf("C1", 1, 0), []string{"i1:"}),
		"undeclared stream": NewBuilder().AddComputation(stageOf("C1", 1, 0), []string{"o7:s1"}),
		"bound twice":       NewBuilder().AddComputation(stageOf("C1", 1, 0), []string{"i1:s1", "i1:s2"}),
		"duplicate name": NewBuilder().
			AddComputation(stageOf("C1", 1, 0), []string{"i1:s1"}).
			AddComputation(stageOf("C1", 1, 0), []string{"i1:s2"}),
		"cycle": NewBuilder().
			AddComputation(stageOf("A", 1, 1), []string{"i1:s1", "o1:s2"}).
			AddComputation(stageOf("B", 1, 1), []string{"i1:s2", "o1:s1"}),
		"self loop":   NewBuilder().AddComputation(stageOf("A", 1, 1), []string{"i1:s1", "o1:s1"}),
		"nil factory": NewBuilder().AddComputation(nil, nil),
		"no name":     NewBuilder().AddComputation(stageOf("", 1, 0), nil),
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := b.Build()
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidTopology), "got %v", err)
		})
	}
}
