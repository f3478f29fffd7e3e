package processor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cascade/internal/computation"
)

func TestSettingsLookups(t *testing.T) {
	base := NewSettings(2, 3)
	s := base.WithConcurrency("C1", 5).WithPartitions("s1", 8).WithPolicy("C1", computation.Policy{BatchCapacity: 9, BatchThreshold: time.Second})
	require.Empty(t, base.Concurrency, "With* must not alias the receiver maps")

	require.Equal(t, 5, s.ConcurrencyOf("C1"))
	require.Equal(t, 2, s.ConcurrencyOf("C2"))
	require.Equal(t, 8, s.PartitionsOf("s1"))
	require.Equal(t, 3, s.PartitionsOf("s2"))
	require.Equal(t, 9, s.PolicyOf("C1").BatchCapacity)
	require.Equal(t, computation.DefaultPolicy, s.PolicyOf("C2"))

	d := Settings{}.withDefaults()
	require.Equal(t, 1, d.DefaultConcurrency)
	require.Equal(t, computation.DefaultPolicy, d.DefaultPolicy)
	require.Positive(t, d.PollTimeout)
}

func TestSettingsLayout(t *testing.T) {
	topo, err := computation.NewBuilder().
		AddComputation(recording("C1", &journal{}), []string{"i1:in", "o1:out"}).
		Build()
	require.NoError(t, err)
	l := NewSettings(1, 2).WithPartitions("in", 4).Layout(topo)
	require.Equal(t, map[string]int{"C1": 1}, l.Concurrency)
	require.Equal(t, map[string]int{"in": 4, "out": 2}, l.Partitions)
}
