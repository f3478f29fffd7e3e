package builtin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cascade/internal/computation"
	"cascade/internal/domain"
)

func invocation(c computation.Computation, mapping map[string]string) *computation.Invocation {
	return computation.NewInvocation(computation.NewMetadataMapping(c.Metadata(), mapping), computation.DefaultPolicy, computation.InvocationOptions{})
}

func TestForwardCopiesToEveryOutput(t *testing.T) {
	f := NewForward("F", 1, 2)
	inv := invocation(f, map[string]string{"o1": "a", "o2": "b"})
	require.NoError(t, f.ProcessRecord(inv, "i1", domain.NewRecord("k", nil)))
	eff := inv.Finalize()
	require.Len(t, eff.Outputs, 2)
	require.Equal(t, "a", eff.Outputs[0].Stream)
	require.Equal(t, "b", eff.Outputs[1].Stream)
}

func TestFilterExpression(t *testing.T) {
	f, err := NewFilter("F", `key startsWith "keep" && size > 1`)
	require.NoError(t, err)

	ok, err := f.Match(domain.NewRecord("keep-1", []byte("ab")))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.Match(domain.NewRecord("keep-2", []byte("a")))
	require.NoError(t, err)
	require.False(t, ok)

	inv := invocation(f, nil)
	require.NoError(t, f.ProcessRecord(inv, "i1", domain.NewRecord("drop", []byte("abc"))))
	require.NoError(t, f.ProcessRecord(inv, "i1", domain.NewRecord("keep", []byte("abc"))))
	eff := inv.Finalize()
	require.Len(t, eff.Outputs, 1)
	require.Equal(t, "keep", eff.Outputs[0].Record.Key)

	_, err = NewFilter("F", `key +`)
	require.Error(t, err)
	_, err = NewFilter("F", `size`)
	require.Error(t, err, "non boolean expressions are rejected")
}

func TestGeneratorProducesThenTerminates(t *testing.T) {
	g := NewGenerator("G", 5, 2, time.Millisecond)
	inv := invocation(g, nil)
	require.NoError(t, g.Init(inv))
	eff := inv.Finalize()
	require.Len(t, eff.Timers, 1)

	at := eff.Timers[0].At
	var produced []domain.Record
	for i := 0; ; i++ {
		require.Less(t, i, 5, "generator did not terminate")
		inv := invocation(g, nil)
		require.NoError(t, g.ProcessTimer(inv, generateTimer, at))
		eff := inv.Finalize()
		for _, o := range eff.Outputs {
			produced = append(produced, o.Record)
		}
		if eff.Terminate {
			require.True(t, eff.Checkpoint)
			break
		}
		require.Len(t, eff.Timers, 1)
		at = eff.Timers[0].At
	}
	require.Len(t, produced, 5)
	require.Equal(t, "key-0", produced[0].Key)
	require.Equal(t, "key-4", produced[4].Key)
	for i := 1; i < len(produced); i++ {
		require.Greater(t, produced[i].Watermark, produced[i-1].Watermark)
	}
}

func TestGeneratorRetriesAFailedBatchFromTheSamePosition(t *testing.T) {
	g := NewGenerator("G", 3, 2, time.Millisecond)
	require.NoError(t, g.Init(invocation(g, nil)))
	at := time.Now()

	failing := invocation(g, nil)
	failing.Finalize()
	require.ErrorIs(t, g.ProcessTimer(failing, generateTimer, at), computation.ErrContextFinalized)

	inv := invocation(g, nil)
	require.NoError(t, g.ProcessTimer(inv, generateTimer, at))
	eff := inv.Finalize()
	require.Len(t, eff.Outputs, 2)
	require.Equal(t, "key-0", eff.Outputs[0].Record.Key)
	require.Equal(t, "data-0", string(eff.Outputs[0].Record.Data))
	require.Equal(t, domain.WatermarkOfTimestamp(at.UnixMilli(), 0).Value(), eff.Outputs[0].Record.Watermark)
	require.False(t, eff.Terminate)
}

func TestCounterEmitsAndRearms(t *testing.T) {
	c := NewCounter("C", 1, 10*time.Millisecond)
	require.NoError(t, c.Init(invocation(c, nil)))
	for i := 0; i < 3; i++ {
		require.NoError(t, c.ProcessRecord(invocation(c, nil), "i1", domain.NewRecord("k", nil)))
	}
	inv := invocation(c, nil)
	now := time.Now()
	require.NoError(t, c.ProcessTimer(inv, counterTimer, now))
	eff := inv.Finalize()
	require.Len(t, eff.Outputs, 1)
	n, err := ParseCount(eff.Outputs[0].Record)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	require.True(t, eff.Checkpoint)
	require.Equal(t, now.Add(10*time.Millisecond), eff.Timers[0].At)

	inv = invocation(c, nil)
	require.NoError(t, c.ProcessTimer(inv, counterTimer, now))
	require.Empty(t, inv.Finalize().Outputs)
}

func TestFailingFailsThenForwards(t *testing.T) {
	f := NewFailing("F", 2, nil)
	require.ErrorIs(t, f.ProcessRecord(invocation(f, nil), "i1", domain.NewRecord("k", nil)), ErrInjected)
	require.ErrorIs(t, f.ProcessRecord(invocation(f, nil), "i1", domain.NewRecord("k", nil)), ErrInjected)
	inv := invocation(f, nil)
	require.NoError(t, f.ProcessRecord(inv, "i1", domain.NewRecord("k", nil)))
	require.Len(t, inv.Finalize().Outputs, 1)
	require.Equal(t, int64(3), f.Calls.Load())
}

func TestRegistryBuildsTopology(t *testing.T) {
	topo, err := Topology([]Spec{
		{Name: "GEN", Kind: "generator", Bindings: []string{"o1:input"}, Options: map[string]any{"records": "50", "interval": "5ms"}},
		{Name: "KEEP", Kind: "Filter", Bindings: []string{"i1:input", "o1:kept"}, Options: map[string]any{"expression": `size > 0`}},
		{Name: "COUNT", Kind: "counter", Bindings: []string{"i1:kept", "o1:counts"}, Options: map[string]any{"interval": 1000000}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"GEN", "KEEP", "COUNT"}, topo.Computations())

	node, err := topo.Node("GEN")
	require.NoError(t, err)
	g := node.Factory().(*Generator)
	require.Equal(t, 50, g.Records)
	require.Equal(t, 5*time.Millisecond, g.Interval)
	node, err = topo.Node("COUNT")
	require.NoError(t, err)
	require.Equal(t, time.Millisecond, node.Factory().(*Counter).Interval)

	_, err = Factory(Spec{Name: "X", Kind: "nope"})
	require.Error(t, err)
	_, err = Factory(Spec{Name: "X", Kind: "generator", Options: map[string]any{"records": "many"}})
	require.Error(t, err)
	_, err = Factory(Spec{Name: "X", Kind: "filter"})
	require.Error(t, err)
	require.Contains(t, Kinds(), "failing")
}
