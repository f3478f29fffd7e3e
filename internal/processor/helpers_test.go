package processor

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"cascade/internal/computation"
	"cascade/internal/domain"
	"cascade/internal/stream"
	"cascade/internal/stream/memory"
)

// journal is shared by every instance of a recording computation.
type journal struct {
	mu       sync.Mutex
	keys     []string
	inits    int
	spares   int
	destroys int
}

func (j *journal) seen() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.keys...)
}

func (j *journal) counts() (inits, spares, destroys int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.inits, j.spares, j.destroys
}

// recorder forwards records to its outputs and journals what it sees.
type recorder struct {
	computation.Base
	j *journal
}

func recording(name string, j *journal) computation.Factory {
	return func() computation.Computation {
		return &recorder{Base: computation.Base{Meta: computation.NewMetadata(name, 1, 1)}, j: j}
	}
}

func (r *recorder) Init(ctx computation.Context) error {
	r.j.mu.Lock()
	defer r.j.mu.Unlock()
	r.j.inits++
	if ctx.IsSpareComputation() {
		r.j.spares++
	}
	return nil
}

func (r *recorder) ProcessRecord(ctx computation.Context, _ string, rec domain.Record) error {
	r.j.mu.Lock()
	r.j.keys = append(r.j.keys, rec.Key)
	r.j.mu.Unlock()
	return ctx.ProduceRecord("o1", rec)
}

func (r *recorder) Destroy() {
	r.j.mu.Lock()
	r.j.destroys++
	r.j.mu.Unlock()
}

func singleStage(t *testing.T, factory computation.Factory) *computation.Topology {
	t.Helper()
	topo, err := computation.NewBuilder().AddComputation(factory, []string{"i1:input", "o1:output"}).Build()
	require.NoError(t, err)
	return topo
}

func testSettings() Settings {
	s := NewSettings(1, 1)
	s.PollTimeout = 20 * time.Millisecond
	s.DrainInterval = 10 * time.Millisecond
	return s
}

func startProcessor(t *testing.T, m stream.Manager, topo *computation.Topology, settings Settings) *Processor {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := New(m)
	require.NoError(t, p.Init(ctx, topo, settings))
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.WaitForAssignments(ctx))
	t.Cleanup(p.Shutdown)
	return p
}

func appendKeys(t *testing.T, m stream.Manager, name string, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		_, err := stream.AppendKey(context.Background(), m, name, domain.NewRecord("key-"+strconv.Itoa(i), []byte("v")))
		require.NoError(t, err)
	}
}

func keys(from, to int) []string {
	out := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, "key-"+strconv.Itoa(i))
	}
	return out
}

// size counts the records of a stream.
func size(t *testing.T, m stream.Manager, name string) int64 {
	t.Helper()
	lag, err := m.Lag(context.Background(), name, "size-"+uuid.NewString())
	require.NoError(t, err)
	return lag.UpperOffset
}

func lagOf(t *testing.T, p *Processor, name string) int64 {
	t.Helper()
	lag, err := p.Lag(context.Background(), name)
	require.NoError(t, err)
	return lag.Lag
}

func readStream(t *testing.T, m stream.Manager, name string) []domain.Record {
	t.Helper()
	ctx := context.Background()
	partitions, err := stream.AllPartitions(ctx, m, name)
	require.NoError(t, err)
	tailer, err := m.CreateTailer(ctx, "reader-"+uuid.NewString(), partitions...)
	require.NoError(t, err)
	defer tailer.Close()
	var out []domain.Record
	for {
		rec, err := tailer.Read(ctx, 50*time.Millisecond)
		require.NoError(t, err)
		if rec == nil {
			return out
		}
		out = append(out, rec.Record)
	}
}

func newManager(t *testing.T) *memory.Manager {
	m := memory.NewManager()
	t.Cleanup(func() { m.Close() })
	return m
}
