// Package streamtest checks that a stream.Manager honours the log contract.
package streamtest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"cascade/internal/domain"
	"cascade/internal/stream"
)

// Factory returns a fresh Manager; reopen returns a Manager over the same
// durable state or nil when the backend keeps nothing across instances.
type Factory func(t *testing.T) (m stream.Manager, reopen func() stream.Manager)

const readTimeout = 2 * time.Second

func Run(t *testing.T, factory Factory) {
	t.Run("CreateIsIdempotent", func(t *testing.T) { testCreateIdempotent(t, factory) })
	t.Run("AppendOffsetsIncrease", func(t *testing.T) { testAppendOffsets(t, factory) })
	t.Run("TailerOrderAndCommit", func(t *testing.T) { testTailerCommit(t, factory) })
	t.Run("ReadTimeout", func(t *testing.T) { testReadTimeout(t, factory) })
	t.Run("Seek", func(t *testing.T) { testSeek(t, factory) })
	t.Run("Errors", func(t *testing.T) { testErrors(t, factory) })
	t.Run("Reopen", func(t *testing.T) { testReopen(t, factory) })
}

func testCreateIdempotent(t *testing.T, factory Factory) {
	ctx := context.Background()
	m, _ := factory(t)
	created, err := m.CreateStream(ctx, "s1", 3)
	if err != nil || !created {
		t.Fatalf("create: created=%t err=%v", created, err)
	}
	created, err = m.CreateStream(ctx, "s1", 5)
	if err != nil || created {
		t.Fatalf("second create: created=%t err=%v", created, err)
	}
	n, err := m.PartitionCount(ctx, "s1")
	if err != nil || n != 3 {
		t.Fatalf("partition count: %d %v", n, err)
	}
	deleted, err := m.DeleteStream(ctx, "s1")
	if err != nil || !deleted {
		t.Fatalf("delete: deleted=%t err=%v", deleted, err)
	}
	deleted, err = m.DeleteStream(ctx, "s1")
	if err != nil || deleted {
		t.Fatalf("second delete: deleted=%t err=%v", deleted, err)
	}
	if ok, err := m.Exists(ctx, "s1"); err != nil || ok {
		t.Fatalf("exists after delete: %t %v", ok, err)
	}
}

func testAppendOffsets(t *testing.T, factory Factory) {
	ctx := context.Background()
	m, _ := factory(t)
	mustCreate(t, m, "s1", 2)
	var last domain.LogOffset
	for i := 0; i < 5; i++ {
		off, err := m.Append(ctx, "s1", 1, domain.NewRecord(fmt.Sprintf("k%d", i), []byte("v")))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if off.Partition != (domain.LogPartition{Name: "s1", Partition: 1}) {
			t.Fatalf("unexpected partition %s", off.Partition)
		}
		if i > 0 && off.Compare(last) <= 0 {
			t.Fatalf("offset %s not after %s", off, last)
		}
		last = off
	}
	off, err := stream.AppendKey(ctx, m, "s1", domain.NewRecord("routed", nil))
	if err != nil {
		t.Fatalf("append key: %v", err)
	}
	again, err := stream.AppendKey(ctx, m, "s1", domain.NewRecord("routed", nil))
	if err != nil || again.Partition != off.Partition {
		t.Fatalf("same key must land on the same partition: %s %s %v", off, again, err)
	}
}

func testTailerCommit(t *testing.T, factory Factory) {
	ctx := context.Background()
	m, _ := factory(t)
	mustCreate(t, m, "s1", 1)
	p := domain.LogPartition{Name: "s1", Partition: 0}
	for i := 0; i < 4; i++ {
		mustAppend(t, m, p, fmt.Sprintf("k%d", i))
	}

	tailer, err := m.CreateTailer(ctx, "g1", p)
	if err != nil {
		t.Fatalf("create tailer: %v", err)
	}
	for i := 0; i < 2; i++ {
		rec := mustRead(t, tailer)
		if rec.Record.Key != fmt.Sprintf("k%d", i) || rec.Offset.Partition != p {
			t.Fatalf("unexpected record %d: %s at %s", i, rec.Record, rec.Offset)
		}
	}
	if err := tailer.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	lag, err := m.Lag(ctx, "s1", "g1")
	if err != nil || lag.Lag != 2 {
		t.Fatalf("lag after commit: %s %v", lag, err)
	}
	if err := tailer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !tailer.Closed() {
		t.Fatalf("tailer should report closed")
	}

	resumed, err := m.CreateTailer(ctx, "g1", p)
	if err != nil {
		t.Fatalf("create tailer: %v", err)
	}
	defer resumed.Close()
	if rec := mustRead(t, resumed); rec.Record.Key != "k2" {
		t.Fatalf("resume should start after the checkpoint, got %s", rec.Record)
	}
	if rec := mustRead(t, resumed); rec.Record.Key != "k3" {
		t.Fatalf("expected k3, got %s", rec.Record)
	}

	other, err := m.CreateTailer(ctx, "g2", p)
	if err != nil {
		t.Fatalf("create tailer: %v", err)
	}
	defer other.Close()
	if rec := mustRead(t, other); rec.Record.Key != "k0" {
		t.Fatalf("a fresh group starts at the beginning, got %s", rec.Record)
	}
}

func testReadTimeout(t *testing.T, factory Factory) {
	ctx := context.Background()
	m, _ := factory(t)
	mustCreate(t, m, "s1", 1)
	p := domain.LogPartition{Name: "s1", Partition: 0}
	tailer, err := m.CreateTailer(ctx, "g1", p)
	if err != nil {
		t.Fatalf("create tailer: %v", err)
	}
	defer tailer.Close()
	rec, err := tailer.Read(ctx, 50*time.Millisecond)
	if err != nil || rec != nil {
		t.Fatalf("empty partition should time out quietly, got %v %v", rec, err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = m.Append(context.Background(), "s1", 0, domain.NewRecord("late", nil))
	}()
	if rec := mustRead(t, tailer); rec.Record.Key != "late" {
		t.Fatalf("expected late record, got %s", rec.Record)
	}
}

func testSeek(t *testing.T, factory Factory) {
	ctx := context.Background()
	m, _ := factory(t)
	mustCreate(t, m, "s1", 1)
	p := domain.LogPartition{Name: "s1", Partition: 0}
	var offsets []domain.LogOffset
	for i := 0; i < 3; i++ {
		offsets = append(offsets, mustAppend(t, m, p, fmt.Sprintf("k%d", i)))
	}
	tailer, err := m.CreateTailer(ctx, "g1", p)
	if err != nil {
		t.Fatalf("create tailer: %v", err)
	}
	defer tailer.Close()
	if err := tailer.Seek(ctx, offsets[2]); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if rec := mustRead(t, tailer); rec.Record.Key != "k2" {
		t.Fatalf("expected k2 after seek, got %s", rec.Record)
	}
	if err := tailer.ToStart(ctx); err != nil {
		t.Fatalf("to start: %v", err)
	}
	if rec := mustRead(t, tailer); rec.Record.Key != "k0" {
		t.Fatalf("expected k0 after rewind, got %s", rec.Record)
	}
	if err := tailer.ToEnd(ctx); err != nil {
		t.Fatalf("to end: %v", err)
	}
	if rec, err := tailer.Read(ctx, 50*time.Millisecond); err != nil || rec != nil {
		t.Fatalf("expected nothing at end, got %v %v", rec, err)
	}
	if err := tailer.ToLastCommitted(ctx); err != nil {
		t.Fatalf("to last committed: %v", err)
	}
	if rec := mustRead(t, tailer); rec.Record.Key != "k0" {
		t.Fatalf("expected k0 from uncommitted group, got %s", rec.Record)
	}
}

func testErrors(t *testing.T, factory Factory) {
	ctx := context.Background()
	m, _ := factory(t)
	if _, err := m.Append(ctx, "missing", 0, domain.NewRecord("k", nil)); !errors.Is(err, stream.ErrUnknownStream) {
		t.Fatalf("expected unknown stream, got %v", err)
	}
	if _, err := m.PartitionCount(ctx, "missing"); !errors.Is(err, stream.ErrUnknownStream) {
		t.Fatalf("expected unknown stream, got %v", err)
	}
	mustCreate(t, m, "s1", 2)
	if _, err := m.Append(ctx, "s1", 2, domain.NewRecord("k", nil)); !errors.Is(err, stream.ErrInvalidPartition) {
		t.Fatalf("expected invalid partition, got %v", err)
	}
}

func testReopen(t *testing.T, factory Factory) {
	ctx := context.Background()
	m, reopen := factory(t)
	if reopen == nil {
		t.Skip("backend keeps no state across instances")
	}
	mustCreate(t, m, "s1", 1)
	p := domain.LogPartition{Name: "s1", Partition: 0}
	mustAppend(t, m, p, "k0")
	mustAppend(t, m, p, "k1")
	tailer, err := m.CreateTailer(ctx, "g1", p)
	if err != nil {
		t.Fatalf("create tailer: %v", err)
	}
	mustRead(t, tailer)
	if err := tailer.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	_ = tailer.Close()
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	m2 := reopen()
	defer m2.Close()
	n, err := m2.PartitionCount(ctx, "s1")
	if err != nil || n != 1 {
		t.Fatalf("stream lost on reopen: %d %v", n, err)
	}
	resumed, err := m2.CreateTailer(ctx, "g1", p)
	if err != nil {
		t.Fatalf("create tailer: %v", err)
	}
	defer resumed.Close()
	if rec := mustRead(t, resumed); rec.Record.Key != "k1" {
		t.Fatalf("expected k1 after reopen, got %s", rec.Record)
	}
}

func mustCreate(t *testing.T, m stream.Manager, name string, partitions int) {
	t.Helper()
	if _, err := m.CreateStream(context.Background(), name, partitions); err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
}

func mustAppend(t *testing.T, m stream.Manager, p domain.LogPartition, key string) domain.LogOffset {
	t.Helper()
	off, err := m.Append(context.Background(), p.Name, p.Partition, domain.NewRecord(key, []byte(key)))
	if err != nil {
		t.Fatalf("append %s: %v", key, err)
	}
	return off
}

func mustRead(t *testing.T, tailer stream.Tailer) *domain.LogRecord {
	t.Helper()
	rec, err := tailer.Read(context.Background(), readTimeout)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec == nil {
		t.Fatalf("read timed out")
	}
	return rec
}
