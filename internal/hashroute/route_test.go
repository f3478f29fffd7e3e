package hashroute

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"testing/quick"
	"time"
)

func TestPartitionForKeyDeterministic(t *testing.T) {
	keys := []string{"doc-45", "  Doc-45 ", "550e8400-e29b-41d4-a716-446655440000", "commandId:10"}
	for _, key := range keys {
		p1 := PartitionForKey(key, 8)
		p2 := PartitionForKey(key, 8)
		if p1 != p2 {
			t.Fatalf("partition should be deterministic for %q", key)
		}
		if p1 < 0 || p1 >= 8 {
			t.Fatalf("partition out of range for %q: %d", key, p1)
		}
	}
}

func TestPartitionForKeySinglePartition(t *testing.T) {
	for _, n := range []int{-1, 0, 1} {
		if got := PartitionForKey("anything", n); got != 0 {
			t.Fatalf("partitions=%d: got %d, want 0", n, got)
		}
	}
}

func TestPartitionRangeProperty(t *testing.T) {
	cfg := &quick.Config{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
	if err := quick.Check(func(s string, n uint8) bool {
		partitions := int(n%32) + 1
		p := PartitionForKey(s, partitions)
		return p >= 0 && p < partitions
	}, cfg); err != nil {
		t.Fatalf("partition property failed: %v", err)
	}
}

type countingCounter struct {
	counts map[string]int
	calls  int
	err    error
}

func (c *countingCounter) PartitionCount(_ context.Context, stream string) (int, error) {
	c.calls++
	if c.err != nil {
		return 0, c.err
	}
	return c.counts[stream], nil
}

func TestRouterPinsPartitionCount(t *testing.T) {
	counter := &countingCounter{counts: map[string]int{"s1": 4}}
	r := NewRouter(counter)

	first, err := r.Route(context.Background(), "s1", "k1")
	if err != nil {
		t.Fatal(err)
	}
	counter.counts["s1"] = 16
	second, err := r.Route(context.Background(), "s1", "k1")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("route changed from %s to %s", first, second)
	}
	if counter.calls != 1 {
		t.Fatalf("expected one lookup, got %d", counter.calls)
	}

	r.Forget("s1")
	if _, err := r.Route(context.Background(), "s1", "k1"); err != nil {
		t.Fatal(err)
	}
	if counter.calls != 2 {
		t.Fatalf("expected lookup after forget, got %d", counter.calls)
	}
}

func TestRouterRejectsEmptyStream(t *testing.T) {
	r := NewRouter(&countingCounter{counts: map[string]int{}})
	if _, err := r.Route(context.Background(), "missing", "k"); err == nil {
		t.Fatalf("expected error for stream without partitions")
	}
	boom := errors.New("boom")
	r = NewRouter(&countingCounter{err: boom})
	if _, err := r.Route(context.Background(), "s", "k"); !errors.Is(err, boom) {
		t.Fatalf("expected counter error, got %v", err)
	}
}
