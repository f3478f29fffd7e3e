package domain

import (
	"math/rand"
	"testing"
	"testing/quick"
	"time"
)

func TestWatermarkValueRoundTrip(t *testing.T) {
	cfg := &quick.Config{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
	if err := quick.Check(func(ms uint32, seq uint16, completed bool) bool {
		w := WatermarkOfTimestamp(int64(ms), seq&maxSequence)
		w.Completed = completed
		return WatermarkOfValue(w.Value()) == w
	}, cfg); err != nil {
		t.Fatalf("watermark round trip failed: %v", err)
	}
}

func TestWatermarkOrdering(t *testing.T) {
	a := WatermarkOfTimestamp(1000, 0).Value()
	b := WatermarkOfTimestamp(1000, 3).Value()
	c := CompletedWatermark(1000)
	d := WatermarkOfTimestamp(1001, 0).Value()
	if !(a < b && a < c && b > c && b < d && c < d) {
		t.Fatalf("unexpected ordering a=%d b=%d c=%d d=%d", a, b, c, d)
	}
	if !WatermarkOfValue(c).Completed {
		t.Fatalf("completed bit lost")
	}
}

func TestLogOffsetCompare(t *testing.T) {
	p := LogPartition{Name: "s1", Partition: 2}
	o1 := LogOffset{Partition: p, Offset: 4}
	if o1.Compare(o1.Next()) != -1 || o1.Next().Compare(o1) != 1 || o1.Compare(o1) != 0 {
		t.Fatalf("unexpected compare results")
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic comparing different partitions")
		}
	}()
	o1.Compare(LogOffset{Partition: LogPartition{Name: "s1", Partition: 3}})
}

func TestLagOfPartitions(t *testing.T) {
	got := LagOfPartitions([]LogLag{LagOf(1, 4), LagOf(0, 0), LagOf(5, 3)})
	if got.Lag != 3 || got.LowerOffset != 6 || got.UpperOffset != 7 {
		t.Fatalf("unexpected lag: %s", got)
	}
}

func TestFlagHas(t *testing.T) {
	f := FlagDefault | FlagTrace
	if !f.Has(FlagTrace) || f.Has(FlagCommit) {
		t.Fatalf("unexpected flag test for %d", f)
	}
}
