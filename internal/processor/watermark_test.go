package processor

import (
	"math/rand"
	"sort"
	"testing"
	"testing/quick"
	"time"

	"github.com/stretchr/testify/require"

	"cascade/internal/domain"
)

func TestWatermarkIsMonotonic(t *testing.T) {
	cfg := &quick.Config{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
	err := quick.Check(func(sources []uint32, pendings []uint32, checkpoints []bool) bool {
		src := make([]int64, len(sources))
		for i, s := range sources {
			src[i] = int64(s) << 1
		}
		sort.Slice(src, func(i, j int) bool { return src[i] < src[j] })

		var w watermarkTracker
		prev := int64(0)
		for i, s := range src {
			var pending int64
			if i < len(pendings) {
				pending = int64(pendings[i])
			}
			got := w.update(s, pending)
			if i < len(checkpoints) && checkpoints[i] {
				got = w.checkpointed(s)
			}
			if got < prev {
				return false
			}
			prev = got
		}
		return true
	}, cfg)
	require.NoError(t, err)
}

func TestWatermarkUsesLowestPending(t *testing.T) {
	var w watermarkTracker
	require.Equal(t, int64(10), w.update(20, 10))
	require.Equal(t, int64(20), w.update(20, 0))
	require.Equal(t, int64(20), w.update(30, 15))
	require.Equal(t, int64(41), w.checkpointed(40))
	require.Equal(t, int64(41), w.checkpointed(domain.LowestWatermark))
}

func TestIsDoneAgainstCompletedWatermark(t *testing.T) {
	ts := time.Now().UnixMilli()
	var w watermarkTracker
	w.update(domain.WatermarkOfTimestamp(ts, 3).Value(), 0)
	require.Less(t, w.value(), domain.CompletedWatermark(ts+1))
	w.checkpointed(domain.WatermarkOfTimestamp(ts, 3).Value())
	require.GreaterOrEqual(t, w.value(), domain.CompletedWatermark(ts))
}
