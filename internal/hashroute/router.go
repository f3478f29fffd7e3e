package hashroute

import (
	"context"
	"fmt"
	"sync"

	"cascade/internal/domain"
)

// PartitionCounter resolves the number of partitions of a stream.
type PartitionCounter interface {
	PartitionCount(ctx context.Context, stream string) (int, error)
}

// Router pins the partition count of a stream at first lookup so that a key
// keeps landing on the same partition for the lifetime of the router.
type Router struct {
	counter PartitionCounter

	mu     sync.RWMutex
	counts map[string]int
}

func NewRouter(counter PartitionCounter) *Router {
	return &Router{counter: counter, counts: make(map[string]int)}
}

func (r *Router) Route(ctx context.Context, stream, key string) (domain.LogPartition, error) {
	n, err := r.partitions(ctx, stream)
	if err != nil {
		return domain.LogPartition{}, err
	}
	return domain.LogPartition{Name: stream, Partition: PartitionForKey(key, n)}, nil
}

func (r *Router) partitions(ctx context.Context, stream string) (int, error) {
	r.mu.RLock()
	n, ok := r.counts[stream]
	r.mu.RUnlock()
	if ok {
		return n, nil
	}

	n, err := r.counter.PartitionCount(ctx, stream)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("stream %q has no partition", stream)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.counts[stream]; ok {
		return existing, nil
	}
	r.counts[stream] = n
	return n, nil
}

// Forget drops the pinned count, used after a stream is deleted.
func (r *Router) Forget(stream string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.counts, stream)
}
