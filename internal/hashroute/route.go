package hashroute

import (
	"hash/fnv"
)

// PartitionForKey computes deterministic partition assignment.
// partition = fnv1a(key) % partitions
func PartitionForKey(key string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum64() % uint64(partitions))
}
