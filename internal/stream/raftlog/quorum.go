package raftlog

// QuorumSize returns the number of voters needed to commit in a cluster of n.
func QuorumSize(n int) int {
	if n <= 0 {
		return 0
	}
	return n/2 + 1
}
