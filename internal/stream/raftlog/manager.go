package raftlog

import (
	"context"
	"fmt"
	"time"

	"cascade/internal/domain"
	"cascade/internal/stream"
	"cascade/internal/stream/memory"
)

// Manager is the stream.Manager of one raft node.
type Manager struct {
	node *node
}

var _ stream.Manager = (*Manager)(nil)

func NewManager(cfg Config) (*Manager, error) {
	n, err := newNode(cfg)
	if err != nil {
		return nil, err
	}
	return &Manager{node: n}, nil
}

func (m *Manager) IsLeader() bool { return m.node.isLeader() }

func (m *Manager) Leader() uint64 { return m.node.leader() }

// HasQuorum reports whether the leader can still reach a majority.
func (m *Manager) HasQuorum() bool {
	return m.node.activeVoters() >= QuorumSize(len(m.node.cfg.PeerAddresses))
}

// WaitReady blocks until a leader is known. On the leader it also waits for
// every command committed before it to be applied locally.
func (m *Manager) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(m.node.cfg.TickInterval)
	defer ticker.Stop()
	for m.node.leader() == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	if !m.node.isLeader() {
		return nil
	}
	_, err := m.node.propose(ctx, Command{Op: OpNoop})
	return err
}

func (m *Manager) Close() error { return m.node.stop() }

func (m *Manager) CreateStream(ctx context.Context, name string, partitions int) (bool, error) {
	if partitions <= 0 {
		partitions = 1
	}
	res, err := m.node.propose(ctx, Command{Op: OpCreate, Stream: name, Partitions: partitions})
	return res.changed, err
}

func (m *Manager) DeleteStream(ctx context.Context, name string) (bool, error) {
	res, err := m.node.propose(ctx, Command{Op: OpDelete, Stream: name})
	return res.changed, err
}

func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return m.node.store.Exists(name), nil
}

func (m *Manager) PartitionCount(ctx context.Context, name string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return m.node.store.PartitionCount(name)
}

func (m *Manager) Append(ctx context.Context, name string, partition int, rec domain.Record) (domain.LogOffset, error) {
	n, err := m.node.store.PartitionCount(name)
	if err != nil {
		return domain.LogOffset{}, err
	}
	if partition < 0 || partition >= n {
		return domain.LogOffset{}, stream.InvalidPartitionError(name, partition, n)
	}
	res, err := m.node.propose(ctx, Command{Op: OpAppend, Stream: name, Partition: partition, Record: entryOf(rec)})
	return res.offset, err
}

func (m *Manager) CreateTailer(ctx context.Context, group string, partitions ...domain.LogPartition) (stream.Tailer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return memory.NewTailer(m.node.store, group, m.commit, partitions...)
}

func (m *Manager) commit(ctx context.Context, group string, p domain.LogPartition, next int64) error {
	_, err := m.node.propose(ctx, Command{Op: OpCommit, Stream: p.Name, Partition: p.Partition, Group: group, Next: next})
	return err
}

func (m *Manager) Lag(ctx context.Context, name, group string) (domain.LogLag, error) {
	lags, err := m.LagPerPartition(ctx, name, group)
	if err != nil {
		return domain.LogLag{}, err
	}
	return domain.LagOfPartitions(lags), nil
}

func (m *Manager) LagPerPartition(ctx context.Context, name, group string) ([]domain.LogLag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.node.store.LagPerPartition(name, group)
}

func partitionOf(cmd Command) domain.LogPartition {
	return domain.LogPartition{Name: cmd.Stream, Partition: cmd.Partition}
}

func (m *Manager) String() string {
	return fmt.Sprintf("raftlog{node=%d, leader=%d}", m.node.cfg.NodeID, m.node.leader())
}
