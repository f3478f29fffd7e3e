package memory

import (
	"context"
	"sync/atomic"

	"cascade/internal/domain"
	"cascade/internal/stream"
)

// Manager is a stream.Manager over a Store. Nothing survives the process but
// a restarted processor sharing the Manager resumes from committed offsets.
type Manager struct {
	store  *Store
	closed atomic.Bool
}

var _ stream.Manager = (*Manager)(nil)

func NewManager() *Manager { return &Manager{store: NewStore()} }

func (m *Manager) Store() *Store { return m.store }

func (m *Manager) check(ctx context.Context) error {
	if m.closed.Load() {
		return stream.ErrClosed
	}
	return ctx.Err()
}

func (m *Manager) CreateStream(ctx context.Context, name string, partitions int) (bool, error) {
	if err := m.check(ctx); err != nil {
		return false, err
	}
	return m.store.Create(name, partitions), nil
}

func (m *Manager) DeleteStream(ctx context.Context, name string) (bool, error) {
	if err := m.check(ctx); err != nil {
		return false, err
	}
	return m.store.Delete(name), nil
}

func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	if err := m.check(ctx); err != nil {
		return false, err
	}
	return m.store.Exists(name), nil
}

func (m *Manager) PartitionCount(ctx context.Context, name string) (int, error) {
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	return m.store.PartitionCount(name)
}

func (m *Manager) Append(ctx context.Context, name string, partition int, rec domain.Record) (domain.LogOffset, error) {
	if err := m.check(ctx); err != nil {
		return domain.LogOffset{}, err
	}
	return m.store.Append(name, partition, rec)
}

func (m *Manager) CreateTailer(ctx context.Context, group string, partitions ...domain.LogPartition) (stream.Tailer, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	return NewTailer(m.store, group, m.commit, partitions...)
}

func (m *Manager) commit(ctx context.Context, group string, p domain.LogPartition, next int64) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	return m.store.Commit(group, p, next)
}

func (m *Manager) Lag(ctx context.Context, name, group string) (domain.LogLag, error) {
	lags, err := m.LagPerPartition(ctx, name, group)
	if err != nil {
		return domain.LogLag{}, err
	}
	return domain.LagOfPartitions(lags), nil
}

func (m *Manager) LagPerPartition(ctx context.Context, name, group string) ([]domain.LogLag, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	return m.store.LagPerPartition(name, group)
}

func (m *Manager) Close() error {
	m.closed.Store(true)
	return nil
}
