// Package stream is the gateway to the partitioned log provider.
//
// Every backend (memory, sqlite, kafka, raft) implements Manager. Appends are
// durable once they return; a Tailer reads records of its assigned partitions
// in append order and commits the position of the next record to read.
package stream

import (
	"context"
	"time"

	"cascade/internal/domain"
)

// Manager is safe for concurrent use across partitions.
type Manager interface {
	// CreateStream is idempotent: it returns false when the stream already exists,
	// in which case the existing partition count is kept.
	CreateStream(ctx context.Context, name string, partitions int) (bool, error)
	// DeleteStream is idempotent: it returns false when the stream does not exist.
	DeleteStream(ctx context.Context, name string) (bool, error)
	Exists(ctx context.Context, name string) (bool, error)
	PartitionCount(ctx context.Context, name string) (int, error)

	// Append blocks until the record is durable. Offsets returned for a
	// partition are strictly increasing.
	Append(ctx context.Context, name string, partition int, rec domain.Record) (domain.LogOffset, error)

	// CreateTailer opens a reader for the given partitions positioned on the
	// last committed offset of the group.
	CreateTailer(ctx context.Context, group string, partitions ...domain.LogPartition) (Tailer, error)

	Lag(ctx context.Context, name, group string) (domain.LogLag, error)
	LagPerPartition(ctx context.Context, name, group string) ([]domain.LogLag, error)

	Close() error
}

// Tailer is used by a single goroutine.
type Tailer interface {
	Group() string
	Assignments() []domain.LogPartition

	// Read returns nil without error when no record arrives within timeout.
	Read(ctx context.Context, timeout time.Duration) (*domain.LogRecord, error)

	// Commit persists the current position of every assigned partition.
	Commit(ctx context.Context) error
	CommitPartition(ctx context.Context, partition domain.LogPartition) error

	ToStart(ctx context.Context) error
	ToEnd(ctx context.Context) error
	ToLastCommitted(ctx context.Context) error
	Seek(ctx context.Context, offset domain.LogOffset) error

	Close() error
	Closed() bool
}

// AppendKey routes rec by its key over the partitions of the stream.
func AppendKey(ctx context.Context, m Manager, name string, rec domain.Record) (domain.LogOffset, error) {
	n, err := m.PartitionCount(ctx, name)
	if err != nil {
		return domain.LogOffset{}, err
	}
	return m.Append(ctx, name, partitionFor(rec.Key, n), rec)
}

// AllPartitions lists the partitions of a stream.
func AllPartitions(ctx context.Context, m Manager, name string) ([]domain.LogPartition, error) {
	n, err := m.PartitionCount(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make([]domain.LogPartition, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.LogPartition{Name: name, Partition: i})
	}
	return out, nil
}
