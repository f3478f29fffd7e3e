package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"cascade/internal/domain"
	"cascade/internal/stream"
)

const maxPollRecords = 256

type tailer struct {
	m        *Manager
	client   *kgo.Client
	group    string
	parts    []domain.LogPartition
	position map[domain.LogPartition]int64
	buffered []*kgo.Record
	closed   bool
}

func (t *tailer) Group() string { return t.group }

func (t *tailer) Assignments() []domain.LogPartition {
	return append([]domain.LogPartition(nil), t.parts...)
}

func (t *tailer) partitionOf(r *kgo.Record) domain.LogPartition {
	return domain.LogPartition{Name: r.Topic[len(t.m.cfg.TopicPrefix):], Partition: int(r.Partition)}
}

func (t *tailer) Read(ctx context.Context, timeout time.Duration) (*domain.LogRecord, error) {
	if t.closed {
		return nil, stream.ErrTailerClosed
	}
	if len(t.buffered) == 0 {
		pollCtx, cancel := context.WithTimeout(ctx, timeout)
		fetches := t.client.PollRecords(pollCtx, maxPollRecords)
		cancel()
		if fetches.IsClientClosed() {
			return nil, stream.ErrTailerClosed
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
				continue
			}
			return nil, fmt.Errorf("fetch %s/%d: %w", fe.Topic, fe.Partition, fe.Err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fetches.EachRecord(func(r *kgo.Record) {
			t.buffered = append(t.buffered, r)
		})
	}
	for len(t.buffered) > 0 {
		r := t.buffered[0]
		t.buffered = t.buffered[1:]
		p := t.partitionOf(r)
		if r.Offset < t.position[p] {
			continue
		}
		rec, err := t.m.cfg.Codec.Decode(r.Value)
		if err != nil {
			return nil, fmt.Errorf("decode %s at %d: %w", p, r.Offset, err)
		}
		t.position[p] = r.Offset + 1
		return &domain.LogRecord{Offset: domain.LogOffset{Partition: p, Offset: r.Offset}, Record: rec}, nil
	}
	return nil, nil
}

func (t *tailer) Commit(ctx context.Context) error {
	if t.closed {
		return stream.ErrTailerClosed
	}
	return t.m.commit(ctx, t.group, t.position)
}

func (t *tailer) CommitPartition(ctx context.Context, p domain.LogPartition) error {
	if t.closed {
		return stream.ErrTailerClosed
	}
	pos, ok := t.position[p]
	if !ok {
		return fmt.Errorf("%w: %s", stream.ErrNotAssigned, p)
	}
	return t.m.commit(ctx, t.group, map[domain.LogPartition]int64{p: pos})
}

func (t *tailer) seek(positions map[domain.LogPartition]int64) {
	set := map[string]map[int32]kgo.EpochOffset{}
	for p, at := range positions {
		t.position[p] = at
		topic := t.m.topic(p.Name)
		if set[topic] == nil {
			set[topic] = map[int32]kgo.EpochOffset{}
		}
		set[topic][int32(p.Partition)] = kgo.EpochOffset{Epoch: -1, Offset: at}
	}
	t.buffered = nil
	t.client.SetOffsets(set)
}

func (t *tailer) ToStart(context.Context) error {
	positions := map[domain.LogPartition]int64{}
	for _, p := range t.parts {
		positions[p] = 0
	}
	t.seek(positions)
	return nil
}

func (t *tailer) ToEnd(ctx context.Context) error {
	positions := map[domain.LogPartition]int64{}
	for _, p := range t.parts {
		ends, err := t.m.admin.ListEndOffsets(ctx, t.m.topic(p.Name))
		if err != nil {
			return err
		}
		lo, ok := ends.Lookup(t.m.topic(p.Name), int32(p.Partition))
		if !ok {
			return stream.InvalidPartitionError(p.Name, p.Partition, 0)
		}
		if lo.Err != nil {
			return lo.Err
		}
		positions[p] = lo.Offset
	}
	t.seek(positions)
	return nil
}

func (t *tailer) ToLastCommitted(ctx context.Context) error {
	committed, err := t.m.committed(ctx, t.group)
	if err != nil {
		return err
	}
	positions := map[domain.LogPartition]int64{}
	for _, p := range t.parts {
		positions[p] = committed[p]
	}
	t.seek(positions)
	return nil
}

func (t *tailer) Seek(_ context.Context, offset domain.LogOffset) error {
	if _, ok := t.position[offset.Partition]; !ok {
		return fmt.Errorf("%w: %s", stream.ErrNotAssigned, offset.Partition)
	}
	t.seek(map[domain.LogPartition]int64{offset.Partition: offset.Offset})
	return nil
}

func (t *tailer) Close() error {
	if !t.closed {
		t.closed = true
		t.client.Close()
	}
	return nil
}

func (t *tailer) Closed() bool { return t.closed }
