package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cascade/internal/domain"
	"cascade/internal/stream"
)

const readBatch = 128

type tailer struct {
	m        *Manager
	group    string
	parts    []domain.LogPartition
	position map[domain.LogPartition]int64
	buffered map[domain.LogPartition][]domain.LogRecord
	next     int
	closed   bool
}

func (t *tailer) Group() string { return t.group }

func (t *tailer) Assignments() []domain.LogPartition {
	return append([]domain.LogPartition(nil), t.parts...)
}

func (t *tailer) Read(ctx context.Context, timeout time.Duration) (*domain.LogRecord, error) {
	if t.closed {
		return nil, stream.ErrTailerClosed
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		changed := t.m.changes()
		rec, err := t.poll(ctx)
		if err != nil || rec != nil {
			return rec, err
		}
		poll := time.NewTimer(t.m.cfg.PollInterval)
		select {
		case <-ctx.Done():
			poll.Stop()
			return nil, ctx.Err()
		case <-deadline.C:
			poll.Stop()
			return nil, nil
		case <-changed:
		case <-poll.C:
		}
		poll.Stop()
	}
}

func (t *tailer) poll(ctx context.Context) (*domain.LogRecord, error) {
	for i := 0; i < len(t.parts); i++ {
		idx := (t.next + i) % len(t.parts)
		p := t.parts[idx]
		if len(t.buffered[p]) == 0 {
			recs, err := t.m.readFrom(ctx, p, t.position[p], readBatch)
			if err != nil {
				return nil, err
			}
			t.buffered[p] = recs
		}
		if buf := t.buffered[p]; len(buf) > 0 {
			rec := buf[0]
			t.buffered[p] = buf[1:]
			t.position[p] = rec.Offset.Offset + 1
			t.next = (idx + 1) % len(t.parts)
			return &rec, nil
		}
	}
	return nil, nil
}

func (t *tailer) Commit(ctx context.Context) error {
	var errs []error
	for _, p := range t.parts {
		if err := t.CommitPartition(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *tailer) CommitPartition(ctx context.Context, p domain.LogPartition) error {
	if t.closed {
		return stream.ErrTailerClosed
	}
	pos, ok := t.position[p]
	if !ok {
		return fmt.Errorf("%w: %s", stream.ErrNotAssigned, p)
	}
	return t.m.commit(ctx, t.group, p, pos)
}

func (t *tailer) move(p domain.LogPartition, offset int64) {
	t.position[p] = offset
	delete(t.buffered, p)
}

func (t *tailer) ToStart(context.Context) error {
	for _, p := range t.parts {
		t.move(p, 0)
	}
	return nil
}

func (t *tailer) ToEnd(ctx context.Context) error {
	for _, p := range t.parts {
		end, err := t.m.end(ctx, p)
		if err != nil {
			return err
		}
		t.move(p, end)
	}
	return nil
}

func (t *tailer) ToLastCommitted(ctx context.Context) error {
	for _, p := range t.parts {
		next, err := t.m.committed(ctx, t.group, p)
		if err != nil {
			return err
		}
		t.move(p, next)
	}
	return nil
}

func (t *tailer) Seek(_ context.Context, offset domain.LogOffset) error {
	if _, ok := t.position[offset.Partition]; !ok {
		return fmt.Errorf("%w: %s", stream.ErrNotAssigned, offset.Partition)
	}
	t.move(offset.Partition, offset.Offset)
	return nil
}

func (t *tailer) Close() error {
	t.closed = true
	t.buffered = nil
	return nil
}

func (t *tailer) Closed() bool { return t.closed }
