package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cascade/internal/domain"
	"cascade/internal/stream"
)

// Tailer reads a Store. Commits go through commit so that replicated
// backends can order them with appends.
type Tailer struct {
	store    *Store
	group    string
	parts    []domain.LogPartition
	position map[domain.LogPartition]int64
	commit   CommitFunc
	next     int
	closed   bool
}

func NewTailer(store *Store, group string, commit CommitFunc, partitions ...domain.LogPartition) (*Tailer, error) {
	if len(partitions) == 0 {
		return nil, fmt.Errorf("tailer %s: no partition to read", group)
	}
	t := &Tailer{store: store, group: group, commit: commit, position: make(map[domain.LogPartition]int64, len(partitions))}
	for _, p := range partitions {
		if _, err := store.End(p); err != nil {
			return nil, err
		}
		if _, dup := t.position[p]; dup {
			continue
		}
		t.parts = append(t.parts, p)
		t.position[p] = store.Committed(group, p)
	}
	return t, nil
}

func (t *Tailer) Group() string { return t.group }

func (t *Tailer) Assignments() []domain.LogPartition {
	return append([]domain.LogPartition(nil), t.parts...)
}

// Read round robins over partitions so a busy partition does not starve the others.
func (t *Tailer) Read(ctx context.Context, timeout time.Duration) (*domain.LogRecord, error) {
	if t.closed {
		return nil, stream.ErrTailerClosed
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		var wait <-chan struct{}
		for i := 0; i < len(t.parts); i++ {
			p := t.parts[(t.next+i)%len(t.parts)]
			rec, changed, err := t.store.At(p, t.position[p])
			if err != nil {
				return nil, err
			}
			if rec != nil {
				t.position[p]++
				t.next = (t.next + i + 1) % len(t.parts)
				return rec, nil
			}
			wait = changed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wait:
		}
	}
}

func (t *Tailer) Commit(ctx context.Context) error {
	var errs []error
	for _, p := range t.parts {
		if err := t.CommitPartition(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Tailer) CommitPartition(ctx context.Context, p domain.LogPartition) error {
	if t.closed {
		return stream.ErrTailerClosed
	}
	pos, ok := t.position[p]
	if !ok {
		return fmt.Errorf("%w: %s", stream.ErrNotAssigned, p)
	}
	return t.commit(ctx, t.group, p, pos)
}

func (t *Tailer) ToStart(context.Context) error {
	for _, p := range t.parts {
		t.position[p] = 0
	}
	return nil
}

func (t *Tailer) ToEnd(context.Context) error {
	for _, p := range t.parts {
		end, err := t.store.End(p)
		if err != nil {
			return err
		}
		t.position[p] = end
	}
	return nil
}

func (t *Tailer) ToLastCommitted(context.Context) error {
	for _, p := range t.parts {
		t.position[p] = t.store.Committed(t.group, p)
	}
	return nil
}

func (t *Tailer) Seek(_ context.Context, offset domain.LogOffset) error {
	if _, ok := t.position[offset.Partition]; !ok {
		return fmt.Errorf("%w: %s", stream.ErrNotAssigned, offset.Partition)
	}
	t.position[offset.Partition] = offset.Offset
	return nil
}

func (t *Tailer) Close() error {
	t.closed = true
	return nil
}

func (t *Tailer) Closed() bool { return t.closed }
