// Package memory keeps streams in process memory. Store is also the state
// machine the raft backend applies committed commands to.
package memory

import (
	"context"
	"sync"

	"cascade/internal/domain"
	"cascade/internal/stream"
)

type partition struct {
	records []domain.Record
}

type commitKey struct {
	group     string
	partition domain.LogPartition
}

type Store struct {
	mu      sync.RWMutex
	streams map[string][]*partition
	commits map[commitKey]int64
	changed chan struct{}
}

func NewStore() *Store {
	return &Store{streams: map[string][]*partition{}, commits: map[commitKey]int64{}, changed: make(chan struct{})}
}

func (s *Store) Create(name string, partitions int) bool {
	if partitions <= 0 {
		partitions = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[name]; ok {
		return false
	}
	ps := make([]*partition, partitions)
	for i := range ps {
		ps[i] = &partition{}
	}
	s.streams[name] = ps
	s.notifyLocked()
	return true
}

func (s *Store) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[name]; !ok {
		return false
	}
	delete(s.streams, name)
	for k := range s.commits {
		if k.partition.Name == name {
			delete(s.commits, k)
		}
	}
	s.notifyLocked()
	return true
}

func (s *Store) Exists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.streams[name]
	return ok
}

func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.streams))
	for name := range s.streams {
		out = append(out, name)
	}
	return out
}

func (s *Store) PartitionCount(name string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.streams[name]
	if !ok {
		return 0, stream.UnknownStreamError(name)
	}
	return len(ps), nil
}

func (s *Store) partitionLocked(p domain.LogPartition) (*partition, error) {
	ps, ok := s.streams[p.Name]
	if !ok {
		return nil, stream.UnknownStreamError(p.Name)
	}
	if p.Partition < 0 || p.Partition >= len(ps) {
		return nil, stream.InvalidPartitionError(p.Name, p.Partition, len(ps))
	}
	return ps[p.Partition], nil
}

func (s *Store) Append(name string, part int, rec domain.Record) (domain.LogOffset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lp := domain.LogPartition{Name: name, Partition: part}
	p, err := s.partitionLocked(lp)
	if err != nil {
		return domain.LogOffset{}, err
	}
	rec.Data = append([]byte(nil), rec.Data...)
	p.records = append(p.records, rec)
	s.notifyLocked()
	return domain.LogOffset{Partition: lp, Offset: int64(len(p.records) - 1)}, nil
}

// Commit stores the position of the next record to read for a group.
func (s *Store) Commit(group string, p domain.LogPartition, next int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.partitionLocked(p); err != nil {
		return err
	}
	s.commits[commitKey{group: group, partition: p}] = next
	return nil
}

// Committed returns 0 for a group that never committed.
func (s *Store) Committed(group string, p domain.LogPartition) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits[commitKey{group: group, partition: p}]
}

func (s *Store) End(p domain.LogPartition) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	part, err := s.partitionLocked(p)
	if err != nil {
		return 0, err
	}
	return int64(len(part.records)), nil
}

// At returns the record at offset if present. Otherwise it returns a channel
// closed on the next change of the store.
func (s *Store) At(p domain.LogPartition, offset int64) (*domain.LogRecord, <-chan struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	part, err := s.partitionLocked(p)
	if err != nil {
		return nil, nil, err
	}
	if offset >= 0 && offset < int64(len(part.records)) {
		return &domain.LogRecord{Offset: domain.LogOffset{Partition: p, Offset: offset}, Record: part.records[offset]}, nil, nil
	}
	return nil, s.changed, nil
}

func (s *Store) Changed() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}

func (s *Store) LagPerPartition(name, group string) ([]domain.LogLag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.streams[name]
	if !ok {
		return nil, stream.UnknownStreamError(name)
	}
	out := make([]domain.LogLag, len(ps))
	for i, p := range ps {
		lower := s.commits[commitKey{group: group, partition: domain.LogPartition{Name: name, Partition: i}}]
		out[i] = domain.LagOf(lower, int64(len(p.records)))
	}
	return out, nil
}

func (s *Store) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// CommitFunc persists a group position; backends plug their replication here.
type CommitFunc func(ctx context.Context, group string, p domain.LogPartition, next int64) error
