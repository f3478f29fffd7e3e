package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"cascade/internal/domain"
	"cascade/internal/logger"
)

var (
	ErrUnknownMember   = errors.New("unknown group member")
	ErrDuplicateMember = errors.New("group member already joined")
)

// Assignment is the set of partitions a member owns for one generation.
// Before reading them the member must Wait for the previous owners to
// Release; a member that receives a newer Assignment releases the old one
// once its final checkpoint is written.
type Assignment struct {
	Generation int
	Member     string
	Partitions []domain.LogPartition

	group   *Group
	barrier chan struct{}
}

// Spare reports whether the member has nothing to read in this generation.
func (a Assignment) Spare() bool { return len(a.Partitions) == 0 }

func (a Assignment) Release() {
	if a.group != nil {
		a.group.release(a.Member, a.Generation)
	}
}

// Wait blocks until every member that owned partitions in an earlier
// generation released them.
func (a Assignment) Wait(ctx context.Context) error {
	if a.barrier == nil {
		return nil
	}
	select {
	case <-a.barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type barrier struct {
	generation int
	pending    map[string]struct{}
	done       chan struct{}
}

// Group is an in-process consumer group. Partitions are spread round-robin by
// partition index over the live members so that the same index of every input
// stream lands on the same member. Members reported as failed keep their
// partitions until they leave.
type Group struct {
	mu         sync.Mutex
	name       string
	partitions []domain.LogPartition
	members    []string
	failed     map[string]bool
	owned      map[string][]domain.LogPartition
	holding    map[string]int
	barriers   []*barrier
	chans      map[string]chan Assignment
	generation int
	closed     bool
	log        zerolog.Logger
}

func NewGroup(name string, partitions []domain.LogPartition, members ...string) (*Group, error) {
	g := &Group{
		name:       name,
		partitions: append([]domain.LogPartition(nil), partitions...),
		failed:     make(map[string]bool),
		owned:      make(map[string][]domain.LogPartition),
		holding:    make(map[string]int),
		chans:      make(map[string]chan Assignment),
		log:        logger.With("group").With().Str("group", name).Logger(),
	}
	sort.Slice(g.partitions, func(i, j int) bool {
		a, b := g.partitions[i], g.partitions[j]
		if a.Partition != b.Partition {
			return a.Partition < b.Partition
		}
		return a.Name < b.Name
	})
	for _, m := range members {
		if _, ok := g.chans[m]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMember, m)
		}
		g.members = append(g.members, m)
		g.chans[m] = make(chan Assignment, 1)
	}
	g.mu.Lock()
	g.rebalanceLocked()
	g.mu.Unlock()
	return g, nil
}

func (g *Group) Name() string { return g.name }

// Assignments delivers the latest assignment of a member. Only the most recent
// undelivered assignment is kept.
func (g *Group) Assignments(member string) (<-chan Assignment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.chans[member]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMember, member)
	}
	return ch, nil
}

func (g *Group) Join(member string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	if _, ok := g.chans[member]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMember, member)
	}
	g.members = append(g.members, member)
	g.chans[member] = make(chan Assignment, 1)
	g.rebalanceLocked()
	return nil
}

// Leave removes a member that stopped reading. Whatever it still held is
// considered released.
func (g *Group) Leave(member string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	if _, ok := g.chans[member]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMember, member)
	}
	for i, m := range g.members {
		if m == member {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	delete(g.chans, member)
	delete(g.owned, member)
	delete(g.failed, member)
	g.releaseLocked(member, g.generation)
	g.rebalanceLocked()
	return nil
}

// Fail marks a member as halted. It keeps its partitions and no longer blocks
// rebalances.
func (g *Group) Fail(member string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.chans[member]; !ok {
		return
	}
	g.failed[member] = true
	g.releaseLocked(member, g.generation)
	g.log.Warn().Str("member", member).Int("partitions", len(g.owned[member])).Msg("member failed, keeping its partitions")
}

// Retire is Fail for a member that stopped on purpose, after its final
// checkpoint.
func (g *Group) Retire(member string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.chans[member]; !ok {
		return
	}
	g.failed[member] = true
	g.releaseLocked(member, g.generation)
	g.log.Info().Str("member", member).Msg("member retired")
}

func (g *Group) Generation() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generation
}

// Owners returns the current assignment of every member.
func (g *Group) Owners() map[string][]domain.LogPartition {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string][]domain.LogPartition, len(g.owned))
	for m, ps := range g.owned {
		out[m] = append([]domain.LogPartition(nil), ps...)
	}
	return out
}

func (g *Group) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	for _, b := range g.barriers {
		close(b.done)
	}
	g.barriers = nil
}

func (g *Group) rebalanceLocked() {
	g.generation++
	gen := g.generation

	kept := make(map[domain.LogPartition]bool)
	var live []string
	for _, m := range g.members {
		if g.failed[m] {
			for _, p := range g.owned[m] {
				kept[p] = true
			}
			continue
		}
		live = append(live, m)
	}

	next := make(map[string][]domain.LogPartition, len(g.members))
	if len(live) > 0 {
		slot, last := -1, -1
		for _, p := range g.partitions {
			if kept[p] {
				continue
			}
			if p.Partition != last {
				slot++
				last = p.Partition
			}
			m := live[slot%len(live)]
			next[m] = append(next[m], p)
		}
	}

	b := &barrier{generation: gen, pending: make(map[string]struct{}), done: make(chan struct{})}
	for m := range g.holding {
		if !g.failed[m] {
			b.pending[m] = struct{}{}
		}
	}
	if len(b.pending) == 0 {
		close(b.done)
	} else {
		g.barriers = append(g.barriers, b)
	}

	for _, m := range live {
		g.owned[m] = next[m]
		if len(next[m]) > 0 {
			g.holding[m] = gen
		}
		a := Assignment{Generation: gen, Member: m, Partitions: next[m], group: g, barrier: b.done}
		ch := g.chans[m]
		select {
		case ch <- a:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- a
		}
	}
	g.log.Info().Int("generation", gen).Int("members", len(live)).Int("pending", len(b.pending)).Msg("rebalanced")
}

func (g *Group) release(member string, generation int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releaseLocked(member, generation)
}

func (g *Group) releaseLocked(member string, generation int) {
	if held, ok := g.holding[member]; ok && held <= generation {
		delete(g.holding, member)
	}
	remaining := g.barriers[:0]
	for _, b := range g.barriers {
		if b.generation > generation || generation == g.generation {
			delete(b.pending, member)
		}
		if len(b.pending) == 0 {
			close(b.done)
			continue
		}
		remaining = append(remaining, b)
	}
	g.barriers = remaining
}
