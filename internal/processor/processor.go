// Package processor runs a topology: it creates the streams, spreads the
// input partitions of every computation over its workers and drives them.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cascade/internal/computation"
	"cascade/internal/domain"
	"cascade/internal/hashroute"
	"cascade/internal/logger"
	"cascade/internal/stream"
)

var (
	ErrNotInitialized = errors.New("processor not initialized")
	ErrAlreadyStarted = errors.New("processor already started")
	ErrNotStarted     = errors.New("processor not started")
	ErrStopTimeout    = errors.New("processor stop timed out")
)

type phase int

const (
	phaseCreated phase = iota
	phaseInitialized
	phaseStarted
	phaseStopped
)

// Processor owns the workers of every computation of one topology. The
// stream manager is shared by all workers.
type Processor struct {
	manager stream.Manager
	router  *hashroute.Router
	id      string
	log     zerolog.Logger

	mu       sync.Mutex
	phase    phase
	topology *computation.Topology
	settings Settings
	pools    []*pool
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(manager stream.Manager) *Processor {
	id := uuid.NewString()
	return &Processor{
		manager: manager,
		router:  hashroute.NewRouter(manager),
		id:      id,
		log:     logger.With("processor").With().Str("processor", id).Logger(),
	}
}

func (p *Processor) ID() string { return p.id }

// Init validates the settings and creates every stream of the topology,
// dead letter streams included. Existing streams keep their partitions.
func (p *Processor) Init(ctx context.Context, topology *computation.Topology, settings Settings) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase >= phaseStarted {
		return ErrAlreadyStarted
	}
	settings = settings.withDefaults()
	if err := settings.Validate(topology); err != nil {
		return err
	}
	streams := topology.Streams()
	for _, name := range topology.Computations() {
		if dlq := settings.PolicyOf(name).DeadLetterStream; dlq != "" {
			streams = append(streams, dlq)
		}
	}
	for _, s := range streams {
		created, err := p.manager.CreateStream(ctx, s, settings.PartitionsOf(s))
		if err != nil {
			return fmt.Errorf("create stream %s: %w", s, err)
		}
		if created {
			p.log.Info().Str("stream", s).Int("partitions", settings.PartitionsOf(s)).Msg("stream created")
		}
	}
	p.topology, p.settings = topology, settings
	p.phase = phaseInitialized
	return nil
}

// Start launches the workers. Cancelling ctx is equivalent to Shutdown.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.phase {
	case phaseCreated:
		return ErrNotInitialized
	case phaseStarted, phaseStopped:
		return ErrAlreadyStarted
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	for _, name := range p.topology.Computations() {
		node, err := p.topology.Node(name)
		if err != nil {
			p.cancel()
			return err
		}
		pl, err := newPool(p, node)
		if err != nil {
			p.cancel()
			for _, started := range p.pools {
				started.group.Close()
			}
			p.pools = nil
			return err
		}
		p.pools = append(p.pools, pl)
	}
	for _, pl := range p.pools {
		pl.start()
	}
	p.phase = phaseStarted
	p.log.Info().Int("computations", len(p.pools)).Msg("started")
	return nil
}

// WaitForAssignments blocks until every running worker started its current
// assignment.
func (p *Processor) WaitForAssignments(ctx context.Context) error {
	for {
		if p.assigned() {
			return nil
		}
		if err := sleep(ctx, 10*time.Millisecond); err != nil {
			return fmt.Errorf("wait for assignments: %w", err)
		}
	}
}

func (p *Processor) assigned() bool {
	p.mu.Lock()
	pools := append([]*pool(nil), p.pools...)
	p.mu.Unlock()
	if len(pools) == 0 {
		return false
	}
	for _, pl := range pools {
		gen := pl.group.Generation()
		for _, s := range pl.statuses() {
			if !s.State.running() {
				continue
			}
			if s.Generation != gen || s.State == StateIdle {
				return false
			}
		}
	}
	return true
}

// DrainAndStop waits until every computation consumed its inputs and every
// source computation terminated, then stops gracefully. It reports whether
// the topology drained before timeout.
func (p *Processor) DrainAndStop(ctx context.Context, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	drained, quiet := false, 0
	for time.Now().Before(deadline) {
		ok, err := p.drained(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			quiet++
		} else {
			quiet = 0
		}
		if quiet >= 2 {
			drained = true
			break
		}
		if err := sleep(ctx, p.settings.DrainInterval); err != nil {
			return false, err
		}
	}
	if !drained {
		p.log.Warn().Dur("timeout", timeout).Msg("drain timed out")
	}
	remaining := time.Until(deadline)
	if remaining < p.settings.RebalanceTimeout {
		remaining = p.settings.RebalanceTimeout
	}
	return drained, p.Stop(remaining)
}

func (p *Processor) drained(ctx context.Context) (bool, error) {
	p.mu.Lock()
	pools := append([]*pool(nil), p.pools...)
	p.mu.Unlock()
	for _, pl := range pools {
		for _, s := range pl.statuses() {
			if s.Pending > 0 {
				return false, nil
			}
			if len(pl.node.Mapping.Inputs) == 0 && s.State.running() {
				return false, nil
			}
		}
		if len(pl.node.Mapping.Inputs) == 0 {
			continue
		}
		lag, err := p.Lag(ctx, pl.name)
		if err != nil {
			return false, err
		}
		if lag.Lag > 0 {
			return false, nil
		}
	}
	return true, nil
}

// Stop asks every worker to flush, checkpoint and destroy its computation.
// Workers still running after timeout are aborted.
func (p *Processor) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.phase != phaseStarted {
		p.mu.Unlock()
		return nil
	}
	p.phase = phaseStopped
	pools := p.pools
	p.mu.Unlock()

	for _, pl := range pools {
		pl.stopAll()
	}
	err := waitWorkers(pools, timeout)
	if err != nil {
		p.log.Warn().Dur("timeout", timeout).Msg("stop timed out, aborting")
		p.cancel()
		waitWorkers(pools, time.Second)
	}
	p.cancel()
	for _, pl := range pools {
		pl.group.Close()
	}
	p.log.Info().Msg("stopped")
	return err
}

// Shutdown aborts every worker without a final checkpoint, as a crash would.
func (p *Processor) Shutdown() {
	p.mu.Lock()
	if p.phase != phaseStarted {
		p.mu.Unlock()
		return
	}
	p.phase = phaseStopped
	pools := p.pools
	p.mu.Unlock()

	p.cancel()
	waitWorkers(pools, 5*time.Second)
	for _, pl := range pools {
		pl.group.Close()
	}
	p.log.Warn().Msg("shut down")
}

func waitWorkers(pools []*pool, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for _, pl := range pools {
		for _, w := range pl.all() {
			select {
			case <-w.done:
			case <-deadline.C:
				return ErrStopTimeout
			}
		}
	}
	return nil
}

// LowWatermark is the lowest output watermark of the non spare workers.
// A worker that has not processed anything yet is ignored unless records
// wait on its partitions: the processor is then behind every timestamp and
// the result is domain.LowestWatermark.
func (p *Processor) LowWatermark() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.mu.Lock()
	pools := append([]*pool(nil), p.pools...)
	p.mu.Unlock()

	low := domain.LowestWatermark
	for _, pl := range pools {
		idle := map[domain.LogPartition]bool{}
		for _, s := range pl.statuses() {
			if s.Spare {
				continue
			}
			if s.LowWatermark == domain.LowestWatermark {
				for _, lp := range s.Partitions {
					idle[lp] = true
				}
				continue
			}
			if low == domain.LowestWatermark || s.LowWatermark < low {
				low = s.LowWatermark
			}
		}
		if len(idle) == 0 {
			continue
		}
		backlog, err := pl.backlog(ctx, idle)
		if err != nil {
			p.log.Warn().Err(err).Str("computation", pl.name).Msg("reading lag for the low watermark")
			return domain.LowestWatermark
		}
		if backlog {
			return domain.LowestWatermark
		}
	}
	return low
}

// IsDone reports whether every record with a watermark up to ts was
// processed.
func (p *Processor) IsDone(ts int64) bool {
	return p.LowWatermark() >= domain.CompletedWatermark(ts)
}

// Lag sums the lag of the computation over its input streams.
func (p *Processor) Lag(ctx context.Context, name string) (domain.LogLag, error) {
	p.mu.Lock()
	topology := p.topology
	p.mu.Unlock()
	if topology == nil {
		return domain.LogLag{}, ErrNotInitialized
	}
	node, err := topology.Node(name)
	if err != nil {
		return domain.LogLag{}, err
	}
	var lags []domain.LogLag
	for _, s := range node.Mapping.InputStreams() {
		lag, err := p.manager.Lag(ctx, s, name)
		if err != nil {
			return domain.LogLag{}, err
		}
		lags = append(lags, lag)
	}
	return domain.LagOfPartitions(lags), nil
}

// Status lists every worker, computations in topology order.
func (p *Processor) Status() []WorkerStatus {
	p.mu.Lock()
	pools := append([]*pool(nil), p.pools...)
	p.mu.Unlock()
	var out []WorkerStatus
	for _, pl := range pools {
		out = append(out, pl.statuses()...)
	}
	return out
}

// Err joins the failures of halted workers.
func (p *Processor) Err() error {
	var errs []error
	for _, s := range p.Status() {
		if s.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Worker, s.Err))
		}
	}
	return errors.Join(errs...)
}

// SetConcurrency resizes the workers of a running computation. Removed
// workers checkpoint before the group rebalances.
func (p *Processor) SetConcurrency(ctx context.Context, name string, n int) error {
	if n < 1 {
		return fmt.Errorf("concurrency must be >= 1, got %d", n)
	}
	p.mu.Lock()
	if p.phase != phaseStarted {
		p.mu.Unlock()
		return ErrNotStarted
	}
	var target *pool
	for _, pl := range p.pools {
		if pl.name == name {
			target = pl
		}
	}
	p.mu.Unlock()
	if target == nil {
		return fmt.Errorf("%w: %s", computation.ErrUnknownComputation, name)
	}
	return target.resize(ctx, n)
}

// Settings returns the effective settings.
func (p *Processor) Settings() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

// pool groups the workers of one computation.
type pool struct {
	name      string
	node      *computation.Node
	policy    computation.Policy
	processor *Processor
	group     *stream.Group

	mu      sync.Mutex
	workers map[string]*worker
	next    int
}

func newPool(p *Processor, node *computation.Node) (*pool, error) {
	var partitions []domain.LogPartition
	for _, s := range node.Mapping.InputStreams() {
		ps, err := stream.AllPartitions(p.ctx, p.manager, s)
		if err != nil {
			return nil, fmt.Errorf("computation %s: %w", node.Name, err)
		}
		partitions = append(partitions, ps...)
	}
	pl := &pool{
		name:      node.Name,
		node:      node,
		policy:    p.settings.PolicyOf(node.Name),
		processor: p,
		workers:   make(map[string]*worker),
	}
	n := p.settings.ConcurrencyOf(node.Name)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, pl.nextID())
	}
	g, err := stream.NewGroup(node.Name, partitions, ids...)
	if err != nil {
		return nil, err
	}
	pl.group = g
	for _, id := range ids {
		ch, err := g.Assignments(id)
		if err != nil {
			g.Close()
			return nil, err
		}
		pl.workers[id] = newWorker(p.ctx, pl, id, ch)
	}
	return pl, nil
}

func (pl *pool) nextID() string {
	id := fmt.Sprintf("%s-%02d", pl.name, pl.next)
	pl.next++
	return id
}

func (pl *pool) start() {
	for _, w := range pl.all() {
		go w.run()
	}
}

func (pl *pool) all() []*worker {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	out := make([]*worker, 0, len(pl.workers))
	for _, w := range pl.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// backlog reports whether records wait on one of the given partitions.
func (pl *pool) backlog(ctx context.Context, partitions map[domain.LogPartition]bool) (bool, error) {
	for _, name := range pl.node.Mapping.InputStreams() {
		lags, err := pl.processor.manager.LagPerPartition(ctx, name, pl.name)
		if err != nil {
			return false, err
		}
		for i, lag := range lags {
			if lag.Lag > 0 && partitions[domain.LogPartition{Name: name, Partition: i}] {
				return true, nil
			}
		}
	}
	return false, nil
}

func (pl *pool) statuses() []WorkerStatus {
	workers := pl.all()
	out := make([]WorkerStatus, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.snapshot())
	}
	return out
}

func (pl *pool) stopAll() {
	for _, w := range pl.all() {
		w.requestStop()
	}
}

func (pl *pool) resize(ctx context.Context, n int) error {
	workers := pl.all()
	switch {
	case n > len(workers):
		for i := len(workers); i < n; i++ {
			pl.mu.Lock()
			id := pl.nextID()
			pl.mu.Unlock()
			if err := pl.group.Join(id); err != nil {
				return err
			}
			ch, err := pl.group.Assignments(id)
			if err != nil {
				return err
			}
			w := newWorker(pl.processor.ctx, pl, id, ch)
			pl.mu.Lock()
			pl.workers[id] = w
			pl.mu.Unlock()
			go w.run()
		}
	case n < len(workers):
		for _, w := range workers[n:] {
			w.requestStop()
			select {
			case <-w.done:
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := pl.group.Leave(w.id); err != nil {
				return err
			}
			pl.mu.Lock()
			delete(pl.workers, w.id)
			pl.mu.Unlock()
		}
	}
	pl.processor.log.Info().Str("computation", pl.name).Int("concurrency", n).Msg("concurrency changed")
	return nil
}
