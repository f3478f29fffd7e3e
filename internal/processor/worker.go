package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cascade/internal/computation"
	"cascade/internal/domain"
	"cascade/internal/logger"
	"cascade/internal/stream"
)

type State string

const (
	StateIdle          State = "idle"
	StatePolling       State = "polling"
	StateInvoking      State = "invoking"
	StateFlushing      State = "flushing"
	StateCheckpointing State = "checkpointing"
	StateTerminated    State = "terminated"
	StateHalted        State = "halted"
	StateStopped       State = "stopped"
)

func (s State) running() bool {
	return s != StateTerminated && s != StateHalted && s != StateStopped
}

// WorkerStatus is a snapshot of one worker.
type WorkerStatus struct {
	Computation  string
	Worker       string
	Generation   int
	Partitions   []domain.LogPartition
	Spare        bool
	State        State
	Processed    int64
	Skipped      int64
	Failures     int64
	Pending      int
	Degraded     bool
	LowWatermark int64
	Err          error
}

var (
	// ErrRebalance interrupts a worker whose partitions changed. It is never
	// reported as a failure.
	ErrRebalance = errors.New("rebalance")

	errStopRequested = errors.New("stop requested")
	errTerminated    = errors.New("termination requested")
)

// worker drives one instance of a computation over the partitions the group
// assigned to it.
type worker struct {
	id   string
	pool *pool
	log  zerolog.Logger

	// ctx is canceled on Shutdown: the worker exits without checkpointing.
	ctx context.Context
	// quit is canceled by a graceful stop: the worker checkpoints then exits.
	quit   context.Context
	cancel context.CancelFunc
	done   chan struct{}

	assignments <-chan stream.Assignment
	assignment  stream.Assignment
	assigned    bool
	spare       bool
	tailer      stream.Tailer
	instance    computation.Computation
	timers      map[string]time.Time
	lastOffset  domain.LogOffset
	sourceLow   int64

	pending      []computation.Output
	batchRecords int
	batchStart   time.Time

	watermark watermarkTracker

	mu     sync.Mutex
	status WorkerStatus
}

func newWorker(ctx context.Context, p *pool, id string, assignments <-chan stream.Assignment) *worker {
	quit, cancel := context.WithCancel(ctx)
	return &worker{
		id:          id,
		pool:        p,
		log:         logger.With("worker").With().Str("computation", p.name).Str("worker", id).Logger(),
		ctx:         ctx,
		quit:        quit,
		cancel:      cancel,
		done:        make(chan struct{}),
		assignments: assignments,
		status:      WorkerStatus{Computation: p.name, Worker: id, State: StateIdle},
	}
}

func (w *worker) requestStop() { w.cancel() }

func (w *worker) snapshot() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.status
	s.Partitions = append([]domain.LogPartition(nil), s.Partitions...)
	s.LowWatermark = w.watermark.value()
	return s
}

func (w *worker) update(fn func(s *WorkerStatus)) {
	w.mu.Lock()
	fn(&w.status)
	w.mu.Unlock()
}

func (w *worker) setState(s State) { w.update(func(st *WorkerStatus) { st.State = s }) }

func (w *worker) policy() computation.Policy { return w.pool.policy }

func (w *worker) run() {
	defer close(w.done)
	defer w.cancel()

	var a stream.Assignment
	select {
	case a = <-w.assignments:
	case <-w.quit.Done():
		w.setState(StateStopped)
		return
	}
	for {
		err := w.start(a)
		if err == nil {
			a, err = w.process()
		}
		switch {
		case w.ctx.Err() != nil:
			w.finish(false, false)
			w.log.Warn().Msg("aborted without checkpoint")
			w.setState(StateStopped)
			return
		case errors.Is(err, ErrRebalance):
			w.log.Info().Int("generation", a.Generation).Msg("partitions revoked")
			if err := w.finish(true, true); err != nil {
				w.halt(err)
				return
			}
		case errors.Is(err, errStopRequested):
			if err := w.finish(true, true); err != nil {
				w.halt(err)
				return
			}
			w.setState(StateStopped)
			return
		case errors.Is(err, errTerminated):
			w.finish(false, false)
			w.pool.group.Retire(w.id)
			w.log.Info().Msg("terminated")
			w.setState(StateTerminated)
			return
		default:
			w.halt(err)
			return
		}
	}
}

// start waits for the previous owners to release the partitions, then
// creates and initializes a fresh computation instance.
func (w *worker) start(a stream.Assignment) error {
	w.setState(StateIdle)
	if err := a.Wait(w.quit); err != nil {
		return errStopRequested
	}
	w.assignment, w.assigned = a, true
	w.spare = a.Spare() && len(w.pool.node.Mapping.Inputs) > 0
	w.timers = make(map[string]time.Time)
	w.pending = nil
	w.batchRecords = 0
	w.update(func(s *WorkerStatus) {
		s.Generation = a.Generation
		s.Partitions = append([]domain.LogPartition(nil), a.Partitions...)
		s.Spare = w.spare
		s.Pending = 0
	})

	if len(a.Partitions) > 0 {
		t, err := w.pool.processor.manager.CreateTailer(w.ctx, w.pool.name, a.Partitions...)
		if err != nil {
			return &computation.Failure{Computation: w.pool.name, Attempts: 1, Err: fmt.Errorf("create tailer: %w", err)}
		}
		w.tailer = t
	}
	w.instance = w.pool.node.Factory()
	eff, attempts, err := w.invoke(w.sourceLow, func(inv *computation.Invocation) error { return w.instance.Init(inv) })
	if err != nil {
		return &computation.Failure{Computation: w.pool.name, Attempts: attempts, Err: fmt.Errorf("init: %w", err)}
	}
	w.accept(eff)
	w.setState(StatePolling)
	w.log.Info().Int("generation", a.Generation).Int("partitions", len(a.Partitions)).Bool("spare", w.spare).Msg("started")
	return nil
}

// process is the poll loop. It returns the next assignment with ErrRebalance
// when the partitions change.
func (w *worker) process() (stream.Assignment, error) {
	for {
		if w.quit.Err() != nil {
			return stream.Assignment{}, errStopRequested
		}
		select {
		case a := <-w.assignments:
			return a, ErrRebalance
		default:
		}

		if err := w.fireTimers(); err != nil {
			return stream.Assignment{}, err
		}
		if w.batchOpen() && time.Since(w.batchStart) >= w.policy().BatchThreshold {
			if err := w.checkpoint(); err != nil {
				return stream.Assignment{}, err
			}
		}

		w.setState(StatePolling)
		if w.tailer == nil {
			t := time.NewTimer(w.readTimeout())
			select {
			case <-w.quit.Done():
			case a := <-w.assignments:
				t.Stop()
				return a, ErrRebalance
			case <-t.C:
			}
			t.Stop()
			continue
		}

		rec, err := w.tailer.Read(w.quit, w.readTimeout())
		if err != nil {
			if w.quit.Err() != nil {
				continue
			}
			return stream.Assignment{}, &computation.Failure{Computation: w.pool.name, Attempts: 1, Err: fmt.Errorf("read: %w", err)}
		}
		if rec == nil {
			continue
		}
		if err := w.processRecord(rec); err != nil {
			return stream.Assignment{}, err
		}
	}
}

func (w *worker) processRecord(rec *domain.LogRecord) error {
	input := rec.Offset.Partition.Name
	logical, _ := w.pool.node.Mapping.Logical(input)
	w.lastOffset = rec.Offset
	eff, attempts, err := w.invoke(rec.Record.Watermark, func(inv *computation.Invocation) error {
		return w.instance.ProcessRecord(inv, logical, rec.Record)
	})
	if err != nil {
		if w.ctx.Err() != nil {
			return w.ctx.Err()
		}
		failure := &computation.Failure{Computation: w.pool.name, Stream: input, Offset: rec.Offset, Attempts: attempts, Err: err}
		var ok bool
		if eff, ok = w.recover(failure, rec.Record); !ok {
			return failure
		}
	}
	w.openBatch()
	w.accept(eff)
	w.batchRecords++
	w.update(func(s *WorkerStatus) { s.Processed++ })

	if eff.Checkpoint || eff.Terminate || w.batchRecords >= w.policy().BatchCapacity {
		if err := w.checkpoint(); err != nil {
			return err
		}
	}
	if eff.Terminate {
		return errTerminated
	}
	return nil
}

// recover applies the failure policy once retries are exhausted. It returns
// false when the worker must halt.
func (w *worker) recover(failure *computation.Failure, rec domain.Record) (computation.Effects, bool) {
	p := w.policy()
	eff := computation.Effects{SourceLowWatermark: rec.Watermark}
	switch {
	case p.SkipFailure:
		w.log.Warn().Err(failure).Msg("skipping record")
		w.update(func(s *WorkerStatus) { s.Skipped++ })
	case p.ContinueOnFailure:
		if p.DeadLetterStream != "" && failure.Stream != "" {
			eff.Outputs = []computation.Output{{Stream: p.DeadLetterStream, Record: rec}}
		}
		w.log.Error().Err(failure).Str("dead_letter", p.DeadLetterStream).Msg("continuing in degraded mode")
		w.update(func(s *WorkerStatus) {
			s.Skipped++
			s.Degraded = true
		})
	default:
		return eff, false
	}
	return eff, true
}

// invoke runs fn against a fresh Invocation, retrying per policy. Effects of
// failed attempts are discarded.
func (w *worker) invoke(sourceLow int64, fn func(*computation.Invocation) error) (computation.Effects, int, error) {
	p := w.policy()
	var err error
	for attempt := 1; attempt <= p.Attempts(); attempt++ {
		inv := computation.NewInvocation(w.pool.node.Mapping, p, computation.InvocationOptions{
			LastOffset:         w.lastOffset,
			SourceLowWatermark: sourceLow,
			Spare:              w.spare,
			Manager:            w.pool.processor.manager,
		})
		w.setState(StateInvoking)
		err = call(inv, fn)
		if err == nil {
			return inv.Finalize(), attempt, nil
		}
		inv.Finalize()
		w.update(func(s *WorkerStatus) { s.Failures++ })
		w.log.Warn().Err(err).Int("attempt", attempt).Int("attempts", p.Attempts()).Msg("invocation failed")
		if attempt < p.Attempts() {
			if serr := sleep(w.ctx, p.RetryDelay); serr != nil {
				return computation.Effects{}, attempt, serr
			}
		}
	}
	return computation.Effects{}, p.Attempts(), err
}

func call(inv *computation.Invocation, fn func(*computation.Invocation) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(inv)
}

func (w *worker) fireTimers() error {
	if len(w.timers) == 0 {
		return nil
	}
	now := time.Now()
	type due struct {
		key string
		at  time.Time
	}
	var fired []due
	for k, at := range w.timers {
		if !at.After(now) {
			fired = append(fired, due{k, at})
		}
	}
	sort.Slice(fired, func(i, j int) bool {
		if !fired[i].at.Equal(fired[j].at) {
			return fired[i].at.Before(fired[j].at)
		}
		return fired[i].key < fired[j].key
	})
	for _, t := range fired {
		if at, ok := w.timers[t.key]; !ok || !at.Equal(t.at) {
			continue
		}
		delete(w.timers, t.key)
		eff, attempts, err := w.invoke(w.sourceLow, func(inv *computation.Invocation) error {
			return w.instance.ProcessTimer(inv, t.key, t.at)
		})
		if err != nil {
			if w.ctx.Err() != nil {
				return w.ctx.Err()
			}
			failure := &computation.Failure{Computation: w.pool.name, Attempts: attempts, Err: fmt.Errorf("timer %s: %w", t.key, err)}
			if _, ok := w.recover(failure, domain.Record{Watermark: w.sourceLow}); !ok {
				return failure
			}
			continue
		}
		if len(eff.Outputs) > 0 {
			w.openBatch()
		}
		w.accept(eff)
		if eff.Checkpoint || eff.Terminate {
			if err := w.checkpoint(); err != nil {
				return err
			}
		}
		if eff.Terminate {
			return errTerminated
		}
	}
	return nil
}

func (w *worker) accept(eff computation.Effects) {
	for _, op := range eff.Timers {
		if op.Remove {
			delete(w.timers, op.Key)
			continue
		}
		w.timers[op.Key] = op.At
	}
	w.pending = append(w.pending, eff.Outputs...)
	if eff.SourceLowWatermark != domain.LowestWatermark {
		w.sourceLow = eff.SourceLowWatermark
	}
	w.watermark.update(w.sourceLow, w.pendingLow())
	n := len(w.pending)
	w.update(func(s *WorkerStatus) { s.Pending = n })
}

func (w *worker) pendingLow() int64 {
	low := domain.LowestWatermark
	for _, o := range w.pending {
		if wm := o.Record.Watermark; wm != domain.LowestWatermark && (low == domain.LowestWatermark || wm < low) {
			low = wm
		}
	}
	return low
}

func (w *worker) batchOpen() bool { return w.batchRecords > 0 || len(w.pending) > 0 }

func (w *worker) openBatch() {
	if !w.batchOpen() {
		w.batchStart = time.Now()
	}
}

// checkpoint flushes the pending records then commits the input position.
// Nothing is committed when the flush fails under the halt policy. A batch
// whose outputs were dropped is committed but its watermark is not marked
// completed.
func (w *worker) checkpoint() error {
	dropped, err := w.flush()
	if err != nil {
		return err
	}
	if w.tailer != nil && w.batchRecords > 0 {
		w.setState(StateCheckpointing)
		attempts, err := w.retry(func() error { return w.tailer.Commit(w.ctx) })
		if err != nil {
			failure := &computation.Failure{Computation: w.pool.name, Attempts: attempts, Err: fmt.Errorf("checkpoint: %w", err)}
			if w.ctx.Err() != nil || !w.tolerant() {
				return failure
			}
			w.log.Error().Err(failure).Msg("checkpoint failed, records will be redelivered")
		} else {
			w.log.Debug().Int("records", w.batchRecords).Str("offset", w.lastOffset.String()).Msg("checkpoint")
		}
	}
	w.batchRecords = 0
	if !dropped {
		w.watermark.checkpointed(w.sourceLow)
	}
	return nil
}

// flush appends the pending outputs. Under a tolerant policy the outputs
// still failing once retries are exhausted go to the dead letter stream, if
// any, and flush reports them as dropped.
func (w *worker) flush() (bool, error) {
	if len(w.pending) == 0 {
		return false, nil
	}
	w.setState(StateFlushing)
	flushed := 0
	attempts, err := w.retry(func() error {
		for flushed < len(w.pending) {
			if err := w.append(w.pending[flushed].Stream, w.pending[flushed].Record); err != nil {
				return err
			}
			flushed++
		}
		return nil
	})
	dropped := false
	if err != nil {
		failure := &computation.Failure{Computation: w.pool.name, Attempts: attempts, Err: fmt.Errorf("flush: %w", err)}
		if w.ctx.Err() != nil || !w.tolerant() {
			return false, failure
		}
		w.log.Error().Err(failure).Int("dropped", len(w.pending)-flushed).Str("dead_letter", w.policy().DeadLetterStream).Msg("dropping records that could not be flushed")
		w.deadLetter(w.pending[flushed:])
		w.update(func(s *WorkerStatus) { s.Degraded = true })
		dropped = true
	}
	w.pending = nil
	if !dropped {
		w.watermark.update(w.sourceLow, domain.LowestWatermark)
	}
	w.update(func(s *WorkerStatus) { s.Pending = 0 })
	return dropped, nil
}

func (w *worker) append(name string, rec domain.Record) error {
	p, err := w.pool.processor.router.Route(w.ctx, name, rec.Key)
	if err != nil {
		return err
	}
	_, err = w.pool.processor.manager.Append(w.ctx, p.Name, p.Partition, rec)
	return err
}

func (w *worker) deadLetter(outputs []computation.Output) {
	dlq := w.policy().DeadLetterStream
	if dlq == "" {
		return
	}
	for _, out := range outputs {
		if _, err := w.retry(func() error { return w.append(dlq, out.Record) }); err != nil {
			w.log.Error().Err(err).Str("stream", out.Stream).Str("key", out.Record.Key).Msg("dead letter append failed")
		}
	}
}

func (w *worker) tolerant() bool {
	return w.policy().SkipFailure || w.policy().ContinueOnFailure
}

func (w *worker) retry(fn func() error) (int, error) {
	p := w.policy()
	var err error
	for attempt := 1; attempt <= p.Attempts(); attempt++ {
		if err = fn(); err == nil {
			return attempt, nil
		}
		if attempt < p.Attempts() {
			w.log.Warn().Err(err).Int("attempt", attempt).Msg("retrying")
			if serr := sleep(w.ctx, p.RetryDelay); serr != nil {
				return attempt, serr
			}
		}
	}
	return p.Attempts(), err
}

func (w *worker) readTimeout() time.Duration {
	d := w.pool.processor.settings.PollTimeout
	now := time.Now()
	for _, at := range w.timers {
		if until := at.Sub(now); until < d {
			d = until
		}
	}
	if w.batchOpen() {
		if until := w.batchStart.Add(w.policy().BatchThreshold).Sub(now); until < d {
			d = until
		}
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// finish ends the current assignment: optional final checkpoint, then the
// instance is destroyed and the partitions handed back.
func (w *worker) finish(checkpoint, release bool) error {
	var err error
	if checkpoint && w.instance != nil {
		err = w.checkpoint()
	}
	if w.instance != nil {
		w.instance.Destroy()
		w.instance = nil
	}
	if w.tailer != nil {
		if cerr := w.tailer.Close(); cerr != nil {
			w.log.Warn().Err(cerr).Msg("close tailer")
		}
		w.tailer = nil
	}
	w.timers = nil
	w.pending = nil
	if release && w.assigned && err == nil {
		w.assignment.Release()
	}
	w.assigned = false
	return err
}

// halt stops the worker on an unrecoverable failure. Its partitions stay
// assigned to it and its last checkpoint is kept.
func (w *worker) halt(err error) {
	w.finish(false, false)
	w.pool.group.Fail(w.id)
	w.log.Error().Err(err).Msg("halted")
	w.update(func(s *WorkerStatus) {
		s.State = StateHalted
		s.Err = err
		s.Pending = 0
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
