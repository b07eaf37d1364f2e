// Package scheduler drives a pipeline to completion.
//
// A fixed pool of workers pulls runnable processors from a ready queue and
// runs exactly one step for each: a poll plus at most one sync step. Async
// steps run on their own goroutines, bounded by a semaphore, so workers never
// wait on I/O. A processor that needs input or output room is parked and is
// woken only when a step of a neighbour changed an edge they share.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sandboxws/isotope/query/pkg/execerr"
	"github.com/sandboxws/isotope/query/pkg/metrics"
	"github.com/sandboxws/isotope/query/pkg/pipeline"
	"github.com/sandboxws/isotope/query/pkg/port"
	"github.com/sandboxws/isotope/query/pkg/processor"
	"github.com/sandboxws/isotope/query/pkg/query"
)

// ErrStalled is wrapped by the error returned when no processor can make
// progress although some have not finished.
var ErrStalled = errors.New("pipeline stalled")

// abortTimeout bounds the Abort call of a processor torn down by a failure.
const abortTimeout = 5 * time.Second

// Settings sizes the executor.
type Settings struct {
	// Workers is the number of goroutines running sync steps.
	Workers int
	// MaxAsync bounds the number of async steps in flight.
	MaxAsync int
}

// Executor runs pipelines.
type Executor struct {
	settings Settings
}

// New creates an executor. Zero settings are taken from the query settings
// at run time.
func New(settings Settings) *Executor {
	return &Executor{settings: settings}
}

// Run executes p and blocks until every processor finished. It returns the
// first error any processor produced, unmodified, after the OnFinished
// callbacks of p had their say.
func (e *Executor) Run(p *pipeline.Pipeline) error {
	if err := p.Validate(); err != nil {
		return p.Finish(execerr.Internal("pipeline", err))
	}

	q := p.Query()
	settings := e.settings
	if settings.Workers <= 0 {
		settings.Workers = q.Settings().Workers
	}
	if settings.Workers <= 0 {
		settings.Workers = 1
	}
	if settings.MaxAsync <= 0 {
		settings.MaxAsync = q.Settings().MaxAsync
	}
	if settings.MaxAsync <= 0 {
		settings.MaxAsync = settings.Workers
	}

	r := newRun(p, settings)
	err := r.execute()

	outcome := "success"
	if err != nil {
		outcome = execerr.KindOf(err).String()
	}
	metrics.QueriesFinished.WithLabelValues(outcome).Inc()

	return p.Finish(err)
}

type slotState int

const (
	idle slotState = iota
	queued
	running
	suspended
	finished
)

type slot struct {
	mu    sync.Mutex
	state slotState
	// dirty latches a wake that arrived while the processor was running or
	// suspended; it is honoured when the processor parks.
	dirty bool

	proc  processor.Processor
	edges []port.EdgeID

	steps   int64
	elapsed time.Duration
}

type run struct {
	q        *query.Context
	arena    *port.Arena
	logger   *zap.Logger
	settings Settings

	slots []*slot
	ready chan int
	sem   *semaphore.Weighted

	inflight atomic.Int64
	done     atomic.Int64
	finished chan struct{}
	once     sync.Once

	errMu    sync.Mutex
	firstErr error
}

func newRun(p *pipeline.Pipeline, settings Settings) *run {
	procs := p.Processors()
	r := &run{
		q:        p.Query(),
		arena:    p.Arena(),
		logger:   p.Query().Logger().Named("scheduler"),
		settings: settings,
		slots:    make([]*slot, len(procs)),
		ready:    make(chan int, len(procs)),
		sem:      semaphore.NewWeighted(int64(settings.MaxAsync)),
		finished: make(chan struct{}),
	}
	for i, proc := range procs {
		s := &slot{proc: proc, state: queued}
		for _, in := range proc.Inputs() {
			s.edges = append(s.edges, in.ID())
		}
		for _, out := range proc.Outputs() {
			s.edges = append(s.edges, out.ID())
		}
		r.slots[i] = s
	}
	return r
}

func (r *run) execute() error {
	start := time.Now()
	r.logger.Debug("pipeline started",
		zap.Int("processors", len(r.slots)),
		zap.Int("workers", r.settings.Workers),
		zap.Int("max_async", r.settings.MaxAsync))

	r.inflight.Store(int64(len(r.slots)))
	for i := range r.slots {
		r.ready <- i
	}

	// External cancellation must reach processors that are parked.
	go func() {
		select {
		case <-r.q.Ctx().Done():
			r.wakeAll()
		case <-r.finished:
		}
	}()

	var g errgroup.Group
	for w := 0; w < r.settings.Workers; w++ {
		g.Go(func() error {
			for {
				select {
				case i := <-r.ready:
					r.step(i)
				case <-r.finished:
					return nil
				}
			}
		})
	}
	_ = g.Wait()
	r.arena.Drain()

	err := r.err()
	if err == nil && r.q.IsCancelled() {
		err = execerr.Cancelled("pipeline", r.q.Err())
	}

	fields := []zap.Field{zap.Duration("elapsed", time.Since(start))}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	r.logger.Debug("pipeline finished", fields...)
	for _, s := range r.slots {
		pf := []zap.Field{
			zap.String("processor", s.proc.Name()),
			zap.Int64("steps", s.steps),
			zap.Duration("elapsed", s.elapsed),
		}
		if sr, ok := s.proc.(processor.StatusReporter); ok {
			pf = append(pf, zap.String("status", sr.Status()))
		}
		r.logger.Debug("processor summary", pf...)
	}
	return err
}

// step runs one poll and at most one sync step for slot i.
func (r *run) step(i int) {
	s := r.slots[i]
	s.mu.Lock()
	if s.state == finished {
		s.mu.Unlock()
		return
	}
	s.state = running
	s.dirty = false
	s.mu.Unlock()

	if r.q.IsCancelled() {
		r.finish(i, nil)
		return
	}

	before := r.versions(s)
	started := time.Now()
	ev, err := r.poll(s)
	if err == nil && ev == processor.Ready {
		err = r.runSync(s)
	}
	s.steps++
	s.elapsed += time.Since(started)
	r.wakeChanged(i, before)

	switch {
	case err != nil:
		r.finish(i, err)
	case ev == processor.Finished:
		r.finish(i, nil)
	case ev == processor.Ready:
		r.requeue(i)
	case ev == processor.Suspend:
		r.suspend(i)
	default:
		r.park(i)
	}
}

func (r *run) poll(s *slot) (ev processor.Event, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = execerr.Internalf(s.proc.Name(), "panic in poll: %v\n%s", v, debug.Stack())
		}
	}()
	return s.proc.Poll()
}

func (r *run) runSync(s *slot) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = execerr.Internalf(s.proc.Name(), "panic in sync step: %v\n%s", v, debug.Stack())
		}
	}()
	start := time.Now()
	err = s.proc.RunSync()
	metrics.StepLatency.WithLabelValues(s.proc.Name(), "sync").Observe(time.Since(start).Seconds())
	return err
}

func (r *run) runAsync(s *slot) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = execerr.Internalf(s.proc.Name(), "panic in async step: %v\n%s", v, debug.Stack())
		}
	}()
	start := time.Now()
	err = s.proc.RunAsync(r.q.Ctx())
	metrics.StepLatency.WithLabelValues(s.proc.Name(), "async").Observe(time.Since(start).Seconds())
	return err
}

// suspend hands the slot's async step to its own goroutine. The worker
// returns immediately.
func (r *run) suspend(i int) {
	s := r.slots[i]
	s.mu.Lock()
	s.state = suspended
	s.mu.Unlock()

	go func() {
		if err := r.sem.Acquire(r.q.Ctx(), 1); err != nil {
			// Cancelled while waiting; the next poll observes it.
			r.requeue(i)
			return
		}
		metrics.AsyncInFlight.Inc()
		err := r.runAsync(s)
		metrics.AsyncInFlight.Dec()
		r.sem.Release(1)

		if err != nil {
			r.finish(i, err)
			return
		}
		r.requeue(i)
	}()
}

func (r *run) requeue(i int) {
	s := r.slots[i]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == finished {
		return
	}
	s.state = queued
	s.dirty = false
	r.ready <- i
}

// park idles the slot unless a wake arrived while it was running.
func (r *run) park(i int) {
	s := r.slots[i]
	s.mu.Lock()
	if s.dirty {
		s.dirty = false
		s.state = queued
		r.ready <- i
		s.mu.Unlock()
		return
	}
	s.state = idle
	s.mu.Unlock()
	r.deactivate()
}

func (r *run) wake(i int) {
	if i == port.NoSlot {
		return
	}
	s := r.slots[i]
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case idle:
		r.inflight.Add(1)
		s.state = queued
		r.ready <- i
	case running, suspended:
		s.dirty = true
	}
}

func (r *run) wakeAll() {
	for i := range r.slots {
		r.wake(i)
	}
}

func (r *run) versions(s *slot) []uint64 {
	out := make([]uint64, len(s.edges))
	for k, id := range s.edges {
		out[k] = r.arena.Version(id)
	}
	return out
}

// wakeChanged wakes the processor at the other end of every edge whose
// version moved during the step.
func (r *run) wakeChanged(i int, before []uint64) {
	s := r.slots[i]
	for k, id := range s.edges {
		if r.arena.Version(id) != before[k] {
			r.wake(r.peer(i, id))
		}
	}
}

func (r *run) peer(i int, id port.EdgeID) int {
	producer, consumer := r.arena.Endpoints(id)
	if producer == i {
		return consumer
	}
	return producer
}

// finish tears the slot down: inputs are closed, outputs finished (or failed
// with err), Close is called and neighbours are woken.
func (r *run) finish(i int, err error) {
	s := r.slots[i]
	s.mu.Lock()
	if s.state == finished {
		s.mu.Unlock()
		return
	}
	s.state = finished
	s.mu.Unlock()

	proc := s.proc
	if err != nil {
		r.fail(proc.Name(), err)
	}
	for _, in := range proc.Inputs() {
		in.Close()
	}
	for _, out := range proc.Outputs() {
		if err != nil {
			out.SetError(err)
		} else {
			out.SetFinished()
		}
		// Errors a processor placed on its own outputs count as its failure.
		if perr := out.Err(); perr != nil {
			r.fail(proc.Name(), perr)
		}
	}
	if a, ok := proc.(processor.Aborter); ok {
		if cause := r.abortCause(err); cause != nil {
			r.abort(a, cause)
		}
	}
	if cerr := proc.Close(); cerr != nil {
		r.fail(proc.Name(), execerr.Resource(proc.Name(), fmt.Errorf("close: %w", cerr)))
	}

	for _, id := range s.edges {
		r.wake(r.peer(i, id))
	}

	if int(r.done.Add(1)) == len(r.slots) {
		r.once.Do(func() { close(r.finished) })
	}
	r.deactivate()
}

// abortCause is the error an unfinished processor is torn down with: its own
// failure, else the cause of the query cancellation.
func (r *run) abortCause(err error) error {
	if err != nil {
		return err
	}
	if !r.q.IsCancelled() {
		return nil
	}
	if cause := r.q.Err(); cause != nil {
		return cause
	}
	return context.Canceled
}

func (r *run) abort(a processor.Aborter, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.q.Ctx()), abortTimeout)
	defer cancel()
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("panic in abort", zap.Any("panic", v), zap.ByteString("stack", debug.Stack()))
		}
	}()
	a.Abort(ctx, cause)
}

// fail records err if it is the first one and cancels the query so that every
// other processor drains.
func (r *run) fail(name string, err error) {
	r.errMu.Lock()
	first := r.firstErr == nil
	if first {
		r.firstErr = err
	}
	r.errMu.Unlock()
	if !first {
		return
	}
	kind := execerr.KindOf(err)
	metrics.Errors.WithLabelValues(name, kind.String()).Inc()
	r.logger.Warn("processor failed", zap.String("processor", name), zap.Stringer("kind", kind), zap.Error(err))
	r.q.Cancel(err)
	r.wakeAll()
}

func (r *run) err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.firstErr
}

// deactivate accounts a slot that stopped being runnable and detects stalls.
func (r *run) deactivate() {
	if r.inflight.Add(-1) != 0 || int(r.done.Load()) == len(r.slots) {
		return
	}
	if r.q.IsCancelled() {
		r.wakeAll()
		return
	}
	var unfinished []string
	for _, s := range r.slots {
		s.mu.Lock()
		if s.state != finished {
			unfinished = append(unfinished, s.proc.Name())
		}
		s.mu.Unlock()
	}
	r.fail("scheduler", execerr.Internal("scheduler",
		fmt.Errorf("%w: %d processor(s) waiting forever: %v", ErrStalled, len(unfinished), unfinished)))
}

// Run executes p with a default executor.
func Run(p *pipeline.Pipeline) error {
	return New(Settings{}).Run(p)
}

// RunContext executes p and cancels the query when ctx is done.
func RunContext(ctx context.Context, p *pipeline.Pipeline) error {
	stop := context.AfterFunc(ctx, func() { p.Query().Cancel(context.Cause(ctx)) })
	defer stop()
	return Run(p)
}
