// Package scheduler coalesces field requests into batches. Queries recorded
// within one window share a single operation; every mutation and every
// subscription is its own batch.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	eventbus "github.com/hanpama/graphcache/internal/eventbus"
	events "github.com/hanpama/graphcache/internal/events"
	"github.com/hanpama/graphcache/internal/fetch"
	"github.com/hanpama/graphcache/internal/selection"
)

// ErrBatchDropped is the result of a request whose batch was discarded
// because every consumer released it before dispatch.
var ErrBatchDropped = errors.New("scheduler: batch dropped")

// Executor sends built operations. fetch.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, op *fetch.Operation, opts fetch.Options) (*fetch.Result, error)
	Stream(ctx context.Context, op *fetch.Operation, opts fetch.Options, fn func(*fetch.Result, error)) error
}

// Options configures a Scheduler.
type Options struct {
	// Window is how long the first request of an empty window waits for
	// company. Zero means the next timer tick.
	Window time.Duration
	// Manual disables the timer; batches go out only on Flush.
	Manual bool
	// Concurrency bounds query batches in flight across all flushes. Zero
	// means unbounded. Running subscriptions do not count against it.
	Concurrency int
	Schema      Schema
}

// Option mutates Options
type Option func(*Options)

func WithWindow(d time.Duration) Option { return func(o *Options) { o.Window = d } }
func WithManualFlush() Option           { return func(o *Options) { o.Manual = true } }
func WithConcurrency(n int) Option      { return func(o *Options) { o.Concurrency = n } }
func WithSchema(s Schema) Option        { return func(o *Options) { o.Schema = s } }

// Request asks for a set of leaf selections of one operation kind.
type Request struct {
	Kind          selection.Kind
	Selections    []*selection.Selection
	OperationName string
	Fetch         fetch.Options
	// OnPayload receives every subscription payload. Required for
	// subscriptions, ignored otherwise.
	OnPayload func(*fetch.Result, error)
}

// Pending is the handle of one scheduled request.
type Pending struct {
	done chan struct{}
	once sync.Once
	res  *fetch.Result
	err  error

	mu       sync.Mutex
	released bool
	cancel   context.CancelFunc
}

func newPending() *Pending { return &Pending{done: make(chan struct{})} }

// Done is closed once the request has a result.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result blocks until the request completes.
func (p *Pending) Result() (*fetch.Result, error) {
	<-p.done
	return p.res, p.err
}

// Wait is Result bounded by ctx. Leaving early does not cancel the request.
func (p *Pending) Wait(ctx context.Context) (*fetch.Result, error) {
	select {
	case <-p.done:
		return p.res, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release withdraws interest. A batch whose every request was released
// before dispatch is dropped; a running subscription is stopped. Queries and
// mutations already sent run to completion.
func (p *Pending) Release() {
	p.mu.Lock()
	p.released = true
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Pending) isReleased() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

// attach registers cancel as the stop function of a running stream. It
// reports false when the request was released already.
func (p *Pending) attach(cancel context.CancelFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return false
	}
	p.cancel = cancel
	return true
}

func (p *Pending) finish(res *fetch.Result, err error) {
	p.once.Do(func() {
		p.res, p.err = res, err
		close(p.done)
	})
}

type batchKey struct {
	name    string
	noCache bool
	maxAge  time.Duration
}

func keyOf(req Request) batchKey {
	k := batchKey{name: req.OperationName, noCache: req.Fetch.NoCache, maxAge: -1}
	if req.Fetch.MaxAge != nil {
		k.maxAge = *req.Fetch.MaxAge
	}
	return k
}

type batch struct {
	ctx        context.Context
	kind       selection.Kind
	name       string
	fetch      fetch.Options
	onPayload  func(*fetch.Result, error)
	rec        *selection.Recorder
	pending    []*Pending
	selections int
}

func (b *batch) dropped() bool {
	for _, p := range b.pending {
		if !p.isReleased() {
			return false
		}
	}
	return true
}

func (b *batch) finish(res *fetch.Result, err error) {
	for _, p := range b.pending {
		p.finish(res, err)
	}
}

// Scheduler buffers requests into batch windows and dispatches them.
type Scheduler struct {
	exec Executor
	opts Options

	mu      sync.Mutex
	queries map[batchKey]*batch
	order   []*batch
	timer   *time.Timer
	closed  bool

	mqueue []*batch
	mcond  *sync.Cond
	mdone  chan struct{}

	flushMu sync.Mutex
	slots   *semaphore.Weighted
	wg      sync.WaitGroup
	base    context.Context
	stop    context.CancelFunc
}

// New creates a Scheduler dispatching through exec.
func New(exec Executor, opts ...Option) *Scheduler {
	var o Options
	for _, f := range opts {
		f(&o)
	}
	base, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		exec:    exec,
		opts:    o,
		queries: make(map[batchKey]*batch),
		mdone:   make(chan struct{}),
		base:    base,
		stop:    stop,
	}
	if o.Concurrency > 0 {
		s.slots = semaphore.NewWeighted(int64(o.Concurrency))
	}
	s.mcond = sync.NewCond(&s.mu)
	go s.mutationLoop()
	return s
}

// Schedule records req in the current window. ctx contributes values (ids,
// trace context) to the batch but not cancellation.
func (s *Scheduler) Schedule(ctx context.Context, req Request) *Pending {
	p := newPending()
	if len(req.Selections) == 0 {
		p.finish(nil, fmt.Errorf("scheduler: empty %s request", req.Kind))
		return p
	}
	if req.Kind == selection.Subscription && req.OnPayload == nil {
		p.finish(nil, fmt.Errorf("scheduler: subscription without payload handler"))
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		p.finish(nil, fetch.ErrClosed)
		return p
	}
	var b *batch
	if req.Kind == selection.Query {
		k := keyOf(req)
		b = s.queries[k]
		if b == nil {
			b = s.newBatch(ctx, req)
			s.queries[k] = b
			s.order = append(s.order, b)
		} else if req.Fetch.Retry.MaxRetries > b.fetch.Retry.MaxRetries {
			b.fetch.Retry = req.Fetch.Retry
		}
	} else {
		b = s.newBatch(ctx, req)
		s.order = append(s.order, b)
	}
	for _, sel := range req.Selections {
		b.rec.Record(sel)
	}
	b.selections += len(req.Selections)
	b.pending = append(b.pending, p)
	if !s.opts.Manual && s.timer == nil {
		s.timer = time.AfterFunc(s.opts.Window, s.Flush)
	}
	return p
}

func (s *Scheduler) newBatch(ctx context.Context, req Request) *batch {
	return &batch{
		ctx:       context.WithoutCancel(ctx),
		kind:      req.Kind,
		name:      req.OperationName,
		fetch:     req.Fetch,
		onPayload: req.OnPayload,
		rec:       selection.NewRecorder(),
	}
}

// Len returns the number of batches waiting in the open window.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Flush closes the open window and dispatches its batches. Mutations are
// queued for the serial worker; the other batches go out concurrently.
// Flush does not wait for responses.
func (s *Scheduler) Flush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	order := s.order
	s.order = nil
	s.queries = make(map[batchKey]*batch)
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	var g errgroup.Group
	started := false
	for _, b := range order {
		if s.drop(b) {
			continue
		}
		eventbus.Publish(b.ctx, events.BatchFlushed{
			OperationType: string(b.kind),
			Requests:      len(b.pending),
			Selections:    b.selections,
			Deduplicated:  b.selections - len(b.rec.Selections()),
		})
		if b.kind == selection.Mutation {
			s.enqueueMutation(b)
			continue
		}
		if !started {
			started = true
			s.wg.Add(1)
		}
		g.Go(func() error {
			if b.kind == selection.Query && s.slots != nil {
				if err := s.slots.Acquire(s.base, 1); err != nil {
					b.finish(nil, fetch.ErrClosed)
					return nil
				}
				defer s.slots.Release(1)
			}
			s.dispatch(b)
			return nil
		})
	}
	if started {
		go func() {
			defer s.wg.Done()
			_ = g.Wait()
		}()
	}
}

// drop finishes b with ErrBatchDropped when every request released it.
func (s *Scheduler) drop(b *batch) bool {
	if !b.dropped() {
		return false
	}
	b.finish(nil, ErrBatchDropped)
	eventbus.Publish(b.ctx, events.BatchDropped{OperationType: string(b.kind), Requests: len(b.pending)})
	return true
}

func (s *Scheduler) dispatch(b *batch) {
	if s.drop(b) {
		return
	}
	tree, err := selection.NewTree(b.rec.Selections()...)
	if err != nil {
		b.finish(nil, err)
		return
	}
	op, err := Build(tree, b.name, s.opts.Schema)
	if err != nil {
		b.finish(nil, fmt.Errorf("scheduler: build %s: %w", b.kind, err))
		return
	}
	if b.kind == selection.Subscription {
		ctx, cancel := context.WithCancel(b.ctx)
		defer cancel()
		stop := context.AfterFunc(s.base, cancel)
		defer stop()
		if !b.pending[0].attach(cancel) {
			b.finish(nil, ErrBatchDropped)
			return
		}
		b.finish(nil, s.exec.Stream(ctx, op, b.fetch, b.onPayload))
		return
	}
	b.finish(s.exec.Execute(b.ctx, op, b.fetch))
}

func (s *Scheduler) enqueueMutation(b *batch) {
	s.mu.Lock()
	s.mqueue = append(s.mqueue, b)
	s.mu.Unlock()
	s.mcond.Signal()
}

// mutationLoop dispatches mutations one at a time in submission order.
func (s *Scheduler) mutationLoop() {
	defer close(s.mdone)
	for {
		s.mu.Lock()
		for len(s.mqueue) == 0 && !s.closed {
			s.mcond.Wait()
		}
		if s.closed {
			rest := s.mqueue
			s.mqueue = nil
			s.mu.Unlock()
			for _, b := range rest {
				b.finish(nil, fetch.ErrClosed)
			}
			return
		}
		b := s.mqueue[0]
		s.mqueue = s.mqueue[1:]
		s.mu.Unlock()
		s.dispatch(b)
	}
}

// Close fails requests that were not dispatched yet, stops running
// subscriptions and waits for in-flight batches.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	order := s.order
	s.order = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.mcond.Broadcast()
	for _, b := range order {
		b.finish(nil, fetch.ErrClosed)
	}
	s.stop()
	<-s.mdone
	s.flushMu.Lock()
	s.wg.Wait()
	s.flushMu.Unlock()
}
