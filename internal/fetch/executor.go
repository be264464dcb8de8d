package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hanpama/graphcache/internal/cache"
	eventbus "github.com/hanpama/graphcache/internal/eventbus"
	events "github.com/hanpama/graphcache/internal/events"
	"github.com/hanpama/graphcache/internal/registry"
	reqid "github.com/hanpama/graphcache/internal/reqid"
)

// Options tunes one Execute call.
type Options struct {
	Retry RetryOptions
	// NoCache merges the response into a transient cache instead of the
	// shared one. Nothing is notified.
	NoCache bool
	// MaxAge overrides the lifetime of entries written by this response.
	MaxAge *time.Duration
}

// Result is the outcome of a successful fetch.
type Result struct {
	Data     map[string]any
	Errors   []FieldError
	Changes  cache.ChangeSet
	Notified []registry.ID
	// Cache is the cache the response was merged into: the shared cache, or
	// a transient one for no-cache fetches.
	Cache    *cache.Cache
	Attempts int
}

// ErrorsFor returns the field errors whose path starts at responseKey.
func (r *Result) ErrorsFor(responseKey string) []FieldError {
	var out []FieldError
	for _, e := range r.Errors {
		if e.Root() == responseKey {
			out = append(out, e)
		}
	}
	return out
}

// Executor sends operations with retry, merges responses into the cache and
// notifies the registry about what changed.
type Executor struct {
	transport Transport
	cache     *cache.Cache
	registry  *registry.Registry

	base  context.Context
	close context.CancelFunc
}

// NewExecutor wires transport, cache and registry together. registry may be
// nil, in which case merges notify nobody.
func NewExecutor(t Transport, c *cache.Cache, r *registry.Registry) *Executor {
	base, cancel := context.WithCancel(context.Background())
	return &Executor{transport: t, cache: c, registry: r, base: base, close: cancel}
}

// Close aborts pending retry delays and rejects further calls.
func (x *Executor) Close() { x.close() }

// detach returns a context carrying ctx's values that is canceled only by
// Close: once a request is on the wire, consumers leaving does not abort it.
func (x *Executor) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(x.base, cancel)
	return ctx, func() { stop(); cancel() }
}

// Execute sends op, retrying per opts.Retry, and merges the response.
func (x *Executor) Execute(ctx context.Context, op *Operation, opts Options) (*Result, error) {
	if x.base.Err() != nil {
		return nil, ErrClosed
	}
	if op.ID == "" {
		op.ID = reqid.New()
	}
	if _, ok := reqid.FromContext(ctx); !ok {
		ctx = reqid.WithID(ctx, op.ID)
	}
	ctx, cancel := x.detach(ctx)
	defer cancel()

	start := time.Now()
	eventbus.Publish(ctx, events.BatchStart{
		OperationID:   op.ID,
		OperationName: op.OperationName,
		OperationType: string(op.Kind),
		Fields:        fieldCount(op),
	})
	resp, attempts, err := x.send(ctx, op, opts.Retry)
	var res *Result
	if err == nil {
		res, err = x.commit(ctx, op, resp, opts)
		if res != nil {
			res.Attempts = attempts
		}
	}
	fin := events.BatchFinish{
		OperationID:   op.ID,
		OperationName: op.OperationName,
		OperationType: string(op.Kind),
		Attempts:      attempts,
		Err:           err,
		Duration:      time.Since(start),
	}
	if resp != nil {
		fin.FieldErrors = len(resp.Errors)
	}
	eventbus.Publish(ctx, fin)
	return res, err
}

func (x *Executor) send(ctx context.Context, op *Operation, retry RetryOptions) (*Response, int, error) {
	for attempt := 1; ; attempt++ {
		eventbus.Publish(ctx, events.AttemptStart{OperationID: op.ID, Attempt: attempt})
		start := time.Now()
		resp, err := x.transport.Send(ctx, op)
		if err == nil {
			err = classify(resp)
		}
		eventbus.Publish(ctx, events.AttemptFinish{
			OperationID: op.ID,
			Attempt:     attempt,
			Err:         err,
			Duration:    time.Since(start),
		})
		if err == nil {
			return resp, attempt, nil
		}
		if attempt > retry.MaxRetries || !retry.shouldRetry(err) {
			return nil, attempt, err
		}
		d := retry.delay(attempt)
		eventbus.Publish(ctx, events.Retry{OperationID: op.ID, Attempt: attempt, Delay: d, Err: err})
		if serr := sleep(ctx, d); serr != nil {
			if errors.Is(serr, context.Canceled) && x.base.Err() != nil {
				return nil, attempt, ErrClosed
			}
			return nil, attempt, serr
		}
	}
}

// classify turns responses that carry no data into protocol errors.
func classify(resp *Response) error {
	if resp == nil {
		return &ProtocolError{Message: "empty response"}
	}
	if resp.Data != nil || len(resp.Errors) == 0 {
		return nil
	}
	pe := &ProtocolError{Message: resp.Errors[0].Message, Errors: resp.Errors}
	for _, e := range resp.Errors {
		if RetryableCodes[e.Code()] {
			pe.Retryable = true
		}
	}
	return pe
}

func (x *Executor) commit(ctx context.Context, op *Operation, resp *Response, opts Options) (*Result, error) {
	skip := make(map[string]struct{}, len(resp.Errors))
	for _, fe := range resp.Errors {
		if len(fe.Path) > 0 {
			skip[cache.PathString(fe.Path)] = struct{}{}
		}
	}
	target := x.cache
	if opts.NoCache {
		target = x.cache.Fork()
	}
	res := &Result{Data: resp.Data, Errors: resp.Errors, Cache: target}
	if op.Tree == nil {
		return res, nil
	}
	changes, err := target.Merge(op.Tree, resp.Data, cache.MergeOptions{MaxAge: opts.MaxAge, Skip: skip})
	eventbus.Publish(ctx, events.CacheMerge{
		OperationID: op.ID,
		Shared:      !opts.NoCache,
		Changed:     len(changes),
		Entries:     target.Len(),
		Err:         err,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch: merge %s response: %w", op.Kind, err)
	}
	res.Changes = changes
	if !opts.NoCache && x.registry != nil && len(changes) > 0 {
		res.Notified = x.registry.Notify(changes)
		eventbus.Publish(ctx, events.Notify{Changed: len(changes), Subscribers: len(res.Notified)})
	}
	return res, nil
}

// Stream runs a subscription. Every payload is merged and notified like a
// query response, then handed to fn. Transports that cannot stream fall back
// to a single Execute. Unlike Execute, ctx ends the stream.
func (x *Executor) Stream(ctx context.Context, op *Operation, opts Options, fn func(*Result, error)) error {
	if x.base.Err() != nil {
		return ErrClosed
	}
	st, ok := x.transport.(Streamer)
	if !ok {
		res, err := x.Execute(ctx, op, opts)
		fn(res, err)
		return err
	}
	if op.ID == "" {
		op.ID = reqid.New()
	}
	ctx = reqid.WithID(ctx, op.ID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(x.base, cancel)
	defer stop()

	eventbus.Publish(ctx, events.BatchStart{
		OperationID:   op.ID,
		OperationName: op.OperationName,
		OperationType: string(op.Kind),
		Fields:        fieldCount(op),
	})
	start := time.Now()
	payloads := 0
	err := st.Stream(ctx, op, func(resp *Response) error {
		payloads++
		if err := classify(resp); err != nil {
			fn(nil, err)
			return nil
		}
		res, err := x.commit(ctx, op, resp, opts)
		if res != nil {
			res.Attempts = 1
		}
		fn(res, err)
		return nil
	})
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	eventbus.Publish(ctx, events.BatchFinish{
		OperationID:   op.ID,
		OperationName: op.OperationName,
		OperationType: string(op.Kind),
		Attempts:      payloads,
		Err:           err,
		Duration:      time.Since(start),
	})
	return err
}

func fieldCount(op *Operation) int {
	if op.Tree == nil {
		return 0
	}
	return len(op.Tree.Leaves())
}
