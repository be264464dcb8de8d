package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/hanpama/graphcache/internal/fetch"
	"github.com/hanpama/graphcache/internal/scheduler"
	"github.com/hanpama/graphcache/internal/selection"
)

// Query resolves sels once without registering a subscriber.
func (c *Client) Query(ctx context.Context, sels []*selection.Selection, opts ResolveOptions) (*Resolution, error) {
	tree, err := selection.NewTree(sels...)
	if err != nil {
		return nil, err
	}
	if tree.Kind() != selection.Query {
		return nil, fmt.Errorf("client: Query with %s selections", tree.Kind())
	}
	return c.resolve(ctx, nil, 0, tree, opts)
}

// MutateOptions tunes one mutation. Mutations are not retried unless Retry
// is set.
type MutateOptions struct {
	Retry         *fetch.RetryOptions
	OperationName string
}

// Mutate sends sels as one mutation operation. Mutations run one at a time
// in call order; the response is merged and readers of changed fields are
// notified before Mutate returns.
func (c *Client) Mutate(ctx context.Context, sels []*selection.Selection, opts MutateOptions) (*Resolution, error) {
	tree, err := selection.NewTree(sels...)
	if err != nil {
		return nil, err
	}
	if tree.Kind() != selection.Mutation {
		return nil, fmt.Errorf("client: Mutate with %s selections", tree.Kind())
	}
	fo := fetch.Options{Retry: fetch.NoRetry()}
	if opts.Retry != nil {
		fo.Retry = *opts.Retry
	}
	pend := c.sched.Schedule(ctx, scheduler.Request{
		Kind:          selection.Mutation,
		Selections:    tree.Leaves(),
		OperationName: opts.OperationName,
		Fetch:         fo,
	})
	fr, err := pend.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return resultOf(tree, fr), nil
}

func resultOf(tree *selection.Tree, fr *fetch.Result) *Resolution {
	read := fr.Cache.Read(tree, 0)
	res := &Resolution{Data: read.Data, Freshness: read.Freshness(), Errors: map[string][]fetch.FieldError{}}
	for _, root := range tree.Roots() {
		rk := root.Selection.ResponseKey()
		if errs := fr.ErrorsFor(rk); len(errs) > 0 {
			res.Errors[rk] = errs
		}
	}
	return res
}

// Event is one subscription payload.
type Event struct {
	Data   map[string]any
	Errors map[string][]fetch.FieldError
	Err    error
}

// Stream is a running subscription.
type Stream struct {
	pending *scheduler.Pending
	once    sync.Once
}

// Close stops the subscription.
func (s *Stream) Close() { s.once.Do(s.pending.Release) }

// Done is closed when the subscription has ended.
func (s *Stream) Done() <-chan struct{} { return s.pending.Done() }

// Err returns the terminal error after Done, nil for a clean end.
func (s *Stream) Err() error {
	select {
	case <-s.pending.Done():
		_, err := s.pending.Result()
		return err
	default:
		return nil
	}
}

// Subscription starts a subscription for sels. Each payload is merged into
// the cache, so query subscribers reading the same entities are notified,
// and then handed to fn.
func (c *Client) Subscription(ctx context.Context, sels []*selection.Selection, fn func(Event)) (*Stream, error) {
	tree, err := selection.NewTree(sels...)
	if err != nil {
		return nil, err
	}
	if tree.Kind() != selection.Subscription {
		return nil, fmt.Errorf("client: Subscription with %s selections", tree.Kind())
	}
	pend := c.sched.Schedule(ctx, scheduler.Request{
		Kind:       selection.Subscription,
		Selections: tree.Leaves(),
		Fetch:      fetch.Options{Retry: fetch.NoRetry()},
		OnPayload: func(fr *fetch.Result, err error) {
			if err != nil {
				fn(Event{Err: err})
				return
			}
			res := resultOf(tree, fr)
			fn(Event{Data: res.Data, Errors: res.Errors})
		},
	})
	return &Stream{pending: pend}, nil
}
